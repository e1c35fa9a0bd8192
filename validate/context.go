package validate

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"unicode"

	"github.com/Skryldev/imaged/config"
)

// Warning records one parameter that was dropped or adjusted.
type Warning struct {
	Param  string `json:"param"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s=%s: %s", w.Param, w.Value, w.Reason)
}

// ParseContext carries the policy and accumulated warnings for the
// validation phase of one request or one batch task. It is not safe for
// concurrent use and must not outlive that phase.
type ParseContext struct {
	// Strict rejects the request in Finish when any warning was recorded.
	Strict bool
	// FailFast turns the first invalid or clamped value into a *FieldError.
	FailFast bool
	// StringSource is true for query strings and form fields.
	StringSource bool
	// Prefix is prepended to parameter names in errors, e.g. "task[2].transform.".
	Prefix         string
	DimensionLimit int
	Warnings       []Warning
}

// NewQueryContext returns a lenient context for string-sourced parameters.
func NewQueryContext(strict bool) *ParseContext {
	return &ParseContext{
		Strict:         strict,
		StringSource:   true,
		DimensionLimit: config.DefaultDimensionLimit,
	}
}

// NewTaskContext returns a fail-fast context for typed batch task fields.
func NewTaskContext(prefix string) *ParseContext {
	return &ParseContext{
		FailFast:       true,
		Prefix:         prefix,
		DimensionLimit: config.DefaultDimensionLimit,
	}
}

func (pc *ParseContext) dimensionLimit() int {
	if pc.DimensionLimit > 0 {
		return pc.DimensionLimit
	}
	return config.DefaultDimensionLimit
}

// Field applies r to the context. It returns the value to use, whether the
// value is present, and a *FieldError in fail-fast mode.
func Field[T any](pc *ParseContext, param string, raw any, r Result[T]) (T, bool, error) {
	var zero T
	switch v := r.(type) {
	case Ok[T]:
		return v.Value, true, nil
	case Clamped[T]:
		if err := pc.report(param, raw, v.Reason); err != nil {
			return zero, false, err
		}
		return v.Value, true, nil
	case Invalid[T]:
		return zero, false, pc.report(param, raw, v.Reason)
	}
	panic(fmt.Sprintf("validate: unexpected result %T", r))
}

// Unknown records an unrecognised parameter name.
func (pc *ParseContext) Unknown(param string, raw any) error {
	return pc.report(param, raw, "unknown parameter")
}

// Warn records a problem that is not tied to a primitive result.
func (pc *ParseContext) Warn(param string, raw any, reason string) error {
	return pc.report(param, raw, reason)
}

func (pc *ParseContext) report(param string, raw any, reason string) error {
	if pc.FailFast {
		return &FieldError{Path: pc.Prefix + param, Reason: reason}
	}
	pc.Warnings = append(pc.Warnings, Warning{Param: param, Value: describe(raw), Reason: reason})
	return nil
}

// Finish ends the validation phase. Strict contexts with warnings fail with
// a *ValidationError listing every problem.
func (pc *ParseContext) Finish() error {
	if pc.Strict && len(pc.Warnings) > 0 {
		problems := make([]Warning, len(pc.Warnings))
		copy(problems, pc.Warnings)
		return &ValidationError{Problems: problems}
	}
	return nil
}

// WarningHeader renders the warnings as a single header value, or "" when
// there are none.
func (pc *ParseContext) WarningHeader() string {
	if len(pc.Warnings) == 0 {
		return ""
	}
	parts := make([]string, len(pc.Warnings))
	for i, w := range pc.Warnings {
		parts[i] = headerSafe(w.String())
	}
	return strings.Join(parts, "; ")
}

func headerSafe(s string) string {
	const max = 200
	s = strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII || unicode.IsControl(r) || r == ';' {
			return '?'
		}
		return r
	}, s)
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// FieldError is a fail-fast validation failure for one field.
type FieldError struct {
	Path   string
	Reason string
}

func (e *FieldError) Error() string  { return e.Path + ": " + e.Reason }
func (e *FieldError) HTTPStatus() int { return http.StatusBadRequest }

// ValidationError aggregates every problem of a strict request.
type ValidationError struct {
	Problems []Warning
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.Param + ": " + p.Reason
	}
	return "invalid parameters: " + strings.Join(parts, "; ")
}

func (e *ValidationError) HTTPStatus() int { return http.StatusBadRequest }

// Params is a source of raw parameter values.
type Params interface {
	// Keys returns every parameter name in a stable order.
	Keys() []string
	Get(key string) (any, bool)
}

// QueryParams adapts url.Values. Repeated keys use the first value.
type QueryParams map[string][]string

func (q QueryParams) Keys() []string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (q QueryParams) Get(key string) (any, bool) {
	v, ok := q[key]
	if !ok || len(v) == 0 {
		return nil, false
	}
	return v[0], true
}

// MapParams adapts a decoded JSON object.
type MapParams map[string]any

func (m MapParams) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m MapParams) Get(key string) (any, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
