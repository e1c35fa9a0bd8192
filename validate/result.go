// Package validate turns loosely typed request parameters into typed options.
//
// Every primitive returns one of three results: Ok, Clamped (usable value that
// was adjusted, with a reason) or Invalid (no usable value). A ParseContext
// decides what happens next: lenient contexts keep going and collect warnings,
// fail-fast contexts stop at the first problem.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Skryldev/imaged/core"
)

// Result is the outcome of validating one raw value as a T.
type Result[T any] interface {
	isResult(T)
}

// Ok carries an accepted value.
type Ok[T any] struct{ Value T }

// Clamped carries a value that was adjusted to fit its allowed range.
type Clamped[T any] struct {
	Value  T
	Reason string
}

// Invalid means no usable value could be derived.
type Invalid[T any] struct{ Reason string }

func (Ok[T]) isResult(T)      {}
func (Clamped[T]) isResult(T) {}
func (Invalid[T]) isResult(T) {}

// Blur bounds.
const (
	MinBlurSigma = 0.3
	MaxBlurSigma = 1000.0
)

// Bool accepts true/false. From strings it also accepts 1/0, yes/no, on/off
// and an empty value (a bare "?flag").
func Bool(raw any, stringSource bool) Result[bool] {
	if stringSource {
		s, ok := raw.(string)
		if !ok {
			return Invalid[bool]{Reason: "must be a boolean"}
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "", "true", "1", "yes", "on":
			return Ok[bool]{Value: true}
		case "false", "0", "no", "off":
			return Ok[bool]{Value: false}
		}
		return Invalid[bool]{Reason: "must be a boolean"}
	}
	if b, ok := raw.(bool); ok {
		return Ok[bool]{Value: b}
	}
	return Invalid[bool]{Reason: "must be a boolean"}
}

// IntRange accepts an integer and clamps it into [lo, hi].
func IntRange(raw any, stringSource bool, lo, hi int) Result[int] {
	n, ok := toInt(raw, stringSource)
	if !ok {
		return Invalid[int]{Reason: "must be an integer"}
	}
	switch {
	case n < lo:
		return Clamped[int]{Value: lo, Reason: fmt.Sprintf("must be at least %d", lo)}
	case n > hi:
		return Clamped[int]{Value: hi, Reason: fmt.Sprintf("must be at most %d", hi)}
	}
	return Ok[int]{Value: n}
}

// Quality accepts an encode quality in [1, 100].
func Quality(raw any, stringSource bool) Result[int] {
	return IntRange(raw, stringSource, 1, 100)
}

// Dimension accepts a positive pixel size, clamping to limit.
func Dimension(raw any, stringSource bool, limit int) Result[int] {
	n, ok := toInt(raw, stringSource)
	if !ok {
		return Invalid[int]{Reason: "must be an integer"}
	}
	if n < 1 {
		return Invalid[int]{Reason: "must be a positive integer"}
	}
	if n > limit {
		return Clamped[int]{Value: limit, Reason: fmt.Sprintf("must be at most %d", limit)}
	}
	return Ok[int]{Value: n}
}

// Blur accepts true (default sigma), false (no blur) or a sigma which is
// clamped into [MinBlurSigma, MaxBlurSigma]. The value 0 means no blur.
func Blur(raw any, stringSource bool) Result[float64] {
	var sigma float64
	switch v := raw.(type) {
	case bool:
		if stringSource {
			return Invalid[float64]{Reason: "must be a boolean or a number"}
		}
		if v {
			return Ok[float64]{Value: core.DefaultBlurSigma}
		}
		return Ok[float64]{}
	case string:
		if !stringSource {
			return Invalid[float64]{Reason: "must be a boolean or a number"}
		}
		s := strings.ToLower(strings.TrimSpace(v))
		switch s {
		case "", "true":
			return Ok[float64]{Value: core.DefaultBlurSigma}
		case "false":
			return Ok[float64]{}
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return Invalid[float64]{Reason: "must be a boolean or a number"}
		}
		sigma = f
	default:
		f, ok := toFloat(raw)
		if !ok {
			return Invalid[float64]{Reason: "must be a boolean or a number"}
		}
		sigma = f
	}
	switch {
	case sigma == 0:
		return Ok[float64]{}
	case sigma < 0:
		return Invalid[float64]{Reason: "must not be negative"}
	case sigma < MinBlurSigma:
		return Clamped[float64]{Value: MinBlurSigma, Reason: fmt.Sprintf("must be at least %g", MinBlurSigma)}
	case sigma > MaxBlurSigma:
		return Clamped[float64]{Value: MaxBlurSigma, Reason: fmt.Sprintf("must be at most %g", MaxBlurSigma)}
	}
	return Ok[float64]{Value: sigma}
}

// EffortRange returns the encoder effort bounds for f. Formats without an
// effort knob report ok=false.
func EffortRange(f core.Format) (lo, hi int, ok bool) {
	switch f {
	case core.FormatAVIF, core.FormatHEIC:
		return 0, 9, true
	case core.FormatPNG, core.FormatGIF:
		return 1, 10, true
	case core.FormatJXL:
		return 1, 9, true
	case core.FormatWebP:
		return 0, 6, true
	}
	return 0, 0, false
}

// Effort validates an encoder effort for the target format. When the format
// has no effort setting the value is ignored and applicable is false.
func Effort(raw any, stringSource bool, f core.Format) (r Result[int], applicable bool) {
	lo, hi, ok := EffortRange(f)
	if !ok {
		return Ok[int]{}, false
	}
	return IntRange(raw, stringSource, lo, hi), true
}

// Enum accepts one of allowed, case-insensitively.
func Enum(raw any, _ bool, allowed []string) Result[string] {
	s, ok := raw.(string)
	if !ok {
		return Invalid[string]{Reason: "must be one of: " + strings.Join(allowed, ", ")}
	}
	s = strings.ToLower(strings.TrimSpace(s))
	for _, a := range allowed {
		if s == a {
			return Ok[string]{Value: a}
		}
	}
	return Invalid[string]{Reason: "must be one of: " + strings.Join(allowed, ", ")}
}

// Format accepts an output format name, resolving aliases such as jpg.
func Format(raw any, _ bool) Result[core.Format] {
	s, ok := raw.(string)
	if ok {
		if f, ok := core.ParseFormat(s); ok && f.IsOutput() {
			return Ok[core.Format]{Value: f}
		}
	}
	names := make([]string, len(core.OutputFormats))
	for i, f := range core.OutputFormats {
		names[i] = string(f)
	}
	return Invalid[core.Format]{Reason: "must be one of: " + strings.Join(names, ", ")}
}

func toInt(raw any, stringSource bool) (int, bool) {
	if stringSource {
		s, ok := raw.(string)
		if !ok {
			return 0, false
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		return n, err == nil
	}
	f, ok := toFloat(raw)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// describe renders a raw value for warnings.
func describe(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case nil:
		return "null"
	case json.Number:
		return v.String()
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprint(raw)
	}
	return string(b)
}
