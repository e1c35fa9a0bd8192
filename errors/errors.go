package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies error types for targeted handling and monitoring.
type Category string

const (
	CategoryValidation   Category = "validation"
	CategoryUnsupported  Category = "unsupported"
	CategoryDecode       Category = "decode"
	CategoryEncode       Category = "encode"
	CategoryForbidden    Category = "forbidden"
	CategoryUpstream     Category = "upstream"
	CategoryUnauthorized Category = "unauthorized"
	CategoryPipeline     Category = "pipeline"
	CategoryStorage      Category = "storage"
	CategoryConfig       Category = "config"
	CategoryTransient    Category = "transient"
	CategoryInternal     Category = "internal"
)

// ProcessingError is the structured error type used throughout the module.
type ProcessingError struct {
	Category  Category
	Op        string // operation name
	Err       error
	Retryable bool
	// Status overrides the category's default HTTP status when non-zero.
	Status int
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// HTTPStatus returns the status class the error maps to.
func (e *ProcessingError) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return categoryStatus(e.Category)
}

// New creates a non-retryable ProcessingError.
func New(category Category, op string, err error) *ProcessingError {
	return &ProcessingError{Category: category, Op: op, Err: err}
}

// WithStatus creates a non-retryable ProcessingError with an explicit status.
func WithStatus(category Category, op string, status int, err error) *ProcessingError {
	return &ProcessingError{Category: category, Op: op, Err: err, Status: status}
}

// Transient creates a retryable ProcessingError.
func Transient(op string, err error) *ProcessingError {
	return &ProcessingError{Category: CategoryTransient, Op: op, Err: err, Retryable: true}
}

// Wrap wraps an existing error with context.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(category, op, err)
}

// Validation is shorthand for a 400-class input problem.
func Validation(op, format string, args ...any) *ProcessingError {
	return New(CategoryValidation, op, fmt.Errorf(format, args...))
}

// IsRetryable reports whether err represents a transient failure.
func IsRetryable(err error) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, cat Category) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Category == cat
	}
	return false
}

// StatusCode maps err to an HTTP status. Errors outside the taxonomy are 500.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var sc interface{ HTTPStatus() int }
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the text safe to show a client. Anything mapping to a
// 5xx other than an upstream or storage failure collapses to a generic
// message.
func PublicMessage(err error) string {
	var pe *ProcessingError
	if !errors.As(err, &pe) {
		if StatusCode(err) < 500 {
			return err.Error()
		}
		return "internal server error"
	}
	status := pe.HTTPStatus()
	if status >= 500 && pe.Category != CategoryUpstream && pe.Category != CategoryStorage {
		return "internal server error"
	}
	return pe.Err.Error()
}

func categoryStatus(c Category) int {
	switch c {
	case CategoryValidation, CategoryUnsupported, CategoryDecode, CategoryEncode, CategoryConfig:
		return http.StatusBadRequest
	case CategoryForbidden:
		return http.StatusForbidden
	case CategoryUnauthorized:
		return http.StatusUnauthorized
	case CategoryUpstream, CategoryStorage, CategoryTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Sentinel errors for common failure modes.
var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrUnknownImageType  = errors.New("unknown image type")
	ErrInvalidDimensions = errors.New("invalid dimensions")
	ErrEmptyInput        = errors.New("empty input")
	ErrBodyTooLarge      = errors.New("image exceeds maximum allowed size")
	ErrTruncatedBody     = errors.New("upstream response was truncated")
	ErrTooManyRedirects  = errors.New("too many redirects")
	ErrRequestFailed     = errors.New("unable to make request")
	ErrPrivateAddress    = errors.New("requests to private network addresses are not allowed")
	ErrHostNotAllowed    = errors.New("host is not allowed")
	ErrFetchDisabled     = errors.New("fetching remote images is disabled")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrUnsignedSource    = errors.New("remote sources require a signed request")
)
