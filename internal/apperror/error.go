// Package apperror classifies failures that are the caller's fault (bad payload,
// missing references, conflicts) apart from infrastructure failures.
package apperror

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind is the category of an application error.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindReferential Kind = "referential"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindInternal    Kind = "internal"
)

// Error is an application error with a kind and a client-safe message.
type Error struct {
	Kind     Kind
	Message  string
	Internal error
}

func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the internal error.
func (e *Error) Unwrap() error {
	return e.Internal
}

// WithInternal returns a copy of the error with an internal error attached.
func (e *Error) WithInternal(err error) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Internal: err}
}

// HTTPStatus maps the kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindReferential:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Referential creates an error for a payload that points at an entity that does not exist.
func Referential(format string, args ...any) *Error {
	return &Error{Kind: KindReferential, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates a conflict error.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not found error.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Internal creates an error for a failure the caller cannot fix.
func Internal(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// As returns the application error wrapped in err, if any.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsKind reports whether err carries an application error of the given kind.
func IsKind(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == kind
}

// IsClientError reports whether err is the caller's fault.
func IsClientError(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	return appErr.Kind != KindInternal
}

// ToHTTP converts err into a status and a response body.
// Errors that are not application errors are reported as internal without details.
func ToHTTP(err error) (int, map[string]any) {
	appErr, ok := As(err)
	if !ok || appErr.Kind == KindInternal {
		return http.StatusInternalServerError, map[string]any{
			"error": map[string]any{"code": string(KindInternal), "message": "an internal error occurred"},
		}
	}
	return appErr.HTTPStatus(), map[string]any{
		"error": map[string]any{"code": string(appErr.Kind), "message": appErr.Message},
	}
}
