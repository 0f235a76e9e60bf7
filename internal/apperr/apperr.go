// Package apperr defines the error kinds surfaced at the request boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies a failure for status mapping and logging.
type Kind string

const (
	KindConfiguration  Kind = "configuration_error"
	KindAuthentication Kind = "authentication_error"
	KindValidation     Kind = "validation_error"
	KindGeneration     Kind = "generation_error"
	KindUpstream       Kind = "upstream_error"
)

// Error is a classified error. Message is safe to show to the caller; the
// wrapped cause is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.Generation)
// style sentinels work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	Configuration  = &Error{Kind: KindConfiguration}
	Authentication = &Error{Kind: KindAuthentication}
	Validation     = &Error{Kind: KindValidation}
	Generation     = &Error{Kind: KindGeneration}
	Upstream       = &Error{Kind: KindUpstream}
)

func newErr(kind Kind, cause error, msg string) error {
	if cause != nil {
		cause = pkgerrors.WithStack(cause)
	}
	return &Error{Kind: kind, Message: msg, Err: cause}
}

func Configurationf(format string, args ...any) error {
	return newErr(KindConfiguration, nil, fmt.Sprintf(format, args...))
}

func Authenticationf(format string, args ...any) error {
	return newErr(KindAuthentication, nil, fmt.Sprintf(format, args...))
}

func Validationf(format string, args ...any) error {
	return newErr(KindValidation, nil, fmt.Sprintf(format, args...))
}

// WrapValidation classifies a decode or schema failure.
func WrapValidation(cause error, msg string) error { return newErr(KindValidation, cause, msg) }

// WrapGeneration classifies a model call or stream failure.
func WrapGeneration(cause error, msg string) error { return newErr(KindGeneration, cause, msg) }

// WrapUpstream classifies a failed call to the authorization service.
func WrapUpstream(cause error, msg string) error { return newErr(KindUpstream, cause, msg) }

// KindOf returns the kind of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// MessageOf returns the caller-facing message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	switch KindOf(err) {
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
