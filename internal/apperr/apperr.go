package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure in the predict pipeline.
type Kind int

const (
	Internal Kind = iota
	BadRequest
	PayloadTooLarge
	InvalidImage
	ContentTypeMismatch
	DecodeError
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case PayloadTooLarge:
		return "payload_too_large"
	case InvalidImage:
		return "invalid_image"
	case ContentTypeMismatch:
		return "content_type_mismatch"
	case DecodeError:
		return "decode_error"
	default:
		return "internal"
	}
}

// Error is returned by every pipeline stage. Msg is safe to show to clients,
// Err is the underlying cause and is only logged.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind of err. Errors that did not come from the pipeline
// are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Status maps a kind to the HTTP status returned to the client.
func Status(kind Kind) int {
	switch kind {
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case BadRequest, InvalidImage, ContentTypeMismatch, DecodeError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Detail returns the client-facing message. Internal failures never leak
// their cause.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != Internal {
		return e.Msg
	}
	return "Internal server error"
}
