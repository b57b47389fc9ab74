package billing

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidEvent marks a webhook payload that could not be decoded.
var ErrInvalidEvent = errors.New("billing: invalid event payload")

// Error is a user-facing billing failure with an HTTP status and a
// human-readable detail.
type Error struct {
	Status  int
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(status int, message string, err error) *Error {
	e := &Error{Status: status, Message: message, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

func providerError(message string, err error) *Error {
	return newError(http.StatusBadGateway, message, err)
}
