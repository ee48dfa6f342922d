package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientNetwork means no HTTP response arrived (DNS failure,
	// refused or reset connection, timeout).
	ErrTransientNetwork = errors.New("llm network failure")

	ErrUnauthorized  = errors.New("llm unauthorized")
	ErrUnavailable   = errors.New("llm unavailable")
	ErrRateLimited   = errors.New("llm rate limited")
	ErrBadRequest    = errors.New("llm rejected request")
	ErrEmptyResponse = errors.New("llm empty response")
)

// StatusError is a non-2xx answer from a service.
type StatusError struct {
	Service string
	Status  int
	Body    string
	Kind    error
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %v (status %d)", e.Service, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %v (status %d): %s", e.Service, e.Kind, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return e.Kind }
