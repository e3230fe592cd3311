package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindUnauthorized
	KindRateLimited
	KindInvalidRequest
	KindUpstreamUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidRequest:
		return "invalid_request"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	default:
		return "unknown"
	}
}

// Error is the normalized adapter error. Callers only look at Kind;
// Err keeps the vendor detail for logs.
type Error struct {
	Kind     ErrorKind
	Provider ProviderName
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the caller-safe text for the error, without vendor detail.
func (e *Error) Message() string {
	switch e.Kind {
	case KindUnauthorized:
		return "invalid or missing provider credential"
	case KindRateLimited:
		return "provider rate limit exceeded"
	case KindInvalidRequest:
		return "invalid model or parameters"
	case KindUpstreamUnavailable:
		return "provider unavailable"
	default:
		return "generation failed"
	}
}

func NewError(p ProviderName, kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Provider: p, Err: err}
}

func Errorf(p ProviderName, kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: p, Err: fmt.Errorf(format, args...)}
}

// KindForStatus maps an upstream HTTP status code into the taxonomy.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusUnprocessableEntity || status == http.StatusRequestEntityTooLarge:
		return KindInvalidRequest
	case status == http.StatusRequestTimeout || status >= 500:
		return KindUpstreamUnavailable
	default:
		return KindUnknown
	}
}

func FromStatus(p ProviderName, status int, msg string) *Error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{Kind: KindForStatus(status), Provider: p, Status: status, Err: errors.New(msg)}
}

// Wrap converts a transport-level failure into an *Error. Already
// normalized errors and context cancellation pass through untouched.
func Wrap(p ProviderName, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(p, KindUpstreamUnavailable, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return NewError(p, KindUpstreamUnavailable, err)
	}
	return NewError(p, KindUnknown, err)
}

func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// HTTPStatus is the status surfaced to our own callers for a kind.
func HTTPStatus(k ErrorKind) int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
