package resilience

import (
	"context"
	"errors"
	"fmt"
)

// ErrUpstreamUnavailable is returned when the breaker rejects a call and no fallback exists.
var ErrUpstreamUnavailable = errors.New("resilience: upstream unavailable")

// TransportError is a network-level failure: timeouts, refused connections, relay faults,
// throttling. It is retried on the next route.
type TransportError struct {
	API   string
	Route string
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s via %s: %v", e.API, e.Op, e.Route, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BusinessError is an upstream rejection such as an unknown token or insufficient funds. It is
// never retried and does not count against the breaker.
type BusinessError struct {
	API     string
	Status  int
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s rejected request (%d %s): %s", e.API, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s rejected request (%d): %s", e.API, e.Status, e.Message)
}

// FallbackExhaustedError reports that both the upstream and the fallback failed.
type FallbackExhaustedError struct {
	Cause       error
	FallbackErr error
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("upstream failed: %v; fallback failed: %v", e.Cause, e.FallbackErr)
}

func (e *FallbackExhaustedError) Unwrap() []error {
	return []error{e.Cause, e.FallbackErr}
}

// Class is the retry category of an error.
type Class int

const (
	ClassNone Class = iota
	ClassTransport
	ClassBusiness
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "success"
	case ClassTransport:
		return "transport_error"
	case ClassBusiness:
		return "business_error"
	default:
		return "error"
	}
}

// Classify maps err onto the closed set of retry categories. Deadline expiry counts as transport.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var business *BusinessError
	if errors.As(err, &business) {
		return ClassBusiness
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return ClassTransport
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransport
	}
	return ClassUnknown
}
