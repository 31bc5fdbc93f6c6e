package gather

import (
	"errors"
	"fmt"

	"marketpull/internal/domain"
)

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	KindTransport     ErrorKind = "transport"
	KindRateLimited   ErrorKind = "rate_limited"
	KindClient        ErrorKind = "client"
	KindUnknownStatus ErrorKind = "unknown_status"
	KindParse         ErrorKind = "parse"
)

// FetchError is returned by page fetchers and normalizers. Transport and
// rate-limit failures are retried inside the Requester; the others are fatal
// for the window.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s: status %d: %s", e.Kind, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on a later attempt.
func (e *FetchError) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindRateLimited
}

// IsKind reports whether err wraps a FetchError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == kind
}

// ParseError builds a KindParse FetchError.
func ParseError(format string, args ...any) *FetchError {
	return &FetchError{Kind: KindParse, Err: fmt.Errorf(format, args...)}
}

// WindowError reports that a window was aborted.
type WindowError struct {
	Window domain.Window
	Err    error
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("window %s aborted: %v", e.Window, e.Err)
}

func (e *WindowError) Unwrap() error { return e.Err }
