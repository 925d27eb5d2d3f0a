package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors shared by the pool, the retry controller and the runner.
var (
	ErrRedirectedToErrorPage = errors.New("page redirected to an error page")
	ErrInvalidTaskURL        = errors.New("invalid task url")
	ErrBlocked               = errors.New("url blocked by admission policy")
	ErrPoolClosed            = errors.New("renderer pool closed")
	ErrPoolExhausted         = errors.New("renderer pool has no live sessions")
	ErrActionUnsupported     = errors.New("action not supported by renderer")
	ErrFieldNotFound         = errors.New("field not found")
	ErrInputFormat           = errors.New("input format error")
	ErrTaskAbandoned         = errors.New("task abandoned before completion")
	ErrQueueClosed           = errors.New("queue closed")
)

// FailureClass groups errors by how the retry controller reacts to them.
type FailureClass int

// Failure classes in increasing order of severity.
const (
	FailureTransient FailureClass = iota
	FailureTimeout
	FailureTerminal
	FailureFatal
	FailureCanceled
)

func (c FailureClass) String() string {
	switch c {
	case FailureTransient:
		return "transient"
	case FailureTimeout:
		return "timeout"
	case FailureTerminal:
		return "terminal"
	case FailureFatal:
		return "fatal"
	case FailureCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Retryable reports whether another attempt may fix the failure.
func (c FailureClass) Retryable() bool {
	return c == FailureTransient || c == FailureTimeout
}

// StatusError carries the HTTP status of the main document.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("document %s returned status %d", e.URL, e.Code)
}

// InputError describes why the input source could not be read.
type InputError struct {
	Path   string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input %s: %s", e.Path, e.Reason)
}

// Unwrap lets errors.Is match ErrInputFormat.
func (e *InputError) Unwrap() error {
	return ErrInputFormat
}

// Canceled marks an error caused by the run being stopped.
type canceledError struct{ err error }

func (e canceledError) Error() string { return e.err.Error() }
func (e canceledError) Unwrap() error { return e.err }

// Canceled wraps err so Classify reports FailureCanceled.
func Canceled(err error) error {
	if err == nil {
		return nil
	}
	return canceledError{err: err}
}

// Classify maps an attempt error onto a FailureClass.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureTransient
	}
	var canceled canceledError
	if errors.As(err, &canceled) {
		return FailureCanceled
	}
	switch {
	case errors.Is(err, ErrPoolClosed), errors.Is(err, ErrPoolExhausted):
		return FailureFatal
	case errors.Is(err, ErrRedirectedToErrorPage), errors.Is(err, ErrInvalidTaskURL), errors.Is(err, ErrBlocked):
		return FailureTerminal
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == http.StatusTooManyRequests || statusErr.Code == http.StatusRequestTimeout:
			return FailureTransient
		case statusErr.Code >= 400 && statusErr.Code < 500:
			return FailureTerminal
		default:
			return FailureTransient
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureTransient
}

// TerminalStatus picks the result status for a terminal failure.
func TerminalStatus(err error) Status {
	var statusErr *StatusError
	switch {
	case errors.Is(err, ErrRedirectedToErrorPage):
		return StatusNotFound
	case errors.Is(err, ErrInvalidTaskURL):
		return StatusClientError
	case errors.As(err, &statusErr):
		if statusErr.Code == http.StatusNotFound || statusErr.Code == http.StatusGone {
			return StatusNotFound
		}
		return StatusClientError
	default:
		return StatusClientError
	}
}
