// Package errs defines the typed error kinds shared across the proxy pool
// service. Handlers translate a Kind to an HTTP status; background tasks
// never propagate a *Error to a caller, they log it.
package errs

import "fmt"

// Kind classifies an error for HTTP-status mapping and retry policy.
type Kind int

const (
	// KindUnknown is never constructed directly; it signals a bug if seen.
	KindUnknown Kind = iota
	// KindNotFound means no instance for (market, mode), or an unknown proxy.
	KindNotFound
	// KindNotRunning means the operation requires a running instance.
	KindNotRunning
	// KindMarketClosed means Start(force=false) was called outside the
	// trading window.
	KindMarketClosed
	// KindInvalidArgument means a bad market code, unknown RPC event, or
	// negative size.
	KindInvalidArgument
	// KindUpstreamError means the vendor HTTP call failed after retries.
	KindUpstreamError
	// KindUpstreamRateLimited means the vendor's sentinel was detected; this
	// is a soft condition and must never be surfaced to clients.
	KindUpstreamRateLimited
	// KindPersistenceError means the config/status store is unavailable.
	KindPersistenceError
	// KindCancelled means a task stopped due to Stop() or shutdown.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindNotRunning:
		return "NotRunning"
	case KindMarketClosed:
		return "MarketClosed"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindUpstreamError:
		return "UpstreamError"
	case KindUpstreamRateLimited:
		return "UpstreamRateLimited"
	case KindPersistenceError:
		return "PersistenceError"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is a typed error value. The HTTP layer inspects Kind; nothing in
// this service unwinds an error for control flow.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around a causal error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == kind
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
