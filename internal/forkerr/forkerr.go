// Package forkerr defines the typed error kinds shared across the fork
// engine's components, so callers can errors.As regardless of which
// subsystem raised the failure.
package forkerr

import "fmt"

// Kind classifies the broad family a failure belongs to.
type Kind int

const (
	// KindRpcError covers failures talking to the upstream archive node.
	KindRpcError Kind = iota
	// KindCacheIo covers failures reading or writing the on-disk cache.
	KindCacheIo
	// KindCodec covers malformed or unexpected byte encodings.
	KindCodec
	// KindExecutionFailed covers a WASM trap or host-function error.
	KindExecutionFailed
	// KindDispatchFailed covers a runtime call that decoded but whose
	// dispatch outcome was an error.
	KindDispatchFailed
	// KindPhaseError covers a builder method called out of phase order.
	KindPhaseError
	// KindNotFound covers lookups with no matching record.
	KindNotFound
	// KindInvalidInput covers malformed caller-supplied arguments.
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindRpcError:
		return "RpcError"
	case KindCacheIo:
		return "CacheIo"
	case KindCodec:
		return "Codec"
	case KindExecutionFailed:
		return "ExecutionFailed"
	case KindDispatchFailed:
		return "DispatchFailed"
	case KindPhaseError:
		return "PhaseError"
	case KindNotFound:
		return "NotFound"
	case KindInvalidInput:
		return "InvalidInput"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a Kind so callers can branch on
// failure category without parsing message text.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	fe, ok := err.(*Error)
	if !ok {
		return false
	}
	return fe.Kind == kind
}
