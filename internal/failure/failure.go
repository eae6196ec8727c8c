// Package failure defines the error taxonomy shared by the portal adapters,
// the OAuth exchange service and the integration worker.
//
// Every error that crosses the job-dispatch boundary is converted into an
// *Error carrying a Kind. The worker decides retry, re-authorization and
// circuit-breaking purely from the Kind; it never inspects error strings.
//
// Kinds:
//   - validation:    business-rule violation detected before any network call (permanent)
//   - not_found:     referenced vehicle, listing or connection is missing (permanent)
//   - configuration: unknown portal, missing credentials (permanent)
//   - transport:     network error, timeout, 429 or 5xx from a marketplace (retryable)
//   - auth:          401-class answer from a marketplace (flags the connection for re-authorization)
//   - decryption:    stored credential cannot be decrypted (flags the connection, permanent)
//   - systemic:      storage-level failure that makes polling unsafe (halts the worker)
//   - unrecorded:    marketplace accepted the change but it could not be stored (permanent, operator follow-up)
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error for retry and bookkeeping decisions.
type Kind int

const (
	// KindUnknown is an unclassified error. It is treated as retryable.
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConfiguration
	KindTransport
	KindAuth
	KindDecryption
	KindSystemic
	KindUnrecorded
)

// String returns the snake_case label used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindDecryption:
		return "decryption"
	case KindSystemic:
		return "systemic"
	case KindUnrecorded:
		return "unrecorded"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation that failed
// (e.g. "olx.publish"), Msg is a human-readable description and Err is the
// optional underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind with no message,
// which lets callers write errors.Is(err, failure.ErrAuth).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Op == "" && t.Err == nil
}

// Kind sentinels for errors.Is.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrTransport     = &Error{Kind: KindTransport}
	ErrAuth          = &Error{Kind: KindAuth}
	ErrDecryption    = &Error{Kind: KindDecryption}
	ErrSystemic      = &Error{Kind: KindSystemic}
	ErrUnrecorded    = &Error{Kind: KindUnrecorded}
)

// New returns a classified error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}

func Configuration(op, format string, args ...any) *Error {
	return New(KindConfiguration, op, format, args...)
}

func Transport(op string, err error) error { return Wrap(KindTransport, op, err) }

func Auth(op, format string, args ...any) *Error {
	return New(KindAuth, op, format, args...)
}

func Systemic(op string, err error) error { return Wrap(KindSystemic, op, err) }

// Unrecorded reports a marketplace effect that succeeded but whose local
// record failed to persist. It shadows the kind of err.
func Unrecorded(op string, err error, format string, args ...any) error {
	return &Error{Kind: KindUnrecorded, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the outermost classified error in err's chain.
// Unclassified timeouts and network errors are reported as transport.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransport
	}
	return KindUnknown
}

// Retryable reports whether a job failing with err may be attempted again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindUnknown:
		return true
	default:
		return false
	}
}

// RequiresReauth reports whether err means the stored portal credential is
// unusable and the tenant must reconnect.
func RequiresReauth(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindDecryption:
		return true
	default:
		return false
	}
}
