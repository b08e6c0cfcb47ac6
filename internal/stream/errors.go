package stream

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a stream failure and picks the reconnect policy for it.
type Kind int

const (
	// KindTransport covers DNS, connect, read failures, stalls and an
	// orderly end of the response body.
	KindTransport Kind = iota
	// KindRateLimit is a 420 or 429 response.
	KindRateLimit
	// KindServer is a 5xx response.
	KindServer
	// KindFatal ends the stream: 401, 403 and every other unexpected status.
	KindFatal
	// KindDecode is a record that is not a JSON object. It never leaves the
	// client; the record is dropped.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRateLimit:
		return "rate_limit"
	case KindServer:
		return "server"
	case KindFatal:
		return "fatal"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

func (k Kind) Retryable() bool {
	return k == KindTransport || k == KindRateLimit || k == KindServer
}

var (
	ErrNoHead         = errors.New("response head not accepted")
	ErrStalled        = errors.New("no data received within stall timeout")
	ErrBufferLimit    = errors.New("pending record exceeds buffer limit")
	ErrStreamEnded    = errors.New("server closed the stream")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrRateLimited    = errors.New("rate limited")
	ErrServerFailure  = errors.New("server error")
	ErrUnexpectedCode = errors.New("unexpected status")
)

// Error is the classified failure of one connection attempt.
type Error struct {
	Kind   Kind
	Status int // HTTP status, zero for transport failures
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("stream %s: %s (HTTP %d %s): %v", e.Op, e.Kind, e.Status, http.StatusText(e.Status), e.Err)
	}
	return fmt.Sprintf("stream %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func transportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are
// transport failures.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransport
}

func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

func IsFatal(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindFatal
}
