package sslio

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
)

// Engine steps report would-block conditions with these sentinels.  A step
// returning ErrWantRead made no progress because the underlying transport
// had no data; ErrWantWrite because the transport could not take more.
var (
	ErrWantRead  = errors.New("sslio: engine wants readable transport")
	ErrWantWrite = errors.New("sslio: engine wants writable transport")
)

// Engine is a TLS engine bound to a single connection, exposed as
// non-blocking step primitives.  Each method attempts exactly one step and
// returns promptly; a step must never block internally, because the
// descriptor underneath is in non-blocking mode.
//
// Steps signal clean end-of-stream with io.EOF, would-block with
// ErrWantRead/ErrWantWrite, an interrupted syscall with an error wrapping
// syscall.EINTR, and anything else as a fatal condition whose cause chain
// is preserved for diagnostics.
type Engine interface {
	// HandshakeStep attempts one handshake step.  nil means the handshake
	// has completed.
	HandshakeStep() error

	// ReadStep attempts to move decrypted application data into p.  A nil
	// error with n == 0 means the engine made internal progress without
	// producing data; the driver treats it like ErrWantRead.
	ReadStep(p []byte) (n int, err error)

	// WriteStep attempts to accept a prefix of p for transmission.  It
	// reports how many bytes of p the engine has committed; the driver
	// resumes with the remaining suffix.
	WriteStep(p []byte) (n int, err error)

	// ShutdownStep attempts to send the engine's close notification.  nil
	// means the notification was sent or queued; the driver does not wait
	// for the peer's acknowledgement.
	ShutdownStep() error

	// TransportBytes reports the total raw bytes moved across the
	// underlying transport in both directions.  Drivers compare snapshots
	// around a step to decide whether to nudge a parked opposite-direction
	// waiter.
	TransportBytes() uint64
}

// classification is the six-way outcome of one engine step.
type classification int

const (
	classSuccess classification = iota
	classEndOfStream
	classWantRead
	classWantWrite
	classRetryable
	classFatal
)

func (c classification) String() string {
	switch c {
	case classSuccess:
		return "success"
	case classEndOfStream:
		return "end-of-stream"
	case classWantRead:
		return "want-read"
	case classWantWrite:
		return "want-write"
	case classRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// outcome couples a classification with the byte count of a successful
// step and the cause of a fatal one.  Recomputed each iteration, never
// stored.
type outcome struct {
	class classification
	n     int
	cause error
}

// classify maps the result of a single engine step onto the six-way
// classification consumed by the driver loops.
func classify(n int, err error) outcome {
	switch {
	case err == nil:
		return outcome{class: classSuccess, n: n}
	case errors.Is(err, io.EOF):
		return outcome{class: classEndOfStream}
	case errors.Is(err, ErrWantRead):
		return outcome{class: classWantRead}
	case errors.Is(err, ErrWantWrite):
		return outcome{class: classWantWrite}
	case errors.Is(err, syscall.EINTR):
		return outcome{class: classRetryable}
	default:
		return outcome{class: classFatal, cause: err}
	}
}

// The attempt helpers invoke exactly one engine primitive each, with no
// internal retry and no access to connection state.

func attemptHandshake(e Engine) outcome {
	return classify(0, e.HandshakeStep())
}

func attemptRead(e Engine, p []byte) outcome {
	n, err := e.ReadStep(p)
	return classify(n, err)
}

func attemptWrite(e Engine, p []byte) outcome {
	n, err := e.WriteStep(p)
	return classify(n, err)
}

func attemptShutdown(e Engine) outcome {
	return classify(0, e.ShutdownStep())
}

var runtimeInitOnce sync.Once
var runtimeInitialized atomic.Bool

// InitRuntime performs process-wide engine runtime initialization.  It is
// idempotent and safe for concurrent callers; Conn constructors invoke it,
// so explicit calls are only needed by code that touches engine internals
// before creating a connection.  The mint engine keeps no ambient global
// state, so the guard is the only process-wide mutable state here.
func InitRuntime() {
	runtimeInitOnce.Do(func() {
		runtimeInitialized.Store(true)
		logf(logTypeEngine, "engine runtime initialized")
	})
}
