//go:build unix

// Package sslio coordinates blocking TLS I/O over a stepped, non-blocking
// TLS engine.  A read and a write may be in flight concurrently on
// different goroutines, and a third goroutine may interrupt both at any
// time; an interrupted operation returns within one poll cycle regardless
// of its timeout.
package sslio

import (
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Conn couples a stepped TLS engine with the readiness coordinator.  The
// caller's concurrency contract: at most one goroutine in Read and at most
// one in Write at a time.  Interrupt and Close may be called from any
// goroutine at any time.
type Conn struct {
	engine Engine
	desc   Descriptor
	st     *connState

	preflight    sync.Once
	preflightErr error
}

// NewConn binds an engine to a socket descriptor.  The descriptor is put
// into non-blocking mode lazily, before the first operation runs.  A
// failure to allocate the coordination state is reported as a
// TransportError.
func NewConn(engine Engine, desc Descriptor) (*Conn, error) {
	InitRuntime()
	st, err := newConnState()
	if err != nil {
		return nil, &TransportError{Op: "init", Cause: err}
	}
	return &Conn{engine: engine, desc: desc, st: st}, nil
}

// Interrupt aborts any in-flight operations and causes all future ones to
// fail as interrupted.  Best-effort, non-blocking, idempotent; safe with
// or without operations in flight.
func (c *Conn) Interrupt() {
	logf(logTypeDriver, "interrupt requested on fd %d", c.desc.FD())
	c.st.signalCancel()
}

// Close interrupts in-flight operations and releases the wakeup pipe once
// the last of them has exited.  The socket descriptor stays open; it
// belongs to the caller.
func (c *Conn) Close() error {
	c.st.close()
	return nil
}

// startEngine performs the one-time pre-flight step: the descriptor goes
// non-blocking so that no engine step can ever block internally.
func (c *Conn) startEngine() error {
	c.preflight.Do(func() {
		c.preflightErr = unix.SetNonblock(c.desc.FD(), true)
	})
	return c.preflightErr
}

// waitWouldBlock parks the caller until the transport is ready for the
// direction the engine asked for, translating wait failures into the
// caller-facing taxonomy.  nil means ready: loop again and retry the same
// step.
func (c *Conn) waitWouldBlock(op string, class classification, timeout time.Duration) error {
	dir := directionRead
	if class == classWantWrite {
		dir = directionWrite
	}
	c.st.addWaiter()
	res, perr := waitReadiness(c.desc, dir, c.st, timeout)
	if res == waitCancelled || !c.st.isAlive() {
		return &InterruptedError{Op: op}
	}
	switch res {
	case waitPollError:
		return &TransportError{Op: op, Cause: perr}
	case waitTimedOut:
		return &TimeoutError{Op: op}
	}
	return nil
}

// wakeOnProgress nudges a parked opposite-direction waiter after a step
// that moved bytes across the shared transport, so it re-checks readiness
// promptly instead of waiting out its timeout.  Best-effort: correctness
// does not depend on it, since every waiter re-runs its own step after
// waking.
func (c *Conn) wakeOnProgress(before uint64) {
	if c.engine.TransportBytes() != before && c.st.waiters() > 0 {
		logf(logTypeDriver, "transport progressed, waking parked waiter")
		c.st.wake()
	}
}

// Handshake drives the TLS handshake to completion.  timeout bounds each
// readiness wait; non-positive waits indefinitely.  A peer that closes the
// transport before completing the handshake is reported as a ProtocolError
// wrapping io.ErrUnexpectedEOF, distinct from other handshake failures.
func (c *Conn) Handshake(timeout time.Duration) error {
	if !c.st.enterOp() {
		return &InterruptedError{Op: "handshake"}
	}
	defer c.st.exitOp()

	if err := c.startEngine(); err != nil {
		return &TransportError{Op: "handshake", Cause: err}
	}

	for c.st.isAlive() {
		o := attemptHandshake(c.engine)
		logf(logTypeDriver, "handshake step: %v", o.class)
		switch o.class {
		case classSuccess:
			return nil
		case classEndOfStream:
			return &ProtocolError{Op: "handshake", Cause: io.ErrUnexpectedEOF}
		case classRetryable:
			continue
		case classWantRead, classWantWrite:
			if err := c.waitWouldBlock("handshake", o.class, timeout); err != nil {
				return err
			}
		case classFatal:
			return &ProtocolError{Op: "handshake", Cause: o.cause}
		}
	}
	return &InterruptedError{Op: "handshake"}
}

// Read moves decrypted application data into p.  It returns the number of
// bytes read, or io.EOF on clean end-of-stream.  A zero-length p returns
// immediately with no engine call and no wait.  timeout bounds each
// readiness wait; non-positive waits indefinitely.
func (c *Conn) Read(p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !c.st.enterOp() {
		return 0, &InterruptedError{Op: "read"}
	}
	defer c.st.exitOp()

	if err := c.startEngine(); err != nil {
		return 0, &TransportError{Op: "read", Cause: err}
	}

	for c.st.isAlive() {
		before := c.engine.TransportBytes()
		o := attemptRead(c.engine, p)
		logf(logTypeDriver, "read step: %v n=%d", o.class, o.n)
		switch o.class {
		case classSuccess:
			c.wakeOnProgress(before)
			if o.n > 0 {
				return o.n, nil
			}
			// Internal progress without application data: wait for more
			// transport input before stepping again.
			if err := c.waitWouldBlock("read", classWantRead, timeout); err != nil {
				return 0, err
			}
		case classEndOfStream:
			return 0, io.EOF
		case classRetryable:
			continue
		case classWantRead, classWantWrite:
			if err := c.waitWouldBlock("read", o.class, timeout); err != nil {
				return 0, err
			}
		case classFatal:
			return 0, &ProtocolError{Op: "read", Cause: o.cause}
		}
	}
	return 0, &InterruptedError{Op: "read"}
}

// Write sends all of p, resuming across partial writes until the engine
// has committed every byte or a terminal condition occurs.  It returns the
// number of bytes committed.  A zero-length p returns immediately.
// timeout bounds each readiness wait; non-positive waits indefinitely.
func (c *Conn) Write(p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !c.st.enterOp() {
		return 0, &InterruptedError{Op: "write"}
	}
	defer c.st.exitOp()

	if err := c.startEngine(); err != nil {
		return 0, &TransportError{Op: "write", Cause: err}
	}

	sent := 0
	for c.st.isAlive() {
		before := c.engine.TransportBytes()
		o := attemptWrite(c.engine, p[sent:])
		logf(logTypeDriver, "write step: %v n=%d sent=%d/%d", o.class, o.n, sent, len(p))
		switch o.class {
		case classSuccess:
			sent += o.n
			c.wakeOnProgress(before)
			if sent >= len(p) {
				return sent, nil
			}
			if o.n == 0 {
				// The engine accepted nothing; wait for writability
				// rather than spinning on the same step.
				if err := c.waitWouldBlock("write", classWantWrite, timeout); err != nil {
					return sent, err
				}
			}
		case classEndOfStream:
			return sent, &ProtocolError{Op: "write", Cause: io.ErrUnexpectedEOF}
		case classRetryable:
			continue
		case classWantRead, classWantWrite:
			if err := c.waitWouldBlock("write", o.class, timeout); err != nil {
				return sent, err
			}
		case classFatal:
			return sent, &ProtocolError{Op: "write", Cause: o.cause}
		}
	}
	return sent, &InterruptedError{Op: "write"}
}

// Shutdown sends the engine's close notification.  Best-effort: a shutdown
// that is queued but not yet acknowledged by the peer counts as done, and
// a peer that already closed the transport does too.  Only genuine
// transport or engine failures are surfaced; the close path must not hang
// waiting for a peer that will never answer.
func (c *Conn) Shutdown() error {
	if !c.st.enterOp() {
		return &InterruptedError{Op: "shutdown"}
	}
	defer c.st.exitOp()

	if err := c.startEngine(); err != nil {
		return &TransportError{Op: "shutdown", Cause: err}
	}

	for c.st.isAlive() {
		o := attemptShutdown(c.engine)
		logf(logTypeDriver, "shutdown step: %v", o.class)
		switch o.class {
		case classSuccess, classEndOfStream, classWantRead, classWantWrite:
			return nil
		case classRetryable:
			continue
		case classFatal:
			return &ProtocolError{Op: "shutdown", Cause: o.cause}
		}
	}
	return &InterruptedError{Op: "shutdown"}
}
