//go:build unix

package sslio

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// fakeEngine scripts each step primitive so driver behavior can be pinned
// down without a real TLS stack.
type fakeEngine struct {
	handshake func() error
	read      func(p []byte) (int, error)
	write     func(p []byte) (int, error)
	shutdown  func() error
	transport atomic.Uint64
}

func (f *fakeEngine) HandshakeStep() error {
	if f.handshake == nil {
		return nil
	}
	return f.handshake()
}

func (f *fakeEngine) ReadStep(p []byte) (int, error) {
	if f.read == nil {
		return 0, ErrWantRead
	}
	return f.read(p)
}

func (f *fakeEngine) WriteStep(p []byte) (int, error) {
	if f.write == nil {
		return len(p), nil
	}
	return f.write(p)
}

func (f *fakeEngine) ShutdownStep() error {
	if f.shutdown == nil {
		return nil
	}
	return f.shutdown()
}

func (f *fakeEngine) TransportBytes() uint64 { return f.transport.Load() }

// newTestConn wires a fake engine to one end of a socketpair.  The peer
// descriptor is returned so tests can create or withhold readiness.
func newTestConn(t *testing.T, engine Engine) (*Conn, int, int) {
	t.Helper()
	a, b := socketPair(t)
	conn, err := NewConn(engine, NewSocketDescriptor(a))
	assertNotError(t, err, "NewConn")
	t.Cleanup(func() { conn.Close() })
	return conn, a, b
}

func TestHandshakeCompletesAfterWait(t *testing.T) {
	calls := 0
	engine := &fakeEngine{
		handshake: func() error {
			calls++
			if calls == 1 {
				return ErrWantRead
			}
			return nil
		},
	}
	conn, _, peer := newTestConn(t, engine)

	go func() {
		time.Sleep(50 * time.Millisecond)
		unix.Write(peer, []byte("x"))
	}()

	assertNotError(t, conn.Handshake(5*time.Second), "handshake")
	assertEquals(t, calls, 2)
}

func TestHandshakePeerClosedBeforeCompletion(t *testing.T) {
	engine := &fakeEngine{handshake: func() error { return io.EOF }}
	conn, _, _ := newTestConn(t, engine)

	err := conn.Handshake(time.Second)
	var perr *ProtocolError
	assertTrue(t, errors.As(err, &perr), "peer close should be a ProtocolError")
	assertTrue(t, errors.Is(err, io.ErrUnexpectedEOF), "peer close should be distinguishable")
}

func TestHandshakeAborted(t *testing.T) {
	cause := errors.New("bad record MAC")
	engine := &fakeEngine{handshake: func() error { return cause }}
	conn, _, _ := newTestConn(t, engine)

	err := conn.Handshake(time.Second)
	var perr *ProtocolError
	assertTrue(t, errors.As(err, &perr), "fatal step should be a ProtocolError")
	assertTrue(t, errors.Is(err, cause), "engine cause chain should be preserved")
	assertTrue(t, !errors.Is(err, io.ErrUnexpectedEOF), "abort must not look like peer close")
}

// P1: an interrupt lands within one poll cycle, not after the timeout.
func TestPromptCancellationRead(t *testing.T) {
	engine := &fakeEngine{}
	conn, _, _ := newTestConn(t, engine)

	go func() {
		time.Sleep(50 * time.Millisecond)
		conn.Interrupt()
	}()

	start := time.Now()
	_, err := conn.Read(make([]byte, 16), 30*time.Second)
	var ierr *InterruptedError
	assertTrue(t, errors.As(err, &ierr), "cancelled read should be interrupted")
	assertTrue(t, time.Since(start) < 5*time.Second, "interrupt must not wait out the timeout")
}

func TestPromptCancellationWrite(t *testing.T) {
	// The engine wants transport input before accepting more plaintext,
	// so the writer parks in a read-direction wait with no data coming.
	engine := &fakeEngine{write: func(p []byte) (int, error) { return 0, ErrWantRead }}
	conn, _, _ := newTestConn(t, engine)

	go func() {
		time.Sleep(50 * time.Millisecond)
		conn.Interrupt()
	}()

	start := time.Now()
	_, err := conn.Write([]byte("payload"), 30*time.Second)
	var ierr *InterruptedError
	assertTrue(t, errors.As(err, &ierr), "cancelled write should be interrupted")
	assertTrue(t, time.Since(start) < 5*time.Second, "interrupt must not wait out the timeout")
}

func TestPromptCancellationInfiniteTimeout(t *testing.T) {
	engine := &fakeEngine{}
	conn, _, _ := newTestConn(t, engine)

	go func() {
		time.Sleep(50 * time.Millisecond)
		conn.Interrupt()
	}()

	// A non-positive timeout waits forever; only the interrupt ends it.
	start := time.Now()
	_, err := conn.Read(make([]byte, 16), 0)
	var ierr *InterruptedError
	assertTrue(t, errors.As(err, &ierr), "cancelled read should be interrupted")
	assertTrue(t, time.Since(start) < 5*time.Second, "interrupt must end an unbounded wait")
}

func TestNewConnAllocationFailure(t *testing.T) {
	a, _ := socketPair(t)
	desc := NewSocketDescriptor(a)

	var lim unix.Rlimit
	assertNotError(t, unix.Getrlimit(unix.RLIMIT_NOFILE, &lim), "getrlimit")
	lowered := lim
	lowered.Cur = 64
	assertNotError(t, unix.Setrlimit(unix.RLIMIT_NOFILE, &lowered), "lower descriptor limit")
	defer func() {
		assertNotError(t, unix.Setrlimit(unix.RLIMIT_NOFILE, &lim), "restore descriptor limit")
	}()

	// Exhaust the descriptor table so the wakeup pipe cannot be created.
	var held []int
	defer func() {
		for _, fd := range held {
			unix.Close(fd)
		}
	}()
	for {
		var p [2]int
		if err := unix.Pipe(p[:]); err != nil {
			break
		}
		held = append(held, p[0], p[1])
	}

	_, err := NewConn(&fakeEngine{}, desc)
	assertError(t, err, "conn with no descriptors left")
	var terr *TransportError
	assertTrue(t, errors.As(err, &terr), "allocation failure should be a TransportError")
	assertTrue(t, terr.Cause != nil, "allocation failure should carry its cause")
}

func TestInterruptBeforeOperation(t *testing.T) {
	engine := &fakeEngine{}
	conn, _, _ := newTestConn(t, engine)

	conn.Interrupt()
	_, err := conn.Read(make([]byte, 16), time.Second)
	var ierr *InterruptedError
	assertTrue(t, errors.As(err, &ierr), "read after interrupt should fail interrupted")
}

// P4: cancellation is idempotent under concurrency, with or without
// waiters and before or after teardown.
func TestInterruptIdempotent(t *testing.T) {
	engine := &fakeEngine{}
	conn, _, _ := newTestConn(t, engine)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				conn.Interrupt()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	conn.Close()
	conn.Interrupt()
}

// P3: partial writes resume with the remaining suffix until every byte is
// confirmed.
func TestPartialWriteCompletion(t *testing.T) {
	var got bytes.Buffer
	calls := 0
	engine := &fakeEngine{}
	engine.write = func(p []byte) (int, error) {
		calls++
		n := len(p)
		if n > 7 {
			n = 7
		}
		got.Write(p[:n])
		engine.transport.Add(uint64(n))
		return n, nil
	}
	conn, _, _ := newTestConn(t, engine)

	payload := bytes.Repeat([]byte("abcdefghij"), 10)
	n, err := conn.Write(payload, 5*time.Second)
	assertNotError(t, err, "write")
	assertEquals(t, n, len(payload))
	assertByteEquals(t, got.Bytes(), payload)
	assertTrue(t, calls >= len(payload)/7, "write should have been chunked")
}

// P5: zero-length operations return immediately with no engine call and
// no wait.
func TestZeroLengthNoOp(t *testing.T) {
	engine := &fakeEngine{
		read:  func(p []byte) (int, error) { t.Error("engine read called for empty buffer"); return 0, nil },
		write: func(p []byte) (int, error) { t.Error("engine write called for empty buffer"); return 0, nil },
	}
	conn, _, _ := newTestConn(t, engine)

	n, err := conn.Read(nil, time.Second)
	assertNotError(t, err, "empty read")
	assertEquals(t, n, 0)

	n, err = conn.Write(nil, time.Second)
	assertNotError(t, err, "empty write")
	assertEquals(t, n, 0)
}

// P6: clean end-of-stream is io.EOF, never an error type; fatal errors
// are ProtocolError, never io.EOF.
func TestReadEOFDistinction(t *testing.T) {
	engine := &fakeEngine{read: func(p []byte) (int, error) { return 0, io.EOF }}
	conn, _, _ := newTestConn(t, engine)
	n, err := conn.Read(make([]byte, 16), time.Second)
	assertEquals(t, n, 0)
	assertEquals(t, err, io.EOF)

	cause := errors.New("decrypt failed")
	engine2 := &fakeEngine{read: func(p []byte) (int, error) { return 0, cause }}
	conn2, _, _ := newTestConn(t, engine2)
	_, err = conn2.Read(make([]byte, 16), time.Second)
	assertTrue(t, !errors.Is(err, io.EOF), "fatal read must not be EOF")
	var perr *ProtocolError
	assertTrue(t, errors.As(err, &perr), "fatal read should be a ProtocolError")
	assertTrue(t, errors.Is(err, cause), "cause chain should be preserved")
}

func TestReadTimeout(t *testing.T) {
	engine := &fakeEngine{}
	conn, _, _ := newTestConn(t, engine)

	start := time.Now()
	_, err := conn.Read(make([]byte, 16), 100*time.Millisecond)
	var terr *TimeoutError
	assertTrue(t, errors.As(err, &terr), "starved read should time out")
	assertTrue(t, time.Since(start) >= 90*time.Millisecond, "timeout should consume the deadline")

	var nerr net.Error
	assertTrue(t, errors.As(err, &nerr) && nerr.Timeout(), "timeout should satisfy net.Error")
}

func TestRetryableStepRetriesImmediately(t *testing.T) {
	calls := 0
	engine := &fakeEngine{read: func(p []byte) (int, error) {
		calls++
		if calls < 3 {
			return 0, syscall.EINTR
		}
		return copy(p, "hello"), nil
	}}
	conn, _, _ := newTestConn(t, engine)

	start := time.Now()
	buf := make([]byte, 16)
	n, err := conn.Read(buf, 30*time.Second)
	assertNotError(t, err, "read")
	assertEquals(t, n, 5)
	assertEquals(t, calls, 3)
	assertTrue(t, time.Since(start) < time.Second, "retryable steps must not wait")
}

func TestWriteEndOfStream(t *testing.T) {
	engine := &fakeEngine{write: func(p []byte) (int, error) { return 0, io.EOF }}
	conn, _, _ := newTestConn(t, engine)

	_, err := conn.Write([]byte("payload"), time.Second)
	var perr *ProtocolError
	assertTrue(t, errors.As(err, &perr), "EOF during write is a failure")
	assertTrue(t, errors.Is(err, io.ErrUnexpectedEOF), "EOF during write maps to unexpected EOF")
}

func TestShutdownBestEffort(t *testing.T) {
	// "Queued but not acknowledged" counts as done.
	engine := &fakeEngine{shutdown: func() error { return ErrWantWrite }}
	conn, _, _ := newTestConn(t, engine)
	assertNotError(t, conn.Shutdown(), "pending shutdown should succeed")

	cause := errors.New("broken pipe")
	engine2 := &fakeEngine{shutdown: func() error { return cause }}
	conn2, _, _ := newTestConn(t, engine2)
	err := conn2.Shutdown()
	var perr *ProtocolError
	assertTrue(t, errors.As(err, &perr), "transport failure should surface")
}

// fillSendBuffer shrinks and saturates the socket's send buffer so a
// write-direction wait genuinely parks.
func fillSendBuffer(t *testing.T, fd int) {
	t.Helper()
	assertNotError(t, unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096), "SO_SNDBUF")
	assertNotError(t, unix.SetNonblock(fd, true), "set non-blocking")
	junk := make([]byte, 4096)
	for {
		_, err := unix.Write(fd, junk)
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		assertNotError(t, err, "fill send buffer")
	}
}

// Scenario: a writer parked wanting-write is woken by the reader moving
// bytes on the shared transport, instead of waiting out a 30 second
// timeout.
func TestReaderProgressWakesParkedWriter(t *testing.T) {
	var writerUnblocked atomic.Bool
	engine := &fakeEngine{}
	engine.write = func(p []byte) (int, error) {
		if !writerUnblocked.Load() {
			return 0, ErrWantWrite
		}
		engine.transport.Add(uint64(len(p)))
		return len(p), nil
	}
	engine.read = func(p []byte) (int, error) {
		// One successful read of 100 bytes that moved transport data.
		writerUnblocked.Store(true)
		engine.transport.Add(100)
		return copy(p, make([]byte, 100)), nil
	}

	conn, local, _ := newTestConn(t, engine)
	fillSendBuffer(t, local)

	writerDone := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := conn.Write([]byte("pending"), 30*time.Second)
		writerDone <- err
	}()

	// Let the writer park before the reader makes progress.
	for conn.st.waiters() == 0 {
		time.Sleep(time.Millisecond)
	}

	n, err := conn.Read(make([]byte, 128), 5*time.Second)
	assertNotError(t, err, "read")
	assertEquals(t, n, 100)

	select {
	case err := <-writerDone:
		assertNotError(t, err, "write after wake")
	case <-time.After(10 * time.Second):
		t.Fatal("writer was not woken by reader progress")
	}
	assertTrue(t, time.Since(start) < 10*time.Second, "writer should wake well before its timeout")
}
