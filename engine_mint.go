//go:build unix

package sslio

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bifurcation/mint"
	"golang.org/x/sys/unix"
)

// One TLS record plus header slack; bounds how much plaintext a single
// write step hands to the engine, which in turn bounds the outbound
// record buffer.
const maxWriteChunk = 16384

// fdAddr is the placeholder address of a transport constructed from a raw
// descriptor.
type fdAddr struct{}

func (fdAddr) Network() string { return "fd" }
func (fdAddr) String() string  { return "fd" }

// fdTransport adapts a non-blocking socket descriptor to the net.Conn the
// mint record layer runs over.  Reads surface EAGAIN as mint's would-block
// alert; writes land in an outbound buffer so the record layer never
// observes a short write in the middle of a record.  The buffer is flushed
// around every engine step.
//
// The outbound buffer has its own lock because a read-direction step can
// flush bytes queued by the write direction.
type fdTransport struct {
	desc Descriptor

	mu  sync.Mutex
	out []byte

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

func (t *fdTransport) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(t.desc.FD(), p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, mint.AlertWouldBlock
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		t.bytesIn.Add(uint64(n))
		logf(logTypeIO, "transport read %d bytes from fd %d", n, t.desc.FD())
		return n, nil
	}
}

func (t *fdTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.out = append(t.out, p...)
	t.mu.Unlock()
	return len(p), nil
}

// flush pushes buffered records to the socket.  ErrWantWrite means the
// socket cannot take more right now and the remainder stays queued for the
// next step.
func (t *fdTransport) flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.out) > 0 {
		n, err := unix.Write(t.desc.FD(), t.out)
		if n > 0 {
			t.bytesOut.Add(uint64(n))
			t.out = t.out[n:]
		}
		switch {
		case err == nil:
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			logf(logTypeIO, "transport flush would block, %d bytes queued", len(t.out))
			return ErrWantWrite
		default:
			return err
		}
	}
	t.out = nil
	return nil
}

func (t *fdTransport) pendingOut() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.out)
}

// Close is a no-op: descriptor ownership stays with the caller.
func (t *fdTransport) Close() error { return nil }

func (t *fdTransport) LocalAddr() net.Addr  { return fdAddr{} }
func (t *fdTransport) RemoteAddr() net.Addr { return fdAddr{} }

func (t *fdTransport) SetDeadline(time.Time) error      { return nil }
func (t *fdTransport) SetReadDeadline(time.Time) error  { return nil }
func (t *fdTransport) SetWriteDeadline(time.Time) error { return nil }

// MintEngine drives a mint TLS connection one non-blocking step at a time,
// satisfying the Engine contract over a raw socket descriptor.
type MintEngine struct {
	conn *mint.Conn
	tr   *fdTransport

	shutdownSent bool
}

// NewMintClientEngine binds a mint client to the descriptor.  The config
// is cloned and forced into non-blocking mode; ServerName must be set for
// a client config.
func NewMintClientEngine(desc Descriptor, config *mint.Config) *MintEngine {
	cfg := config.Clone()
	cfg.NonBlocking = true
	tr := &fdTransport{desc: desc}
	return &MintEngine{conn: mint.Client(tr, cfg), tr: tr}
}

// NewMintServerEngine binds a mint server to the descriptor.  The config
// is cloned and forced into non-blocking mode; it must carry a certificate
// chain and key.
func NewMintServerEngine(desc Descriptor, config *mint.Config) *MintEngine {
	cfg := config.Clone()
	cfg.NonBlocking = true
	tr := &fdTransport{desc: desc}
	return &MintEngine{conn: mint.Server(tr, cfg), tr: tr}
}

// ConnectionState exposes the engine's negotiated parameters once the
// handshake has completed.
func (e *MintEngine) ConnectionState() mint.ConnectionState {
	return e.conn.ConnectionState()
}

// handshakeDone reports whether the engine has reached its terminal
// handshake state for either role.
func (e *MintEngine) handshakeDone() bool {
	state := e.conn.GetHsState()
	return state == mint.StateClientConnected || state == mint.StateServerConnected
}

func (e *MintEngine) HandshakeStep() error {
	if err := e.tr.flush(); err != nil {
		return err
	}
	// mint reports AlertNoAlert after every internal transition, not just
	// at completion, and several transitions can be runnable without new
	// transport input.  Keep advancing until the state machine is
	// connected or genuinely blocked on the transport.
	for {
		alert := e.conn.Handshake()
		switch alert {
		case mint.AlertNoAlert:
			if err := e.tr.flush(); err != nil {
				return err
			}
			if e.handshakeDone() {
				return nil
			}
		case mint.AlertWouldBlock:
			if err := e.tr.flush(); err != nil {
				return err
			}
			return ErrWantRead
		case mint.AlertCloseNotify:
			return io.EOF
		default:
			return alert
		}
	}
}

func (e *MintEngine) ReadStep(p []byte) (int, error) {
	if err := e.tr.flush(); err != nil && err != ErrWantWrite {
		return 0, err
	}
	n, err := e.conn.Read(p)
	switch {
	case n > 0:
		return n, nil
	case err == nil, err == mint.AlertWouldBlock:
		return 0, ErrWantRead
	case err == io.EOF, err == mint.AlertCloseNotify:
		return 0, io.EOF
	default:
		return 0, err
	}
}

func (e *MintEngine) WriteStep(p []byte) (int, error) {
	if err := e.tr.flush(); err != nil {
		return 0, err
	}
	chunk := len(p)
	if chunk > maxWriteChunk {
		chunk = maxWriteChunk
	}
	n, err := e.conn.Write(p[:chunk])
	switch {
	case err == nil:
	case err == mint.AlertWouldBlock:
		if n == 0 {
			return 0, ErrWantWrite
		}
	case err == io.EOF, err == mint.AlertCloseNotify:
		return n, io.EOF
	default:
		return n, err
	}
	if ferr := e.tr.flush(); ferr != nil && ferr != ErrWantWrite {
		// The plaintext is committed to the engine either way; a blocked
		// flush retries on the next step, but a hard failure surfaces.
		return n, ferr
	}
	return n, nil
}

func (e *MintEngine) ShutdownStep() error {
	if err := e.tr.flush(); err != nil {
		return err
	}
	if !e.shutdownSent {
		// mint exposes no close_notify sender, so end-of-stream is
		// signalled at the transport level once all pending records are
		// on the wire.
		e.shutdownSent = true
		if err := unix.Shutdown(e.tr.desc.FD(), unix.SHUT_WR); err != nil && err != unix.ENOTCONN {
			return err
		}
		logf(logTypeEngine, "write side shut down on fd %d", e.tr.desc.FD())
	}
	return nil
}

func (e *MintEngine) TransportBytes() uint64 {
	return e.tr.bytesIn.Load() + e.tr.bytesOut.Load()
}
