//go:build unix

package sslio

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Descriptor supplies the socket descriptor under the engine, plus a check
// for whether unrelated application code has already closed it.  The
// coordinator polls the descriptor but never closes it; closing is the
// owner's job.
type Descriptor interface {
	FD() int
	Closed() bool
}

// SocketDescriptor is a Descriptor over a raw connected socket.
type SocketDescriptor struct {
	fd     int
	closed atomic.Bool
}

func NewSocketDescriptor(fd int) *SocketDescriptor {
	return &SocketDescriptor{fd: fd}
}

func (d *SocketDescriptor) FD() int { return d.fd }

func (d *SocketDescriptor) Closed() bool { return d.closed.Load() }

// Close closes the socket.  Idempotent; only the first call closes the
// descriptor.
func (d *SocketDescriptor) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return unix.Close(d.fd)
}
