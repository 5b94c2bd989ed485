//go:build unix

package sslio

import (
	"time"

	"golang.org/x/sys/unix"
)

// direction selects which readiness a parked operation needs.
type direction int

const (
	directionRead direction = iota
	directionWrite
)

func (d direction) String() string {
	if d == directionWrite {
		return "write"
	}
	return "read"
}

// waitResult is the outcome of one readiness wait.
type waitResult int

const (
	waitReady waitResult = iota
	waitCancelled
	waitTimedOut
	waitPollError
)

// pollTimeoutMillis translates the caller's timeout into poll's unit.
// Non-positive means wait indefinitely.  Sub-millisecond timeouts round up
// so they still enter the poll instead of spinning.
func pollTimeoutMillis(timeout time.Duration) int {
	if timeout <= 0 {
		return -1
	}
	ms := int(timeout / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}

// waitReadiness parks the calling goroutine until the socket descriptor is
// ready for the requested direction, the self-pipe signals, the timeout
// elapses, or the poll fails.  The caller must have registered itself via
// addWaiter beforehand; waitReadiness deregisters it on every path.
//
// A wakeup without socket readiness still reports waitReady: deciding
// whether that was a cancellation is the caller's job, via its own alive
// re-check.  waitCancelled is reported only when the descriptor itself is
// found closed.
func waitReadiness(desc Descriptor, dir direction, st *connState, timeout time.Duration) (waitResult, error) {
	events := int16(unix.POLLIN | unix.POLLPRI)
	if dir == directionWrite {
		events = unix.POLLOUT | unix.POLLPRI
	}
	fds := []unix.PollFd{
		{Fd: int32(desc.FD()), Events: events},
		{Fd: int32(st.wakeupRead), Events: unix.POLLIN},
	}
	ms := pollTimeoutMillis(timeout)
	logf(logTypePoll, "waiting for %v readiness on fd %d, timeout %d ms", dir, desc.FD(), ms)

	var n int
	var err error
	for {
		n, err = unix.Poll(fds, ms)
		if err == unix.EINTR {
			if desc.Closed() {
				st.finishWait(false)
				return waitCancelled, nil
			}
			// The full timeout is reused rather than adjusted for time
			// already spent; see DESIGN.md.
			continue
		}
		break
	}
	if err != nil {
		st.finishWait(false)
		logf(logTypePoll, "poll failed: %v", err)
		return waitPollError, err
	}
	if desc.Closed() {
		st.finishWait(false)
		return waitCancelled, nil
	}
	if fds[0].Revents&unix.POLLNVAL != 0 {
		st.finishWait(false)
		return waitPollError, unix.EBADF
	}

	woken := fds[1].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0
	st.finishWait(woken)

	if n == 0 {
		logf(logTypePoll, "readiness wait timed out on fd %d", desc.FD())
		return waitTimedOut, nil
	}
	logf(logTypePoll, "fd %d ready (socket revents %x, woken %v)", desc.FD(), fds[0].Revents, woken)
	return waitReady, nil
}
