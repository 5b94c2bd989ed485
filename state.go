//go:build unix

package sslio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// connState is the shared per-connection coordination state: the liveness
// flag consulted by every driver loop, the count of goroutines parked in a
// readiness wait, and the self-pipe used to interrupt those waits from
// another goroutine.
//
// The mutex guards waiting, inFlight and the one-byte wakeup drain.  It is
// not a connection lock: same-direction exclusion is the caller's contract.
type connState struct {
	alive atomic.Bool

	mu       sync.Mutex
	cond     *sync.Cond // signaled when inFlight drops
	waiting  int        // goroutines parked in waitReadiness
	inFlight int        // operations between enterOp and exitOp
	released bool       // wakeup pipe closed

	// Self-pipe.  Both ends are non-blocking and live exactly as long as
	// this state; they are never individually closed or replaced.
	wakeupRead  int
	wakeupWrite int
}

func newConnState() (*connState, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("sslio: create wakeup pipe: %w", err)
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("sslio: set wakeup pipe non-blocking: %w", err)
		}
	}
	st := &connState{wakeupRead: p[0], wakeupWrite: p[1]}
	st.cond = sync.NewCond(&st.mu)
	st.alive.Store(true)
	logf(logTypeIO, "connState created, wakeup pipe [%d %d]", p[0], p[1])
	return st, nil
}

func (st *connState) isAlive() bool { return st.alive.Load() }

// signalCancel marks the connection dead and wakes any parked waiters.
// Two wakes cover the documented concurrency contract of at most one
// reader and one writer in flight.  Safe to call at any time, from any
// goroutine, repeatedly.
func (st *connState) signalCancel() {
	st.alive.Store(false)
	st.wake()
	st.wake()
}

// wake writes a single byte into the self-pipe so that any goroutine
// parked in waitReadiness returns promptly.  Interrupted writes are
// retried; all other errors, including a full pipe, are ignored.  The
// signal is best-effort and must never fail the operation in progress.
func (st *connState) wake() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.released {
		return
	}
	var b [1]byte
	for {
		_, err := unix.Write(st.wakeupWrite, b[:])
		if err == unix.EINTR {
			continue
		}
		if err == nil {
			logf(logTypeIO, "wakeup byte written")
		}
		return
	}
}

// addWaiter registers the caller as a parked waiter before it enters the
// poll, so a wake arriving in between is not lost: the pipe byte stays
// readable until drained.
func (st *connState) addWaiter() {
	st.mu.Lock()
	st.waiting++
	st.mu.Unlock()
}

// finishWait deregisters a waiter, draining exactly one wakeup byte if the
// poll reported the pipe readable.  The drain runs under the mutex so two
// simultaneously woken goroutines do not race on the same signal.
func (st *connState) finishWait(drain bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if drain && !st.released {
		var b [1]byte
		for {
			_, err := unix.Read(st.wakeupRead, b[:])
			if err == unix.EINTR {
				continue
			}
			break
		}
	}
	st.waiting--
}

func (st *connState) waiters() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.waiting
}

// enterOp registers an operation driver.  It fails only once the state has
// been released; a cancelled-but-open connection still admits the driver,
// whose loop then observes !alive and fails as interrupted.
func (st *connState) enterOp() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.released {
		return false
	}
	st.inFlight++
	return true
}

func (st *connState) exitOp() {
	st.mu.Lock()
	st.inFlight--
	st.cond.Broadcast()
	st.mu.Unlock()
}

// close signals cancellation and releases the wakeup pipe once the last
// in-flight operation has exited.  The pipe descriptors must outlive every
// goroutine that may still poll them, so teardown waits rather than
// closing eagerly.
func (st *connState) close() {
	st.signalCancel()
	st.mu.Lock()
	for st.inFlight > 0 {
		st.cond.Wait()
	}
	if !st.released {
		st.released = true
		unix.Close(st.wakeupRead)
		unix.Close(st.wakeupWrite)
		logf(logTypeIO, "connState released")
	}
	st.mu.Unlock()
}
