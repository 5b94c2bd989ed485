package sslio

// The coordinator surfaces four failure kinds to callers.  Clean
// end-of-stream on a read is not one of them: it is reported as io.EOF,
// never as an error type below.

// TimeoutError is returned when a readiness wait exhausts its deadline
// without the transport becoming ready.  It satisfies net.Error so callers
// can distinguish "try again later" from a broken connection.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return "sslio: " + e.Op + ": operation timed out"
}

func (e *TimeoutError) Timeout() bool { return true }

func (e *TimeoutError) Temporary() bool { return true }

// InterruptedError is returned when an operation was aborted by Interrupt
// or by asynchronous closure of the underlying descriptor.  It is a
// best-effort abort, not a protocol failure.
type InterruptedError struct {
	Op string
}

func (e *InterruptedError) Error() string {
	return "sslio: " + e.Op + ": operation interrupted"
}

// TransportError is returned when the readiness poll itself failed, or
// when the descriptor could not be prepared for non-blocking operation.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	if e.Cause == nil {
		return "sslio: " + e.Op + ": transport failure"
	}
	return "sslio: " + e.Op + ": transport failure: " + e.Cause.Error()
}

func (e *TransportError) Unwrap() error { return e.Cause }

// ProtocolError is returned when the engine reported a fatal,
// non-retryable condition.  The engine's cause chain is preserved.
type ProtocolError struct {
	Op    string
	Cause error
}

func (e *ProtocolError) Error() string {
	if e.Cause == nil {
		return "sslio: " + e.Op + ": protocol failure"
	}
	return "sslio: " + e.Op + ": protocol failure: " + e.Cause.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Cause }
