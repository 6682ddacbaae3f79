package transport

import "fmt"

// Result classifies the outcome of a backend operation. Transient failures
// are reported out-of-band through these codes rather than tearing down the
// driver.
type Result int

const (
	// ResultOK means the operation completed.
	ResultOK Result = iota
	// ResultSendFailure is a transient send syscall failure.
	ResultSendFailure
	// ResultReceiveFailure is a transient receive syscall failure.
	ResultReceiveFailure
	// ResultUnreachable means no route to the destination endpoint exists.
	ResultUnreachable
	// ResultNotBound means the backend was used before Bind.
	ResultNotBound
	// ResultInterfaceFailed means the backend exhausted its socket
	// recreation budget and is permanently down.
	ResultInterfaceFailed
)

// String returns a human-readable code name.
func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultSendFailure:
		return "send failure"
	case ResultReceiveFailure:
		return "receive failure"
	case ResultUnreachable:
		return "unreachable"
	case ResultNotBound:
		return "not bound"
	case ResultInterfaceFailed:
		return "interface failed"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// OpError is the error type surfaced by backend operations. Code carries
// the machine-readable classification; Err the underlying cause, if any.
type OpError struct {
	Op   string
	Code Result
	Err  error
}

// Error implements error.
func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Op, e.Code)
}

// Unwrap exposes the underlying cause.
func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op string, code Result, err error) *OpError {
	return &OpError{Op: op, Code: code, Err: err}
}
