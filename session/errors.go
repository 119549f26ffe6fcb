package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrTimeout is wrapped by ConnectionLostError when a send or receive
	// deadline expires.
	ErrTimeout = errors.New("session: i/o timeout")

	// ErrUnexpectedReply means the simulator answered a handshake with the
	// wrong message. It is not retried.
	ErrUnexpectedReply = errors.New("session: unexpected reply")

	ErrClosed = errors.New("session: closed")
)

// ConnectionSetupError is returned when the companion process cannot be
// started or bind/connect retries are exhausted. It is fatal for the caller.
type ConnectionSetupError struct {
	Addr     string
	Stage    string // "companion", "bind" or "connect"
	Attempts int
	Err      error
}

func (e *ConnectionSetupError) Error() string {
	return fmt.Sprintf("session setup %s %s failed after %d attempts: %v", e.Stage, e.Addr, e.Attempts, e.Err)
}

func (e *ConnectionSetupError) Unwrap() error { return e.Err }

// TransientFrameError is a message that could not be decoded as exactly one
// JSON object, typically two replies merged into one read.
type TransientFrameError struct {
	Reason string
	Data   []byte
	Err    error
}

func (e *TransientFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient frame error: %s (%d bytes): %v", e.Reason, len(e.Data), e.Err)
	}
	return fmt.Sprintf("transient frame error: %s (%d bytes)", e.Reason, len(e.Data))
}

func (e *TransientFrameError) Unwrap() error { return e.Err }

// ConnectionLostError is a recoverable I/O failure on an established
// connection: timeout, reset by peer, EOF.
type ConnectionLostError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *ConnectionLostError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("connection lost during %s: %v: %v", e.Op, ErrTimeout, e.Err)
	}
	return fmt.Sprintf("connection lost during %s: %v", e.Op, e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

func (e *ConnectionLostError) Is(target error) bool {
	return target == ErrTimeout && e.Timeout
}

// lost converts a transport error into a ConnectionLostError. Frame errors
// pass through unchanged.
func lost(op string, err error) error {
	var fe *TransientFrameError
	if errors.As(err, &fe) {
		return err
	}
	var ne net.Error
	timeout := errors.As(err, &ne) && ne.Timeout()
	return &ConnectionLostError{Op: op, Timeout: timeout, Err: err}
}

// isLost reports whether err should be handled by reconnecting.
func isLost(err error) bool {
	var le *ConnectionLostError
	return errors.As(err, &le) || errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

func isFrame(err error) bool {
	var fe *TransientFrameError
	return errors.As(err, &fe)
}
