package memcache

import (
	"fmt"
	"time"

	"github.com/dropbox/gomc/errors"
)

var (
	// Returned for every command still queued on a session when the session
	// is destroyed.  Always wrapped in a *ConnectionError.
	ErrSessionClosed = errors.New("Session has been closed")

	// The client or connector has been shut down.
	ErrShutdown = errors.New("Client has been shut down")

	errCancelled = errors.New("Command cancelled before it was written")
)

// RoutingError means no session is available for the key: the cluster is
// empty, or every session is closed and no standby can take over.
type RoutingError struct {
	Key string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("No available memcache session for key '%s'", e.Key)
}

// TimeoutError means a command did not complete within its budget.  The
// command may still complete in the background.
type TimeoutError struct {
	Op      string
	Key     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("Timed out after %v waiting for %s", e.Timeout, e.Op)
	}
	return fmt.Sprintf(
		"Timed out after %v waiting for %s of key '%s'", e.Timeout, e.Op, e.Key)
}

// ProtocolError is a malformed or error response.  When Resync is false the
// byte stream can no longer be trusted and the session is closed.
type ProtocolError struct {
	Message string
	resync  bool
}

func (e *ProtocolError) Error() string {
	return "Memcache protocol error: " + e.Message
}

// Resync reports whether the session could continue decoding after the
// error.
func (e *ProtocolError) Resync() bool {
	return e.resync
}

func newProtocolError(resync bool, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{
		Message: fmt.Sprintf(format, args...),
		resync:  resync,
	}
}

// ConnectionError is a transport failure: dial, read or write.  Commands
// failed by a session close carry ErrSessionClosed as Err.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf(
		"Connection unavailable for memcache server %s: %s",
		e.Address,
		errors.GetMessage(e.Err))
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func connectionError(address string, err error) error {
	if err == nil {
		err = ErrSessionClosed
	}
	return &ConnectionError{Address: address, Err: err}
}

// AuthError means the server rejected the SASL credentials.  Further sends
// to the session fail fast with this error.
type AuthError struct {
	Address   string
	Mechanism string
	Status    ResponseStatus
}

func (e *AuthError) Error() string {
	return fmt.Sprintf(
		"Authentication with %s using %s failed (status 0x%x)",
		e.Address,
		e.Mechanism,
		uint16(e.Status))
}

// IsTimeout reports whether err is, or wraps, a *TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// IsConnectionError reports whether err is, or wraps, a *ConnectionError.
func IsConnectionError(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}
