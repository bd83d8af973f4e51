package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
)

var (
	// ErrNotFound reports that a UID, folder or attachment does not exist.
	ErrNotFound = errors.New("not found")

	// ErrServiceUnavailable is returned once the reconnect budget is spent.
	ErrServiceUnavailable = errors.New("mail service unavailable")

	// ErrClosed is returned by operations issued after Close.
	ErrClosed = errors.New("mailbox engine closed")
)

// AuthError indicates that the server rejected the configured credentials.
// It is fatal: the engine does not retry and keeps returning it.
type AuthError struct {
	Username string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Username, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// TimeoutError reports that one call exceeded its deadline. The shared
// session is left untouched.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.Timeout)
}

// Is lets errors.Is(err, context.DeadlineExceeded) match.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// IsTimeout reports whether err is a per-call TimeoutError.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// OperationError reports a malformed or rejected server exchange.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// opError wraps err as an OperationError unless it already carries a more
// specific classification.
func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || !isServerResponse(err) {
		return err
	}
	var oe *OperationError
	if errors.As(err, &oe) {
		return err
	}
	return &OperationError{Op: op, Err: err}
}

// isServerResponse reports whether err is a tagged NO/BAD from the server.
func isServerResponse(err error) bool {
	var imapErr *imap.Error
	return errors.As(err, &imapErr)
}

// isNonExistent reports a NO [NONEXISTENT] response, e.g. on SELECT.
func isNonExistent(err error) bool {
	var imapErr *imap.Error
	if !errors.As(err, &imapErr) {
		return false
	}
	return imapErr.Code == imap.ResponseCodeNonExistent
}

// isTransportError classifies err as a broken session. Anything that is not
// a server response or an engine-level result is treated as transport.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case isServerResponse(err),
		IsAuthError(err),
		IsTimeout(err),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, context.Canceled):
		return false
	}
	var oe *OperationError
	if errors.As(err, &oe) {
		return false
	}
	return true
}

// isHardNetErr reports errors that mean the socket itself is gone, as
// opposed to a protocol-level failure on a live session.
func isHardNetErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "connection reset") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "use of closed network connection")
}
