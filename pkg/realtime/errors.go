package realtime

import (
	"errors"
	"fmt"

	"github.com/codeGROOVE-dev/chatsock/pkg/transport"
)

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrConnectionLost is returned when the connection drops while an
	// operation is waiting on it.
	ErrConnectionLost = errors.New("realtime: connection lost")
	// ErrDisconnected settles a pending Connect when Disconnect is called.
	ErrDisconnected = errors.New("realtime: disconnected")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("realtime: client closed")
	// ErrHeartbeatTimeout reports too many unanswered heartbeat pings.
	ErrHeartbeatTimeout = errors.New("realtime: heartbeat timeout")
)

// ConnectionError is returned by Connect when no connection could be made.
type ConnectionError struct {
	Err      error
	Attempts int
	// Terminal is set when the server rejected the client and retrying
	// with the same credentials cannot succeed.
	Terminal bool
}

func (e *ConnectionError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("realtime: connection rejected: %v", e.Err)
	}
	return fmt.Sprintf("realtime: connection failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a server that speaks an incompatible protocol.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return "realtime: protocol error: " + e.Code
	}
	return fmt.Sprintf("realtime: protocol error: %s: %s", e.Code, e.Message)
}

// isTerminal reports whether err must stop the reconnect loop.
func isTerminal(err error) bool {
	if transport.IsAuthentication(err) {
		return true
	}
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}

// errorFromFrame classifies a server error frame. It returns nil for codes
// that do not affect the connection.
func errorFromFrame(d ErrorData) error {
	switch d.Code {
	case CodeAuthFailed, CodeAccessDenied, CodeUnauthorized, CodeInvalidToken:
		return &transport.AuthenticationError{Message: d.Code + ": " + d.Message}
	case CodeUnsupportedVersion:
		return &ProtocolError{Code: d.Code, Message: d.Message}
	default:
		return nil
	}
}
