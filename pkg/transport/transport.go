// Package transport defines the message-framed connection used by the realtime
// client and provides WebSocket implementations of it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHandshakeTimeout bounds dialing when the caller's context has no deadline.
const DefaultHandshakeTimeout = 10 * time.Second

// Conn is a bidirectional, message-framed connection.
// Read must only be called from one goroutine; the same holds for Write.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Close() error
}

// Dialer opens connections to a realtime endpoint.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, ep Endpoint) (Conn, error)

// Dial calls f(ctx, ep).
func (f DialerFunc) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	return f(ctx, ep)
}

// Endpoint describes where and how to connect.
type Endpoint struct {
	Header http.Header
	// URL is a ws:// or wss:// address.
	URL   string
	Token string
	// TokenQueryParam, when set, also carries the token as a query parameter.
	TokenQueryParam string
	// Origin is required by the x/net handshake and defaults there to
	// http(s)://localhost/ depending on the URL scheme. The gorilla dialer
	// sends it only when set.
	Origin          string
	ProtocolVersion string
}

// AuthenticationError represents an authentication or authorization failure
// that should not trigger reconnection attempts.
type AuthenticationError struct {
	Message    string
	StatusCode int
}

func (e *AuthenticationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authentication failed (%d): %s", e.StatusCode, e.Message)
	}
	return "authentication failed: " + e.Message
}

// IsAuthentication reports whether err is, or wraps, an *AuthenticationError.
func IsAuthentication(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// requestURL returns the dial URL with token and version query parameters applied.
func (ep Endpoint) requestURL() (string, error) {
	u, err := url.Parse(ep.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	if ep.TokenQueryParam != "" && ep.Token != "" {
		q.Set(ep.TokenQueryParam, ep.Token)
	}
	if ep.ProtocolVersion != "" {
		q.Set("v", ep.ProtocolVersion)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// requestHeader returns a copy of the configured headers with the bearer token set.
func (ep Endpoint) requestHeader() http.Header {
	h := make(http.Header, len(ep.Header)+1)
	for k, v := range ep.Header {
		h[k] = append([]string(nil), v...)
	}
	if ep.Token != "" {
		h.Set("Authorization", "Bearer "+ep.Token)
	}
	return h
}

func (ep Endpoint) origin() string {
	if ep.Origin != "" {
		return ep.Origin
	}
	if strings.HasPrefix(ep.URL, "wss://") {
		return "https://localhost/"
	}
	return "http://localhost/"
}

// authErrorFromStatus maps handshake HTTP status codes to authentication errors.
func authErrorFromStatus(code int, cause error) error {
	switch code {
	case http.StatusUnauthorized:
		return &AuthenticationError{StatusCode: code, Message: fmt.Sprintf("invalid or missing token: %v", cause)}
	case http.StatusForbidden:
		return &AuthenticationError{StatusCode: code, Message: fmt.Sprintf("access denied: %v", cause)}
	default:
		return nil
	}
}

// deadline returns the context deadline, or the zero time when there is none.
func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Time{}
}

func withHandshakeTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
