package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteTimeout = time.Second

// GorillaDialer dials with github.com/gorilla/websocket. Protocol-level
// ping frames from the server are answered automatically.
type GorillaDialer struct {
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// NewGorillaDialer returns a dialer with the default handshake timeout.
func NewGorillaDialer() *GorillaDialer {
	return &GorillaDialer{HandshakeTimeout: DefaultHandshakeTimeout}
}

// Dial performs the WebSocket handshake.
func (d *GorillaDialer) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	target, err := ep.requestURL()
	if err != nil {
		return nil, err
	}
	header := ep.requestHeader()
	// gorilla servers reject cross-origin handshakes by default, so an
	// Origin is only sent when one was configured.
	if ep.Origin != "" {
		header.Set("Origin", ep.Origin)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		TLSClientConfig:  d.TLSConfig,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = DefaultHandshakeTimeout
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close() //nolint:errcheck // body is unused
	}
	if err != nil {
		if resp != nil {
			if authErr := authErrorFromStatus(resp.StatusCode, err); authErr != nil {
				return nil, authErr
			}
			return nil, fmt.Errorf("handshake: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &gorillaConn{conn: conn}, nil
}

type gorillaConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (c *gorillaConn) Read(ctx context.Context) ([]byte, error) {
	if err := c.conn.SetReadDeadline(deadline(ctx)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now()) //nolint:errcheck // unblocks the pending read
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
			return nil, &AuthenticationError{Message: "closed by server: " + closeErr.Text}
		}
		return nil, fmt.Errorf("read: %w", err)
	}
	return data, nil
}

func (c *gorillaConn) Write(ctx context.Context, payload []byte) error {
	if err := c.conn.SetWriteDeadline(deadline(ctx)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *gorillaConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl( //nolint:errcheck // best effort close frame
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout),
		)
		err = c.conn.Close()
	})
	return err
}
