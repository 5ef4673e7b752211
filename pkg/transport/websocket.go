package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// statusPeekSize is enough to capture "HTTP/1.1 NNN".
const statusPeekSize = 32

// WebSocketDialer dials with golang.org/x/net/websocket.
type WebSocketDialer struct {
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
}

// NewWebSocketDialer returns the default dialer.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{HandshakeTimeout: DefaultHandshakeTimeout}
}

// Dial performs the WebSocket handshake. HTTP 401/403 responses are reported
// as *AuthenticationError.
func (d *WebSocketDialer) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	ctx, cancel := withHandshakeTimeout(ctx, d.HandshakeTimeout)
	defer cancel()

	target, err := ep.requestURL()
	if err != nil {
		return nil, err
	}
	cfg, err := websocket.NewConfig(target, ep.origin())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Header = ep.requestHeader()
	cfg.TlsConfig = d.TLSConfig

	raw, err := d.dialRaw(ctx, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	peek := &statusConn{Conn: raw}
	if err := raw.SetDeadline(deadline(ctx)); err != nil {
		_ = raw.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	ws, err := websocket.NewClient(cfg, peek)
	if err != nil {
		_ = raw.Close() //nolint:errcheck // already failing
		if errors.Is(err, websocket.ErrBadStatus) {
			code := peek.statusCode()
			if authErr := authErrorFromStatus(code, err); authErr != nil {
				return nil, authErr
			}
			return nil, fmt.Errorf("handshake: status %d: %w", code, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("handshake: %w", ctxErr)
		}
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		_ = ws.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return &webSocketConn{ws: ws}, nil
}

func (d *WebSocketDialer) dialRaw(ctx context.Context, loc *url.URL) (net.Conn, error) {
	host := loc.Host
	if loc.Port() == "" {
		port := "80"
		if loc.Scheme == "wss" {
			port = "443"
		}
		host = net.JoinHostPort(loc.Hostname(), port)
	}
	if loc.Scheme == "wss" {
		cfg := d.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if cfg.ServerName == "" {
			cfg = cfg.Clone()
			cfg.ServerName = loc.Hostname()
		}
		td := &tls.Dialer{Config: cfg}
		return td.DialContext(ctx, "tcp", host)
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", host)
}

// statusConn records the first bytes read so the handshake status code can be
// recovered when x/net reports ErrBadStatus.
type statusConn struct {
	net.Conn

	head []byte
}

func (c *statusConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if room := statusPeekSize - len(c.head); room > 0 && n > 0 {
		c.head = append(c.head, p[:min(n, room)]...)
	}
	return n, err
}

func (c *statusConn) statusCode() int {
	line, _, _ := bytes.Cut(c.head, []byte("\r\n"))
	fields := bytes.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(string(fields[1]))
	if err != nil {
		return 0
	}
	return code
}

type webSocketConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

func (c *webSocketConn) Read(ctx context.Context) ([]byte, error) {
	if err := c.ws.SetReadDeadline(deadline(ctx)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now()) //nolint:errcheck // unblocks the pending read
	})
	defer stop()

	var data []byte
	if err := websocket.Message.Receive(c.ws, &data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read: %w", err)
	}
	return data, nil
}

func (c *webSocketConn) Write(ctx context.Context, payload []byte) error {
	if err := c.ws.SetWriteDeadline(deadline(ctx)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.Message.Send(c.ws, string(payload)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *webSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}
