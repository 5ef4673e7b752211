package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/codeGROOVE-dev/chatsock/pkg/logger"
	"github.com/codeGROOVE-dev/chatsock/pkg/realtime"
)

const sendBufferSize = 256

// Client is one authenticated WebSocket connection.
//
// Run is the only goroutine that writes to the connection. The handler's
// read loop detects disconnects; the hub and the handler hand frames to Run
// through enqueue.
type Client struct {
	ConnectedAt time.Time
	conn        *websocket.Conn
	limiter     *rate.Limiter
	send        chan []byte
	done        chan struct{}
	ID          string
	UserID      string
	IP          string
	closeOnce   sync.Once
}

func newClient(id, userID, ip string, conn *websocket.Conn, limiter *rate.Limiter) *Client {
	return &Client{
		ID:          id,
		UserID:      userID,
		IP:          ip,
		ConnectedAt: time.Now(),
		conn:        conn,
		limiter:     limiter,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
	}
}

// Run writes queued frames and periodic pings until the client closes, ctx
// ends or a write fails.
func (c *Client) Run(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	defer c.Close()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var pingSeq uint64

	for {
		select {
		case <-ctx.Done():
			logger.Debug(ctx, "client context cancelled", logger.Fields{"client_id": c.ID})
			return

		case <-c.done:
			return

		case <-pingTicker.C:
			pingSeq++
			frame, err := serverFrame(realtime.TypePing, realtime.PingData{
				Timestamp: time.Now().UnixMilli(),
				Seq:       pingSeq,
			})
			if err != nil {
				logger.Error(ctx, "failed to encode ping", err, logger.Fields{"client_id": c.ID})
				return
			}
			if err := c.write(frame, writeTimeout); err != nil {
				logger.Warn(ctx, "client ping failed", logger.Fields{
					"client_id": c.ID,
					"error":     err.Error(),
				})
				return
			}

		case frame := <-c.send:
			if err := c.write(frame, writeTimeout); err != nil {
				logger.Warn(ctx, "client send failed", logger.Fields{
					"client_id": c.ID,
					"user_id":   c.UserID,
					"error":     err.Error(),
				})
				return
			}
		}
	}
}

// enqueue hands a frame to the writer without blocking. It reports false
// when the client is closed or its buffer is full.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *Client) write(frame []byte, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.Message.Send(c.conn, string(frame)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close stops the writer and closes the connection. It is safe to call
// more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close() //nolint:errcheck,gosec // best effort close
		}
	})
}

// Done is closed when the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
