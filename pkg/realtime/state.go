package realtime

import (
	"fmt"
	"time"
)

// Status is the connection lifecycle position.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// State is a snapshot of the client. It is a plain value: copies handed to
// listeners are independent of the client and of each other.
type State struct {
	LastConnectedAt    time.Time
	LastError          string
	Status             Status
	ReconnectAttempts  int
	Latency            time.Duration
	QueuedMessageCount int
	LatencyMeasured    bool
}

// IsConnected reports whether the client has a live connection.
func (s State) IsConnected() bool { return s.Status == StatusConnected }

// IsConnecting reports whether an initial connection attempt is in flight.
func (s State) IsConnecting() bool { return s.Status == StatusConnecting }

// IsReconnecting reports whether the client is recovering from a failure.
func (s State) IsReconnecting() bool { return s.Status == StatusReconnecting }

type stateListener struct {
	fn func(State)
	id uint64
}

// OnStateChange registers fn to receive every state change, in the order the
// changes happened. The returned function removes the listener.
func (c *Client) OnStateChange(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextListenerID++
	id := c.nextListenerID
	c.listeners = append(c.listeners, stateListener{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// State returns the current snapshot.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// updateState applies fn under c.mu and delivers the resulting notification.
func (c *Client) updateState(fn func(*State)) {
	c.mu.Lock()
	prev := c.state
	fn(&c.state)
	c.publishLocked(prev)
	c.deliverLocked()
}

// publishLocked queues a notification if the state differs from prev.
func (c *Client) publishLocked(prev State) {
	if c.state == prev {
		return
	}
	if c.state.Status != prev.Status {
		c.metrics.SetStatus(c.state.Status.String())
	}
	c.pending = append(c.pending, c.state)
}

// deliverLocked drains pending notifications to listeners and releases c.mu.
// Listeners run without the lock held. A mutation made while another
// goroutine (or a listener further up the stack) is delivering is appended
// to pending and delivered by that goroutine after the current pass.
func (c *Client) deliverLocked() {
	if c.notifying {
		c.mu.Unlock()
		return
	}
	c.notifying = true
	for len(c.pending) > 0 {
		s := c.pending[0]
		c.pending = c.pending[1:]
		listeners := make([]stateListener, len(c.listeners))
		copy(listeners, c.listeners)
		c.mu.Unlock()
		for _, l := range listeners {
			c.callListener(l.fn, s)
		}
		c.mu.Lock()
	}
	c.pending = nil
	c.notifying = false
	c.mu.Unlock()
}

func (c *Client) callListener(fn func(State), s State) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("state listener panicked", "panic", r, "status", s.Status.String())
		}
	}()
	fn(s)
}
