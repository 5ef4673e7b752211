// Package relay is a WebSocket server speaking the realtime protocol: it
// authenticates connections, keeps a per-user connection registry, relays
// typing indicators, read receipts and presence between users, and lets
// application code publish events to users.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/chatsock/pkg/logger"
	"github.com/codeGROOVE-dev/chatsock/pkg/metrics"
	"github.com/codeGROOVE-dev/chatsock/pkg/realtime"
)

const (
	registerBufferSize   = 100
	unregisterBufferSize = 100
	statsInterval        = time.Minute
)

// Stats is a snapshot of the registry, as served on /ws/stats.
type Stats struct {
	UsersOnline      []string `json:"users_online"`
	TotalUsers       int      `json:"total_users"`
	TotalConnections int      `json:"total_connections"`
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithPresenceAnnouncements makes the hub send user:online when a user's
// first connection registers and user:offline when the last one leaves.
func WithPresenceAnnouncements() HubOption {
	return func(h *Hub) { h.announce = true }
}

// WithMetrics records connection gauges and outbound frames.
func WithMetrics(m *metrics.Relay) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// Hub tracks connected clients by user. Registration runs through a single
// goroutine (Run); publishing may happen from any goroutine.
type Hub struct {
	users      map[string]map[string]*Client
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopped    chan struct{}
	metrics    *metrics.Relay
	stopOnce   sync.Once
	conns      int
	announce   bool
	mu         sync.RWMutex
}

// NewHub creates a hub. Call Run to start it.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		users:      make(map[string]map[string]*Client),
		register:   make(chan *Client, registerBufferSize),
		unregister: make(chan *Client, unregisterBufferSize),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes registrations until ctx is done or Stop is called, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	defer h.cleanup(ctx)

	logger.Info(ctx, "hub started", nil)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "hub shutting down", nil)
			return
		case <-h.stop:
			logger.Info(ctx, "hub stop requested", nil)
			return

		case <-ticker.C:
			st := h.Stats()
			logger.Info(ctx, "hub stats", logger.Fields{
				"total_users":       st.TotalUsers,
				"total_connections": st.TotalConnections,
			})

		case c := <-h.register:
			h.add(ctx, c)

		case c := <-h.unregister:
			h.remove(ctx, c)
		}
	}
}

func (h *Hub) add(ctx context.Context, c *Client) {
	h.mu.Lock()
	set, existed := h.users[c.UserID]
	if !existed {
		set = make(map[string]*Client)
		h.users[c.UserID] = set
	}
	set[c.ID] = c
	h.conns++
	userConns, conns, users := len(set), h.conns, len(h.users)
	h.mu.Unlock()

	h.metrics.SetConnections(conns, users)
	logger.Info(ctx, "client registered", logger.Fields{
		"client_id":         c.ID,
		"user_id":           c.UserID,
		"user_connections":  userConns,
		"total_connections": conns,
	})

	// Sent after indexing, so a client that has seen the acknowledgement
	// is reachable through the hub.
	h.deliver(c, realtime.TypeConnectionEstablished, realtime.EstablishedData{
		UserID:      c.UserID,
		ConnectedAt: c.ConnectedAt.UTC().Format(time.RFC3339Nano),
	})

	if h.announce && !existed {
		h.Publish(realtime.TypeUserOnline, realtime.UserStatusData{
			UserID:    c.UserID,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}, nil, []string{c.UserID})
	}
}

func (h *Hub) remove(ctx context.Context, c *Client) {
	h.mu.Lock()
	set := h.users[c.UserID]
	if _, ok := set[c.ID]; !ok {
		h.mu.Unlock()
		logger.Warn(ctx, "attempted to unregister unknown client", logger.Fields{"client_id": c.ID})
		return
	}
	delete(set, c.ID)
	h.conns--
	lastConn := len(set) == 0
	if lastConn {
		delete(h.users, c.UserID)
	}
	conns, users := h.conns, len(h.users)
	h.mu.Unlock()

	c.Close()
	h.metrics.SetConnections(conns, users)
	logger.Info(ctx, "client unregistered", logger.Fields{
		"client_id":         c.ID,
		"user_id":           c.UserID,
		"total_connections": conns,
	})

	if h.announce && lastConn {
		h.Publish(realtime.TypeUserOffline, realtime.UserStatusData{
			UserID:    c.UserID,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}, nil, nil)
	}
}

// Register adds a client. The client receives connection:established once
// it is indexed. It reports false when the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case <-h.stopped:
		return false
	default:
	}
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		return false
	}
}

// Unregister removes and closes a client.
func (h *Hub) Unregister(c *Client) {
	select {
	case <-h.stopped:
		c.Close()
		return
	default:
	}
	select {
	case h.unregister <- c:
	case <-h.stopped:
		c.Close()
	}
}

// PublishToUser sends an event to every connection of userID and returns
// how many connections accepted it.
func (h *Hub) PublishToUser(userID, msgType string, data any) int {
	frame, err := serverFrame(msgType, data)
	if err != nil {
		logger.Error(context.Background(), "failed to encode event", err, logger.Fields{"type": msgType})
		return 0
	}
	return h.sendFrame(h.snapshot(userID), msgType, frame)
}

// Publish sends an event to userIDs, or to every connected user when userIDs
// is nil, skipping the users in exclude. It returns the accepted count per user.
func (h *Hub) Publish(msgType string, data any, userIDs, exclude []string) map[string]int {
	frame, err := serverFrame(msgType, data)
	if err != nil {
		logger.Error(context.Background(), "failed to encode event", err, logger.Fields{"type": msgType})
		return nil
	}
	if userIDs == nil {
		userIDs = h.OnlineUsers()
	}
	results := make(map[string]int, len(userIDs))
	for _, uid := range userIDs {
		if slices.Contains(exclude, uid) {
			continue
		}
		results[uid] = h.sendFrame(h.snapshot(uid), msgType, frame)
	}
	return results
}

// Broadcast sends an event to every connection and returns how many accepted it.
func (h *Hub) Broadcast(msgType string, data any) int {
	total := 0
	for _, n := range h.Publish(msgType, data, nil, nil) {
		total += n
	}
	return total
}

// IsOnline reports whether userID has at least one connection.
func (h *Hub) IsOnline(userID string) bool {
	return h.ConnectionCount(userID) > 0
}

// ConnectionCount returns the number of connections of userID.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// OnlineUsers returns the connected user ids, sorted.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.users))
	for uid := range h.users {
		ids = append(ids, uid)
	}
	h.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Stats returns registry counts.
func (h *Hub) Stats() Stats {
	users := h.OnlineUsers()
	h.mu.RLock()
	conns := h.conns
	h.mu.RUnlock()
	return Stats{UsersOnline: users, TotalUsers: len(users), TotalConnections: conns}
}

// Stop signals the hub to stop. It is safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Wait blocks until Run has returned.
func (h *Hub) Wait() {
	<-h.stopped
}

func (h *Hub) snapshot(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.users[userID]
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) deliver(c *Client, msgType string, data any) bool {
	frame, err := serverFrame(msgType, data)
	if err != nil {
		logger.Error(context.Background(), "failed to encode event", err, logger.Fields{"type": msgType})
		return false
	}
	return h.sendFrame([]*Client{c}, msgType, frame) == 1
}

func (h *Hub) sendFrame(clients []*Client, msgType string, frame []byte) int {
	sent := 0
	for _, c := range clients {
		if c.enqueue(frame) {
			sent++
			h.metrics.FrameOut(msgType)
			continue
		}
		logger.Warn(context.Background(), "dropped event for client: buffer full or closed", logger.Fields{
			"client_id": c.ID,
			"user_id":   c.UserID,
			"type":      msgType,
		})
	}
	return sent
}

func (h *Hub) cleanup(ctx context.Context) {
	h.mu.Lock()
	var all []*Client
	for _, set := range h.users {
		for _, c := range set {
			all = append(all, c)
		}
	}
	h.users = make(map[string]map[string]*Client)
	h.conns = 0
	h.mu.Unlock()

	logger.Info(ctx, "hub cleanup: closing client connections", logger.Fields{"client_count": len(all)})
	for _, c := range all {
		c.Close()
	}
	h.metrics.SetConnections(0, 0)
}

// serverFrame encodes an event stamped with the current time.
func serverFrame(msgType string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", msgType, err)
		}
		raw = b
	}
	return json.Marshal(realtime.Envelope{
		Type:      msgType,
		Data:      raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}
