package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/chatsock/pkg/metrics"
	"github.com/codeGROOVE-dev/chatsock/pkg/transport"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultMaxMissedPongs    = 2
	defaultTokenQueryParam   = "token"
)

// DefaultEphemeralTypes are message types that are dropped instead of queued
// while offline. A stale typing indicator or presence update is worse than none.
var DefaultEphemeralTypes = []string{TypeTypingStart, TypeTypingStop, TypePing, TypePong, TypePresenceUpdate}

// Config holds the configuration for the client.
type Config struct {
	Logger *slog.Logger
	// Dialer defaults to transport.NewWebSocketDialer().
	Dialer  transport.Dialer
	Metrics *metrics.Client
	Header  http.Header

	OnConnect func()
	// OnDisconnect receives nil for a deliberate Disconnect and the cause
	// for an unexpected drop.
	OnDisconnect   func(error)
	OnReconnecting func(attempt int, delay time.Duration)
	OnReconnected  func()
	OnError        func(error)
	OnHandlerError func(eventType string, err error)

	// URL is the ws:// or wss:// endpoint.
	URL   string
	Token string
	// TokenQueryParam names the query parameter carrying the token
	// (default "token"). Set to "-" to send the token only as a header.
	TokenQueryParam string
	Origin          string
	ProtocolVersion string
	// AckType is the frame that completes the handshake
	// (default connection:established).
	AckType string
	// EphemeralTypes overrides DefaultEphemeralTypes when non-nil.
	EphemeralTypes []string

	// Backoff fills zero fields from DefaultBackoff; set Jitter negative
	// for fixed delays.
	Backoff           Backoff
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration // negative disables heartbeats
	WriteTimeout      time.Duration
	// MaxReconnectAttempts bounds consecutive reconnect attempts.
	// Zero retries forever; negative never reconnects.
	MaxReconnectAttempts int
	MaxMissedPongs       int
	// QueueLimit caps the outbound queue (default DefaultQueueLimit).
	// Negative means unbounded.
	QueueLimit int
	Overflow   OverflowPolicy
	// SkipAck treats the transport handshake as the whole handshake.
	SkipAck bool
}

// Client is one logical realtime connection shared by many consumers.
type Client struct {
	logger    *slog.Logger
	dialer    transport.Dialer
	metrics   *metrics.Client
	queue     *outboundQueue
	disp      *dispatcher
	ephemeral map[string]bool
	run       *runHandle
	sess      *session
	lastDone  <-chan struct{}
	token     string
	listeners []stateListener
	pending   []State
	cfg       Config
	state     State
	backoff   Backoff

	nextListenerID uint64
	mu             sync.Mutex
	notifying      bool
	closed         bool
}

// runHandle tracks one connect/reconnect loop.
type runHandle struct {
	cancel  context.CancelFunc
	done    chan struct{}
	waiters []chan error
}

// New creates a client. It does not connect.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = transport.DefaultHandshakeTimeout
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxMissedPongs <= 0 {
		cfg.MaxMissedPongs = defaultMaxMissedPongs
	}
	if cfg.QueueLimit == 0 {
		cfg.QueueLimit = DefaultQueueLimit
	}
	if cfg.AckType == "" {
		cfg.AckType = TypeConnectionEstablished
	}
	switch cfg.TokenQueryParam {
	case "":
		cfg.TokenQueryParam = defaultTokenQueryParam
	case "-":
		cfg.TokenQueryParam = ""
	}
	if cfg.EphemeralTypes == nil {
		cfg.EphemeralTypes = DefaultEphemeralTypes
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = transport.NewWebSocketDialer()
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		dialer:    dialer,
		metrics:   cfg.Metrics,
		queue:     newOutboundQueue(cfg.QueueLimit, cfg.Overflow),
		ephemeral: make(map[string]bool, len(cfg.EphemeralTypes)),
		token:     cfg.Token,
		backoff:   cfg.Backoff.withDefaults(),
	}
	for _, t := range cfg.EphemeralTypes {
		c.ephemeral[t] = true
	}
	c.disp = newDispatcher(logger, c.handlerFailed)
	c.metrics.SetStatus(StatusDisconnected.String())
	return c, nil
}

// Connect opens the connection, or joins the attempt already in flight, and
// waits until it is established or has failed for good. A token, when given,
// replaces the configured one for this and later attempts.
//
// Cancelling ctx stops the wait but not the attempt: the client keeps
// reconnecting until it succeeds, exhausts MaxReconnectAttempts or Disconnect
// is called. Failures are reported as *ConnectionError.
func (c *Client) Connect(ctx context.Context, token ...string) error {
	ch, err := c.connect(token)
	if err != nil {
		return err
	}
	if ch == nil {
		return nil
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectAsync starts Connect and returns a channel that receives its result.
func (c *Client) ConnectAsync(token ...string) <-chan error {
	ch, err := c.connect(token)
	if err != nil || ch == nil {
		out := make(chan error, 1)
		out <- err
		return out
	}
	return ch
}

// connect returns nil, nil when already connected, otherwise a channel that
// receives the outcome of the current or a new run.
func (c *Client) connect(token []string) (<-chan error, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if len(token) > 0 && token[0] != "" {
		c.token = token[0]
	}

	ch := make(chan error, 1)
	switch c.state.Status {
	case StatusConnected:
		c.mu.Unlock()
		return nil, nil
	case StatusConnecting, StatusReconnecting:
		if c.run != nil {
			c.run.waiters = append(c.run.waiters, ch)
			c.mu.Unlock()
			return ch, nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &runHandle{cancel: cancel, done: make(chan struct{}), waiters: []chan error{ch}}
	prevDone := c.lastDone
	c.run = r

	prev := c.state
	c.state.Status = StatusConnecting
	c.state.ReconnectAttempts = 0
	c.publishLocked(prev)

	go c.runLoop(ctx, r, prevDone)
	c.deliverLocked()
	return ch, nil
}

// Disconnect closes the connection deliberately. Reconnect and heartbeat
// timers stop, a pending Connect returns ErrDisconnected, and the outbound
// queue and subscriptions are kept. Calling it while disconnected does nothing.
func (c *Client) Disconnect() {
	c.mu.Lock()
	r, s := c.run, c.sess
	if r == nil && c.state.Status == StatusDisconnected {
		c.mu.Unlock()
		return
	}
	if r != nil {
		c.run = nil
		c.lastDone = r.done
		r.cancel()
		c.settleLocked(r, ErrDisconnected)
	}
	c.sess = nil

	prev := c.state
	c.state.Status = StatusDisconnected
	c.state.ReconnectAttempts = 0
	c.publishLocked(prev)
	c.deliverLocked()

	if s != nil {
		s.closeConn()
	}
	if r == nil {
		return
	}
	c.logger.Info("realtime connection closed by client", "url", c.cfg.URL)
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(nil)
	}
}

// Shutdown disconnects, waits for connection goroutines to exit and makes
// every later Connect fail with ErrClosed. It must not be called from a
// handler or state listener.
func (c *Client) Shutdown() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	done := c.lastDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// settleLocked hands err to everyone waiting on r.
func (c *Client) settleLocked(r *runHandle, err error) {
	for _, w := range r.waiters {
		w <- err
	}
	r.waiters = nil
}

// transition applies fn if r is still the current run.
func (c *Client) transition(r *runHandle, fn func(*State)) bool {
	c.mu.Lock()
	if c.run != r {
		c.mu.Unlock()
		return false
	}
	prev := c.state
	fn(&c.state)
	c.publishLocked(prev)
	c.deliverLocked()
	return true
}

// runLoop connects and reconnects until the run is cancelled or gives up.
func (c *Client) runLoop(ctx context.Context, r *runHandle, prevDone <-chan struct{}) {
	defer close(r.done)
	defer r.cancel()

	// One attempt in flight: the previous run must have released its connection.
	if prevDone != nil {
		select {
		case <-prevDone:
		case <-ctx.Done():
			return
		}
	}

	var (
		attempt int // failed attempts since the last established session
		lastErr error
	)
	_ = retry.Do(func() error { //nolint:errcheck // outcome is reported through lastErr
		if err := ctx.Err(); err != nil {
			return retry.Unrecoverable(err)
		}
		if attempt > 0 {
			if err := c.waitBackoff(ctx, r, attempt); err != nil {
				return retry.Unrecoverable(err)
			}
		}
		established, err := c.serveOnce(ctx, r, attempt)
		if established {
			attempt = 0
		}
		attempt++
		lastErr = err
		if c.cfg.OnError != nil && ctx.Err() == nil {
			c.cfg.OnError(err)
		}
		return err
	},
		retry.Context(ctx),
		retry.UntilSucceeded(),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(0),
		retry.RetryIf(func(err error) bool {
			if c.shouldRetry(ctx, err, attempt) {
				return true
			}
			if ctx.Err() == nil {
				c.logger.Error("realtime connection giving up", "error", err, "attempts", attempt, "terminal", isTerminal(err))
			}
			return false
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("realtime connection attempt failed", "error", err, "try", n+1, "next_attempt", attempt)
		}),
	)

	c.finishRun(r, lastErr, attempt)
}

func (c *Client) shouldRetry(ctx context.Context, err error, attempt int) bool {
	if ctx.Err() != nil {
		return false
	}
	if isTerminal(err) {
		return false
	}
	limit := c.cfg.MaxReconnectAttempts
	return limit == 0 || (limit > 0 && attempt <= limit)
}

func (c *Client) waitBackoff(ctx context.Context, r *runHandle, attempt int) error {
	delay := c.backoff.Delay(attempt)
	ok := c.transition(r, func(s *State) {
		s.Status = StatusReconnecting
		s.ReconnectAttempts = attempt
	})
	if !ok {
		return ErrDisconnected
	}
	c.metrics.ReconnectAttempt()
	c.logger.Info("realtime reconnecting", "url", c.cfg.URL, "attempt", attempt, "delay", delay)
	if c.cfg.OnReconnecting != nil {
		c.cfg.OnReconnecting(attempt, delay)
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// serveOnce performs one handshake and, if it succeeds, runs the session
// until it ends. established reports whether the handshake succeeded.
func (c *Client) serveOnce(ctx context.Context, r *runHandle, attempt int) (established bool, err error) {
	conn, early, err := c.handshake(ctx)
	if err != nil {
		c.transition(r, func(s *State) { s.LastError = err.Error() })
		return false, err
	}

	s := newSession(c, conn)
	c.mu.Lock()
	if c.run != r || ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close() //nolint:errcheck // run was cancelled
		return false, ErrDisconnected
	}
	c.sess = s
	prev := c.state
	c.state.Status = StatusConnected
	c.state.ReconnectAttempts = 0
	c.state.LastError = ""
	c.state.LastConnectedAt = time.Now()
	c.state.QueuedMessageCount = c.queue.len()
	c.settleLocked(r, nil)
	c.publishLocked(prev)
	c.deliverLocked()

	c.logger.Info("realtime connection established", "url", c.cfg.URL, "queued", c.queue.len())
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}
	if attempt > 0 && c.cfg.OnReconnected != nil {
		c.cfg.OnReconnected()
	}

	err = s.serve(ctx, early)

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	current := c.run == r && ctx.Err() == nil
	if !current {
		c.mu.Unlock()
		c.syncQueue()
		return true, err
	}
	lost := fmt.Errorf("%w: %w", ErrConnectionLost, err)
	prev = c.state
	if c.shouldRetry(ctx, err, 1) {
		c.state.Status = StatusReconnecting
		c.state.LastError = err.Error()
	} else {
		// Matches what finishRun publishes, so the run ends in one ERROR snapshot.
		c.state.Status = StatusError
		c.state.LastError = lost.Error()
	}
	c.state.QueuedMessageCount = c.queue.len()
	c.publishLocked(prev)
	c.deliverLocked()
	c.metrics.SetQueueDepth(c.queue.len())

	c.logger.Warn("realtime connection lost", "url", c.cfg.URL, "error", err)
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(err)
	}
	return true, lost
}

// handshake dials and waits for the acknowledgement frame. Frames that
// arrive before the acknowledgement are returned for later dispatch, with
// the acknowledgement last.
func (c *Client) handshake(ctx context.Context) (transport.Conn, []Message, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	conn, err := c.dialer.Dial(hctx, c.endpoint(token))
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	if c.cfg.SkipAck {
		return conn, nil, nil
	}
	early, err := c.awaitAck(hctx, conn)
	if err != nil {
		_ = conn.Close() //nolint:errcheck // handshake already failed
		return nil, nil, err
	}
	return conn, early, nil
}

func (c *Client) awaitAck(ctx context.Context, conn transport.Conn) ([]Message, error) {
	var early []Message
	for {
		b, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("await %s: %w", c.cfg.AckType, err)
		}
		env, err := DecodeFrame(b)
		if err != nil {
			c.logger.Warn("discarding malformed frame during handshake", "error", err)
			continue
		}
		switch env.Type {
		case c.cfg.AckType:
			return append(early, env.message(time.Now())), nil
		case TypeError:
			var d ErrorData
			if err := json.Unmarshal(env.Data, &d); err != nil {
				return nil, fmt.Errorf("handshake rejected: %s", env.Data)
			}
			if ferr := errorFromFrame(d); ferr != nil {
				return nil, ferr
			}
			return nil, fmt.Errorf("handshake rejected: %s", d.Message)
		case TypePing:
			if err := conn.Write(ctx, pongFrame(env)); err != nil {
				return nil, fmt.Errorf("pong during handshake: %w", err)
			}
		case TypePong, TypeHeartbeat:
		default:
			early = append(early, env.message(time.Now()))
		}
	}
}

// finishRun moves a run that gave up into StatusError.
func (c *Client) finishRun(r *runHandle, lastErr error, attempts int) {
	c.mu.Lock()
	if c.run != r {
		c.mu.Unlock()
		return
	}
	c.run = nil
	c.lastDone = r.done
	if lastErr == nil {
		lastErr = ErrConnectionLost
	}
	connErr := &ConnectionError{Err: lastErr, Attempts: attempts, Terminal: isTerminal(lastErr)}
	prev := c.state
	c.state.Status = StatusError
	c.state.LastError = lastErr.Error()
	c.settleLocked(r, connErr)
	c.publishLocked(prev)
	c.deliverLocked()

	c.logger.Error("realtime connection failed", "url", c.cfg.URL, "error", lastErr, "attempts", attempts, "terminal", connErr.Terminal)
}

func (c *Client) endpoint(token string) transport.Endpoint {
	return transport.Endpoint{
		URL:             c.cfg.URL,
		Token:           token,
		TokenQueryParam: c.cfg.TokenQueryParam,
		Origin:          c.cfg.Origin,
		Header:          c.cfg.Header,
		ProtocolVersion: c.cfg.ProtocolVersion,
	}
}

// Send transmits a message, or queues it while the client is not connected.
// It reports false when the message was dropped: the payload could not be
// encoded, the type is ephemeral and there is no connection, or the queue is
// full. It never blocks on the network.
func (c *Client) Send(msgType string, data any, opts ...SendOption) bool {
	if msgType == "" {
		return false
	}
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	raw, err := marshalData(data)
	if err != nil {
		c.logger.Warn("dropping message with unencodable payload", "type", msgType, "error", err)
		c.metrics.MessageDropped("encode")
		return false
	}
	m := QueuedMessage{
		ID:            uuid.NewString(),
		Type:          msgType,
		CorrelationID: o.correlationID,
		Data:          raw,
		Priority:      o.priority,
		EnqueuedAt:    time.Now(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	var s *session
	if c.state.Status == StatusConnected {
		s = c.sess
	}
	c.mu.Unlock()

	ephemeral := c.ephemeral[msgType]
	// Queued messages go first, so direct sends wait until the queue is empty.
	if s != nil && (ephemeral || c.queue.len() == 0) && s.enqueue(m) {
		return true
	}
	if ephemeral {
		c.logger.Debug("dropping ephemeral message while offline", "type", msgType)
		c.metrics.MessageDropped("ephemeral")
		return false
	}
	return c.enqueue(m)
}

func (c *Client) enqueue(m QueuedMessage) bool {
	stored, evicted := c.queue.push(m)
	if evicted != nil {
		c.logger.Warn("outbound queue full, evicted message", "type", evicted.Type, "id", evicted.ID, "priority", evicted.Priority)
		c.metrics.MessageDropped("evicted")
	}
	if !stored {
		c.logger.Warn("outbound queue full, message rejected", "type", m.Type, "priority", m.Priority)
		c.metrics.MessageDropped("overflow")
		return false
	}
	c.metrics.MessageQueued()
	c.syncQueue()
	c.kick()
	return true
}

// requeue returns an unsent message to the queue after a failed write.
func (c *Client) requeue(m QueuedMessage) {
	if c.ephemeral[m.Type] {
		c.metrics.MessageDropped("ephemeral")
		return
	}
	if stored, evicted := c.queue.push(m); !stored || evicted != nil {
		c.metrics.MessageDropped("evicted")
	}
}

// kick wakes the writer of the live session, if any.
func (c *Client) kick() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		s.wakeWriter()
	}
}

// syncQueue mirrors the queue length into the state.
func (c *Client) syncQueue() {
	c.updateState(func(s *State) {
		s.QueuedMessageCount = c.queue.len()
	})
	c.metrics.SetQueueDepth(c.queue.len())
}

func (c *Client) recordLatency(rtt time.Duration) {
	c.updateState(func(s *State) {
		s.Latency = rtt
		s.LatencyMeasured = true
	})
	c.metrics.ObserveLatency(rtt)
}

func (c *Client) deliver(m Message) {
	c.metrics.MessageReceived(m.Type)
	c.disp.dispatch(m)
}

func (c *Client) handlerFailed(eventType string, err error) {
	c.metrics.HandlerPanic(eventType)
	if c.cfg.OnHandlerError != nil {
		c.cfg.OnHandlerError(eventType, err)
	}
}

// currentSession returns the live session while connected.
func (c *Client) currentSession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Status != StatusConnected {
		return nil
	}
	return c.sess
}

// FlushMessageQueue waits until every queued message has been written.
// Messages are removed only after the transport accepted them; if the
// connection drops first, ErrConnectionLost is returned and the rest stay queued.
func (c *Client) FlushMessageQueue(ctx context.Context) error {
	s := c.currentSession()
	if s == nil {
		return ErrNotConnected
	}
	ch, ok := s.addFlushWaiter()
	if !ok {
		return ErrConnectionLost
	}
	s.wakeWriter()
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping measures one heartbeat round trip.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	s := c.currentSession()
	if s == nil {
		return 0, ErrNotConnected
	}
	return s.ping(ctx)
}
