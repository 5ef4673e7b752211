package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/chatsock/pkg/transport"
)

const testTimeout = 3 * time.Second

var errFakeClosed = errors.New("fake connection closed")

// fakeConn is an in-memory transport.Conn. The test plays the server side.
type fakeConn struct {
	toClient   chan []byte
	fromClient chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	failWrites atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		toClient:   make(chan []byte, 64),
		fromClient: make(chan []byte, 1024),
		closed:     make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.toClient:
		return b, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, p []byte) error {
	if f.failWrites.Load() {
		return errors.New("fake write failure")
	}
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	select {
	case f.fromClient <- bytes.Clone(p):
		return nil
	case <-f.closed:
		return errFakeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// push sends a frame from the server to the client.
func (f *fakeConn) push(t *testing.T, msgType string, data any) {
	t.Helper()
	b, err := EncodeFrame(msgType, data, nil)
	if err != nil {
		t.Fatalf("encode %s: %v", msgType, err)
	}
	select {
	case f.toClient <- b:
	case <-time.After(testTimeout):
		t.Fatalf("timed out pushing %s", msgType)
	}
}

// next returns the next frame written by the client.
func (f *fakeConn) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case b := <-f.fromClient:
		env, err := DecodeFrame(b)
		if err != nil {
			t.Fatalf("client wrote malformed frame %q: %v", b, err)
		}
		return env
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a client frame")
		return Envelope{}
	}
}

// nextOfType skips frames until one of msgType arrives.
func (f *fakeConn) nextOfType(t *testing.T, msgType string) Envelope {
	t.Helper()
	for {
		if env := f.next(t); env.Type == msgType {
			return env
		}
	}
}

// answerPings replies to client pings until the connection closes.
func (f *fakeConn) answerPings() {
	for {
		select {
		case b := <-f.fromClient:
			env, err := DecodeFrame(b)
			if err != nil || env.Type != TypePing {
				continue
			}
			select {
			case f.toClient <- pongFrame(env):
			case <-f.closed:
				return
			}
		case <-f.closed:
			return
		}
	}
}

// fakeDialer hands out fakeConns and records dial concurrency.
type fakeDialer struct {
	conns       chan *fakeConn
	failAll     error
	errs        []error
	endpoints   []transport.Endpoint
	delay       time.Duration
	dials       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	mu          sync.Mutex
	noAck       bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 32)}
}

func (d *fakeDialer) Dial(ctx context.Context, ep transport.Endpoint) (transport.Conn, error) {
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		m := d.maxInFlight.Load()
		if n <= m || d.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	d.dials.Add(1)

	d.mu.Lock()
	d.endpoints = append(d.endpoints, ep)
	err := d.failAll
	if len(d.errs) > 0 {
		err, d.errs = d.errs[0], d.errs[1:]
	}
	delay, noAck := d.delay, d.noAck
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	if !noAck {
		b, _ := EncodeFrame(TypeConnectionEstablished, EstablishedData{UserID: "u1", ConnectedAt: "2024-01-01T00:00:00Z"}, nil) //nolint:errcheck // static payload
		c.toClient <- b
	}
	select {
	case d.conns <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c, nil
}

func (d *fakeDialer) setFailAll(err error) {
	d.mu.Lock()
	d.failAll = err
	d.mu.Unlock()
}

func (d *fakeDialer) failNext(errs ...error) {
	d.mu.Lock()
	d.errs = append(d.errs, errs...)
	d.mu.Unlock()
}

func (d *fakeDialer) lastEndpoint() transport.Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.endpoints) == 0 {
		return transport.Endpoint{}
	}
	return d.endpoints[len(d.endpoints)-1]
}

// accept returns the next connection the client opened.
func (d *fakeDialer) accept(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for the client to dial")
		return nil
	}
}

func newTestClient(t *testing.T, d *fakeDialer, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		URL:               "ws://chat.test/api/v1/ws",
		Token:             "test-token",
		Dialer:            d,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Backoff:           Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		HeartbeatInterval: -1,
		HandshakeTimeout:  time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// decodeN extracts the "n" field written by tests.
func decodeN(t *testing.T, env Envelope) int {
	t.Helper()
	var v struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode %s: %v", env.Data, err)
	}
	return v.N
}

// statusRecorder collects distinct consecutive statuses.
type statusRecorder struct {
	states   []State
	statuses []Status
	mu       sync.Mutex
}

func recordStates(c *Client) *statusRecorder {
	r := &statusRecorder{}
	c.OnStateChange(func(s State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, s)
		if n := len(r.statuses); n == 0 || r.statuses[n-1] != s.Status {
			r.statuses = append(r.statuses, s.Status)
		}
	})
	return r
}

func (r *statusRecorder) snapshots() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func (r *statusRecorder) seen() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.statuses))
	copy(out, r.statuses)
	return out
}

func (r *statusRecorder) saw(want func(State) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if want(s) {
			return true
		}
	}
	return false
}
