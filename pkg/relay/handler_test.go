package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/chatsock/pkg/metrics"
	"github.com/codeGROOVE-dev/chatsock/pkg/realtime"
	"github.com/codeGROOVE-dev/chatsock/pkg/security"
	"github.com/codeGROOVE-dev/chatsock/pkg/transport"
)

type testRelay struct {
	srv  *httptest.Server
	hub  *Hub
	auth *JWTAuthenticator
	reg  *prometheus.Registry
}

func newTestRelay(t *testing.T, mutate func(*Config)) *testRelay {
	t.Helper()
	auth, err := NewJWTAuthenticator(testSecret, "")
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewRelay(reg, "test")
	hub := startHub(t, WithMetrics(m))

	cfg := Config{Auth: auth, Hub: hub, Metrics: m}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := NewHandler(cfg)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewMux(h, reg))
	t.Cleanup(srv.Close)
	return &testRelay{srv: srv, hub: hub, auth: auth, reg: reg}
}

func (r *testRelay) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (r *testRelay) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := r.auth.Issue(userID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// dial opens a raw socket for userID and consumes connection:established.
func (r *testRelay) dial(t *testing.T, userID, query string) *websocket.Conn {
	t.Helper()
	cfg, err := websocket.NewConfig(r.wsURL(query), r.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Header.Set("Authorization", "Bearer "+r.token(t, userID))
	ws, err := websocket.DialConfig(cfg)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { ws.Close() }) //nolint:errcheck // test cleanup
	if env := recv(t, ws); env.Type != realtime.TypeConnectionEstablished {
		t.Fatalf("first frame = %s", env.Type)
	}
	return ws
}

func send(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	if err := websocket.Message.Send(ws, frame); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func recv(t *testing.T, ws *websocket.Conn) realtime.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck // test
	var raw string
	if err := websocket.Message.Receive(ws, &raw); err != nil {
		t.Fatalf("receive: %v", err)
	}
	var env realtime.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("bad frame %q: %v", raw, err)
	}
	return env
}

func expectError(t *testing.T, ws *websocket.Conn, code, message string) {
	t.Helper()
	env := recv(t, ws)
	if env.Type != realtime.TypeError {
		t.Fatalf("got %s, want error", env.Type)
	}
	var d realtime.ErrorData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		t.Fatal(err)
	}
	if d.Code != code || d.Message != message {
		t.Errorf("error = %+v, want code %q message %q", d, code, message)
	}
}

func waitOnline(t *testing.T, h *Hub, userID string, conns int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for h.ConnectionCount(userID) != conns {
		if time.Now().After(deadline) {
			t.Fatalf("%s has %d connections, want %d", userID, h.ConnectionCount(userID), conns)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandlerRejectsBadToken(t *testing.T) {
	r := newTestRelay(t, nil)

	for _, hdr := range []string{"", "Bearer nonsense"} {
		req, err := http.NewRequest(http.MethodGet, r.srv.URL+"/ws", http.NoBody)
		if err != nil {
			t.Fatal(err)
		}
		if hdr != "" {
			req.Header.Set("Authorization", hdr)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close() //nolint:errcheck // test
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status with %q = %d, want 401", hdr, resp.StatusCode)
		}
	}

	n, err := testutil.GatherAndCount(r.reg, "test_relay_auth_failures_total")
	if err != nil || n != 1 {
		t.Errorf("auth failure series = %d, %v", n, err)
	}
	if r.hub.Stats().TotalConnections != 0 {
		t.Error("rejected request registered a client")
	}
}

func TestHandlerAuthFailureClassifiedByDialer(t *testing.T) {
	r := newTestRelay(t, nil)
	d := transport.NewWebSocketDialer()
	_, err := d.Dial(context.Background(), transport.Endpoint{URL: r.wsURL(""), Token: "forged", TokenQueryParam: "token"})
	if !transport.IsAuthentication(err) {
		t.Fatalf("Dial() error = %v, want an authentication error", err)
	}
	var ae *transport.AuthenticationError
	if errors.As(err, &ae) && ae.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", ae.StatusCode)
	}
}

func TestHandlerTokenInQuery(t *testing.T) {
	r := newTestRelay(t, nil)
	ws, err := websocket.Dial(r.wsURL("token="+r.token(t, "alice")), "", r.srv.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close() //nolint:errcheck // test
	env := recv(t, ws)
	var d realtime.EstablishedData
	if err := json.Unmarshal(env.Data, &d); err != nil || d.UserID != "alice" {
		t.Errorf("established = %s (%v)", env.Data, err)
	}
}

func TestHandlerPingPong(t *testing.T) {
	r := newTestRelay(t, nil)
	ws := r.dial(t, "alice", "")

	send(t, ws, `{"type":"ping","data":{"timestamp":1700000000000,"seq":7}}`)
	env := recv(t, ws)
	if env.Type != realtime.TypePong {
		t.Fatalf("got %s, want pong", env.Type)
	}
	var pd realtime.PingData
	if err := json.Unmarshal(env.Data, &pd); err != nil || pd.Seq != 7 || pd.Timestamp != 1700000000000 {
		t.Errorf("pong data = %s", env.Data)
	}

	send(t, ws, `{"type":"ping"}`)
	if env := recv(t, ws); env.Type != realtime.TypePong || len(env.Data) != 0 {
		t.Errorf("bare ping answered with %s %s", env.Type, env.Data)
	}
}

func TestHandlerProtocolErrors(t *testing.T) {
	r := newTestRelay(t, nil)
	ws := r.dial(t, "alice", "")

	send(t, ws, `{not json`)
	expectError(t, ws, realtime.CodeInvalidJSON, "Invalid JSON")

	send(t, ws, `{"type":"launch:rockets","data":{}}`)
	expectError(t, ws, realtime.CodeUnknownType, "Unknown message type: launch:rockets")

	send(t, ws, `{"type":"presence:update","data":{"status":"asleep"}}`)
	expectError(t, ws, "", "Invalid presence status: asleep")

	// pong and heartbeat are accepted silently.
	send(t, ws, `{"type":"pong"}`)
	send(t, ws, `{"type":"heartbeat"}`)
	send(t, ws, `{"type":"ping"}`)
	if env := recv(t, ws); env.Type != realtime.TypePong {
		t.Errorf("got %s, want pong", env.Type)
	}
}

func TestHandlerTypingRelay(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, "alice", "")
	bob := r.dial(t, "bob", "")

	send(t, alice, `{"type":"typing:start","data":{"recipient_id":"bob","context":"conv-1"}}`)
	env := recv(t, bob)
	if env.Type != realtime.TypeTypingStart {
		t.Fatalf("bob got %s", env.Type)
	}
	var td realtime.TypingData
	if err := json.Unmarshal(env.Data, &td); err != nil {
		t.Fatal(err)
	}
	want := realtime.TypingData{SenderID: "alice", SenderName: "User alice", Context: "conv-1"}
	if td != want {
		t.Errorf("typing data = %+v, want %+v", td, want)
	}

	send(t, alice, `{"type":"typing:stop","data":{"recipient_id":"bob"}}`)
	if env := recv(t, bob); env.Type != realtime.TypeTypingStop {
		t.Errorf("bob got %s, want typing:stop", env.Type)
	}

	// No recipient: nothing is relayed and nothing is answered.
	send(t, alice, `{"type":"typing:start","data":{}}`)
	send(t, alice, `{"type":"ping"}`)
	if env := recv(t, alice); env.Type != realtime.TypePong {
		t.Errorf("alice got %s, want pong", env.Type)
	}
}

func TestHandlerReadReceipt(t *testing.T) {
	var mu sync.Mutex
	var receipts []realtime.ReadReceiptData
	var readers []string
	r := newTestRelay(t, func(c *Config) {
		c.Hooks.OnReadReceipt = func(_ context.Context, reader string, rr realtime.ReadReceiptData) {
			mu.Lock()
			defer mu.Unlock()
			readers = append(readers, reader)
			receipts = append(receipts, rr)
		}
	})
	alice := r.dial(t, "alice", "")
	bob := r.dial(t, "bob", "")

	send(t, bob, `{"type":"read:receipt","data":{"message_ids":["m1","m2"],"recipient_id":"alice"}}`)
	env := recv(t, alice)
	if env.Type != realtime.TypeReadReceipt {
		t.Fatalf("alice got %s", env.Type)
	}
	var rr realtime.ReadReceiptData
	if err := json.Unmarshal(env.Data, &rr); err != nil {
		t.Fatal(err)
	}
	if rr.ReaderID != "bob" || rr.ReadAt == "" || len(rr.MessageIDs) != 2 || rr.MessageIDs[1] != "m2" {
		t.Errorf("forwarded receipt = %+v", rr)
	}

	// Without a recipient the hook still sees it; an empty list is ignored.
	send(t, bob, `{"type":"read:receipt","data":{"message_ids":["m3"]}}`)
	send(t, bob, `{"type":"read:receipt","data":{"message_ids":[]}}`)
	send(t, bob, `{"type":"ping"}`)
	recv(t, bob)

	mu.Lock()
	defer mu.Unlock()
	if len(receipts) != 2 || readers[0] != "bob" || receipts[1].MessageIDs[0] != "m3" {
		t.Errorf("hook saw readers=%v receipts=%+v", readers, receipts)
	}
}

func TestHandlerPresenceBroadcast(t *testing.T) {
	var statuses []string
	var mu sync.Mutex
	r := newTestRelay(t, func(c *Config) {
		c.Hooks.OnPresence = func(_ context.Context, _ string, status string) {
			mu.Lock()
			statuses = append(statuses, status)
			mu.Unlock()
		}
	})
	alice := r.dial(t, "alice", "")
	bob := r.dial(t, "bob", "")

	send(t, alice, `{"type":"presence:update","data":{"status":"away"}}`)
	env := recv(t, bob)
	if env.Type != realtime.TypeUserPresence {
		t.Fatalf("bob got %s", env.Type)
	}
	var pd realtime.PresenceData
	if err := json.Unmarshal(env.Data, &pd); err != nil || pd.UserID != "alice" || pd.Status != "away" {
		t.Errorf("presence = %s", env.Data)
	}

	// The sender does not get its own presence back.
	send(t, alice, `{"type":"ping"}`)
	if env := recv(t, alice); env.Type != realtime.TypePong {
		t.Errorf("alice got %s, want pong", env.Type)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 1 || statuses[0] != "away" {
		t.Errorf("hook statuses = %v", statuses)
	}
}

func TestHandlerUnsupportedVersion(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.SupportedVersions = []string{"1"} })

	cfg, err := websocket.NewConfig(r.wsURL("v=2"), r.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Header.Set("Authorization", "Bearer "+r.token(t, "alice"))
	ws, err := websocket.DialConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close() //nolint:errcheck // test
	expectError(t, ws, realtime.CodeUnsupportedVersion, "Unsupported protocol version: 2")

	var raw string
	ws.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck // test
	if err := websocket.Message.Receive(ws, &raw); err == nil {
		t.Errorf("connection still open, got %q", raw)
	}
	if r.hub.IsOnline("alice") {
		t.Error("rejected client registered")
	}

	// The supported version connects normally.
	r.dial(t, "alice", "v=1")
}

func TestHandlerRateLimit(t *testing.T) {
	r := newTestRelay(t, func(c *Config) {
		c.MessageRate = 0.001
		c.MessageBurst = 2
	})
	ws := r.dial(t, "alice", "")

	for range 3 {
		send(t, ws, `{"type":"ping"}`)
	}
	recv(t, ws)
	recv(t, ws)
	expectError(t, ws, realtime.CodeRateLimited, "Rate limit exceeded")
}

func TestHandlerConnectionLimit(t *testing.T) {
	limiter := security.NewConnectionLimiter(1, 10)
	defer limiter.Stop()
	r := newTestRelay(t, func(c *Config) { c.ConnLimiter = limiter })

	first := r.dial(t, "alice", "")

	cfg, err := websocket.NewConfig(r.wsURL(""), r.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Header.Set("Authorization", "Bearer "+r.token(t, "alice"))
	if _, err := websocket.DialConfig(cfg); err == nil {
		t.Fatal("second connection from the same IP accepted")
	}

	first.Close() //nolint:errcheck // test
	waitOnline(t, r.hub, "alice", 0)
	deadline := time.Now().Add(3 * time.Second)
	for {
		ws, err := websocket.DialConfig(cfg)
		if err == nil {
			ws.Close() //nolint:errcheck // test
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot not released: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	r := newTestRelay(t, nil)
	r.dial(t, "alice", "")
	r.dial(t, "alice", "")
	r.dial(t, "bob", "")

	get := func(path string, v any) {
		t.Helper()
		resp, err := http.Get(r.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close() //nolint:errcheck // test
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d", path, resp.StatusCode)
		}
		if v == nil {
			return
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
	}

	var st Stats
	get("/ws/stats", &st)
	if st.TotalUsers != 2 || st.TotalConnections != 3 {
		t.Errorf("stats = %+v", st)
	}

	var online struct {
		UserID      string `json:"user_id"`
		Online      bool   `json:"online"`
		Connections int    `json:"connections"`
	}
	get("/ws/online/alice", &online)
	if !online.Online || online.Connections != 2 || online.UserID != "alice" {
		t.Errorf("online(alice) = %+v", online)
	}
	get("/ws/online/carol", &online)
	if online.Online {
		t.Error("carol reported online")
	}

	get("/healthz", nil)

	resp, err := http.Get(r.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close() //nolint:errcheck // test
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "test_relay_connections 3") {
		t.Errorf("metrics missing connection gauge:\n%s", body)
	}
}

// Two realtime clients talking through the relay.
func TestTypingRelayBetweenClients(t *testing.T) {
	r := newTestRelay(t, nil)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	newClient := func(userID string) *realtime.Client {
		c, err := realtime.New(realtime.Config{
			URL:               r.wsURL(""),
			Token:             r.token(t, userID),
			Logger:            quiet,
			HeartbeatInterval: -1,
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(c.Shutdown)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Connect(ctx); err != nil {
			t.Fatalf("connect %s: %v", userID, err)
		}
		return c
	}
	alice := newClient("alice")
	bob := newClient("bob")

	typing := make(chan realtime.TypingData, 1)
	bob.On(realtime.TypeTypingStart, func(m realtime.Message) {
		var td realtime.TypingData
		if err := m.Decode(&td); err == nil {
			typing <- td
		}
	})
	receipts := make(chan realtime.ReadReceiptData, 1)
	alice.On(realtime.TypeReadReceipt, func(m realtime.Message) {
		var rr realtime.ReadReceiptData
		if err := m.Decode(&rr); err == nil {
			receipts <- rr
		}
	})

	if !alice.SendTypingStart("bob", "conv-9") {
		t.Fatal("SendTypingStart() = false while connected")
	}
	select {
	case td := <-typing:
		if td.SenderID != "alice" || td.Context != "conv-9" || td.SenderName != "User alice" {
			t.Errorf("bob saw %+v", td)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bob never saw alice typing")
	}

	if !bob.SendReadReceiptTo("alice", []string{"m1"}) {
		t.Fatal("SendReadReceiptTo() = false")
	}
	select {
	case rr := <-receipts:
		if rr.ReaderID != "bob" || len(rr.MessageIDs) != 1 || rr.MessageIDs[0] != "m1" {
			t.Errorf("alice saw %+v", rr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("alice never saw the read receipt")
	}

	latency, err := alice.Ping(context.Background())
	if err != nil || latency <= 0 {
		t.Errorf("Ping() = %v, %v", latency, err)
	}
}

func TestClientAuthRejectionIsTerminal(t *testing.T) {
	r := newTestRelay(t, nil)
	c, err := realtime.New(realtime.Config{
		URL:               r.wsURL(""),
		Token:             "forged",
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		HeartbeatInterval: -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.Connect(ctx)
	var ce *realtime.ConnectionError
	if !errors.As(err, &ce) || !ce.Terminal {
		t.Fatalf("Connect() error = %v, want terminal ConnectionError", err)
	}
	if st := c.State(); st.Status != realtime.StatusError {
		t.Errorf("status = %v, want error", st.Status)
	}
}
