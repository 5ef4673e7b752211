package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/codeGROOVE-dev/chatsock/pkg/logger"
	"github.com/codeGROOVE-dev/chatsock/pkg/metrics"
	"github.com/codeGROOVE-dev/chatsock/pkg/realtime"
	"github.com/codeGROOVE-dev/chatsock/pkg/security"
)

// Defaults for Config.
const (
	DefaultPingInterval    = 54 * time.Second
	DefaultReadTimeout     = 90 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultMessageRate     = 20
	DefaultMessageBurst    = 40
	DefaultMaxMessageBytes = 64 << 10
	defaultTokenQueryParam = "token"
)

// Hooks let the application observe client events. All are optional and
// run on the connection's read goroutine.
type Hooks struct {
	OnConnect     func(ctx context.Context, userID string)
	OnDisconnect  func(ctx context.Context, userID string)
	OnReadReceipt func(ctx context.Context, readerID string, receipt realtime.ReadReceiptData)
	OnPresence    func(ctx context.Context, userID, status string)
}

// Config configures a Handler.
type Config struct {
	Auth        Authenticator
	Hub         *Hub
	ConnLimiter *security.ConnectionLimiter
	Metrics     *metrics.Relay
	// DisplayName resolves the sender name put on typing events.
	DisplayName func(userID string) string
	Hooks       Hooks
	// TokenQueryParam names the query parameter accepted in place of an
	// Authorization header (default "token").
	TokenQueryParam string
	// SupportedVersions lists accepted ?v= values. Empty accepts any.
	SupportedVersions []string
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	// MessageRate and MessageBurst bound inbound frames per connection.
	MessageRate     float64
	MessageBurst    int
	MaxMessageBytes int
}

// Handler serves the /ws endpoint.
type Handler struct {
	ws  websocket.Server
	cfg Config
}

type userKey struct{}

// NewHandler validates cfg and applies defaults.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("hub is required")
	}
	if cfg.TokenQueryParam == "" {
		cfg.TokenQueryParam = defaultTokenQueryParam
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = DefaultMessageRate
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = DefaultMessageBurst
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.DisplayName == nil {
		cfg.DisplayName = func(userID string) string { return "User " + userID }
	}

	h := &Handler{cfg: cfg}
	h.ws = websocket.Server{Handler: h.handle}
	return h, nil
}

// ServeHTTP authenticates the request and upgrades it. Rejected tokens get
// 401 before any upgrade, so clients can tell them from transient failures.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := security.ClientIP(r)

	var reservation string
	if h.cfg.ConnLimiter != nil {
		reservation = h.cfg.ConnLimiter.Reserve(ip)
		if reservation == "" {
			logger.Warn(ctx, "connection limit exceeded", logger.Fields{"ip": ip})
			h.cfg.Metrics.ConnectionRejected("limit")
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
	}

	userID, err := h.cfg.Auth.Authenticate(ctx, security.BearerToken(r, h.cfg.TokenQueryParam))
	if err != nil {
		if reservation != "" {
			h.cfg.ConnLimiter.CancelReservation(reservation)
		}
		logger.Warn(ctx, "websocket authentication failed", logger.Fields{"ip": ip, "error": err.Error()})
		h.cfg.Metrics.AuthFailure()
		h.cfg.Metrics.ConnectionRejected("auth")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if reservation != "" {
		if !h.cfg.ConnLimiter.CommitReservation(reservation) {
			h.cfg.Metrics.ConnectionRejected("limit")
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		defer h.cfg.ConnLimiter.Remove(ip)
	}

	h.ws.ServeHTTP(w, r.WithContext(context.WithValue(ctx, userKey{}, userID)))
}

func (h *Handler) handle(ws *websocket.Conn) {
	r := ws.Request()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	userID, _ := ctx.Value(userKey{}).(string)
	ip := security.ClientIP(r)
	ws.PayloadType = websocket.TextFrame
	ws.MaxPayloadBytes = h.cfg.MaxMessageBytes

	if v := r.URL.Query().Get("v"); v != "" && len(h.cfg.SupportedVersions) > 0 && !slices.Contains(h.cfg.SupportedVersions, v) {
		logger.Warn(ctx, "unsupported protocol version", logger.Fields{"ip": ip, "user_id": userID, "version": v})
		h.cfg.Metrics.ConnectionRejected("version")
		if frame, err := errorFrame(realtime.CodeUnsupportedVersion, "Unsupported protocol version: "+v); err == nil {
			ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)) //nolint:errcheck,gosec // best effort before close
			websocket.Message.Send(ws, string(frame))               //nolint:errcheck,gosec // best effort before close
		}
		ws.Close() //nolint:errcheck,gosec // rejecting
		return
	}

	limiter := rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst)
	client := newClient(uuid.NewString(), userID, ip, ws, limiter)

	if !h.cfg.Hub.Register(client) {
		client.Close()
		return
	}
	defer func() {
		h.cfg.Hub.Unregister(client)
		if h.cfg.Hooks.OnDisconnect != nil {
			h.cfg.Hooks.OnDisconnect(ctx, userID)
		}
		logger.Info(ctx, "websocket disconnected", logger.Fields{"ip": ip, "client_id": client.ID, "user_id": userID})
	}()

	logger.Info(ctx, "websocket connection established", logger.Fields{"ip": ip, "client_id": client.ID, "user_id": userID})
	if h.cfg.Hooks.OnConnect != nil {
		h.cfg.Hooks.OnConnect(ctx, userID)
	}

	go client.Run(ctx, h.cfg.PingInterval, h.cfg.WriteTimeout)

	for {
		if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
			logger.Warn(ctx, "failed to set read deadline", logger.Fields{"client_id": client.ID, "error": err.Error()})
			return
		}
		var raw []byte
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			logger.Debug(ctx, "websocket read ended", logger.Fields{"client_id": client.ID, "error": err.Error()})
			return
		}
		if !client.limiter.Allow() {
			h.cfg.Metrics.RateLimited()
			h.reply(client, realtime.TypeError, realtime.ErrorData{Code: realtime.CodeRateLimited, Message: "Rate limit exceeded"})
			continue
		}
		h.dispatch(ctx, client, raw)
	}
}

// dispatch handles one client frame.
func (h *Handler) dispatch(ctx context.Context, c *Client, raw []byte) {
	var env realtime.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.cfg.Metrics.FrameIn("invalid")
		h.reply(c, realtime.TypeError, realtime.ErrorData{Code: realtime.CodeInvalidJSON, Message: "Invalid JSON"})
		return
	}
	h.cfg.Metrics.FrameIn(frameLabel(env.Type))

	switch env.Type {
	case realtime.TypePing:
		var echo any
		if len(env.Data) > 0 {
			echo = env.Data
		}
		h.reply(c, realtime.TypePong, echo)

	case realtime.TypePong, realtime.TypeHeartbeat:
		// Liveness only; the read deadline was already extended.

	case realtime.TypeTypingStart, realtime.TypeTypingStop:
		var td realtime.TypingData
		if !h.decode(c, env, &td) || td.RecipientID == "" {
			return
		}
		out := realtime.TypingData{SenderID: c.UserID, Context: td.Context}
		if env.Type == realtime.TypeTypingStart {
			out.SenderName = h.cfg.DisplayName(c.UserID)
		}
		h.cfg.Hub.PublishToUser(td.RecipientID, env.Type, out)

	case realtime.TypeReadReceipt:
		var rr realtime.ReadReceiptData
		if !h.decode(c, env, &rr) || len(rr.MessageIDs) == 0 {
			return
		}
		if h.cfg.Hooks.OnReadReceipt != nil {
			h.cfg.Hooks.OnReadReceipt(ctx, c.UserID, rr)
		}
		if rr.RecipientID != "" {
			h.cfg.Hub.PublishToUser(rr.RecipientID, realtime.TypeReadReceipt, realtime.ReadReceiptData{
				MessageIDs: rr.MessageIDs,
				ReaderID:   c.UserID,
				ReadAt:     time.Now().UTC().Format(time.RFC3339Nano),
			})
		}

	case realtime.TypePresenceUpdate:
		var pd realtime.PresenceData
		if !h.decode(c, env, &pd) {
			return
		}
		switch pd.Status {
		case "":
			pd.Status = realtime.PresenceOnline
		case realtime.PresenceOnline, realtime.PresenceAway, realtime.PresenceBusy:
		default:
			h.reply(c, realtime.TypeError, realtime.ErrorData{Message: "Invalid presence status: " + pd.Status})
			return
		}
		logger.Debug(ctx, "presence update", logger.Fields{"user_id": c.UserID, "status": pd.Status})
		if h.cfg.Hooks.OnPresence != nil {
			h.cfg.Hooks.OnPresence(ctx, c.UserID, pd.Status)
		}
		h.cfg.Hub.Publish(realtime.TypeUserPresence, realtime.PresenceData{UserID: c.UserID, Status: pd.Status}, nil, []string{c.UserID})

	default:
		h.reply(c, realtime.TypeError, realtime.ErrorData{
			Code:    realtime.CodeUnknownType,
			Message: "Unknown message type: " + env.Type,
		})
	}
}

func (h *Handler) decode(c *Client, env realtime.Envelope, v any) bool {
	if len(env.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		h.reply(c, realtime.TypeError, realtime.ErrorData{Code: realtime.CodeInvalidJSON, Message: "Invalid " + env.Type + " payload"})
		return false
	}
	return true
}

func (h *Handler) reply(c *Client, msgType string, data any) {
	frame, err := serverFrame(msgType, data)
	if err != nil {
		logger.Error(context.Background(), "failed to encode reply", err, logger.Fields{"type": msgType})
		return
	}
	if c.enqueue(frame) {
		h.cfg.Metrics.FrameOut(msgType)
	}
}

// frameLabel bounds the metric label set to the protocol's own types.
func frameLabel(msgType string) string {
	switch msgType {
	case realtime.TypePing, realtime.TypePong, realtime.TypeHeartbeat,
		realtime.TypeTypingStart, realtime.TypeTypingStop,
		realtime.TypeReadReceipt, realtime.TypePresenceUpdate:
		return msgType
	default:
		return "other"
	}
}

func errorFrame(code, message string) ([]byte, error) {
	return serverFrame(realtime.TypeError, realtime.ErrorData{Code: code, Message: message})
}
