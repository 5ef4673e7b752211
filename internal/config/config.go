// Package config loads the YAML configuration of the chatsock binaries.
//
// Values of the form ${VAR} or ${VAR:-fallback} are replaced from the
// environment before parsing, after an optional .env file has been loaded.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/codeGROOVE-dev/chatsock/pkg/logger"
)

// SecretEnv is consulted when no JWT secret is configured.
const SecretEnv = "CHATSOCK_JWT_SECRET"

const minSecretLen = 16

// Transports accepted by Client.Transport.
const (
	TransportWebSocket = "websocket"
	TransportGorilla   = "gorilla"
)

// LetsEncrypt configures automatic TLS certificates.
type LetsEncrypt struct {
	CacheDir string   `yaml:"cache_dir"`
	Email    string   `yaml:"email"`
	Domains  []string `yaml:"domains"`
	Enabled  bool     `yaml:"enabled"`
}

// Server is the relay server configuration.
type Server struct {
	Addr             string `yaml:"addr"`
	LogLevel         string `yaml:"log_level"`
	JWTSecret        string `yaml:"jwt_secret"`
	JWTIssuer        string `yaml:"jwt_issuer"`
	MetricsNamespace string `yaml:"metrics_namespace"`

	AllowedOrigins    []string    `yaml:"allowed_origins"`
	SupportedVersions []string    `yaml:"supported_versions"`
	LetsEncrypt       LetsEncrypt `yaml:"letsencrypt"`

	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	MessageRate  float64       `yaml:"message_rate"`
	MessageBurst int           `yaml:"message_burst"`

	MaxConnsPerIP int `yaml:"max_conns_per_ip"`
	MaxConnsTotal int `yaml:"max_conns_total"`
	// RateLimit is HTTP requests per minute per IP.
	RateLimit int `yaml:"rate_limit"`

	PresenceAnnouncements bool `yaml:"presence_announcements"`
}

// DefaultServer returns the server defaults.
func DefaultServer() Server {
	return Server{
		Addr:             ":8080",
		LogLevel:         "info",
		MetricsNamespace: "chatsock",
		LetsEncrypt:      LetsEncrypt{CacheDir: "./.letsencrypt"},
		PingInterval:     54 * time.Second,
		ReadTimeout:      90 * time.Second,
		MessageRate:      20,
		MessageBurst:     40,
		MaxConnsPerIP:    10,
		MaxConnsTotal:    1000,
		RateLimit:        100,
	}
}

// Validate reports the first configuration error.
func (s *Server) Validate() error {
	if s.Addr == "" && !s.LetsEncrypt.Enabled {
		return errors.New("addr is required")
	}
	if _, err := logger.ParseLevel(s.LogLevel); err != nil {
		return err
	}
	if len(s.JWTSecret) < minSecretLen {
		return fmt.Errorf("jwt_secret must be at least %d bytes (set it in the config or %s)", minSecretLen, SecretEnv)
	}
	if s.LetsEncrypt.Enabled && len(s.LetsEncrypt.Domains) == 0 {
		return errors.New("letsencrypt requires at least one domain")
	}
	if s.MaxConnsPerIP <= 0 || s.MaxConnsTotal <= 0 {
		return errors.New("connection limits must be positive")
	}
	if s.MaxConnsPerIP > s.MaxConnsTotal {
		return fmt.Errorf("max_conns_per_ip (%d) exceeds max_conns_total (%d)", s.MaxConnsPerIP, s.MaxConnsTotal)
	}
	if s.RateLimit <= 0 {
		return errors.New("rate_limit must be positive")
	}
	if s.MessageRate < 0 || s.MessageBurst < 0 {
		return errors.New("message_rate and message_burst must not be negative")
	}
	if s.PingInterval < 0 || s.ReadTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if s.ReadTimeout > 0 && s.PingInterval >= s.ReadTimeout {
		return fmt.Errorf("ping_interval (%s) must be shorter than read_timeout (%s)", s.PingInterval, s.ReadTimeout)
	}
	return nil
}

// Client is the command-line client configuration.
type Client struct {
	URL             string `yaml:"url"`
	Token           string `yaml:"token"`
	TokenQueryParam string `yaml:"token_query_param"`
	ProtocolVersion string `yaml:"protocol_version"`
	LogLevel        string `yaml:"log_level"`
	// Transport is "websocket" (golang.org/x/net) or "gorilla".
	Transport string `yaml:"transport"`
	// Origin must be on the relay's allowed_origins when it has one.
	Origin string `yaml:"origin"`

	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	QueueLimit           int           `yaml:"queue_limit"`
}

// DefaultClient returns the client defaults.
func DefaultClient() Client {
	return Client{
		URL:       "ws://localhost:8080/ws",
		LogLevel:  "info",
		Transport: TransportWebSocket,
	}
}

// Validate reports the first configuration error.
func (c *Client) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url %q: scheme must be ws or wss", c.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q: missing host", c.URL)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Transport {
	case TransportWebSocket, TransportGorilla:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}

// LoadDotEnv loads environment files without overriding variables that are
// already set. Missing files are ignored. With no paths it loads ./.env.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LoadServer reads path over DefaultServer. An empty path yields the
// defaults. The JWT secret falls back to $CHATSOCK_JWT_SECRET.
func LoadServer(path string) (*Server, error) {
	cfg := DefaultServer()
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = os.Getenv(SecretEnv)
	}
	return &cfg, nil
}

// LoadClient reads path over DefaultClient. An empty path yields the defaults.
func LoadClient(path string) (*Client, error) {
	cfg := DefaultClient()
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv substitutes ${VAR} and ${VAR:-fallback}. Bare $VAR is left
// alone so secrets containing '$' survive.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v, ok := os.LookupEnv(string(sub[1])); ok && v != "" {
			return []byte(v)
		}
		return sub[2]
	})
}
