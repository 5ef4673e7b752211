// Package main runs the chatsock relay: a WebSocket server that authenticates
// users with JWTs and relays typing indicators, read receipts and presence
// between them.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/crypto/acme/autocert"

	"github.com/codeGROOVE-dev/chatsock/internal/config"
	"github.com/codeGROOVE-dev/chatsock/pkg/logger"
	"github.com/codeGROOVE-dev/chatsock/pkg/metrics"
	"github.com/codeGROOVE-dev/chatsock/pkg/relay"
	"github.com/codeGROOVE-dev/chatsock/pkg/security"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 10 * time.Second
)

var (
	configPath    = flag.String("config", "", "Path to a YAML config file")
	envFile       = flag.String("env-file", ".env", "Environment file loaded before the config")
	addr          = flag.String("addr", "", "HTTP service address (overrides config)")
	logLevel      = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	origins       = flag.String("allowed-origins", "", "Comma-separated list of allowed CORS origins (overrides config)")
	letsencrypt   = flag.Bool("letsencrypt", false, "Use Let's Encrypt for automatic TLS certificates")
	leDomains     = flag.String("le-domains", "", "Comma-separated list of domains for Let's Encrypt certificates")
	leCacheDir    = flag.String("le-cache-dir", "", "Cache directory for Let's Encrypt certificates")
	leEmail       = flag.String("le-email", "", "Contact email for Let's Encrypt notifications")
	maxConnsPerIP = flag.Int("max-conns-per-ip", 0, "Maximum WebSocket connections per IP (overrides config)")
	maxConnsTotal = flag.Int("max-conns-total", 0, "Maximum total WebSocket connections (overrides config)")
	rateLimit     = flag.Int("rate-limit", 0, "Maximum HTTP requests per minute per IP (overrides config)")
	presence      = flag.Bool("presence", false, "Announce user:online and user:offline to connected users")
	issueToken    = flag.String("issue-token", "", "Print an access token for this user id and exit")
	tokenTTL      = flag.Duration("token-ttl", 24*time.Hour, "Lifetime of tokens printed by -issue-token")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		logger.Error(context.Background(), "server failed", err, nil)
		os.Exit(1)
	}
}

func loadConfig() (*config.Server, error) {
	if err := config.LoadDotEnv(*envFile); err != nil {
		return nil, err
	}
	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		return nil, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "allowed-origins":
			cfg.AllowedOrigins = splitList(*origins)
		case "letsencrypt":
			cfg.LetsEncrypt.Enabled = *letsencrypt
		case "le-domains":
			cfg.LetsEncrypt.Domains = splitList(*leDomains)
		case "le-cache-dir":
			cfg.LetsEncrypt.CacheDir = *leCacheDir
		case "le-email":
			cfg.LetsEncrypt.Email = *leEmail
		case "max-conns-per-ip":
			cfg.MaxConnsPerIP = *maxConnsPerIP
		case "max-conns-total":
			cfg.MaxConnsTotal = *maxConnsTotal
		case "rate-limit":
			cfg.RateLimit = *rateLimit
		case "presence":
			cfg.PresenceAnnouncements = *presence
		default:
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level, _ := logger.ParseLevel(cfg.LogLevel) //nolint:errcheck // validated
	logger.SetDefault(logger.NewWithLevel(os.Stderr, level))

	auth, err := relay.NewJWTAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if err != nil {
		return err
	}
	if *issueToken != "" {
		tok, err := auth.Issue(*issueToken, *tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewRelay(reg, cfg.MetricsNamespace)

	hubOpts := []relay.HubOption{relay.WithMetrics(m)}
	if cfg.PresenceAnnouncements {
		hubOpts = append(hubOpts, relay.WithPresenceAnnouncements())
	}
	h := relay.NewHub(hubOpts...)
	go h.Run(ctx)

	rateLimiter := security.NewRateLimiter(cfg.RateLimit, time.Minute)
	defer rateLimiter.Stop()
	connLimiter := security.NewConnectionLimiter(cfg.MaxConnsPerIP, cfg.MaxConnsTotal)
	defer connLimiter.Stop()

	wsHandler, err := relay.NewHandler(relay.Config{
		Auth:              auth,
		Hub:               h,
		ConnLimiter:       connLimiter,
		Metrics:           m,
		SupportedVersions: cfg.SupportedVersions,
		PingInterval:      cfg.PingInterval,
		ReadTimeout:       cfg.ReadTimeout,
		MessageRate:       cfg.MessageRate,
		MessageBurst:      cfg.MessageBurst,
		Hooks: relay.Hooks{
			OnConnect: func(ctx context.Context, userID string) {
				logger.Debug(ctx, "user connected", logger.Fields{"user_id": userID})
			},
			OnDisconnect: func(ctx context.Context, userID string) {
				logger.Debug(ctx, "user disconnected", logger.Fields{"user_id": userID})
			},
		},
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           security.CombinedMiddleware(rateLimiter, cfg.AllowedOrigins)(relay.NewMux(wsHandler, reg)),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		logger.Info(context.Background(), "shutting down server", nil)

		h.Stop()
		h.Wait()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "server shutdown error", err, nil)
		}
	}()

	if cfg.LetsEncrypt.Enabled {
		err = serveLetsEncrypt(server, cfg.LetsEncrypt)
	} else {
		logger.Warn(ctx, "TLS not enabled, use -letsencrypt for production", nil)
		logger.Info(ctx, "starting HTTP server", logger.Fields{"addr": cfg.Addr})
		err = server.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info(context.Background(), "server stopped", nil)
	return nil
}

func serveLetsEncrypt(server *http.Server, le config.LetsEncrypt) error {
	if err := os.MkdirAll(le.CacheDir, 0o700); err != nil {
		return fmt.Errorf("create Let's Encrypt cache directory: %w", err)
	}
	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(le.Domains...),
		Cache:      autocert.DirCache(le.CacheDir),
		Email:      le.Email,
	}

	server.Addr = ":443"
	server.TLSConfig = &tls.Config{
		GetCertificate: certManager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}

	// ACME HTTP-01 challenges arrive on port 80.
	go func() {
		ctx := context.Background()
		logger.Info(ctx, "starting HTTP server on :80 for ACME challenges", nil)
		acme := &http.Server{
			Addr:              ":80",
			Handler:           certManager.HTTPHandler(nil),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		if err := acme.ListenAndServe(); err != nil {
			logger.Error(ctx, "ACME HTTP server error, certificate issuance may fail", err, nil)
		}
	}()

	logger.Info(context.Background(), "starting HTTPS server with Let's Encrypt", logger.Fields{"domains": le.Domains})
	return server.ListenAndServeTLS("", "")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
