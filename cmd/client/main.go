// Package main provides a command-line client for a chatsock relay. It prints
// every event it receives and sends typing, read receipt and presence events
// typed on stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeGROOVE-dev/chatsock/internal/config"
	"github.com/codeGROOVE-dev/chatsock/pkg/logger"
	"github.com/codeGROOVE-dev/chatsock/pkg/metrics"
	"github.com/codeGROOVE-dev/chatsock/pkg/realtime"
	"github.com/codeGROOVE-dev/chatsock/pkg/transport"
)

const tokenEnv = "CHATSOCK_TOKEN"

const usage = `commands:
  typing <user> [context]      send typing:start
  stop <user> [context]        send typing:stop
  read <user> <id>[,<id>...]   send a read receipt
  presence <online|away|busy>  send a presence update
  send <type> [json]           send any event
  ping                         measure round trip
  state                        show connection state
  quit`

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Client, bool, string, error) {
	var (
		configPath  = flag.String("config", "", "Path to a YAML config file")
		envFile     = flag.String("env-file", ".env", "Environment file loaded before the config")
		url         = flag.String("url", "", "Relay WebSocket URL (overrides config)")
		token       = flag.String("token", "", "Access token (default $"+tokenEnv+")")
		transportID = flag.String("transport", "", "websocket or gorilla (overrides config)")
		logLevel    = flag.String("log-level", "", "Log level (overrides config)")
		origin      = flag.String("origin", "", "Origin header sent with the handshake (overrides config)")
		verbose     = flag.Bool("verbose", false, "Show full event payloads")
		metricsAddr = flag.String("metrics-addr", "", "Serve client metrics on this address")
	)
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		return nil, false, "", err
	}
	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		return nil, false, "", err
	}
	if *url != "" {
		cfg.URL = *url
	}
	if *token != "" {
		cfg.Token = *token
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv(tokenEnv)
	}
	if *transportID != "" {
		cfg.Transport = *transportID
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *origin != "" {
		cfg.Origin = *origin
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, "", fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Token == "" {
		return nil, false, "", errors.New("token required: -token or $" + tokenEnv)
	}
	return cfg, *verbose, *metricsAddr, nil
}

func run() error {
	cfg, verbose, metricsAddr, err := loadConfig()
	if err != nil {
		return err
	}
	level, _ := logger.ParseLevel(cfg.LogLevel) //nolint:errcheck // validated
	log := logger.NewWithLevel(os.Stderr, level)
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, reg)
	}

	var dialer transport.Dialer = transport.NewWebSocketDialer()
	if cfg.Transport == config.TransportGorilla {
		dialer = transport.NewGorillaDialer()
	}

	client, err := realtime.New(realtime.Config{
		URL:                  cfg.URL,
		Token:                cfg.Token,
		TokenQueryParam:      cfg.TokenQueryParam,
		ProtocolVersion:      cfg.ProtocolVersion,
		Origin:               cfg.Origin,
		Dialer:               dialer,
		Logger:               log.With("component", "realtime"),
		Metrics:              metrics.NewClient(reg, ""),
		HeartbeatInterval:    cfg.HeartbeatInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		QueueLimit:           cfg.QueueLimit,
		OnReconnecting: func(attempt int, delay time.Duration) {
			fmt.Printf("reconnecting (attempt %d) in %s\n", attempt, delay.Round(time.Millisecond))
		},
		OnReconnected: func() { fmt.Println("reconnected") },
		OnDisconnect: func(err error) {
			if err != nil {
				fmt.Println("connection lost:", err)
			}
		},
	})
	if err != nil {
		return err
	}
	defer client.Shutdown()

	client.On(realtime.Wildcard, func(m realtime.Message) {
		printEvent(os.Stdout, m, verbose)
	})

	fmt.Printf("connecting to %s\n", cfg.URL)
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Println("connected; type 'help' for commands")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("interrupt")
			return nil
		case line, ok := <-lines:
			if !ok {
				return flush(client)
			}
			quit, err := execute(ctx, client, line)
			if err != nil {
				fmt.Println("error:", err)
			}
			if quit {
				return flush(client)
			}
		}
	}
}

// flush waits briefly for queued messages before exiting.
func flush(c *realtime.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.FlushMessageQueue(ctx); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// execute runs one stdin command and reports whether the client should exit.
func execute(ctx context.Context, c *realtime.Client, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}

	var sent bool
	switch fields[0] {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Println(usage)
		return false, nil
	case "typing", "stop":
		if arg(1) == "" {
			return false, errors.New("usage: " + fields[0] + " <user> [context]")
		}
		if fields[0] == "typing" {
			sent = c.SendTypingStart(arg(1), arg(2))
		} else {
			sent = c.SendTypingStop(arg(1), arg(2))
		}
	case "read":
		if arg(2) == "" {
			return false, errors.New("usage: read <user> <id>[,<id>...]")
		}
		sent = c.SendReadReceiptTo(arg(1), strings.Split(arg(2), ","))
	case "presence":
		sent = c.SendPresence(arg(1))
	case "send":
		if arg(1) == "" {
			return false, errors.New("usage: send <type> [json]")
		}
		var data any
		rest := strings.TrimSpace(strings.TrimSpace(line)[len(fields[0]):])
		if raw := strings.TrimSpace(strings.TrimPrefix(rest, arg(1))); raw != "" {
			if !json.Valid([]byte(raw)) {
				return false, fmt.Errorf("invalid JSON payload: %s", raw)
			}
			data = json.RawMessage(raw)
		}
		sent = c.Send(arg(1), data)
	case "ping":
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		rtt, err := c.Ping(pingCtx)
		if err != nil {
			return false, err
		}
		fmt.Printf("pong in %s\n", rtt.Round(time.Microsecond))
		return false, nil
	case "state":
		st := c.State()
		fmt.Printf("status=%s queued=%d reconnects=%d latency=%s\n",
			st.Status, st.QueuedMessageCount, st.ReconnectAttempts, st.Latency)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %q (try 'help')", fields[0])
	}
	if !sent {
		fmt.Println("not sent (offline or queue full)")
	}
	return false, nil
}

func printEvent(w io.Writer, m realtime.Message, verbose bool) {
	ts := m.ReceivedAt.Format("15:04:05")
	if t, err := time.Parse(time.RFC3339Nano, m.Timestamp); err == nil {
		ts = t.Local().Format("15:04:05")
	}
	if !verbose {
		fmt.Fprintf(w, "[%s] %s %s\n", ts, m.Type, m.Data)
		return
	}
	fmt.Fprintf(w, "\n=== %s at %s ===\n", m.Type, ts)
	if len(m.Data) == 0 {
		return
	}
	var v any
	if err := json.Unmarshal(m.Data, &v); err != nil {
		fmt.Fprintln(w, string(m.Data))
		return
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(w, string(m.Data))
		return
	}
	fmt.Fprintln(w, string(out))
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	ctx := context.Background()
	logger.Info(ctx, "serving client metrics", logger.Fields{"addr": addr})
	if err := srv.ListenAndServe(); err != nil {
		logger.Error(ctx, "metrics server failed", err, nil)
	}
}
