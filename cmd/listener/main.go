// listener holds a realtime session open, logs every server event and
// optionally journals them to PostgreSQL.
//
// Usage: go run ./cmd/listener -config configs/listener.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tandem-realtime/internal/auth"
	"github.com/rickgao/tandem-realtime/internal/cache"
	"github.com/rickgao/tandem-realtime/internal/config"
	"github.com/rickgao/tandem-realtime/internal/connection"
	"github.com/rickgao/tandem-realtime/internal/database"
	"github.com/rickgao/tandem-realtime/internal/journal"
	"github.com/rickgao/tandem-realtime/internal/notify"
	"github.com/rickgao/tandem-realtime/internal/realtime"
	"github.com/rickgao/tandem-realtime/internal/router"
	"github.com/rickgao/tandem-realtime/internal/version"
)

var errConnectivityLost = errors.New("realtime connectivity lost")

func main() {
	configPath := flag.String("config", "", "path to config file (default $"+config.PathEnv+" or configs/listener.yaml)")
	send := flag.String("send", "", "send one frame once connected, as type=json")
	healthAddr := flag.String("health", "", "serve /health on this address (e.g. :8080)")
	verbose := flag.Bool("verbose", false, "log full message payloads")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	*configPath = config.ResolvePath(*configPath, "configs/listener.yaml")
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	outbound, err := parseSend(*send)
	if err != nil {
		logger.Error("invalid -send", "error", err)
		os.Exit(2)
	}

	logger.Info("starting listener",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"host", cfg.Realtime.Host,
		"environment", cfg.Realtime.Environment,
	)

	if err := run(cfg, outbound, *healthAddr, *verbose, logger); err != nil {
		logger.Error("listener failed", "error", err)
		os.Exit(1)
	}

	logger.Info("listener stopped")
}

func run(cfg *config.Config, outbound *outboundFrame, healthAddr string, verbose bool, logger *slog.Logger) error {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel(nil)
		case <-ctx.Done():
		}
	}()

	var opts []realtime.Option

	store := cache.NewStore(logger.With("component", "cache"))
	opts = append(opts,
		realtime.WithCache(store),
		realtime.WithNotifier(notify.NewLogScheduler(logger.With("component", "notify"))),
	)

	var writer *journal.Writer
	if cfg.Journal.Enabled {
		if err := database.Migrate(cfg.Journal.Database, logger); err != nil {
			return err
		}

		pool, err := database.Connect(ctx, cfg.Journal.Database, logger)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()

		writer = journal.NewWriter(journal.WriterConfig{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
			MaxBufferSize: cfg.Journal.MaxBufferSize,
		}, pool, logger.With("component", "journal"))
		opts = append(opts, realtime.WithRecorder(writer))
	}

	var svc *realtime.Service
	var sendOnce sync.Once
	opts = append(opts, realtime.WithStateListener(func(c connection.StateChange) {
		if c.To != connection.StateOpen || outbound == nil {
			return
		}
		sendOnce.Do(func() {
			// Not from inside the state callback, which holds up the manager.
			go func() {
				if err := svc.Send(outbound.Type, outbound.Data); err != nil {
					logger.Error("send failed", "type", outbound.Type, "error", err)
					return
				}
				logger.Info("sent frame", "type", outbound.Type)
			}()
		})
	}))

	tokens := auth.FromConfig(cfg.Auth.Token, cfg.Auth.TokenEnv, cfg.Auth.TokenFile)
	svc = realtime.New(managerConfig(cfg), tokens, logger, opts...)
	defer svc.Close()

	for _, t := range []router.MessageType{
		router.TypeTaskUpdated,
		router.TypeTaskCreated,
		router.TypeNudgeSent,
		router.TypeNotification,
	} {
		svc.On(string(t), logEvent(logger, verbose))
	}
	svc.On(realtime.EventConnectivityLost, func(router.Message) error {
		cancel(errConnectivityLost)
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)

	if writer != nil {
		if err := writer.Start(gctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			return writer.Stop(stopCtx)
		})
	}

	if healthAddr != "" {
		var jw journalStats
		if writer != nil {
			jw = writer
		}
		server := &http.Server{
			Addr:              healthAddr,
			Handler:           healthHandler(svc, jw),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting health server", "addr", healthAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	svc.Connect()
	if svc.State() == connection.StateIdle {
		logger.Warn("no session token configured, waiting for shutdown")
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		svc.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if cause := context.Cause(ctx); errors.Is(cause, errConnectivityLost) {
		return cause
	}
	return nil
}

// managerConfig maps file config onto the connection manager.
func managerConfig(cfg *config.Config) connection.ManagerConfig {
	return connection.ManagerConfig{
		Host:                 cfg.Realtime.Host,
		Secure:               cfg.Realtime.UseTLS(),
		Path:                 cfg.Realtime.Path,
		ReconnectBaseDelay:   cfg.Reconnect.BaseDelay,
		ReconnectMaxDelay:    cfg.Reconnect.MaxDelay,
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		Client: connection.ClientConfig{
			HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
			PingInterval:     cfg.Realtime.PingInterval,
			PingTimeout:      cfg.Realtime.PingTimeout,
			WriteTimeout:     cfg.Realtime.WriteTimeout,
			BufferSize:       cfg.Realtime.BufferSize,
		},
	}
}

// newLogger builds the slog handler named by the logging config.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// outboundFrame is the parsed -send flag.
type outboundFrame struct {
	Type string
	Data json.RawMessage
}

// parseSend parses "type" or "type=<json>".
func parseSend(s string) (*outboundFrame, error) {
	if s == "" {
		return nil, nil
	}

	msgType, data, hasData := strings.Cut(s, "=")
	msgType = strings.TrimSpace(msgType)
	if msgType == "" {
		return nil, fmt.Errorf("missing message type in %q", s)
	}

	frame := &outboundFrame{Type: msgType}
	if hasData {
		if !json.Valid([]byte(data)) {
			return nil, fmt.Errorf("data for %s is not valid json", msgType)
		}
		frame.Data = json.RawMessage(data)
	}
	return frame, nil
}

func logEvent(logger *slog.Logger, verbose bool) realtime.Listener {
	return func(m router.Message) error {
		attrs := []any{"type", m.Type}
		switch p := m.Payload.(type) {
		case router.TaskUpdated:
			if p.Task != nil {
				attrs = append(attrs, "task", p.Task.ID)
			}
		case router.TaskCreated:
			attrs = append(attrs, "task", p.ID, "title", p.Title)
		case router.NudgeSent:
			attrs = append(attrs, "task", p.TaskID, "from", p.FromUserID)
		case router.NotificationPayload:
			attrs = append(attrs, "kind", p.Kind, "title", p.Title)
		}
		if verbose {
			attrs = append(attrs, "data", string(m.Data))
		}
		logger.Info("event", attrs...)
		return nil
	}
}

// journalStats is the part of *journal.Writer the health endpoint reads.
type journalStats interface {
	Stats() journal.WriterMetrics
}

// healthHandler reports connection state and pipeline counters. jw is nil
// when journaling is disabled.
func healthHandler(svc *realtime.Service, jw journalStats) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := svc.Stats()

		status := "healthy"
		switch {
		case stats.Connection.Terminal:
			status = "unhealthy"
		case stats.Connection.State != connection.StateOpen:
			status = "degraded"
		}

		health := map[string]any{
			"status": status,
			"connection": map[string]any{
				"state":             stats.Connection.State.String(),
				"attempts":          stats.Connection.Attempts,
				"reconnect_pending": stats.Connection.ReconnectPending,
				"frames_received":   stats.Connection.FramesReceived,
				"sends_written":     stats.Connection.SendsWritten,
				"sends_dropped":     stats.Connection.SendsDropped,
			},
			"router": map[string]any{
				"received":        stats.Router.MessagesReceived,
				"dispatched":      stats.Router.MessagesDispatched,
				"parse_errors":    stats.Router.ParseErrors,
				"unknown":         stats.Router.UnknownMessages,
				"notify_errors":   stats.Router.NotifyErrors,
				"listener_errors": stats.Router.ListenerErrors,
			},
		}

		if jw != nil {
			js := jw.Stats()
			health["journal"] = map[string]any{
				"inserts":         js.Inserts,
				"conflicts":       js.Conflicts,
				"flushes":         js.Flushes,
				"errors":          js.Errors,
				"dropped":         js.Dropped,
				"buffered":        js.Buffered,
				"buffer_capacity": js.BufferCapacity,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
