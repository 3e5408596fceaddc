// Command replive-recorder watches Replive channels and records their live
// streams. It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres for recording history and runs migrations.
//   - Exchanges the long-lived refresh token for an access token and keeps it
//     fresh ahead of expiry.
//   - Polls channel liveness and supervises one ffmpeg process per live channel.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status,
//     /recordings, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: recordings get a stop signal and a
// grace period before being killed.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/replive-recorder/config"
	"github.com/onnwee/replive-recorder/db"
	"github.com/onnwee/replive-recorder/monitor"
	"github.com/onnwee/replive-recorder/poller"
	"github.com/onnwee/replive-recorder/recorder"
	"github.com/onnwee/replive-recorder/repliveapi"
	"github.com/onnwee/replive-recorder/server"
	"github.com/onnwee/replive-recorder/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("replive-recorder", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Recording history is optional: without DB_DSN the daemon records to
	// disk only.
	var database *sql.DB
	if cfg.DBDsn != "" {
		database, err = db.Connect()
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()

		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
				slog.Any("err", err), slog.String("component", "db_migrate"))
			if err := db.Migrate(context.Background(), database); err != nil {
				slog.Error("failed to migrate db", slog.Any("err", err))
				os.Exit(1)
			}
		}
	} else {
		slog.Info("DB_DSN not set; recording history disabled")
	}

	// API client and credential store reference each other: the store calls
	// the client's unauthorized refresh RPC, the client reads the store's
	// access token for authorized calls.
	client := &repliveapi.Client{BaseURL: cfg.APIBaseURL}
	tokens := repliveapi.NewTokenStore(cfg.RefreshToken, client.RefreshAccessToken)
	client.Tokens = tokens

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// First exchange before anything polls. A rejected refresh token is an
	// operator problem; retrying cannot fix it.
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = tokens.Refresh(initCtx)
	cancel()
	if err != nil {
		if repliveapi.IsAuthFailure(err) {
			slog.Error("refresh token rejected; capture a new one and restart", slog.Any("err", err))
			os.Exit(1)
		}
		// Transient: the monitor refreshes again on its first tick.
		slog.Warn("initial token exchange failed; will retry", slog.Any("err", err))
	}

	p := poller.New(client, cfg.Channels, cfg.PollConcurrency)
	sup := recorder.NewSupervisor(client, database, cfg.RecorderPath, cfg.DataDir, cfg.StopGrace)
	mon := monitor.New(monitor.Config{
		PollInterval:    cfg.PollInterval,
		RefreshMargin:   cfg.TokenRefreshMargin,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, tokens, p, sup)

	go sup.StartRetentionJob(ctx)

	maybeStartPprof()

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		src := &statusSource{poller: p, sup: sup, tokens: tokens}
		if err := server.Start(ctx, database, src, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	slog.Info("watching channels",
		slog.Int("channel_count", len(cfg.Channels)),
		slog.Any("channels", cfg.Channels),
		slog.Duration("poll_interval", cfg.PollInterval))

	if err := mon.Run(ctx); err != nil {
		slog.Error("monitor exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

// statusSource adapts the live daemon components to the HTTP status surface.
type statusSource struct {
	poller *poller.Poller
	sup    *recorder.Supervisor
	tokens *repliveapi.TokenStore
}

func (s *statusSource) Channels() []poller.ChannelStatus { return s.poller.Snapshot() }
func (s *statusSource) Recordings() []recorder.JobStatus { return s.sup.Snapshot() }
func (s *statusSource) TokenExpiresAt() time.Time        { return s.tokens.ExpiresAt() }

// setupLogging configures slog from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}

// maybeStartPprof enables pprof profiling endpoints when ENABLE_PPROF=1.
func maybeStartPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
