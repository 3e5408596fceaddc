// Package monitor ties credential refresh, live polling, and recording
// supervision into one control loop. Ticks never overlap: a new tick does not
// start until the previous tick's poll, dispatch, and reap work completes.
// Only an auth failure (the long-lived refresh token rejected) is fatal;
// everything else degrades per channel and keeps the loop running.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/replive-recorder/poller"
	"github.com/onnwee/replive-recorder/repliveapi"
	"github.com/onnwee/replive-recorder/telemetry"
)

// ErrForcedShutdown indicates shutdown did not complete within its timeout
// and recordings were killed. Main maps this to a non-zero exit status.
var ErrForcedShutdown = errors.New("shutdown incomplete: recordings were terminated forcibly")

// Tokens is the credential store surface the monitor schedules.
type Tokens interface {
	Refresh(ctx context.Context) error
	TimeUntilExpiry() time.Duration
}

// Poller produces liveness transition events.
type Poller interface {
	Poll(ctx context.Context) ([]poller.Event, error)
}

// Supervisor consumes transition events and reaps exited recorders.
type Supervisor interface {
	OnLive(ctx context.Context, channelID, displayName, title string) error
	OnOffline(ctx context.Context, channelID string)
	ReapExited(ctx context.Context)
	ShutdownAll(ctx context.Context) bool
}

// Config holds the monitor's schedule knobs.
type Config struct {
	PollInterval    time.Duration
	RefreshMargin   time.Duration // refresh when remaining token lifetime <= margin
	ShutdownTimeout time.Duration
}

// Monitor is the orchestrator: one instance drives the whole daemon.
type Monitor struct {
	cfg    Config
	tokens Tokens
	poller Poller
	sup    Supervisor
}

// New wires the control loop. All collaborators are required.
func New(cfg Config, tokens Tokens, p Poller, sup Supervisor) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 3 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Monitor{cfg: cfg, tokens: tokens, poller: p, sup: sup}
}

// Run executes the control loop until ctx is canceled or an auth failure
// occurs, then stops all recordings. Returns nil on a clean shutdown,
// ErrForcedShutdown when the shutdown timeout expired, or the auth failure.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("monitor started", slog.Duration("poll_interval", m.cfg.PollInterval), slog.Duration("refresh_margin", m.cfg.RefreshMargin))

	var fatal error
	for fatal == nil {
		if err := m.tick(ctx); err != nil {
			if repliveapi.IsAuthFailure(err) {
				slog.Error("refresh token rejected; operator must capture a new one", slog.Any("err", err))
				fatal = err
				break
			}
			slog.Warn("tick failed", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return m.shutdown()
		case <-ticker.C:
		}
	}

	if err := m.shutdown(); err != nil {
		slog.Error("shutdown after auth failure was not clean", slog.Any("err", err))
	}
	return fatal
}

func (m *Monitor) shutdown() error {
	slog.Info("monitor shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()
	if clean := m.sup.ShutdownAll(sctx); !clean {
		return ErrForcedShutdown
	}
	slog.Info("shutdown complete")
	return nil
}

// tick runs one cycle: proactive credential refresh, one poll with event
// dispatch, then a reap pass.
func (m *Monitor) tick(ctx context.Context) error {
	tctx, span := telemetry.StartSpan(ctx, "monitor", "tick")
	defer span.End()

	start := time.Now()
	defer func() {
		telemetry.PollCycles.Inc()
		telemetry.PollDuration.Observe(time.Since(start).Seconds())
	}()

	// Refresh ahead of expiry so no authorized call within this tick can race
	// an expired token. A transient failure keeps the old token; the next
	// tick tries again.
	if m.tokens.TimeUntilExpiry() <= m.cfg.RefreshMargin {
		if err := m.refresh(tctx); err != nil {
			if repliveapi.IsAuthFailure(err) {
				telemetry.RecordError(span, err)
				return err
			}
			slog.Warn("token refresh failed; keeping previous token", slog.Any("err", err))
		}
	}

	events, err := m.poller.Poll(tctx)
	if repliveapi.IsUnauthorized(err) {
		// The platform rejected a token we thought was valid. Refresh out of
		// band and retry the cycle once before giving up on it.
		slog.Info("access token rejected mid-cycle; refreshing")
		if rerr := m.refresh(tctx); rerr != nil {
			if repliveapi.IsAuthFailure(rerr) {
				telemetry.RecordError(span, rerr)
				return rerr
			}
			slog.Warn("out-of-band refresh failed", slog.Any("err", rerr))
		} else {
			// The first poll's events already advanced the channel state
			// machines and cannot be re-observed; keep them and let the
			// retry pick up only what the rejected calls missed.
			more, rerr := m.poller.Poll(tctx)
			events = append(events, more...)
			err = rerr
		}
	}
	if err != nil {
		telemetry.PollErrors.Inc()
		slog.Warn("poll cycle degraded", slog.Any("err", err))
	}

	m.dispatch(tctx, events)
	m.sup.ReapExited(tctx)
	span.SetAttributes(attribute.Int("events", len(events)))
	return nil
}

func (m *Monitor) refresh(ctx context.Context) error {
	if err := m.tokens.Refresh(ctx); err != nil {
		telemetry.TokenRefreshFailures.Inc()
		return err
	}
	telemetry.TokenRefreshes.Inc()
	slog.Info("access token refreshed", slog.Duration("expires_in", m.tokens.TimeUntilExpiry()))
	return nil
}

// dispatch routes poller events to the supervisor. Within one channel events
// arrive in order; failures are isolated per event.
func (m *Monitor) dispatch(ctx context.Context, events []poller.Event) {
	for _, ev := range events {
		switch ev.Type {
		case poller.BecameLive:
			var name, title string
			if ev.Stream != nil {
				name, title = ev.Stream.DisplayName, ev.Stream.Title
			}
			slog.Info("channel went live", slog.String("channel", ev.ChannelID), slog.String("name", name), slog.String("title", title))
			if err := m.sup.OnLive(ctx, ev.ChannelID, name, title); err != nil {
				slog.Error("failed to start recording", slog.String("channel", ev.ChannelID), slog.Any("err", err))
			}
		case poller.BecameOffline:
			slog.Info("channel went offline", slog.String("channel", ev.ChannelID))
			m.sup.OnOffline(ctx, ev.ChannelID)
		}
	}
}
