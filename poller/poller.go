// Package poller watches channel live status and emits edge-triggered events.
// Each poll cycle queries every watched channel (bounded fan-out), diffs the
// result against last-known state, and reports became-live / became-offline
// transitions exactly once. Per-channel query failures are isolated: they
// leave that channel's state untouched and never block the rest of the cycle.
package poller

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/replive-recorder/repliveapi"
)

// Status is the last-known liveness of a channel.
type Status int

const (
	StatusUnknown Status = iota
	StatusOffline
	StatusLive
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusLive:
		return "live"
	default:
		return "unknown"
	}
}

// EventType distinguishes the two liveness transitions.
type EventType int

const (
	BecameLive EventType = iota
	BecameOffline
)

func (t EventType) String() string {
	if t == BecameLive {
		return "became-live"
	}
	return "became-offline"
}

// Event is one observed transition. Stream is set for BecameLive.
type Event struct {
	Type      EventType
	ChannelID string
	Stream    *repliveapi.LiveStream
}

// StatusAPI is the slice of the platform client the poller needs.
type StatusAPI interface {
	LiveStatus(ctx context.Context, channelID string) (*repliveapi.LiveStream, error)
	CheckStreamingLive(ctx context.Context) ([]repliveapi.LiveStream, error)
}

// degradedThreshold is how many consecutive failures a channel accumulates
// before the poller reports it as degraded. Polling continues regardless.
const degradedThreshold = 3

type channelState struct {
	id          string
	displayName string
	status      Status
	failures    int
}

// Poller tracks the liveness state machine for a set of channels. With a
// configured channel list it queries each channel individually; with an empty
// list it sweeps all followed channels in one call (channels are then
// discovered the first time they appear live).
type Poller struct {
	api         StatusAPI
	concurrency int
	sweep       bool

	mu       sync.Mutex
	channels map[string]*channelState
}

// New builds a poller for the given channel IDs. An empty list enables
// followed-channel sweep mode. concurrency bounds the per-channel fan-out.
func New(api StatusAPI, channelIDs []string, concurrency int) *Poller {
	if concurrency <= 0 {
		concurrency = 4
	}
	p := &Poller{
		api:         api,
		concurrency: concurrency,
		sweep:       len(channelIDs) == 0,
		channels:    make(map[string]*channelState, len(channelIDs)),
	}
	for _, id := range channelIDs {
		p.channels[id] = &channelState{id: id, displayName: id, status: StatusUnknown}
	}
	return p
}

// Poll runs one cycle and returns the transitions observed. The returned
// error reports cycle-wide failures (sweep failure, credential rejection);
// per-channel transient failures are logged and counted but do not surface.
// Even when err is non-nil the returned events are valid and must be handled.
func (p *Poller) Poll(ctx context.Context) ([]Event, error) {
	if p.sweep {
		return p.pollSweep(ctx)
	}
	return p.pollEach(ctx)
}

func (p *Poller) pollEach(ctx context.Context) ([]Event, error) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.channels))
	for id := range p.channels {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	type result struct {
		stream *repliveapi.LiveStream
		err    error
	}
	results := make([]result, len(ids))

	// Bounded fan-out so N channels don't serialize behind one slow call,
	// while respecting the platform's rate limits.
	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = result{err: ctx.Err()}
				return
			}
			defer func() { <-sem }()
			s, err := p.api.LiveStatus(ctx, id)
			results[i] = result{stream: s, err: err}
		}(i, id)
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	var events []Event
	var cycleErr error
	for i, id := range ids {
		st := p.channels[id]
		r := results[i]
		if r.err != nil {
			st.failures++
			if repliveapi.IsUnauthorized(r.err) && cycleErr == nil {
				cycleErr = r.err
			}
			if st.failures == degradedThreshold {
				slog.Warn("channel polling degraded",
					slog.String("channel", id),
					slog.Int("consecutive_failures", st.failures),
					slog.Any("err", r.err))
			} else {
				slog.Debug("channel status query failed", slog.String("channel", id), slog.Any("err", r.err))
			}
			continue
		}
		st.failures = 0
		events = p.applyObservation(st, r.stream, events)
	}
	return events, cycleErr
}

func (p *Poller) pollSweep(ctx context.Context) ([]Event, error) {
	lives, err := p.api.CheckStreamingLive(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	liveByID := make(map[string]*repliveapi.LiveStream, len(lives))
	for i := range lives {
		liveByID[lives[i].UserID] = &lives[i]
	}

	// Discover channels the first time they show up live.
	for id, ls := range liveByID {
		if _, ok := p.channels[id]; !ok {
			p.channels[id] = &channelState{id: id, displayName: ls.DisplayName, status: StatusUnknown}
		}
	}

	var events []Event
	for id, st := range p.channels {
		events = p.applyObservation(st, liveByID[id], events)
	}
	return events, nil
}

// applyObservation advances one channel's state machine and appends any
// transition event. Called with p.mu held. Unknown -> Live emits BecameLive
// (a stream already live at startup must still be recorded); Unknown ->
// Offline emits nothing.
func (p *Poller) applyObservation(st *channelState, stream *repliveapi.LiveStream, events []Event) []Event {
	if stream != nil {
		st.displayName = stream.DisplayName
		if st.status != StatusLive {
			events = append(events, Event{Type: BecameLive, ChannelID: st.id, Stream: stream})
		}
		st.status = StatusLive
		return events
	}
	if st.status == StatusLive {
		events = append(events, Event{Type: BecameOffline, ChannelID: st.id})
	}
	st.status = StatusOffline
	return events
}

// ChannelStatus is a point-in-time snapshot of one channel for /status.
type ChannelStatus struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
	Failures    int    `json:"consecutive_failures,omitempty"`
}

// Snapshot returns the current per-channel states for observability.
func (p *Poller) Snapshot() []ChannelStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChannelStatus, 0, len(p.channels))
	for _, st := range p.channels {
		out = append(out, ChannelStatus{
			ID:          st.id,
			DisplayName: st.displayName,
			Status:      st.status.String(),
			Failures:    st.failures,
		})
	}
	return out
}
