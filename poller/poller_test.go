package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/onnwee/replive-recorder/repliveapi"
)

// scriptedAPI serves per-channel responses from a queue, one entry per poll.
type scriptedAPI struct {
	mu      sync.Mutex
	scripts map[string][]pollResult // consumed front-to-back; last entry repeats
	sweeps  [][]repliveapi.LiveStream
	sweepI  int
}

type pollResult struct {
	stream *repliveapi.LiveStream
	err    error
}

func live(id, name string) *repliveapi.LiveStream {
	return &repliveapi.LiveStream{LiveID: "l-" + id, UserID: id, DisplayName: name, PlaybackURL: "webrtc://h/" + id}
}

func (s *scriptedAPI) LiveStatus(ctx context.Context, channelID string) (*repliveapi.LiveStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.scripts[channelID]
	if len(q) == 0 {
		return nil, nil
	}
	r := q[0]
	if len(q) > 1 {
		s.scripts[channelID] = q[1:]
	}
	return r.stream, r.err
}

func (s *scriptedAPI) CheckStreamingLive(ctx context.Context) ([]repliveapi.LiveStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sweepI >= len(s.sweeps) {
		return nil, nil
	}
	r := s.sweeps[s.sweepI]
	s.sweepI++
	return r, nil
}

// Offline, Offline, Live, Live, Offline must produce exactly one became-live
// followed by exactly one became-offline.
func TestEdgeTriggeredTransitions(t *testing.T) {
	api := &scriptedAPI{scripts: map[string][]pollResult{
		"a": {
			{nil, nil},
			{nil, nil},
			{live("a", "Alice"), nil},
			{live("a", "Alice"), nil},
			{nil, nil},
		},
	}}
	p := New(api, []string{"a"}, 2)

	var all []Event
	for i := 0; i < 5; i++ {
		evs, err := p.Poll(context.Background())
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		all = append(all, evs...)
	}
	if len(all) != 2 {
		t.Fatalf("got %d events %v, want 2", len(all), all)
	}
	if all[0].Type != BecameLive || all[0].ChannelID != "a" || all[0].Stream == nil {
		t.Errorf("first event = %+v, want became-live for a with stream", all[0])
	}
	if all[1].Type != BecameOffline || all[1].ChannelID != "a" {
		t.Errorf("second event = %+v, want became-offline for a", all[1])
	}
}

func TestUnknownToLiveEmitsEvent(t *testing.T) {
	api := &scriptedAPI{scripts: map[string][]pollResult{
		"a": {{live("a", "Alice"), nil}},
	}}
	p := New(api, []string{"a"}, 1)
	evs, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != BecameLive {
		t.Fatalf("events = %v, want one became-live (stream live at startup must be recorded)", evs)
	}
}

func TestUnknownToOfflineEmitsNothing(t *testing.T) {
	api := &scriptedAPI{scripts: map[string][]pollResult{
		"a": {{nil, nil}},
	}}
	p := New(api, []string{"a"}, 1)
	evs, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("events = %v, want none for unknown->offline", evs)
	}
}

// A failing channel keeps its last-known state and doesn't block others.
func TestFailureIsolation(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")
	api := &scriptedAPI{scripts: map[string][]pollResult{
		"a": {{live("a", "Alice"), nil}},
		"b": {{nil, boom}},
	}}
	p := New(api, []string{"a", "b"}, 2)

	evs, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v (transient per-channel errors must not surface)", err)
	}
	if len(evs) != 1 || evs[0].ChannelID != "a" {
		t.Fatalf("events = %v, want became-live for a only", evs)
	}

	for _, cs := range p.Snapshot() {
		switch cs.ID {
		case "a":
			if cs.Status != "live" {
				t.Errorf("a status = %s, want live", cs.Status)
			}
		case "b":
			if cs.Status != "unknown" {
				t.Errorf("b status = %s, want unchanged unknown after failure", cs.Status)
			}
			if cs.Failures != 1 {
				t.Errorf("b failures = %d, want 1", cs.Failures)
			}
		}
	}
}

func TestConsecutiveFailuresDoNotStopPolling(t *testing.T) {
	boom := errors.New("timeout")
	api := &scriptedAPI{scripts: map[string][]pollResult{
		"a": {{nil, boom}, {nil, boom}, {nil, boom}, {live("a", "Alice"), nil}},
	}}
	p := New(api, []string{"a"}, 1)

	for i := 0; i < 3; i++ {
		if _, err := p.Poll(context.Background()); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}
	evs, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("recovery poll: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != BecameLive {
		t.Fatalf("events = %v, want became-live after recovery", evs)
	}
	if cs := p.Snapshot(); cs[0].Failures != 0 {
		t.Errorf("failures = %d, want reset after success", cs[0].Failures)
	}
}

func TestUnauthorizedSurfacesAsCycleError(t *testing.T) {
	unauth := &repliveapi.APIError{Kind: repliveapi.KindUnauthorized, Op: "status", Status: 401}
	api := &scriptedAPI{scripts: map[string][]pollResult{
		"a": {{nil, unauth}},
		"b": {{live("b", "Bob"), nil}},
	}}
	p := New(api, []string{"a", "b"}, 2)

	evs, err := p.Poll(context.Background())
	if !repliveapi.IsUnauthorized(err) {
		t.Fatalf("err = %v, want Unauthorized surfaced", err)
	}
	// The healthy channel's event is still delivered.
	if len(evs) != 1 || evs[0].ChannelID != "b" {
		t.Errorf("events = %v, want became-live for b", evs)
	}
}

func TestSweepModeDiscoversAndDiffs(t *testing.T) {
	api := &scriptedAPI{sweeps: [][]repliveapi.LiveStream{
		{*live("u1", "Alice")},
		{*live("u1", "Alice"), *live("u2", "Bob")},
		{},
	}}
	p := New(api, nil, 2)

	evs, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("sweep 1: %v", err)
	}
	if len(evs) != 1 || evs[0].ChannelID != "u1" || evs[0].Type != BecameLive {
		t.Fatalf("sweep 1 events = %v", evs)
	}

	evs, err = p.Poll(context.Background())
	if err != nil {
		t.Fatalf("sweep 2: %v", err)
	}
	if len(evs) != 1 || evs[0].ChannelID != "u2" || evs[0].Type != BecameLive {
		t.Fatalf("sweep 2 events = %v, want only u2 became-live", evs)
	}

	evs, err = p.Poll(context.Background())
	if err != nil {
		t.Fatalf("sweep 3: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("sweep 3 events = %v, want both became-offline", evs)
	}
	for _, e := range evs {
		if e.Type != BecameOffline {
			t.Errorf("event %v, want became-offline", e)
		}
	}
}

func TestBoundedFanOut(t *testing.T) {
	var inFlight, peak atomic.Int32
	api := &concurrencyAPI{inFlight: &inFlight, peak: &peak}
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	p := New(api, ids, 2)

	if _, err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrent queries = %d, want <= 2", got)
	}
}

type concurrencyAPI struct {
	inFlight *atomic.Int32
	peak     *atomic.Int32
}

func (c *concurrencyAPI) LiveStatus(ctx context.Context, channelID string) (*repliveapi.LiveStream, error) {
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer c.inFlight.Add(-1)
	return nil, nil
}

func (c *concurrencyAPI) CheckStreamingLive(ctx context.Context) ([]repliveapi.LiveStream, error) {
	return nil, nil
}
