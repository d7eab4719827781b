package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kb9ops/dispatch-gateway/internal/events"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndRecentByKind(t *testing.T) {
	s := newTestStore(t)

	s.Insert(events.Event{Timestamp: time.Now(), Source: events.SourceDispatch, Kind: events.KindSOSDispatch, Data: map[string]any{"sender": "!n1", "incident": float64(1)}})
	s.Insert(events.Event{Timestamp: time.Now(), Source: events.SourceRouter, Kind: events.KindRx, Data: map[string]any{"sender": "!n1"}})

	got, err := s.RecentByKind(events.KindSOSDispatch, 10)
	if err != nil {
		t.Fatalf("RecentByKind: %v", err)
	}
	if len(got) != 1 || got[0].Data["sender"] != "!n1" {
		t.Errorf("got %+v, want one sos_dispatch record for !n1", got)
	}
}

func TestRecentBySender(t *testing.T) {
	s := newTestStore(t)
	s.Insert(events.Event{Timestamp: time.Now(), Source: events.SourceRouter, Kind: events.KindRx, Data: map[string]any{"sender": "!n1"}})
	s.Insert(events.Event{Timestamp: time.Now(), Source: events.SourceRouter, Kind: events.KindRx, Data: map[string]any{"sender": "!n2"}})

	got, err := s.RecentBySender("!n2", 10)
	if err != nil {
		t.Fatalf("RecentBySender: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
}

func TestIncident_ReturnsOldestFirst(t *testing.T) {
	s := newTestStore(t)
	s.Insert(events.Event{Timestamp: time.Now(), Source: events.SourceDispatch, Kind: events.KindSOSDispatch, Data: map[string]any{"incident": float64(9)}})
	s.Insert(events.Event{Timestamp: time.Now().Add(time.Minute), Source: events.SourceRouter, Kind: events.KindTriageExchange, Data: map[string]any{"incident": float64(9)}})

	got, err := s.Incident(9)
	if err != nil {
		t.Fatalf("Incident: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Kind != events.KindSOSDispatch || got[1].Kind != events.KindTriageExchange {
		t.Errorf("got %v, want sos_dispatch then triage_exchange in time order", got)
	}
}

func TestMirror_DrainsBusUntilCancelled(t *testing.T) {
	s := newTestStore(t)
	bus := events.New()
	m := NewMirror(s, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Give Run a moment to subscribe before publishing.
	time.Sleep(10 * time.Millisecond)
	bus.Publish(events.Event{Source: events.SourceWatchdog, Kind: events.KindWatchdogSweep, Data: map[string]any{"timeouts": float64(0)}})
	time.Sleep(10 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	got, err := s.RecentByKind(events.KindWatchdogSweep, 10)
	if err != nil {
		t.Fatalf("RecentByKind: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1 mirrored sweep event", len(got))
	}
}
