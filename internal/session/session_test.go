package session

import (
	"testing"
	"time"

	"github.com/kb9ops/dispatch-gateway/internal/radio"
)

func TestOpenTriage_AtMostOnePerSender(t *testing.T) {
	m := New()
	sender := radio.NodeID("!n1")

	if !m.OpenTriage(Triage{Sender: sender, Trigger: "fire"}) {
		t.Fatal("first OpenTriage should succeed")
	}
	if m.OpenTriage(Triage{Sender: sender, Trigger: "police"}) {
		t.Fatal("second OpenTriage for the same sender should be a no-op")
	}

	snap, ok := m.SnapshotTriage(sender)
	if !ok {
		t.Fatal("expected an open session")
	}
	if snap.Trigger != "fire" {
		t.Errorf("Trigger = %q, want the first-opened trigger fire", snap.Trigger)
	}
}

func TestAppendTriageTurn_TrimsAtTwelveKeepingFirstTwo(t *testing.T) {
	m := New()
	sender := radio.NodeID("!n1")
	m.OpenTriage(Triage{Sender: sender})

	m.AppendTriageTurn(sender, RoleCitizen, "anchor emergency statement")
	m.AppendTriageTurn(sender, RoleOperator, "first operator turn")
	for i := 0; i < 15; i++ {
		m.AppendTriageTurn(sender, RoleCitizen, "filler")
	}

	snap, _ := m.SnapshotTriage(sender)
	if len(snap.Transcript) != maxTranscript {
		t.Fatalf("len(Transcript) = %d, want %d", len(snap.Transcript), maxTranscript)
	}
	if snap.Transcript[0].Message != "anchor emergency statement" {
		t.Errorf("Transcript[0] = %q, want the anchor preserved", snap.Transcript[0].Message)
	}
	if snap.Transcript[1].Message != "first operator turn" {
		t.Errorf("Transcript[1] = %q, want the first operator turn preserved", snap.Transcript[1].Message)
	}
}

func TestAppendTriageTurn_NoSessionReturnsFalse(t *testing.T) {
	m := New()
	if m.AppendTriageTurn("!ghost", RoleCitizen, "hello") {
		t.Fatal("want false when no session is open")
	}
}

func TestCloseTriage_RemovesSession(t *testing.T) {
	m := New()
	sender := radio.NodeID("!n1")
	m.OpenTriage(Triage{Sender: sender})

	closed, ok := m.CloseTriage(sender, ReasonSafe)
	if !ok {
		t.Fatal("expected a session to close")
	}
	if closed.Sender != sender {
		t.Errorf("closed.Sender = %q, want %q", closed.Sender, sender)
	}
	if m.HasActiveTriage(sender) {
		t.Error("session should no longer be active after close")
	}
	if _, ok := m.CloseTriage(sender, ReasonSafe); ok {
		t.Error("closing an already-closed session should report false")
	}
}

func TestListStaleTriage_FiltersByLastActivity(t *testing.T) {
	m := New()
	fresh := radio.NodeID("!fresh")
	stale := radio.NodeID("!stale")

	m.OpenTriage(Triage{Sender: fresh, LastActivity: time.Now()})
	m.OpenTriage(Triage{Sender: stale, LastActivity: time.Now().Add(-20 * time.Minute)})

	cutoff := time.Now().Add(-10 * time.Minute)
	got := m.ListStaleTriage(cutoff)
	if len(got) != 1 || got[0].Sender != stale {
		t.Fatalf("got %v, want only %q", got, stale)
	}
}

func TestRestriction_SetClearsPending911(t *testing.T) {
	m := New()
	sender := radio.NodeID("!n1")
	m.SetPending911(Pending911{Sender: sender, MenuSent: time.Now()})

	m.SetRestriction(Restriction{Sender: sender, Expiry: time.Now().Add(time.Hour)})

	if _, ok := m.GetPending911(sender); ok {
		t.Error("pending-911 should be cleared when a restriction is set")
	}
	if _, ok := m.IsRestricted(sender); !ok {
		t.Error("sender should be restricted")
	}
}

func TestIsRestricted_LazyExpiry(t *testing.T) {
	m := New()
	sender := radio.NodeID("!n1")
	m.SetRestriction(Restriction{Sender: sender, Expiry: time.Now().Add(-time.Second)})

	if _, ok := m.IsRestricted(sender); ok {
		t.Error("expired restriction should report absent")
	}
	if got := m.ListRestrictions(); len(got) != 0 {
		t.Errorf("got %v, want no active restrictions after lazy expiry", got)
	}
}

func TestSweepExpiredRestrictions(t *testing.T) {
	m := New()
	expired := radio.NodeID("!expired")
	active := radio.NodeID("!active")
	now := time.Now()

	m.SetRestriction(Restriction{Sender: expired, Expiry: now.Add(-time.Minute)})
	m.SetRestriction(Restriction{Sender: active, Expiry: now.Add(time.Hour)})

	swept := m.SweepExpiredRestrictions(now)
	if len(swept) != 1 || swept[0].Sender != expired {
		t.Fatalf("got %v, want only %q swept", swept, expired)
	}

	// Idempotent: a second sweep at the same instant finds nothing new.
	if swept2 := m.SweepExpiredRestrictions(now); len(swept2) != 0 {
		t.Errorf("second sweep at same instant = %v, want none", swept2)
	}
}

func TestConsumePendingCancel_SelectionConsumesSnapshot(t *testing.T) {
	m := New()
	responder := radio.NodeID("!police")
	m.SetPendingCancel(responder, []CancelEntry{
		{Sender: "!n1", DisplayName: "Alice"},
		{Sender: "!n2", DisplayName: "Bob"},
	})

	entry, ok := m.ConsumePendingCancel(responder, 1)
	if !ok || entry.Sender != "!n1" {
		t.Fatalf("got %v, %v, want Alice", entry, ok)
	}

	// The snapshot is consumed: a second numeric reply is Invalid.
	if _, ok := m.ConsumePendingCancel(responder, 2); ok {
		t.Error("second ConsumePendingCancel should fail, snapshot already consumed")
	}
}

func TestConsumePendingCancel_NoSnapshot(t *testing.T) {
	m := New()
	if _, ok := m.ConsumePendingCancel("!police", 1); ok {
		t.Fatal("want false with no snapshot on file")
	}
}

func TestLastDispatch_RoundTrip(t *testing.T) {
	m := New()
	m.SetLastDispatch("!fire_node", "!n4")
	got, ok := m.LastDispatchSender("!fire_node")
	if !ok || got != "!n4" {
		t.Errorf("got %v, %v, want !n4, true", got, ok)
	}
}

func TestAppendGeneralTurn_CappedAtFour(t *testing.T) {
	m := New()
	sender := radio.NodeID("!n1")
	for i := 0; i < 6; i++ {
		m.AppendGeneralTurn(sender, RoleCitizen, "turn")
	}
	if got := m.GeneralHistory(sender); len(got) != generalHistoryLimit {
		t.Fatalf("len = %d, want %d", len(got), generalHistoryLimit)
	}
}

func TestCloseAll_ClosesEverySession(t *testing.T) {
	m := New()
	m.OpenTriage(Triage{Sender: "!n1"})
	m.OpenTriage(Triage{Sender: "!n2"})

	closed := m.CloseAll(ReasonShutdown)
	if len(closed) != 2 {
		t.Fatalf("got %d closed sessions, want 2", len(closed))
	}
	if m.ActiveTriageCount() != 0 {
		t.Errorf("ActiveTriageCount = %d, want 0", m.ActiveTriageCount())
	}
}
