// Package session owns every piece of per-sender/per-responder state
// the gateway mutates at runtime: triage sessions, the restricted
// list, pending-911 menus, pending-cancel snapshots, last-dispatch
// routing, and the short general-chat history. Every mutation happens
// under one exclusive guard (spec.md §4.3, §9 "Single shared guard vs.
// per-map guards"), held only for the duration of the mutation — never
// across a radio send or an LLM call. Grounded on
// cmd/thane/signalbridge.go's mutex-guarded per-sender maps
// (senderTimes), generalized from one rate-limit map to the six maps
// this domain requires.
package session

import (
	"sync"
	"time"

	"github.com/kb9ops/dispatch-gateway/internal/radio"
)

// Role identifies who produced a transcript turn.
type Role string

const (
	RoleCitizen  Role = "citizen"
	RoleOperator Role = "operator"
)

// Turn is one transcript entry, shared by triage transcripts and the
// general conversation history.
type Turn struct {
	Timestamp time.Time
	Role      Role
	Message   string
}

// CloseReason names why a triage session ended.
type CloseReason string

const (
	ReasonSafe       CloseReason = "safe"
	ReasonTimeout    CloseReason = "timeout"
	ReasonRestricted CloseReason = "restricted"
	ReasonShutdown   CloseReason = "shutdown"
)

// maxTranscript is the trim threshold; exceeding it keeps the first 2
// entries (the anchor) and the most recent 10 (spec.md §4.3).
const (
	maxTranscript  = 12
	keepHead       = 2
	keepTailTarget = 10
)

// Triage is one open emergency session, keyed by sender.
type Triage struct {
	Sender         radio.NodeID
	DisplayName    string
	Trigger        string
	Context        string
	GPS            radio.Position
	DispatchedTo   radio.NodeID // "" and Broadcast == ALL
	Broadcast      bool         // true when dispatched to all responders or the channel
	IncidentNumber int64
	CorrelationID  string
	Start          time.Time
	LastActivity   time.Time
	Transcript     []Turn
}

// Restriction is a responder-imposed lockout on a sender.
type Restriction struct {
	Sender       radio.NodeID
	DisplayName  string
	Expiry       time.Time
	RestrictedBy radio.NodeID
}

// Pending911 is an outstanding 911 menu awaiting a numeric reply.
type Pending911 struct {
	Sender   radio.NodeID
	MenuSent time.Time
	GPS      radio.Position
	Channel  int
}

// CancelEntry is one row of a responder's cancel-list snapshot.
type CancelEntry struct {
	Sender      radio.NodeID
	DisplayName string
	Expiry      time.Time
}

const generalHistoryLimit = 4

// Manager is the single-writer owner of all session state. The zero
// value is not usable; construct with New.
type Manager struct {
	mu sync.Mutex

	triage       map[radio.NodeID]*Triage
	restricted   map[radio.NodeID]Restriction
	pending911   map[radio.NodeID]Pending911
	pendingCncl  map[radio.NodeID][]CancelEntry
	lastDispatch map[radio.NodeID]radio.NodeID
	general      map[radio.NodeID][]Turn
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		triage:       make(map[radio.NodeID]*Triage),
		restricted:   make(map[radio.NodeID]Restriction),
		pending911:   make(map[radio.NodeID]Pending911),
		pendingCncl:  make(map[radio.NodeID][]CancelEntry),
		lastDispatch: make(map[radio.NodeID]radio.NodeID),
		general:      make(map[radio.NodeID][]Turn),
	}
}

// HasActiveTriage reports whether sender has an open session. The
// router consults this to implement the re-trigger decision in
// SPEC_FULL.md §11: a fresh sos* token from a sender already in
// triage is routed as triage context, not a new dispatch.
func (m *Manager) HasActiveTriage(sender radio.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.triage[sender]
	return ok
}

// OpenTriage registers a new triage session for sender. Returns false
// without mutating state if one is already open. The router checks
// HasActiveTriage before handing a direct trigger to the dispatch
// engine; OpenTriage re-checks under the guard to close the race
// between check and create.
func (m *Manager) OpenTriage(t Triage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.triage[t.Sender]; exists {
		return false
	}
	if t.Start.IsZero() {
		t.Start = time.Now()
	}
	if t.LastActivity.IsZero() {
		t.LastActivity = t.Start
	}
	cp := t
	m.triage[t.Sender] = &cp
	return true
}

// SnapshotTriage returns a copy of sender's triage state, safe to read
// after the guard is released.
func (m *Manager) SnapshotTriage(sender radio.NodeID) (Triage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.triage[sender]
	if !ok {
		return Triage{}, false
	}
	cp := *t
	cp.Transcript = append([]Turn(nil), t.Transcript...)
	return cp, true
}

// AppendTriageTurn adds a transcript entry for sender's open session,
// bumps last-activity, and trims per the keep-first-2/last-10 rule.
// Returns false if no session is open.
func (m *Manager) AppendTriageTurn(sender radio.NodeID, role Role, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.triage[sender]
	if !ok {
		return false
	}
	now := time.Now()
	t.Transcript = append(t.Transcript, Turn{Timestamp: now, Role: role, Message: message})
	t.LastActivity = now
	trimTranscript(t)
	return true
}

// trimTranscript enforces the 12-entry cap by keeping the first 2 and
// the most recent 10 (spec.md §4.3). Caller must hold the guard.
func trimTranscript(t *Triage) {
	if len(t.Transcript) <= maxTranscript {
		return
	}
	head := append([]Turn(nil), t.Transcript[:keepHead]...)
	tail := append([]Turn(nil), t.Transcript[len(t.Transcript)-keepTailTarget:]...)
	t.Transcript = append(head, tail...)
}

// CloseTriage removes sender's session and returns it (with Duration
// computable from Start/LastActivity by the caller), for audit
// emission. The reason is not stored or returned; callers record it
// themselves. Returns false if none was open.
func (m *Manager) CloseTriage(sender radio.NodeID, reason CloseReason) (Triage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.triage[sender]
	if !ok {
		return Triage{}, false
	}
	delete(m.triage, sender)
	_ = reason // reason is recorded by the caller alongside the returned Triage
	cp := *t
	cp.Transcript = append([]Turn(nil), t.Transcript...)
	return cp, true
}

// ListStaleTriage returns a snapshot of every session whose
// last-activity predates cutoff, for the watchdog's timeout sweep.
// Does not mutate state; the watchdog closes each via CloseTriage.
func (m *Manager) ListStaleTriage(cutoff time.Time) []Triage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []Triage
	for _, t := range m.triage {
		if t.LastActivity.Before(cutoff) {
			cp := *t
			cp.Transcript = append([]Turn(nil), t.Transcript...)
			stale = append(stale, cp)
		}
	}
	return stale
}

// ActiveTriageCount reports the number of open sessions (for !status).
func (m *Manager) ActiveTriageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.triage)
}

// SetRestriction inserts or overwrites a restriction, clearing any
// pending-911 for the same sender in the same critical section so the
// two maps never observe an inconsistent intermediate state.
func (m *Manager) SetRestriction(r Restriction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restricted[r.Sender] = r
	delete(m.pending911, r.Sender)
}

// IsRestricted reports whether sender is currently locked out. Expiry
// is lazy: an expired entry is removed on access and reported absent.
func (m *Manager) IsRestricted(sender radio.NodeID) (Restriction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.restricted[sender]
	if !ok {
		return Restriction{}, false
	}
	if !time.Now().Before(r.Expiry) {
		delete(m.restricted, sender)
		return Restriction{}, false
	}
	return r, true
}

// ListRestrictions returns every currently unexpired restriction,
// lazily dropping any that have expired.
func (m *Manager) ListRestrictions() []Restriction {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []Restriction
	for sender, r := range m.restricted {
		if !now.Before(r.Expiry) {
			delete(m.restricted, sender)
			continue
		}
		out = append(out, r)
	}
	return out
}

// SweepExpiredRestrictions removes every restriction whose lockout has
// elapsed and returns the removed entries, for the watchdog's
// restriction_expired audit emission.
func (m *Manager) SweepExpiredRestrictions(now time.Time) []Restriction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Restriction
	for sender, r := range m.restricted {
		if !now.Before(r.Expiry) {
			expired = append(expired, r)
			delete(m.restricted, sender)
		}
	}
	return expired
}

// RemoveRestriction lifts a restriction early (responder cancel flow).
func (m *Manager) RemoveRestriction(sender radio.NodeID) (Restriction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.restricted[sender]
	if ok {
		delete(m.restricted, sender)
	}
	return r, ok
}

// SetPending911 registers a menu awaiting a numeric reply.
func (m *Manager) SetPending911(p Pending911) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending911[p.Sender] = p
}

// GetPending911 reports sender's outstanding menu, if any.
func (m *Manager) GetPending911(sender radio.NodeID) (Pending911, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending911[sender]
	return p, ok
}

// ClearPending911 discards sender's menu (selection 5, or conversion
// to a full dispatch via selections 1-4).
func (m *Manager) ClearPending911(sender radio.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending911, sender)
}

// SweepStalePending911 removes every menu older than cutoff and
// returns the removed entries, for the watchdog's no-response dispatch.
func (m *Manager) SweepStalePending911(cutoff time.Time) []Pending911 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []Pending911
	for sender, p := range m.pending911 {
		if p.MenuSent.Before(cutoff) {
			stale = append(stale, p)
			delete(m.pending911, sender)
		}
	}
	return stale
}

// SetPendingCancel snapshots entries as responder's cancel-list,
// replacing any prior snapshot for that responder.
func (m *Manager) SetPendingCancel(responder radio.NodeID, entries []CancelEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingCncl[responder] = append([]CancelEntry(nil), entries...)
}

// ConsumePendingCancel resolves a 1-based numeric reply against
// responder's snapshot and discards the whole snapshot afterward —
// spec.md §8: "a second identical numeric from the same responder
// replies Invalid (the snapshot is consumed)".
func (m *Manager) ConsumePendingCancel(responder radio.NodeID, index int) (CancelEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.pendingCncl[responder]
	if !ok {
		return CancelEntry{}, false
	}
	delete(m.pendingCncl, responder)

	if index < 1 || index > len(entries) {
		return CancelEntry{}, false
	}
	return entries[index-1], true
}

// SetLastDispatch records responder as the most recent recipient for
// sender, establishing the referent for a future !spam restrict.
func (m *Manager) SetLastDispatch(responder, sender radio.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastDispatch[responder] = sender
}

// LastDispatchSender returns the sender most recently dispatched to
// responder.
func (m *Manager) LastDispatchSender(responder radio.NodeID) (radio.NodeID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.lastDispatch[responder]
	return s, ok
}

// AppendGeneralTurn records one turn of non-emergency chat history for
// sender, capped at the most recent 4 turns (spec.md §3).
func (m *Manager) AppendGeneralTurn(sender radio.NodeID, role Role, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := append(m.general[sender], Turn{Timestamp: time.Now(), Role: role, Message: message})
	if len(h) > generalHistoryLimit {
		h = h[len(h)-generalHistoryLimit:]
	}
	m.general[sender] = h
}

// GeneralHistory returns a copy of sender's rolling chat history.
func (m *Manager) GeneralHistory(sender radio.NodeID) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Turn(nil), m.general[sender]...)
}

// CloseAll force-closes every open triage session with reason,
// returning the closed sessions for notification/audit. Used at
// process shutdown (spec.md §5 "all active sessions are closed with
// reason shutdown").
func (m *Manager) CloseAll(reason CloseReason) []Triage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var closed []Triage
	for sender, t := range m.triage {
		cp := *t
		cp.Transcript = append([]Turn(nil), t.Transcript...)
		closed = append(closed, cp)
		delete(m.triage, sender)
	}
	_ = reason
	return closed
}
