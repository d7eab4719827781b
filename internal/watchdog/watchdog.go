// Package watchdog runs the periodic sweep that drives the three
// timed transitions spec.md §4.4 calls for: triage inactivity
// timeout, 911-menu no-response, and restriction expiry. It never
// calls the LLM and every send it issues is short and non-blocking,
// so one slow sweep can never stall the router or the AI worker.
// Grounded on the teacher's cmd/thane/signalbridge.go beacon loop
// (a single ticker-driven goroutine over shared sender-keyed state),
// generalized from one map to the three the watchdog sweeps here.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kb9ops/dispatch-gateway/internal/audit"
	"github.com/kb9ops/dispatch-gateway/internal/events"
	"github.com/kb9ops/dispatch-gateway/internal/radio"
	"github.com/kb9ops/dispatch-gateway/internal/sendhelper"
	"github.com/kb9ops/dispatch-gateway/internal/session"
)

// DefaultInterval is the sweep cadence (spec.md §6 default).
const DefaultInterval = 30 * time.Second

// Config bundles the timeout thresholds the watchdog sweeps against.
type Config struct {
	Interval         time.Duration
	TriageInactivity time.Duration // 600s default
	Menu911Timeout   time.Duration // 120s default
	Channel          int
	Responders       []radio.NodeID // broadcast to all when empty
}

// Watchdog periodically closes stale triage sessions, escalates
// unanswered 911 menus, and lifts expired restrictions.
type Watchdog struct {
	cfg       Config
	sessions  *session.Manager
	send      *sendhelper.Helper
	directory radio.Directory
	audit     *audit.Logger
	bus       *events.Bus
	logger    *slog.Logger

	// now is overridable in tests so a sweep can be driven
	// deterministically rather than sleeping through real time.
	now func() time.Time
}

// New creates a Watchdog. directory may be nil; the sweep does not
// consult it (the no-response line uses the GPS captured with the
// pending-911 entry).
func New(cfg Config, sessions *session.Manager, send *sendhelper.Helper, directory radio.Directory, al *audit.Logger, bus *events.Bus, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Watchdog{
		cfg: cfg, sessions: sessions, send: send, directory: directory,
		audit: al, bus: bus, logger: logger, now: time.Now,
	}
}

// Run ticks every cfg.Interval until ctx is cancelled, performing one
// Sweep per tick. It returns ctx.Err() on cancellation, matching the
// errgroup-supervised loop shape the worker and the radio receive
// loop use.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs the three timed transitions once. Idempotent: a sweep
// over nothing aged performs zero sends and emits no audit records
// (spec.md §8 testable property).
func (w *Watchdog) Sweep(ctx context.Context) {
	now := w.now()

	timeouts := w.sweepTriageTimeouts(ctx, now)
	noResponses := w.sweepPending911(ctx, now)
	expirations := w.sweepExpiredRestrictions(now)

	w.bus.Publish(events.Event{Source: events.SourceWatchdog, Kind: events.KindWatchdogSweep, Data: map[string]any{
		"timeouts": timeouts, "no_responses": noResponses, "expirations": expirations,
	}})
}

// sweepTriageTimeouts closes every session idle past TriageInactivity,
// notifying the citizen and that incident's responder(s).
func (w *Watchdog) sweepTriageTimeouts(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-w.cfg.TriageInactivity)
	stale := w.sessions.ListStaleTriage(cutoff)

	for _, t := range stale {
		closed, ok := w.sessions.CloseTriage(t.Sender, session.ReasonTimeout)
		if !ok {
			continue // closed by a racing !safe/!spam between list and close
		}

		w.logAudit(audit.TypeSOSClosed, map[string]any{
			"sender": string(closed.Sender), "reason": session.ReasonTimeout, "incident": closed.IncidentNumber,
		})
		w.bus.Publish(events.Event{Source: events.SourceWatchdog, Kind: events.KindSOSClosed, Data: map[string]any{
			"sender": string(closed.Sender), "reason": session.ReasonTimeout,
		}})

		w.send.SendDM(ctx, "This incident has been closed due to inactivity. Send !sos again if you still need help.", closed.Sender, w.cfg.Channel, false)
		w.notifyResponders(ctx, closed, fmt.Sprintf("Incident #%d (%s) closed: no activity for %s.", closed.IncidentNumber, closed.Trigger, w.cfg.TriageInactivity))
	}
	return len(stale)
}

// sweepPending911 escalates every menu unanswered past Menu911Timeout
// into a structured no-response dispatch, without opening a session
// (spec.md §8 scenario 3: "no session opens until the responder
// follows up").
func (w *Watchdog) sweepPending911(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-w.cfg.Menu911Timeout)
	stale := w.sessions.SweepStalePending911(cutoff)

	for _, p := range stale {
		w.logAudit(audit.TypeSOS911NoResponse, map[string]any{"sender": string(p.Sender)})
		w.bus.Publish(events.Event{Source: events.SourceWatchdog, Kind: events.Kind911NoResponse, Data: map[string]any{"sender": string(p.Sender)}})

		line := fmt.Sprintf("[DISPATCH] !911 NO RESPONSE | From: %s | GPS: %s", p.Sender, formatGPS(p.GPS))
		w.dispatchToResponders(ctx, p.Sender, line, p.Channel)
	}
	return len(stale)
}

// sweepExpiredRestrictions lifts every restriction whose lockout has
// elapsed and notifies the formerly-restricted sender.
func (w *Watchdog) sweepExpiredRestrictions(now time.Time) int {
	expired := w.sessions.SweepExpiredRestrictions(now)

	for _, r := range expired {
		w.logAudit(audit.TypeRestrictionExpired, map[string]any{"sender": string(r.Sender)})
		w.bus.Publish(events.Event{Source: events.SourceWatchdog, Kind: events.KindRestrictionExpired, Data: map[string]any{"sender": string(r.Sender)}})
		w.send.SendDM(context.Background(), "Your restriction has expired. You may use the system normally again.", r.Sender, w.cfg.Channel, false)
	}
	return len(expired)
}

// dispatchToResponders sends line to every configured responder, or
// broadcasts it when none are configured, recording Last-Dispatch-To
// for each recipient so a later responder !spam can target sender.
func (w *Watchdog) dispatchToResponders(ctx context.Context, sender radio.NodeID, line string, channel int) {
	if len(w.cfg.Responders) == 0 {
		w.send.Broadcast(ctx, line, channel)
		return
	}
	for _, r := range w.cfg.Responders {
		w.send.SendDM(ctx, line, r, channel, false)
		w.sessions.SetLastDispatch(r, sender)
	}
}

func (w *Watchdog) notifyResponders(ctx context.Context, t session.Triage, text string) {
	if t.Broadcast {
		w.send.Broadcast(ctx, text, w.cfg.Channel)
		return
	}
	if t.DispatchedTo != "" {
		w.send.SendDM(ctx, text, t.DispatchedTo, w.cfg.Channel, false)
	}
}

func (w *Watchdog) logAudit(eventType string, fields map[string]any) {
	if w.audit == nil {
		return
	}
	if err := w.audit.Log(eventType, fields); err != nil {
		w.logger.Warn("watchdog: audit write failed", "type", eventType, "error", err)
	}
}

func formatGPS(p radio.Position) string {
	if !p.Valid {
		return "UNKNOWN"
	}
	return fmt.Sprintf("%.5f,%.5f", p.Latitude, p.Longitude)
}
