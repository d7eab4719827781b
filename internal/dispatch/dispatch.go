// Package dispatch executes the ordered SOS send sequence: citizen
// ACK, safety note, responder dispatch, session open, and initial
// triage enqueue. Grounded on internal/delegate.Executor's
// dependency-injected shape (logger, llm client, router all wired in
// as struct fields rather than globals) and on the teacher's use of
// github.com/google/uuid (NewV7, as seen in internal/facts/store.go)
// for time-ordered identifiers — repurposed here as the incident
// correlation ID.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kb9ops/dispatch-gateway/internal/audit"
	"github.com/kb9ops/dispatch-gateway/internal/events"
	"github.com/kb9ops/dispatch-gateway/internal/radio"
	"github.com/kb9ops/dispatch-gateway/internal/sendhelper"
	"github.com/kb9ops/dispatch-gateway/internal/session"
	"github.com/kb9ops/dispatch-gateway/internal/worker"
)

// InterSendSpacing is the minimum pause between successive outbound
// sends within one dispatch, to respect the link's duty cycle
// (spec.md §4.2). A var, not a const, so tests can shrink it.
var InterSendSpacing = 2 * time.Second

// MaxContextLen is the dispatch line's context truncation length
// (spec.md §6 "Dispatch line format").
const MaxContextLen = 80

// Trigger is the literal citizen-facing token that accepted the SOS
// (spec.md §6's command surface), echoed back verbatim in the ACK and
// dispatch lines (spec.md §8 scenario 1: "[SOS] !FIRE RECEIVED").
type Trigger string

const (
	TriggerSOS    Trigger = "!SOS"
	TriggerPolice Trigger = "!POLICE"
	TriggerFire   Trigger = "!FIRE"
	TriggerEMS    Trigger = "!EMS"
	TriggerHelp   Trigger = "!HELP"
)

// Request describes one incident to dispatch.
type Request struct {
	Sender      radio.NodeID
	DisplayName string
	Trigger     Trigger
	Context     string // free text following the trigger token, may be empty
	Channel     int
	// Responder, if non-empty, routes the dispatch to exactly this
	// node; otherwise Engine routes to every configured responder, or
	// broadcasts on Channel if none are configured.
	Responder radio.NodeID
}

// Engine executes Request values against the session manager, the
// radio, and the audit log.
type Engine struct {
	sessions   *session.Manager
	send       *sendhelper.Helper
	directory  radio.Directory
	audit      *audit.Logger
	bus        *events.Bus
	logger     *slog.Logger
	responders []radio.NodeID
	queue      chan<- worker.Item
	counter    atomic.Int64
}

// New creates a dispatch Engine. responders is the full configured
// responder node-ID set, consulted when Request.Responder is empty.
func New(sessions *session.Manager, send *sendhelper.Helper, directory radio.Directory, al *audit.Logger, bus *events.Bus, logger *slog.Logger, responders []radio.NodeID, queue chan<- worker.Item) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sessions:   sessions,
		send:       send,
		directory:  directory,
		audit:      al,
		bus:        bus,
		logger:     logger,
		responders: responders,
		queue:      queue,
	}
}

// Dispatch runs the nine-step SOS sequence described in spec.md §4.2.
// It never aborts early on a transmission failure: every step is
// attempted, failures are logged, and the session is created
// regardless so follow-up traffic is correctly classified.
func (e *Engine) Dispatch(ctx context.Context, req Request) session.Triage {
	gps := e.resolveGPS(req.Sender)
	incident := e.counter.Add(1)
	correlationID := newCorrelationID()

	e.logAudit(audit.TypeRx, map[string]any{"sender": string(req.Sender), "trigger": string(req.Trigger)})

	ack := fmt.Sprintf("[SOS] %s RECEIVED. GPS: %s", req.Trigger, formatGPS(gps))
	e.send.SendDM(ctx, ack, req.Sender, req.Channel, true)
	e.pause(ctx)

	e.send.SendDM(ctx, safetyNotice, req.Sender, req.Channel, false)
	e.pause(ctx)

	now := time.Now()
	line := e.dispatchLine(req, gps, now)

	dispatchedTo, broadcast := e.route(ctx, req, line)

	triage := session.Triage{
		Sender:         req.Sender,
		DisplayName:    req.DisplayName,
		Trigger:        string(req.Trigger),
		Context:        req.Context,
		GPS:            gps,
		DispatchedTo:   dispatchedTo,
		Broadcast:      broadcast,
		IncidentNumber: incident,
		CorrelationID:  correlationID,
		Start:          now,
		LastActivity:   now,
	}
	e.sessions.OpenTriage(triage)

	e.bus.Publish(events.Event{Source: events.SourceDispatch, Kind: events.KindSOSDispatch, Data: map[string]any{
		"sender": string(req.Sender), "trigger": string(req.Trigger), "incident": incident, "responder": string(dispatchedTo),
	}})
	e.logAudit(audit.TypeSOSDispatch, map[string]any{
		"sender": string(req.Sender), "trigger": string(req.Trigger),
		"incident": incident, "correlation_id": correlationID,
		"dispatched_to": string(dispatchedTo), "broadcast": broadcast,
	})

	seed := req.Context
	if seed == "" {
		// No free text rode in with the trigger (a bare !sos, or a 911
		// menu selection) — seed a synthetic anchor turn so the worker
		// still opens with a clarifying question rather than waiting on
		// the citizen to speak first.
		seed = initialTriageSeed
	}
	e.enqueueInitialTriage(req.Sender, seed, req.Channel)

	e.logAudit(audit.TypeSystem, map[string]any{"event": "session_open", "sender": string(req.Sender), "incident": incident})

	return triage
}

// logAudit writes an audit record and logs (but never propagates) a
// write failure — audit is a best-effort sink per spec.md §7.
func (e *Engine) logAudit(eventType string, fields map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(eventType, fields); err != nil {
		e.logger.Warn("dispatch: audit write failed", "type", eventType, "error", err)
	}
}

// route sends the dispatch line to the configured responder(s) or
// broadcasts it, updating Last-Dispatch-To for every recipient so a
// later responder !spam can resolve its target.
func (e *Engine) route(ctx context.Context, req Request, line string) (dispatchedTo radio.NodeID, broadcast bool) {
	if req.Responder != "" {
		e.send.SendDM(ctx, line, req.Responder, req.Channel, false)
		e.sessions.SetLastDispatch(req.Responder, req.Sender)
		e.pause(ctx)
		return req.Responder, false
	}

	if len(e.responders) == 0 {
		e.send.Broadcast(ctx, line, req.Channel)
		e.pause(ctx)
		return radio.Broadcast, true
	}

	for _, r := range e.responders {
		e.send.SendDM(ctx, line, r, req.Channel, false)
		e.sessions.SetLastDispatch(r, req.Sender)
		e.pause(ctx)
	}
	return radio.Broadcast, true
}

// initialTriageSeed anchors a triage transcript when the trigger
// carried no free text of its own.
const initialTriageSeed = "What is your emergency?"

// enqueueInitialTriage places the dispatch's free-text context (or the
// synthetic seed) on the work queue as the first triage turn, so the
// worker opens the conversation with a follow-up question instead of
// waiting on the citizen to speak first.
func (e *Engine) enqueueInitialTriage(sender radio.NodeID, text string, channel int) {
	item := worker.Item{Sender: sender, Text: text, Channel: channel, Triage: true}
	select {
	case e.queue <- item:
	default:
		e.logger.Warn("dispatch: work queue full, dropping initial triage seed", "sender", sender)
	}
}

func (e *Engine) resolveGPS(sender radio.NodeID) radio.Position {
	if e.directory == nil {
		return radio.Position{}
	}
	info, ok := e.directory.Lookup(sender)
	if !ok {
		return radio.Position{}
	}
	return info.Position
}

func (e *Engine) dispatchLine(req Request, gps radio.Position, at time.Time) string {
	ctx := truncate(req.Context, MaxContextLen)
	line := fmt.Sprintf("[DISPATCH] %s | From: %s | GPS: %s | Time: %s",
		req.Trigger, req.DisplayName, formatGPS(gps), at.Format("15:04:05"))
	if ctx != "" {
		line += " | " + ctx
	}
	return line
}

func (e *Engine) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(InterSendSpacing):
	}
}

const safetyNotice = "Help is on the way. Send !safe at any time if this is resolved or was sent in error."

func formatGPS(p radio.Position) string {
	if !p.Valid {
		return "UNKNOWN"
	}
	return fmt.Sprintf("%.5f,%.5f", p.Latitude, p.Longitude)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func newCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
