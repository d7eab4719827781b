// Package router is the sole entry point for inbound radio packets.
// Router.Handle runs the fixed 11-step classification/gating pipeline
// from spec.md §4.1: filter, stale-packet guard, responder-only
// commands, restriction gate, utility commands, the 911 menu,
// pending-911 numeric replies, direct SOS triggers, active-triage
// enqueue, the queue-depth gate, and finally general enqueue. Handle
// never performs blocking I/O beyond the short sendhelper calls the
// spec permits; a full SOS dispatch is handed off to its own
// goroutine so a slow multi-step send sequence never stalls the radio
// callback (spec.md §9 "Callback re-entry").
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kb9ops/dispatch-gateway/internal/audit"
	"github.com/kb9ops/dispatch-gateway/internal/dispatch"
	"github.com/kb9ops/dispatch-gateway/internal/events"
	"github.com/kb9ops/dispatch-gateway/internal/radio"
	"github.com/kb9ops/dispatch-gateway/internal/sendhelper"
	"github.com/kb9ops/dispatch-gateway/internal/session"
	"github.com/kb9ops/dispatch-gateway/internal/worker"
)

// triggerToken associates a citizen-facing SOS token with the
// dispatch.Trigger it produces and, where applicable, the responder
// token that should receive it directly.
type triggerToken struct {
	token     string
	trigger   dispatch.Trigger
	responder string // key into Config.Responders; "" means route to all
}

// triggerTokens is checked longest-prefix-first (spec.md §4.1 step 8
// tie-break rule); order here does not matter since no token is a
// prefix of another, but the explicit slice keeps matching simple and
// deterministic.
var triggerTokens = []triggerToken{
	{token: "!police", trigger: dispatch.TriggerPolice, responder: "police"},
	{token: "!fire", trigger: dispatch.TriggerFire, responder: "fire"},
	{token: "!ems", trigger: dispatch.TriggerEMS, responder: "ems"},
	{token: "!help", trigger: dispatch.TriggerHelp, responder: ""},
	{token: "!sos", trigger: dispatch.TriggerSOS, responder: ""},
}

// menuSelectionTriggers maps the 911 menu's numeric replies 1-4 to a
// dispatch trigger and responder token (spec.md §4.1 step 7).
var menuSelectionTriggers = map[int]triggerToken{
	1: {trigger: dispatch.TriggerFire, responder: "fire"},
	2: {trigger: dispatch.TriggerEMS, responder: "ems"},
	3: {trigger: dispatch.TriggerPolice, responder: "police"},
	4: {trigger: dispatch.TriggerHelp, responder: ""},
}

const menu911Text = `[SOS] Emergency received.
Reply with a NUMBER:
1 = Fire
2 = Medical
3 = Police
4 = Other
5 = Accident (sent by mistake)`

// Config bundles the tunables the router needs from
// internal/config.Config without importing that package directly,
// keeping the router testable with literal values.
type Config struct {
	Channel         int
	StaleWindow     time.Duration
	QueueDepthLimit int
	RestrictionTTL  time.Duration
	// Cooldown is the minimum interval between general (non-triage)
	// chatter messages the router will accept from one sender onto the
	// work queue; a message arriving sooner is dropped rather than
	// queued, so one chatty node cannot starve the AI worker.
	Cooldown time.Duration
	// WarnThrottle is the minimum interval between repeated
	// "system busy" notices sent to the same sender while the
	// queue-depth gate is tripped.
	WarnThrottle time.Duration
	Responders   map[string]radio.NodeID // token ("fire","police","ems") -> node ID
}

// Router is the inbound packet pipeline.
type Router struct {
	cfg       Config
	sessions  *session.Manager
	send      *sendhelper.Helper
	directory radio.Directory
	dispatch  *dispatch.Engine
	queue     chan worker.Item
	audit     *audit.Logger
	bus       *events.Bus
	logger    *slog.Logger
	localID   radio.NodeID
	bootTime  time.Time

	responderSet map[radio.NodeID]radio.NodeID // node ID -> responder token, reverse of cfg.Responders

	// lastGeneralEnqueue and lastBusyWarning back Cooldown and
	// WarnThrottle. Handle runs serially off the radio callback (spec.md
	// §9 "Callback re-entry"), so these plain maps need no locking.
	lastGeneralEnqueue map[radio.NodeID]time.Time
	lastBusyWarning    map[radio.NodeID]time.Time

	// spawnDispatch launches an SOS dispatch. Defaults to a bare "go
	// call"; tests override it to run synchronously and deterministically.
	spawnDispatch func(func())
}

// New creates a Router. bootTime anchors the stale-packet guard.
func New(cfg Config, sessions *session.Manager, send *sendhelper.Helper, directory radio.Directory, engine *dispatch.Engine, queue chan worker.Item, al *audit.Logger, bus *events.Bus, logger *slog.Logger, localID radio.NodeID, bootTime time.Time) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	responderSet := make(map[radio.NodeID]radio.NodeID, len(cfg.Responders))
	for token, id := range cfg.Responders {
		if id != "" {
			responderSet[id] = radio.NodeID(token)
		}
	}
	return &Router{
		cfg: cfg, sessions: sessions, send: send, directory: directory,
		dispatch: engine, queue: queue, audit: al, bus: bus, logger: logger,
		localID: localID, bootTime: bootTime, responderSet: responderSet,
		lastGeneralEnqueue: make(map[radio.NodeID]time.Time),
		lastBusyWarning:    make(map[radio.NodeID]time.Time),
		spawnDispatch:      func(f func()) { go f() },
	}
}

// Handle runs one inbound packet through the pipeline.
func (r *Router) Handle(ctx context.Context, pkt radio.InboundPacket) {
	// 1. Filter.
	if pkt.Text == "" || pkt.From == "" || pkt.From == r.localID || pkt.Channel != r.cfg.Channel {
		return
	}

	// 2. Stale-packet guard.
	if !pkt.RxTime.IsZero() && pkt.RxTime.Before(r.bootTime.Add(-r.cfg.StaleWindow)) {
		r.logger.Debug("router: dropping stale packet", "sender", pkt.From, "rx_time", pkt.RxTime)
		return
	}

	text := strings.TrimSpace(pkt.Text)
	lower := strings.ToLower(text)

	responderToken, isResponder := r.responderSet[pkt.From]

	// 3/4. Responder-only commands precede the restriction gate, but
	// only for the actual responder (spec.md §4.1 tie-break rule);
	// the gate itself never applies to a responder. A restricted
	// citizen's packet yields exactly one reply and no other side
	// effect (spec.md §8) — no rx audit, no further processing.
	if !isResponder {
		if _, restricted := r.sessions.IsRestricted(pkt.From); restricted {
			r.send.SendDM(ctx, "You are temporarily restricted from this system. Contact a responder directly.", pkt.From, pkt.Channel, false)
			r.logAudit(audit.TypeBouncerDrop, map[string]any{"sender": string(pkt.From)})
			return
		}
	}

	r.logAudit(audit.TypeRx, map[string]any{"sender": string(pkt.From), "channel": pkt.Channel})
	r.bus.Publish(events.Event{Source: events.SourceRouter, Kind: events.KindRx, Data: map[string]any{"sender": string(pkt.From), "channel": pkt.Channel}})

	if isResponder {
		if r.handleResponderCommand(ctx, pkt, responderToken, lower) {
			return
		}
	}

	// 5. Utility commands.
	if r.handleUtilityCommand(ctx, pkt, lower) {
		return
	}

	// 6. 911 menu.
	if lower == "!911" {
		r.handle911Menu(ctx, pkt)
		return
	}

	// 7. Pending-911 numeric reply.
	if n, ok := parseDigit(lower); ok {
		if p, pending := r.sessions.GetPending911(pkt.From); pending {
			r.handlePending911Selection(ctx, pkt, p, n)
			return
		}
	}

	// 8. Direct SOS trigger.
	if tok, freeText, matched := matchTrigger(lower, text); matched {
		r.handleDirectTrigger(ctx, pkt, tok, freeText)
		return
	}

	// 9. Active triage enqueue.
	if r.sessions.HasActiveTriage(pkt.From) {
		r.enqueue(worker.Item{Sender: pkt.From, Text: text, Channel: pkt.Channel, Triage: true})
		return
	}

	// 10. Queue-depth gate (never applies to SOS triggers or responder
	// commands, both already handled above; a responder's ordinary chat
	// is gated like anyone else's). The busy notice is throttled per
	// sender so a chatty node under sustained load doesn't get a fresh
	// "system busy" DM for every single message it sends.
	if len(r.queue) > r.cfg.QueueDepthLimit {
		if now := time.Now(); now.Sub(r.lastBusyWarning[pkt.From]) >= r.cfg.WarnThrottle {
			r.lastBusyWarning[pkt.From] = now
			r.send.SendDM(ctx, "System busy, please try again shortly.", pkt.From, pkt.Channel, false)
		}
		r.bus.Publish(events.Event{Source: events.SourceRouter, Kind: events.KindDrop, Data: map[string]any{"sender": string(pkt.From), "reason": "queue_depth"}})
		return
	}

	// 11. General enqueue, rate-limited per sender by Cooldown so one
	// node cannot monopolize the AI worker with rapid-fire chatter.
	now := time.Now()
	if now.Sub(r.lastGeneralEnqueue[pkt.From]) < r.cfg.Cooldown {
		r.bus.Publish(events.Event{Source: events.SourceRouter, Kind: events.KindDrop, Data: map[string]any{"sender": string(pkt.From), "reason": "cooldown"}})
		return
	}
	r.lastGeneralEnqueue[pkt.From] = now
	r.enqueue(worker.Item{Sender: pkt.From, Text: text, Channel: pkt.Channel, Triage: false})
}

// handleResponderCommand processes !spam, !cancel, and a numeric
// reply against an outstanding cancel-list snapshot. Returns true if
// the packet was fully handled (caller must stop the pipeline).
func (r *Router) handleResponderCommand(ctx context.Context, pkt radio.InboundPacket, responderToken radio.NodeID, lower string) bool {
	switch {
	case lower == "!spam":
		r.restrictLastDispatched(ctx, pkt)
		return true
	case lower == "!cancel":
		r.sendCancelList(ctx, pkt)
		return true
	}

	if n, ok := parseDigit(lower); ok {
		r.consumeCancelSelection(ctx, pkt, n)
		return true
	}
	return false
}

// restrictLastDispatched implements spec.md §4.1 step 3's restrict
// command: resolve the citizen via Last-Dispatch-To, force-close any
// open triage, insert the restriction, clear pending-911, notify both
// parties.
func (r *Router) restrictLastDispatched(ctx context.Context, pkt radio.InboundPacket) {
	sender, ok := r.sessions.LastDispatchSender(pkt.From)
	if !ok {
		r.send.SendDM(ctx, "No recent dispatch to restrict.", pkt.From, pkt.Channel, false)
		return
	}

	if t, closed := r.sessions.CloseTriage(sender, session.ReasonRestricted); closed {
		r.logAudit(audit.TypeSOSClosed, map[string]any{"sender": string(sender), "reason": session.ReasonRestricted, "incident": t.IncidentNumber})
	}

	name := r.displayName(sender)
	expiry := time.Now().Add(r.cfg.RestrictionTTL)
	r.sessions.SetRestriction(session.Restriction{Sender: sender, DisplayName: name, Expiry: expiry, RestrictedBy: pkt.From})

	r.logAudit(audit.TypeRestricted, map[string]any{"sender": string(sender), "responder": string(pkt.From), "until": expiry})
	r.bus.Publish(events.Event{Source: events.SourceRouter, Kind: events.KindRestricted, Data: map[string]any{"sender": string(sender), "responder": string(pkt.From), "until": expiry}})

	r.send.SendDM(ctx, fmt.Sprintf("%s has been restricted for %d minutes.", name, int(r.cfg.RestrictionTTL.Minutes())), pkt.From, pkt.Channel, false)
	r.send.SendDM(ctx, "You have been temporarily restricted from this system by a responder.", sender, pkt.Channel, false)
}

// sendCancelList implements spec.md §4.1 step 3's cancel-list command:
// snapshot active restrictions for this responder and transmit a
// numbered list with remaining minutes.
func (r *Router) sendCancelList(ctx context.Context, pkt radio.InboundPacket) {
	active := r.sessions.ListRestrictions()
	if len(active) == 0 {
		r.send.SendDM(ctx, "No active restrictions.", pkt.From, pkt.Channel, false)
		return
	}

	entries := make([]session.CancelEntry, len(active))
	var b strings.Builder
	now := time.Now()
	for i, restriction := range active {
		entries[i] = session.CancelEntry{Sender: restriction.Sender, DisplayName: restriction.DisplayName, Expiry: restriction.Expiry}
		remaining := int(restriction.Expiry.Sub(now).Minutes())
		fmt.Fprintf(&b, "%d. %s — ~%d min left\n", i+1, restriction.DisplayName, remaining)
	}
	r.sessions.SetPendingCancel(pkt.From, entries)
	r.send.SendDM(ctx, strings.TrimRight(b.String(), "\n"), pkt.From, pkt.Channel, false)
}

// consumeCancelSelection resolves a numeric reply against the
// responder's cancel-list snapshot.
func (r *Router) consumeCancelSelection(ctx context.Context, pkt radio.InboundPacket, n int) {
	entry, ok := r.sessions.ConsumePendingCancel(pkt.From, n)
	if !ok {
		r.send.SendDM(ctx, "Invalid selection. Send !cancel to re-list.", pkt.From, pkt.Channel, false)
		return
	}
	r.sessions.RemoveRestriction(entry.Sender)
	r.logAudit(audit.TypeRestrictionLifted, map[string]any{"sender": string(entry.Sender), "responder": string(pkt.From)})
	r.bus.Publish(events.Event{Source: events.SourceRouter, Kind: events.KindRestrictionLifted, Data: map[string]any{"sender": string(entry.Sender), "responder": string(pkt.From)}})

	r.send.SendDM(ctx, fmt.Sprintf("%s's access has been restored.", entry.DisplayName), pkt.From, pkt.Channel, false)
	r.send.SendDM(ctx, "Your access to this system has been restored.", entry.Sender, pkt.Channel, false)
}

// handleUtilityCommand handles !ping, !status, !safe. Returns true if
// the packet was handled.
func (r *Router) handleUtilityCommand(ctx context.Context, pkt radio.InboundPacket, lower string) bool {
	switch lower {
	case "!ping":
		r.send.SendDM(ctx, "pong", pkt.From, pkt.Channel, false)
		return true
	case "!status":
		status := fmt.Sprintf(
			"queue=%d nodes=%d responders=%d triage=%d restricted=%d",
			len(r.queue), r.directoryCount(), len(r.cfg.Responders), r.sessions.ActiveTriageCount(), len(r.sessions.ListRestrictions()),
		)
		r.send.SendDM(ctx, status, pkt.From, pkt.Channel, false)
		return true
	case "!safe":
		r.handleSafe(ctx, pkt)
		return true
	}
	return false
}

func (r *Router) handleSafe(ctx context.Context, pkt radio.InboundPacket) {
	t, ok := r.sessions.CloseTriage(pkt.From, session.ReasonSafe)
	if !ok {
		r.send.SendDM(ctx, "No active SOS to cancel.", pkt.From, pkt.Channel, false)
		return
	}
	r.logAudit(audit.TypeSOSClosed, map[string]any{"sender": string(pkt.From), "reason": session.ReasonSafe, "incident": t.IncidentNumber})
	r.bus.Publish(events.Event{Source: events.SourceRouter, Kind: events.KindSOSClosed, Data: map[string]any{"sender": string(pkt.From), "reason": session.ReasonSafe}})

	r.send.SendDM(ctx, "Emergency marked resolved. Stay safe.", pkt.From, pkt.Channel, false)
	r.notifyResponders(ctx, t, fmt.Sprintf("%s marked their emergency resolved.", r.displayName(pkt.From)))
}

func (r *Router) handle911Menu(ctx context.Context, pkt radio.InboundPacket) {
	gps := r.resolveGPS(pkt.From)
	r.sessions.SetPending911(session.Pending911{Sender: pkt.From, MenuSent: time.Now(), GPS: gps, Channel: pkt.Channel})
	r.logAudit(audit.TypeSOS911Triggered, map[string]any{"sender": string(pkt.From)})
	r.send.SendDM(ctx, menu911Text, pkt.From, pkt.Channel, true)
}

func (r *Router) handlePending911Selection(ctx context.Context, pkt radio.InboundPacket, p session.Pending911, n int) {
	r.sessions.ClearPending911(pkt.From)

	if n == 5 {
		r.logAudit(audit.TypeSOSFalseAlarm, map[string]any{"sender": string(pkt.From)})
		r.send.SendDM(ctx, "Understood, no emergency. Thank you.", pkt.From, pkt.Channel, false)
		return
	}

	mapping, ok := menuSelectionTriggers[n]
	if !ok {
		r.send.SendDM(ctx, "Invalid selection.", pkt.From, pkt.Channel, false)
		return
	}

	req := dispatch.Request{
		Sender: pkt.From, DisplayName: r.displayName(pkt.From), Trigger: mapping.trigger,
		Channel: p.Channel, Responder: r.responderNodeID(mapping.responder),
	}
	r.spawnDispatch(func() { r.dispatch.Dispatch(ctx, req) })
}

// handleDirectTrigger implements spec.md §4.1 step 8 together with the
// re-trigger decision from SPEC_FULL.md §11: if the sender already has
// an open triage session, the token is routed as triage context
// instead of opening a new incident.
func (r *Router) handleDirectTrigger(ctx context.Context, pkt radio.InboundPacket, tok triggerToken, freeText string) {
	if r.sessions.HasActiveTriage(pkt.From) {
		r.enqueue(worker.Item{Sender: pkt.From, Text: freeText, Channel: pkt.Channel, Triage: true})
		return
	}

	req := dispatch.Request{
		Sender: pkt.From, DisplayName: r.displayName(pkt.From), Trigger: tok.trigger,
		Context: freeText, Channel: pkt.Channel, Responder: r.responderNodeID(tok.responder),
	}
	r.spawnDispatch(func() { r.dispatch.Dispatch(ctx, req) })
}

func (r *Router) notifyResponders(ctx context.Context, t session.Triage, text string) {
	if t.Broadcast {
		r.send.Broadcast(ctx, text, 0)
		return
	}
	if t.DispatchedTo != "" {
		r.send.SendDM(ctx, text, t.DispatchedTo, 0, false)
	}
}

func (r *Router) enqueue(item worker.Item) {
	select {
	case r.queue <- item:
	default:
		r.logger.Warn("router: work queue full, dropping item", "sender", item.Sender)
	}
}

func (r *Router) responderNodeID(token string) radio.NodeID {
	if token == "" {
		return ""
	}
	return r.cfg.Responders[token]
}

func (r *Router) displayName(id radio.NodeID) string {
	if r.directory == nil {
		return string(id)
	}
	info, ok := r.directory.Lookup(id)
	if !ok || info.LongName == "" {
		return string(id)
	}
	return info.LongName
}

func (r *Router) resolveGPS(id radio.NodeID) radio.Position {
	if r.directory == nil {
		return radio.Position{}
	}
	info, ok := r.directory.Lookup(id)
	if !ok {
		return radio.Position{}
	}
	return info.Position
}

func (r *Router) directoryCount() int {
	if r.directory == nil {
		return 0
	}
	return r.directory.Count()
}

func (r *Router) logAudit(eventType string, fields map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(eventType, fields); err != nil {
		r.logger.Warn("router: audit write failed", "type", eventType, "error", err)
	}
}

// matchTrigger checks lower (already trimmed+lowercased) against the
// fixed SOS trigger tokens, longest-prefix-first, requiring either an
// exact match or the token followed by whitespace. Returns the
// matched token definition and the free text following it.
func matchTrigger(lower, original string) (triggerToken, string, bool) {
	for _, tok := range triggerTokens {
		if lower == tok.token {
			return tok, "", true
		}
		if strings.HasPrefix(lower, tok.token+" ") {
			rest := strings.TrimSpace(original[len(tok.token):])
			return tok, rest, true
		}
	}
	return triggerToken{}, "", false
}

// parseDigit reports whether s is a single bare positive integer
// (a menu/cancel-list numeric reply).
func parseDigit(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
