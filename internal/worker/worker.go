// Package worker consumes the router's single FIFO work queue and
// drives the LLM conversation: triage follow-ups for an open SOS
// session, or ordinary short-lived chat otherwise. A single consumer
// gives per-sender ordering for free and prevents two overlapping
// replies to a citizen mid-triage (spec.md §9 "Worker-as-serializer").
// Grounded on internal/delegate.Executor's iteration-loop-with-timeout
// shape and on cmd/thane/signalbridge.go's rolling per-sender history
// cap, generalized from a single history list to the triage/general
// split this domain requires.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kb9ops/dispatch-gateway/internal/audit"
	"github.com/kb9ops/dispatch-gateway/internal/events"
	"github.com/kb9ops/dispatch-gateway/internal/llm"
	"github.com/kb9ops/dispatch-gateway/internal/radio"
	"github.com/kb9ops/dispatch-gateway/internal/sendhelper"
	"github.com/kb9ops/dispatch-gateway/internal/session"
)

// Item is one unit of work placed on the queue by the router or the
// dispatch engine: a message to run through the LLM and reply to.
type Item struct {
	Sender  radio.NodeID
	Text    string
	Channel int
	Triage  bool
}

// DefaultRequestTimeout bounds a single LLM call (spec.md §4.5).
const DefaultRequestTimeout = 30 * time.Second

// emptyOutputFallback substitutes for a blank model reply.
const emptyOutputFallback = "No response generated. Please try rephrasing or contact a responder directly."

// safeFooter is appended to every triage reply outside the LLM output
// (deterministic, never model-generated) per spec.md §4.3.
const safeFooter = "\n[Send !safe when emergency is resolved]"

// generalPersona is the fixed system line for ordinary, non-emergency
// chat (spec.md §4.5 "a fixed persona line").
const generalPersona = "You are a brief, plain-spoken assistant relaying messages over a slow packet radio link. Keep replies to at most two short sentences and never use markdown."

// triageRules are the fixed operating instructions appended to every
// triage prompt (spec.md §4.3).
const triageRules = "Triage this emergency only. Redirect any off-topic message back to the emergency. Ask exactly one follow-up question. Respond in at most two sentences. No markdown."

// Worker is the single consumer of the work queue.
type Worker struct {
	queue          <-chan Item
	sessions       *session.Manager
	send           *sendhelper.Helper
	llmClient      llm.Client
	audit          *audit.Logger
	bus            *events.Bus
	logger         *slog.Logger
	model          string
	maxTokens      int
	requestTimeout time.Duration
}

// New creates a Worker. A zero requestTimeout falls back to
// DefaultRequestTimeout.
func New(queue <-chan Item, sessions *session.Manager, send *sendhelper.Helper, llmClient llm.Client, al *audit.Logger, bus *events.Bus, logger *slog.Logger, model string, maxTokens int, requestTimeout time.Duration) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Worker{
		queue: queue, sessions: sessions, send: send, llmClient: llmClient,
		audit: al, bus: bus, logger: logger, model: model, maxTokens: maxTokens,
		requestTimeout: requestTimeout,
	}
}

// Run drains the queue until ctx is cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-w.queue:
			if !ok {
				return nil
			}
			w.process(ctx, item)
		}
	}
}

// process handles one work item, recovering from any LLM/radio error
// rather than letting it propagate and stall the consumer
// (spec.md §4.5 "Error policy").
func (w *Worker) process(ctx context.Context, item Item) {
	var reply string
	var err error

	if item.Triage {
		reply, err = w.handleTriage(ctx, item)
	} else {
		reply, err = w.handleGeneral(ctx, item)
	}

	if err != nil {
		w.logger.Warn("worker: recovered from error", "sender", item.Sender, "triage", item.Triage, "error", err)
		w.logAudit(audit.TypeAIWorkerError, map[string]any{"sender": string(item.Sender), "error": err.Error()})
		w.bus.Publish(events.Event{Source: events.SourceWorker, Kind: events.KindWorkerError, Data: map[string]any{"sender": string(item.Sender), "error": err.Error()}})
		w.send.SendDM(ctx, "[SYSTEM] Operator error handling your message. A human responder may follow up.", item.Sender, item.Channel, false)
		return
	}

	w.send.SendDM(ctx, reply, item.Sender, item.Channel, false)
}

// handleTriage appends the citizen turn, builds the deterministic
// prompt, calls the model, and appends the operator reply — exactly
// the sequence in spec.md §4.5.
func (w *Worker) handleTriage(ctx context.Context, item Item) (string, error) {
	w.sessions.AppendTriageTurn(item.Sender, session.RoleCitizen, item.Text)

	snap, ok := w.sessions.SnapshotTriage(item.Sender)
	if !ok {
		// Session closed out from under us (timeout/safe/restrict raced
		// the queue); nothing left to reply into.
		return "", fmt.Errorf("no active triage session for %s", item.Sender)
	}

	messages := buildTriagePrompt(snap)

	reqCtx, cancel := context.WithTimeout(ctx, w.requestTimeout)
	defer cancel()

	text, err := w.llmClient.Complete(reqCtx, messages, w.model, w.maxTokens)
	if err != nil {
		return "", fmt.Errorf("llm complete: %w", err)
	}
	if text == "" {
		text = emptyOutputFallback
	}

	w.sessions.AppendTriageTurn(item.Sender, session.RoleOperator, text)

	w.logAudit(audit.TypeTriageExchange, map[string]any{"sender": string(item.Sender), "incident": snap.IncidentNumber})
	w.bus.Publish(events.Event{Source: events.SourceWorker, Kind: events.KindTriageExchange, Data: map[string]any{"sender": string(item.Sender), "incident": snap.IncidentNumber}})

	return text + safeFooter, nil
}

// handleGeneral maintains the 4-turn rolling history and replies with
// the fixed persona prompt (spec.md §4.5 "Else (general)").
func (w *Worker) handleGeneral(ctx context.Context, item Item) (string, error) {
	w.sessions.AppendGeneralTurn(item.Sender, session.RoleCitizen, item.Text)
	history := w.sessions.GeneralHistory(item.Sender)

	messages := buildGeneralPrompt(history)

	reqCtx, cancel := context.WithTimeout(ctx, w.requestTimeout)
	defer cancel()

	text, err := w.llmClient.Complete(reqCtx, messages, w.model, w.maxTokens)
	if err != nil {
		return "", fmt.Errorf("llm complete: %w", err)
	}
	if text == "" {
		text = emptyOutputFallback
	}

	w.sessions.AppendGeneralTurn(item.Sender, session.RoleOperator, text)

	w.logAudit(audit.TypeGeneralExchange, map[string]any{"sender": string(item.Sender)})
	w.bus.Publish(events.Event{Source: events.SourceWorker, Kind: events.KindGeneralExchange, Data: map[string]any{"sender": string(item.Sender)}})

	return text, nil
}

func (w *Worker) logAudit(eventType string, fields map[string]any) {
	if w.audit == nil {
		return
	}
	if err := w.audit.Log(eventType, fields); err != nil {
		w.logger.Warn("worker: audit write failed", "type", eventType, "error", err)
	}
}

// buildTriagePrompt renders the deterministic triage template from
// spec.md §4.3: trigger, start time, sender identity, GPS,
// dispatched-to, formatted transcript, then fixed rules, with the
// newest citizen message as the final user turn.
func buildTriagePrompt(t session.Triage) []llm.Message {
	dispatchedTo := string(t.DispatchedTo)
	if t.Broadcast {
		dispatchedTo = "ALL"
	}
	gps := "UNKNOWN"
	if t.GPS.Valid {
		gps = fmt.Sprintf("%.5f,%.5f", t.GPS.Latitude, t.GPS.Longitude)
	}

	system := fmt.Sprintf(
		"Incident: %s\nSender: %s (%s)\nStart: %s\nGPS: %s\nDispatched to: %s\n\n%s",
		t.Trigger, t.DisplayName, t.Sender, t.Start.Format(time.RFC3339), gps, dispatchedTo, triageRules,
	)

	messages := []llm.Message{{Role: llm.RoleSystem, Content: system}}
	for _, turn := range t.Transcript[:max(0, len(t.Transcript)-1)] {
		messages = append(messages, toMessage(turn))
	}
	if len(t.Transcript) > 0 {
		messages = append(messages, toMessage(t.Transcript[len(t.Transcript)-1]))
	}
	return messages
}

// buildGeneralPrompt renders the fixed persona system line plus the
// rolling history (spec.md §4.5).
func buildGeneralPrompt(history []session.Turn) []llm.Message {
	messages := []llm.Message{{Role: llm.RoleSystem, Content: generalPersona}}
	for _, turn := range history {
		messages = append(messages, toMessage(turn))
	}
	return messages
}

func toMessage(t session.Turn) llm.Message {
	role := llm.RoleUser
	if t.Role == session.RoleOperator {
		role = llm.RoleAssistant
	}
	return llm.Message{Role: role, Content: t.Message}
}
