// Package events provides a publish/subscribe event bus for
// operational observability. Events flow from the core components
// (router, dispatch engine, session manager, watchdog, worker) to
// subscribers (the web dashboard's WebSocket stream). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components
// do not need guard checks when the dashboard is disabled.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceRouter   = "router"
	SourceDispatch = "dispatch"
	SourceSession  = "session"
	SourceWatchdog = "watchdog"
	SourceWorker   = "worker"
)

// Kind constants describe the type of event within a source.
const (
	// KindRx signals an inbound packet accepted past the router's
	// filter and stale-packet guard. Data: sender, channel.
	KindRx = "rx"
	// KindDrop signals an inbound packet rejected by the router.
	// Data: sender, reason.
	KindDrop = "drop"
	// KindCommand signals a recognized command token was handled.
	// Data: sender, command.
	KindCommand = "command"

	// KindSOSDispatch signals a completed dispatch sequence.
	// Data: sender, trigger, incident, responder.
	KindSOSDispatch = "sos_dispatch"
	// KindSOSClosed signals a triage session was closed.
	// Data: sender, reason. No session duration is included.
	KindSOSClosed = "sos_closed"
	// Kind911NoResponse signals a 911 menu aged out unanswered.
	// Data: sender.
	Kind911NoResponse = "sos_911_no_response"

	// KindRestricted signals a sender was placed on the restricted
	// list. Data: sender, responder, until.
	KindRestricted = "restricted"
	// KindRestrictionLifted signals a responder cancelled a
	// restriction early. Data: sender, responder.
	KindRestrictionLifted = "restriction_lifted"
	// KindRestrictionExpired signals a restriction's lockout elapsed.
	// Data: sender.
	KindRestrictionExpired = "restriction_expired"

	// KindTriageExchange signals one worker round-trip on an open
	// triage session. Data: sender, incident.
	KindTriageExchange = "triage_exchange"
	// KindGeneralExchange signals one worker round-trip on ordinary
	// chat. Data: sender.
	KindGeneralExchange = "general_exchange"
	// KindWorkerError signals an LLM or radio error the worker
	// recovered from. Data: sender, error.
	KindWorkerError = "ai_worker_error"

	// KindWatchdogSweep signals one completed watchdog tick.
	// Data: timeouts, no_responses, expirations.
	KindWatchdogSweep = "watchdog_sweep"
)

// Event represents a single operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive
// events on buffered channels; slow subscribers miss events rather
// than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept <-chan Event without an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers. Safe to
// call on a nil receiver (returns 0).
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
