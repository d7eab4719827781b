package radio

import "sync"

// SentMessage records one call to Fake.SendText, for test assertions.
type SentMessage struct {
	Text        string
	Destination NodeID
	Channel     int
	WantAck     bool
}

// Fake is an in-memory Adapter used by the test suite in place of a
// real Meshtastic driver.
type Fake struct {
	mu      sync.Mutex
	local   NodeID
	nodes   map[NodeID]NodeInfo
	sent    []SentMessage
	inbound chan InboundPacket

	// FailSend, if set, makes every SendText call return this error
	// instead of recording the message — used to exercise the
	// "radio send failure: log, continue" error path.
	FailSend error
}

// NewFake creates a fake radio adapter identifying itself as local.
func NewFake(local NodeID) *Fake {
	return &Fake{
		local:   local,
		nodes:   make(map[NodeID]NodeInfo),
		inbound: make(chan InboundPacket, 64),
	}
}

// SetNode registers or updates directory info for id.
func (f *Fake) SetNode(id NodeID, info NodeInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[id] = info
}

func (f *Fake) LocalID() NodeID {
	return f.local
}

func (f *Fake) Lookup(id NodeID) (NodeInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.nodes[id]
	return info, ok
}

func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nodes)
}

func (f *Fake) SendText(text string, destination NodeID, channel int, wantAck bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSend != nil {
		return f.FailSend
	}
	f.sent = append(f.sent, SentMessage{Text: text, Destination: destination, Channel: channel, WantAck: wantAck})
	return nil
}

// Sent returns a snapshot of every message transmitted so far, in order.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentTo returns, in order, the text of every message sent to dest.
func (f *Fake) SentTo(dest NodeID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.Destination == dest {
			out = append(out, m.Text)
		}
	}
	return out
}

// Deliver pushes an inbound packet onto the receive channel, the way a
// real driver's serial/TCP read loop would as packets arrive over the
// air. Used to bench-test the gateway end to end without a real radio.
func (f *Fake) Deliver(pkt InboundPacket) {
	f.inbound <- pkt
}

// Receive returns the channel Deliver feeds.
func (f *Fake) Receive() <-chan InboundPacket {
	return f.inbound
}

// CloseReceive closes the inbound channel, signalling end of traffic
// the way a real driver would on transport shutdown.
func (f *Fake) CloseReceive() {
	close(f.inbound)
}
