// Package radio defines the contract this gateway consumes from the
// packet radio transport. The transport itself (a Meshtastic serial or
// TCP driver) is out of scope for this repository; Adapter is the
// seam a real driver implements, and Fake (fake.go) lets the core be
// exercised without one.
package radio

import "time"

// NodeID is the opaque identifier a radio network assigns to a node.
// Identity is purely the radio's node ID — there is no cryptographic
// authentication of senders.
type NodeID string

// Broadcast is the sentinel responder target meaning "send to every
// configured responder, or to the channel itself if none are
// configured" — never a real NodeID returned by a directory lookup.
const Broadcast NodeID = ""

// InboundPacket is one decoded text packet delivered by the radio
// adapter's receive callback.
type InboundPacket struct {
	Text    string
	From    NodeID
	To      NodeID // optional; zero value means not directed
	Channel int
	RxTime  time.Time
}

// Position is a node's last known GPS fix.
type Position struct {
	Latitude  float64
	Longitude float64
	Valid     bool // false when the node directory has no fix on record
}

// NodeInfo is one entry in the radio's node directory.
type NodeInfo struct {
	LongName  string
	ShortName string
	Position  Position
}

// Directory resolves node metadata without blocking on a live GPS
// probe — positions are last-known, read from the radio's own cache.
type Directory interface {
	// Lookup returns the known info for id, or ok=false if the radio
	// has never heard from that node.
	Lookup(id NodeID) (NodeInfo, bool)
	// Count returns the number of known nodes, for status reporting.
	Count() int
}

// Adapter is the full consumed radio contract: outbound send plus
// local-identity resolution and node directory access. The router
// sends only through internal/sendhelper and reads Directory for
// display names, GPS, and the node count; dispatch reads Directory
// for GPS.
type Adapter interface {
	Directory

	// LocalID returns this gateway's own node ID, used for echo
	// suppression.
	LocalID() NodeID

	// SendText transmits text to destination (or broadcasts on
	// channel if destination is Broadcast). wantAck requests a
	// link-layer acknowledgment where the transport supports it.
	// SendText must not block longer than the transport's own
	// send timeout; callers never hold the session guard while
	// calling it.
	SendText(text string, destination NodeID, channel int, wantAck bool) error

	// Receive returns the channel the transport delivers decoded
	// inbound packets on. A real driver's serial/TCP read loop pushes
	// onto this channel as packets arrive; the gateway's entry point
	// drains it and calls Router.Handle for each one. The channel is
	// closed when the transport shuts down.
	Receive() <-chan InboundPacket
}
