// Package sendhelper chunks outbound text for a slow, low-bandwidth
// packet radio link: word-safe wrapping, a paginated header when a
// message needs more than one chunk, and mandatory spacing between
// chunks so the radio's duty cycle isn't violated. Grounded on the
// word-wrap-then-page shape of the Python prototype this gateway
// replaces (textwrap.wrap + "[i/n]" framing, one send per chunk with
// a fixed inter-chunk sleep).
package sendhelper

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kb9ops/dispatch-gateway/internal/radio"
)

// DefaultWidth is the word-safe wrap width used when callers don't
// override it (spec.md §6 "chunk width (default 180)").
const DefaultWidth = 180

// MaxWidth is the hard ceiling for the channel (spec.md §4.6).
const MaxWidth = 200

// DefaultInterChunkDelay is the mandatory pause between chunks of one
// multi-part message (spec.md §4.5).
const DefaultInterChunkDelay = 3 * time.Second

// Helper sends text over a radio.Adapter with word-safe chunking.
// Construct with sensible defaults via New; the zero value has no
// adapter and is not usable.
type Helper struct {
	adapter         radio.Adapter
	logger          *slog.Logger
	width           int
	interChunkDelay time.Duration
}

// New creates a Helper bound to adapter. A nil logger falls back to
// slog.Default().
func New(adapter radio.Adapter, logger *slog.Logger, width int, interChunkDelay time.Duration) *Helper {
	if logger == nil {
		logger = slog.Default()
	}
	if width <= 0 || width > MaxWidth {
		width = DefaultWidth
	}
	if interChunkDelay <= 0 {
		interChunkDelay = DefaultInterChunkDelay
	}
	return &Helper{adapter: adapter, logger: logger, width: width, interChunkDelay: interChunkDelay}
}

// Wrap word-wraps text at width characters without ever slicing a
// word, mirroring Python's textwrap.wrap. A single word longer than
// width is kept intact on its own line rather than being cut.
func Wrap(text string, width int) []string {
	if width <= 0 {
		width = DefaultWidth
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}

	var lines []string
	var cur strings.Builder
	for _, word := range fields {
		if cur.Len() == 0 {
			cur.WriteString(word)
			continue
		}
		if cur.Len()+1+len(word) > width {
			lines = append(lines, cur.String())
			cur.Reset()
			cur.WriteString(word)
			continue
		}
		cur.WriteByte(' ')
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

// SendDM transmits text to a single destination node, word-wrapping
// and paginating as needed. wantAck requests a link-layer ack where
// the transport supports it. Transport errors are logged and
// swallowed — never returned to the caller — per spec.md §4.6.
func (h *Helper) SendDM(ctx context.Context, text string, to radio.NodeID, channel int, wantAck bool) {
	h.chunkedSend(ctx, text, to, channel, wantAck)
}

// Broadcast transmits text to every listener on channel (destination
// radio.Broadcast).
func (h *Helper) Broadcast(ctx context.Context, text string, channel int) {
	h.chunkedSend(ctx, text, radio.Broadcast, channel, false)
}

// chunkedSend implements the shared wrap/paginate/space/send sequence
// for both SendDM and Broadcast.
func (h *Helper) chunkedSend(ctx context.Context, text string, to radio.NodeID, channel int, wantAck bool) {
	chunks := Wrap(text, h.width)
	if len(chunks) == 0 {
		return
	}
	total := len(chunks)

	for i, chunk := range chunks {
		out := chunk
		if total > 1 {
			out = pagePrefix(i+1, total) + chunk
		}

		if err := h.adapter.SendText(out, to, channel, wantAck); err != nil {
			h.logger.Warn("send failed", "to", to, "channel", channel, "error", err)
		}

		if i < total-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.interChunkDelay):
			}
		}
	}
}

func pagePrefix(i, n int) string {
	return "[" + strconv.Itoa(i) + "/" + strconv.Itoa(n) + "] "
}
