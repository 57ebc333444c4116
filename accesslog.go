package shadowguard

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDecisionLogSize is the ring capacity for recent decisions.
const DefaultDecisionLogSize = 512

// DecisionEvent is one filtering decision record.
type DecisionEvent struct {
	// Timestamp when the decision was made.
	Timestamp time.Time `json:"timestamp"`

	// URL is the full URL when known, otherwise "https://host/".
	URL string `json:"url"`

	// Host is the target hostname.
	Host string `json:"host"`

	// Action is the decision outcome: "block", "allow", "redirect".
	Action string `json:"action"`

	// Rule is the matching rule text for blocks and redirects.
	Rule string `json:"rule,omitempty"`

	// Source names the layer that decided: "proxy" or "inspector".
	Source string `json:"source"`

	// ClientAddr is the client's remote address when known.
	ClientAddr string `json:"client,omitempty"`
}

// DecisionLog records filtering decisions to a structured logger and
// keeps a bounded in-memory ring the admin API exposes. Record writes
// the log entry synchronously on the caller's goroutine; there is no
// queue, so a slow log handler delays the caller. When the ring is
// full the oldest entry is overwritten.
type DecisionLog struct {
	logger *slog.Logger

	mu   sync.Mutex
	ring []DecisionEvent
	next int
	full bool
}

// NewDecisionLog creates a DecisionLog writing to logger. A size of
// zero selects DefaultDecisionLogSize.
func NewDecisionLog(logger *slog.Logger, size int) *DecisionLog {
	if size <= 0 {
		size = DefaultDecisionLogSize
	}
	return &DecisionLog{
		logger: logger,
		ring:   make([]DecisionEvent, size),
	}
}

// Record stores one decision. It uses slog.LogAttrs to keep the hot
// path allocation-light.
func (dl *DecisionLog) Record(e DecisionEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	attrs := make([]slog.Attr, 0, 7)
	attrs = append(attrs,
		slog.String("action", e.Action),
		slog.String("host", e.Host),
		slog.String("url", e.URL),
		slog.String("source", e.Source),
	)
	if e.Rule != "" {
		attrs = append(attrs, slog.String("rule", e.Rule))
	}
	if e.ClientAddr != "" {
		attrs = append(attrs, slog.String("client", e.ClientAddr))
	}
	dl.logger.LogAttrs(context.Background(), slog.LevelInfo, "decision", attrs...)

	dl.mu.Lock()
	dl.ring[dl.next] = e
	dl.next++
	if dl.next == len(dl.ring) {
		dl.next = 0
		dl.full = true
	}
	dl.mu.Unlock()
}

// Recent returns the stored decisions, newest first.
func (dl *DecisionLog) Recent() []DecisionEvent {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	n := dl.next
	if dl.full {
		n = len(dl.ring)
	}
	out := make([]DecisionEvent, 0, n)
	for i := 0; i < n; i++ {
		pos := dl.next - 1 - i
		if pos < 0 {
			pos += len(dl.ring)
		}
		out = append(out, dl.ring[pos])
	}
	return out
}
