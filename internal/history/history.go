package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of monitor event.
type EventType string

const (
	// EventBreaker records a circuit breaker state change.
	EventBreaker EventType = "breaker_transition"
	// EventStale and EventFresh record the edges of the stale flag.
	EventStale EventType = "stale"
	EventFresh EventType = "fresh"
	// EventAction records the outcome of a container action.
	EventAction EventType = "action"
)

// Event is one monitor event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	// Subject is the source name for breaker events, the critical source for
	// stale edges and the container for actions.
	Subject    string  `json:"subject"`
	From       string  `json:"from,omitempty"`
	To         string  `json:"to,omitempty"`
	Error      string  `json:"error,omitempty"`
	Detail     string  `json:"detail,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout delivers every event to all sinks with a per-sink timeout. Sink
// errors are logged and otherwise ignored.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		sinks:   append([]Sink(nil), sinks...),
		timeout: 5 * time.Second,
		logger:  logger.With(slog.String("component", "history")),
	}
}

func (f *Fanout) Len() int { return len(f.sinks) }

// Send implements Sink.
func (f *Fanout) Send(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range f.sinks {
		sctx, cancel := context.WithTimeout(ctx, f.timeout)
		if err := s.Send(sctx, e); err != nil {
			f.logger.Warn("history sink failed", "type", e.Type, "subject", e.Subject, "error", err)
		}
		cancel()
	}
	return nil
}
