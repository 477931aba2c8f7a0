package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func TestFanoutDeliversToAllSinks(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	broken := &memSink{err: errors.New("down")}
	f := NewFanout(nil, a, broken, b)
	if f.Len() != 3 {
		t.Fatalf("expected 3 sinks, got %d", f.Len())
	}

	if err := f.Send(context.Background(), Event{Type: EventBreaker, Subject: "sites", From: "closed", To: "open"}); err != nil {
		t.Fatalf("fanout send: %v", err)
	}
	for i, s := range []*memSink{a, b} {
		if len(s.events) != 1 {
			t.Fatalf("sink %d: expected 1 event, got %d", i, len(s.events))
		}
		if s.events[0].OccurredAt.IsZero() {
			t.Fatalf("sink %d: OccurredAt not stamped", i)
		}
	}
}

func TestFanoutKeepsTimestamp(t *testing.T) {
	a := &memSink{}
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_ = NewFanout(nil, a).Send(context.Background(), Event{Type: EventStale, OccurredAt: ts})
	if !a.events[0].OccurredAt.Equal(ts) {
		t.Fatalf("timestamp overwritten: %v", a.events[0].OccurredAt)
	}
}

func TestEventTypes(t *testing.T) {
	testCases := []struct {
		name      string
		eventType EventType
		want      string
	}{
		{"breaker", EventBreaker, "breaker_transition"},
		{"stale", EventStale, "stale"},
		{"fresh", EventFresh, "fresh"},
		{"action", EventAction, "action"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if string(tc.eventType) != tc.want {
				t.Errorf("Expected event type %s, got %s", tc.want, tc.eventType)
			}
		})
	}
}
