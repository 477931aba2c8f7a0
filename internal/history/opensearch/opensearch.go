// Package opensearch indexes monitor events into daily OpenSearch indices
// named <prefix>-YYYY.MM.DD.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/fleetwatch/internal/history"
)

// document is the indexed shape of a history.Event.
type document struct {
	Timestamp time.Time `json:"@timestamp"`
	Kind      string    `json:"kind"`
	Monitor   string    `json:"monitor,omitempty"`
	// Source is set for breaker and stale events, Container for actions.
	Source     string   `json:"source,omitempty"`
	Container  string   `json:"container,omitempty"`
	Transition string   `json:"transition,omitempty"`
	From       string   `json:"from,omitempty"`
	To         string   `json:"to,omitempty"`
	Error      string   `json:"error,omitempty"`
	Detail     string   `json:"detail,omitempty"`
	DurationMS *float64 `json:"duration_ms,omitempty"`
}

func newDocument(e history.Event, monitor string) document {
	d := document{
		Timestamp: e.OccurredAt.UTC(),
		Kind:      string(e.Type),
		Monitor:   monitor,
		From:      e.From,
		To:        e.To,
		Error:     e.Error,
		Detail:    e.Detail,
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	switch e.Type {
	case history.EventAction:
		d.Container = e.Subject
		ms := e.DurationMS
		d.DurationMS = &ms
	default:
		d.Source = e.Subject
	}
	if e.From != "" && e.To != "" {
		d.Transition = e.From + "->" + e.To
	}
	return d
}

// Sink writes each event as one document. Documents carry a client
// generated id so a retried request overwrites rather than duplicates.
type Sink struct {
	client  *http.Client
	baseURL string
	prefix  string
	monitor string
}

func New(baseURL, prefix string) *Sink {
	host, _ := os.Hostname()
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  prefix,
		monitor: host,
	}
}

// IndexFor returns the daily index an event at t is written to.
func (s *Sink) IndexFor(t time.Time) string {
	return s.prefix + "-" + t.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	doc := newDocument(e, s.monitor)
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.IndexFor(doc.Timestamp), uuid.NewString())
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
