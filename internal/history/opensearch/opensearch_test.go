package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/fleetwatch/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		receivedBody = body

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"fleetwatch-2024.03.01","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "fleetwatch")

	event := history.Event{
		Type:       history.EventBreaker,
		OccurredAt: time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC),
		Subject:    "backups",
		From:       "closed",
		To:         "open",
		Error:      "smb: connection reset",
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPut {
		t.Errorf("Expected PUT method, got: %s", receivedMethod)
	}
	if !strings.HasPrefix(receivedURL, "/fleetwatch-2024.03.01/_doc/") {
		t.Errorf("Expected daily index path, got: %s", receivedURL)
	}
	if id := strings.TrimPrefix(receivedURL, "/fleetwatch-2024.03.01/_doc/"); len(id) != 36 {
		t.Errorf("Expected a uuid document id, got: %q", id)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(receivedBody, &doc); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if doc["kind"] != string(history.EventBreaker) {
		t.Errorf("Expected kind %s, got: %v", history.EventBreaker, doc["kind"])
	}
	if doc["source"] != "backups" {
		t.Errorf("Expected source backups, got: %v", doc["source"])
	}
	if doc["transition"] != "closed->open" {
		t.Errorf("Expected transition closed->open, got: %v", doc["transition"])
	}
	if doc["@timestamp"] != "2024-03-01T23:59:00Z" {
		t.Errorf("Expected @timestamp, got: %v", doc["@timestamp"])
	}
	for _, k := range []string{"container", "detail", "duration_ms"} {
		if _, ok := doc[k]; ok {
			t.Errorf("%s should be omitted for a breaker event: %v", k, doc)
		}
	}
}

func TestOpenSearchSink_ActionDocument(t *testing.T) {
	var doc map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&doc)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sink := New(server.URL, "fleetwatch")
	err := sink.Send(context.Background(), history.Event{
		Type:       history.EventAction,
		OccurredAt: time.Now().UTC(),
		Subject:    "blog-web",
		Detail:     "restart",
		DurationMS: 0,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if doc["container"] != "blog-web" {
		t.Errorf("Expected container blog-web, got: %v", doc["container"])
	}
	if _, ok := doc["source"]; ok {
		t.Errorf("source should be omitted for an action: %v", doc)
	}
	if v, ok := doc["duration_ms"]; !ok || v != float64(0) {
		t.Errorf("Expected duration_ms 0 to be kept for actions, got: %v", doc)
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "fleetwatch")
	err := sink.Send(context.Background(), history.Event{Type: history.EventStale, OccurredAt: time.Now().UTC(), Subject: "sites"})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}

func TestOpenSearchSink_IndexFor(t *testing.T) {
	sink := New("http://localhost:9200/", "events")
	loc := time.FixedZone("UTC+9", 9*3600)
	// 2024-03-02 01:00 at UTC+9 is still March 1st in UTC
	got := sink.IndexFor(time.Date(2024, 3, 2, 1, 0, 0, 0, loc))
	if got != "events-2024.03.01" {
		t.Errorf("Expected events-2024.03.01, got: %s", got)
	}
	if sink.baseURL != "http://localhost:9200" {
		t.Errorf("Expected trailing slash trimmed, got: %s", sink.baseURL)
	}
}
