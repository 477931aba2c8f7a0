package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/fleetwatch/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	opened := history.Event{
		Type:       history.EventBreaker,
		OccurredAt: time.Now().UTC(),
		Subject:    "sites",
		From:       "closed",
		To:         "open",
		Error:      "agent unreachable",
	}
	if err := sink.Send(ctx, opened); err != nil {
		t.Fatalf("Failed to send breaker event: %v", err)
	}

	stale := history.Event{Type: history.EventStale, OccurredAt: time.Now().UTC(), Subject: "sites"}
	if err := sink.Send(ctx, stale); err != nil {
		t.Fatalf("Failed to send stale event: %v", err)
	}

	var count int
	err = sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM monitor_history WHERE subject = $1", "sites").Scan(&count)
	if err != nil {
		t.Fatalf("Failed to query monitor_history: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events in history, got %d", count)
	}
}
