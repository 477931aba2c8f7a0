package action

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetwatch/internal/history"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		container, action string
		msg               string
	}{
		{"blog-web", Start, ""},
		{"blog_web.1", Logs, ""},
		{"web", "delete", "Invalid action: delete"},
		{"-web", Stop, "Invalid container name: -web"},
		{"web; rm -rf /", Restart, "Invalid container name: web; rm -rf /"},
		{"", Start, "Invalid container name: "},
		{strings.Repeat("a", 129), Start, "Invalid container name: " + strings.Repeat("a", 129)},
	}
	for _, tc := range cases {
		err := Validate(tc.container, tc.action)
		if tc.msg == "" {
			assert.NoError(t, err, tc.container)
			continue
		}
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidAction)
		assert.Equal(t, tc.msg, err.Error())
	}
	assert.NoError(t, Validate(strings.Repeat("a", 128), Start))
}

func TestMutates(t *testing.T) {
	assert.True(t, Mutates(Restart))
	assert.False(t, Mutates(Logs))
}

func TestHTTPExecutor(t *testing.T) {
	var got runRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer agent-token", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		switch got.Action {
		case Restart:
			_ = json.NewEncoder(w).Encode(runResponse{Output: "blog-web\n"})
		case Stop:
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(runResponse{Error: "no such container"})
		default:
			_, _ = w.Write([]byte("plain output"))
		}
	}))
	defer srv.Close()

	e := NewHTTPExecutor(HTTPConfig{URL: srv.URL + "/", Token: "agent-token"})
	out, err := e.Run(context.Background(), "blog-web", Restart)
	require.NoError(t, err)
	assert.Equal(t, "blog-web\n", out)
	assert.Equal(t, runRequest{Container: "blog-web", Action: Restart}, got)

	_, err = e.Run(context.Background(), "ghost", Stop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "no such container")

	out, err = e.Run(context.Background(), "blog-web", Logs)
	require.NoError(t, err)
	assert.Equal(t, "plain output", out)
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func TestAuditedRecordsOutcome(t *testing.T) {
	sink := &memSink{}
	calls := 0
	exec := ExecutorFunc(func(_ context.Context, container, action string) (string, error) {
		calls++
		if action == Stop {
			return "", errors.New("permission denied")
		}
		return "ok", nil
	})
	a := NewAudited(exec, sink, nil)

	out, err := a.Run(context.Background(), "blog-web", Start)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	_, err = a.Run(context.Background(), "blog-web", Stop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop blog-web")

	require.Len(t, sink.events, 2)
	assert.Equal(t, history.EventAction, sink.events[0].Type)
	assert.Equal(t, "blog-web", sink.events[0].Subject)
	assert.Equal(t, Start, sink.events[0].Detail)
	assert.Equal(t, "completed", sink.events[0].To)
	assert.Equal(t, "failed", sink.events[1].To)
	assert.Equal(t, "permission denied", sink.events[1].Error)
	assert.Equal(t, 2, calls)
}
