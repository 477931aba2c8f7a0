package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetwatch/internal/auth"
	"github.com/loykin/fleetwatch/internal/config"
)

func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /api/monitor", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"running":true,"stale":false,"subscribers":1,"interval_seconds":10,
			"breakers":[{"name":"sites","state":"closed","failure_count":0,"threshold":5,"recovery_timeout":60}],
			"last_tick":{"outcome":"broadcast","at":"2024-03-01T09:00:00Z","duration_ms":12.5,"broadcast":["sites","graph"],"degraded":["tunnel"]}}`))
	})
	mux.HandleFunc("GET /api/breakers", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"tunnel","state":"open","failure_count":5,"threshold":5,"recovery_timeout":60,"last_error":"connection refused"}]`))
	})
	mux.HandleFunc("GET /api/sites", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"sites":[{"name":"blog"}]}`))
	})
	mux.HandleFunc("POST /api/sources/{name}/invalidate", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "sites" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"unknown source"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /api/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = c.CloseNow() }()
		ctx := r.Context()
		if err := wsjson.Write(ctx, c, map[string]any{"type": "sites.update", "data": map[string]any{"sites": []any{}}}); err != nil {
			return
		}
		for {
			var in map[string]string
			if err := wsjson.Read(ctx, c, &in); err != nil {
				return
			}
			var frames []map[string]any
			switch {
			case in["type"] == "subscribe":
				frames = append(frames, map[string]any{"type": "subscribed", "data": map[string]string{"topic": in["topic"]}})
			case in["container"] == "ghost":
				frames = append(frames, map[string]any{"type": "error", "data": map[string]string{"message": "Invalid container name: ghost"}})
			default:
				frames = append(frames,
					map[string]any{"type": "action.output", "data": map[string]string{"container": in["container"], "action": in["action"], "status": "started"}},
					map[string]any{"type": "action.output", "data": map[string]any{"container": in["container"], "action": in["action"], "status": "completed", "output": "ok\n", "duration_ms": 3.2}},
				)
			}
			for _, f := range frames {
				if err := wsjson.Write(ctx, c, f); err != nil {
					return
				}
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetArgs(args)
	root.SetErr(&out)
	err := root.Execute()
	return out.String(), err
}

func TestRootHelp(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "fleetwatch")
	for _, sub := range []string{"serve", "status", "watch", "action", "token", "init"} {
		assert.Contains(t, out, sub)
	}
}

func TestStatusCommand(t *testing.T) {
	srv := newAPIServer(t)
	out, err := run(t, "status", "--api-url", srv.URL+"/api")
	require.NoError(t, err)
	assert.Contains(t, out, "running: true")
	assert.Contains(t, out, "broadcast=sites,graph")
	assert.Contains(t, out, "degraded=tunnel")
	assert.Contains(t, out, "SOURCE")
	assert.Contains(t, out, "0/5")

	out, err = run(t, "status", "--json", "--api-url", srv.URL+"/api")
	require.NoError(t, err)
	assert.Contains(t, out, `"interval_seconds": 10`)
}

func TestBreakersCommand(t *testing.T) {
	srv := newAPIServer(t)
	out, err := run(t, "breakers", "--api-url", srv.URL+"/api")
	require.NoError(t, err)
	assert.Contains(t, out, "tunnel")
	assert.Contains(t, out, "open")
	assert.Contains(t, out, "connection refused")
}

func TestSitesCommand(t *testing.T) {
	srv := newAPIServer(t)
	out, err := run(t, "sites", "--refresh", "--api-url", srv.URL+"/api")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "blog"`)
}

func TestInvalidateCommand(t *testing.T) {
	srv := newAPIServer(t)
	out, err := run(t, "invalidate", "sites", "--api-url", srv.URL+"/api")
	require.NoError(t, err)
	assert.Contains(t, out, "cache of sites invalidated")

	_, err = run(t, "invalidate", "--source", "nope", "--api-url", srv.URL+"/api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")

	_, err = run(t, "invalidate", "--api-url", srv.URL+"/api")
	require.EqualError(t, err, "source name is required")
}

func TestCommandsRequireReachableServer(t *testing.T) {
	_, err := run(t, "status", "--api-url", "http://127.0.0.1:1/api", "--api-timeout", "200ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestActionCommand(t *testing.T) {
	srv := newAPIServer(t)
	out, err := run(t, "action", "restart", "blog-web", "--api-url", srv.URL+"/api", "--timeout", "5s")
	require.NoError(t, err)
	assert.Contains(t, out, "restart blog-web: started")
	assert.Contains(t, out, "ok\nrestart blog-web: completed")

	_, err = run(t, "action", "restart", "ghost", "--api-url", srv.URL+"/api", "--timeout", "5s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid container name: ghost")
}

func TestWatchCommand(t *testing.T) {
	srv := newAPIServer(t)
	out, err := run(t, "watch", "--topic", "action.output", "--count", "2", "--api-url", srv.URL+"/api")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"type":"sites.update"`)
	assert.Contains(t, lines[1], `"type":"subscribed"`)
	assert.Contains(t, lines[1], `"topic":"action.output"`)
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "fleetwatch.toml")
	out, err := run(t, "init", "--profile", "full", "--agent-url", "http://10.0.0.5:9100", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Config (full) created")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:9100/sites", cfg.Sources["sites"].URL)

	_, err = run(t, "init", "-o", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = run(t, "init", "--force", "--profile", "minimal", "-o", path)
	require.NoError(t, err)

	_, err = run(t, "init", "--force", "--profile", "bogus", "-o", path)
	require.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetwatch.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
listen = "127.0.0.1:0"

[server.auth]
enabled = true
jwt_secret = "s3cret"

[sources.sites]
kind = "http"
url = "http://127.0.0.1:9100/sites"
`), 0o644))

	out, err := run(t, "token", "--config", path, "--subject", "ops", "--role", "operator")
	require.NoError(t, err)

	svc, err := auth.NewService(auth.Config{JWTSecret: "s3cret"})
	require.NoError(t, err)
	res, err := svc.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", res.Subject)
	assert.Equal(t, []string{"operator"}, res.Roles)

	_, err = run(t, "token")
	require.Error(t, err)
}

func TestServeRequiresConfig(t *testing.T) {
	_, err := run(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file required")
}
