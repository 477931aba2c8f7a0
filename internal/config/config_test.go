package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/fleetwatch/internal/view"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fleetwatch.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestLoad_Minimal(t *testing.T) {
	p := writeTOML(t, `
[sources.sites]
url = "http://agent:9000/api/sites"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Monitor.Interval() != 10*time.Second || cfg.Monitor.Workers != 4 {
		t.Fatalf("unexpected monitor defaults: %+v", cfg.Monitor)
	}
	if cfg.Server.Listen != ":8080" || cfg.Server.BasePath != "/api" {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	sites := cfg.Sources[view.SourceSites]
	if sites.Kind != KindHTTP || sites.URL == "" || sites.CacheTTL() != 20*time.Second {
		t.Fatalf("unexpected sites source: %+v", sites)
	}
	b := sites.BreakerOptions()
	if b.FailureThreshold != 5 || b.RecoveryTimeout != 60*time.Second || b.HalfOpenMaxCalls != 1 {
		t.Fatalf("unexpected critical breaker defaults: %+v", b)
	}
	m := cfg.Sources[view.SourceMetrics]
	if m.Kind != KindLocal || m.CacheTTL() != 10*time.Second || m.BreakerOptions().FailureThreshold != 3 {
		t.Fatalf("unexpected metrics source: %+v", m)
	}
	if got := cfg.OptionalSources(); len(got) != 1 || got[0] != view.SourceMetrics {
		t.Fatalf("optional sources = %v", got)
	}
}

func TestLoad_Full(t *testing.T) {
	p := writeTOML(t, `
[server]
listen = "127.0.0.1:9999"
base_path = "/v1"
  [server.auth]
  enabled = true
  jwt_secret = "s3cret"
  token_ttl_seconds = 60

[monitor]
interval_seconds = 2.5
workers = 2
send_timeout_seconds = 1
max_concurrent_sends = 16

[log]
level = "debug"
format = "json"

[metrics]
enabled = true
listen = ":9100"

[history]
enabled = true
dsn = ["sqlite:///tmp/fw.db", "clickhouse://localhost:9000/monitor_history"]

[actions]
kind = "http"
url = "http://agent:9000/api/actions"

[sources.sites]
url = "http://agent:9000/api/sites"
token = "t0"
failure_threshold = 2
recovery_timeout_seconds = 5

[sources.tunnel]
kind = "http"
url = "http://agent:9000/api/tunnel"

[sources.backups]
kind = "http"
url = "http://nas:9000/api/backups"
cache_ttl_seconds = 600
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Monitor.Interval() != 2500*time.Millisecond || cfg.Monitor.SendTimeout() != time.Second || cfg.Monitor.MaxConcurrentSends != 16 {
		t.Fatalf("unexpected monitor: %+v", cfg.Monitor)
	}
	if !cfg.Server.Auth.Enabled || cfg.Server.Auth.TokenTTL() != time.Minute {
		t.Fatalf("unexpected auth: %+v", cfg.Server.Auth)
	}
	if len(cfg.History.DSNs) != 2 {
		t.Fatalf("unexpected history: %+v", cfg.History)
	}
	if got := cfg.OptionalSources(); strings.Join(got, ",") != "tunnel,metrics,backups" {
		t.Fatalf("optional sources = %v", got)
	}
	if cfg.Sources[view.SourceBackups].CacheTTL() != 10*time.Minute {
		t.Fatalf("backups ttl override lost: %+v", cfg.Sources[view.SourceBackups])
	}

	mc := cfg.MonitorSettings()
	if mc.Interval != 2500*time.Millisecond || mc.Workers != 2 {
		t.Fatalf("unexpected monitor settings: %+v", mc)
	}
	sc := mc.Sources[view.SourceSites]
	if sc.Timeout != 30*time.Second || sc.Breaker.FailureThreshold != 2 || sc.Breaker.RecoveryTimeout != 5*time.Second {
		t.Fatalf("unexpected sites settings: %+v", sc)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FLEETWATCH_SOURCES_SITES_TOKEN", "from-env")
	t.Setenv("FLEETWATCH_MONITOR_WORKERS", "7")
	p := writeTOML(t, `
[sources.sites]
url = "http://agent/api/sites"
token = "from-file"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sources[view.SourceSites].Token != "from-env" {
		t.Fatalf("env override not applied: %+v", cfg.Sources[view.SourceSites])
	}
	if cfg.Monitor.Workers != 7 {
		t.Fatalf("workers = %d, want 7", cfg.Monitor.Workers)
	}
}

func TestLoad_NoFileUsesEnv(t *testing.T) {
	t.Setenv("FLEETWATCH_SOURCES_SITES_URL", "http://agent/api/sites")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sources[view.SourceSites].URL != "http://agent/api/sites" {
		t.Fatalf("url not taken from env: %+v", cfg.Sources[view.SourceSites])
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		toml string
		want string
	}{
		{"critical without url", ``, "sources.sites.url is required"},
		{"critical disabled", "[sources.sites]\nkind = \"disabled\"\n", "cannot be disabled"},
		{"unknown kind", "[sources.sites]\nurl = \"http://x\"\n[sources.tunnel]\nkind = \"ftp\"\n", "not one of http, local, disabled"},
		{"local only for metrics", "[sources.sites]\nkind = \"local\"\n", "only available for metrics"},
		{"unknown source", "[sources.sites]\nurl = \"http://x\"\n[sources.weather]\nkind = \"http\"\nurl = \"http://w\"\n", "unknown source \"weather\""},
		{"zero interval", "[monitor]\ninterval_seconds = 0\n[sources.sites]\nurl = \"http://x\"\n", "interval_seconds must be positive"},
		{"auth without secret", "[server.auth]\nenabled = true\n[sources.sites]\nurl = \"http://x\"\n", "jwt_secret is required"},
		{"history without dsn", "[history]\nenabled = true\n[sources.sites]\nurl = \"http://x\"\n", "history.dsn"},
		{"bad log level", "[log]\nlevel = \"loud\"\n[sources.sites]\nurl = \"http://x\"\n", "log.level"},
		{"actions without url", "[actions]\nkind = \"http\"\n[sources.sites]\nurl = \"http://x\"\n", "actions.url is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTOML(t, tc.toml))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("error does not wrap ErrInvalid: %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
