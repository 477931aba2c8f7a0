package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/fleetwatch/internal/breaker"
	"github.com/loykin/fleetwatch/internal/env"
	"github.com/loykin/fleetwatch/internal/logger"
	"github.com/loykin/fleetwatch/internal/monitor"
	"github.com/loykin/fleetwatch/internal/view"
)

// EnvPrefix prefixes environment overrides, e.g. FLEETWATCH_SOURCES_SITES_TOKEN.
const EnvPrefix = "FLEETWATCH"

// Source kinds.
const (
	KindHTTP     = "http"
	KindLocal    = "local"
	KindDisabled = "disabled"
)

var ErrInvalid = errors.New("config: invalid")

// Config represents the top-level TOML structure.
type Config struct {
	EnvFiles []string                `mapstructure:"env_files"`
	Server   ServerConfig            `mapstructure:"server"`
	Monitor  MonitorConfig           `mapstructure:"monitor"`
	Log      logger.Config           `mapstructure:"log"`
	Metrics  MetricsConfig           `mapstructure:"metrics"`
	History  HistoryConfig           `mapstructure:"history"`
	Actions  ActionsConfig           `mapstructure:"actions"`
	Sources  map[string]SourceConfig `mapstructure:"sources"`
}

type ServerConfig struct {
	Listen              string     `mapstructure:"listen"`
	BasePath            string     `mapstructure:"base_path"`
	ReadTimeoutSeconds  float64    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds float64    `mapstructure:"write_timeout_seconds"`
	Auth                AuthConfig `mapstructure:"auth"`
	TLS                 *TLSConfig `mapstructure:"tls"`
}

// TLSConfig serves the API over HTTPS. Explicit cert/key files win over Dir;
// with AutoGenerate a self-signed pair is written to Dir when missing.
type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	MinVersion   string      `mapstructure:"min_version"`
	MaxVersion   string      `mapstructure:"max_version"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type AuthConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	JWTSecret       string  `mapstructure:"jwt_secret"`
	TokenTTLSeconds float64 `mapstructure:"token_ttl_seconds"`
}

type MonitorConfig struct {
	IntervalSeconds    float64 `mapstructure:"interval_seconds"`
	Workers            int     `mapstructure:"workers"`
	SendTimeoutSeconds float64 `mapstructure:"send_timeout_seconds"`
	MaxConcurrentSends int     `mapstructure:"max_concurrent_sends"`
	GatewayPath        string  `mapstructure:"gateway_path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsn"`
}

// ActionsConfig points action.start requests at an agent endpoint.
type ActionsConfig struct {
	Kind           string  `mapstructure:"kind"`
	URL            string  `mapstructure:"url"`
	Token          string  `mapstructure:"token"`
	TimeoutSeconds float64 `mapstructure:"timeout_seconds"`
}

type SourceConfig struct {
	Kind                   string  `mapstructure:"kind"`
	URL                    string  `mapstructure:"url"`
	Token                  string  `mapstructure:"token"`
	TimeoutSeconds         float64 `mapstructure:"timeout_seconds"`
	CacheTTLSeconds        float64 `mapstructure:"cache_ttl_seconds"`
	FailureThreshold       uint    `mapstructure:"failure_threshold"`
	RecoveryTimeoutSeconds float64 `mapstructure:"recovery_timeout_seconds"`
	HalfOpenMaxCalls       uint    `mapstructure:"half_open_max_calls"`
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

func (s SourceConfig) Timeout() time.Duration  { return seconds(s.TimeoutSeconds) }
func (s SourceConfig) CacheTTL() time.Duration { return seconds(s.CacheTTLSeconds) }

func (s SourceConfig) BreakerOptions() breaker.Options {
	return breaker.Options{
		FailureThreshold: s.FailureThreshold,
		RecoveryTimeout:  seconds(s.RecoveryTimeoutSeconds),
		HalfOpenMaxCalls: s.HalfOpenMaxCalls,
	}
}

func (m MonitorConfig) Interval() time.Duration    { return seconds(m.IntervalSeconds) }
func (m MonitorConfig) SendTimeout() time.Duration { return seconds(m.SendTimeoutSeconds) }
func (a AuthConfig) TokenTTL() time.Duration       { return seconds(a.TokenTTLSeconds) }
func (a ActionsConfig) Timeout() time.Duration     { return seconds(a.TimeoutSeconds) }
func (s ServerConfig) ReadTimeout() time.Duration  { return seconds(s.ReadTimeoutSeconds) }
func (s ServerConfig) WriteTimeout() time.Duration { return seconds(s.WriteTimeoutSeconds) }

// MonitorSettings converts the monitor and source tables for monitor.New.
func (c *Config) MonitorSettings() monitor.Config {
	mc := monitor.Config{
		Interval: c.Monitor.Interval(),
		Workers:  c.Monitor.Workers,
		Sources:  make(map[string]monitor.SourceConfig, len(c.Sources)),
	}
	for name, s := range c.Sources {
		mc.Sources[name] = monitor.SourceConfig{Timeout: s.Timeout(), Breaker: s.BreakerOptions()}
	}
	return mc
}

// OptionalSources returns the enabled optional source names in fetch order.
func (c *Config) OptionalSources() []string {
	var out []string
	for _, name := range []string{view.SourceTunnel, view.SourceMetrics, view.SourceBackups} {
		if s, ok := c.Sources[name]; ok && s.Kind != KindDisabled {
			out = append(out, name)
		}
	}
	return out
}

type sourceDefaults struct {
	kind      string
	ttl       float64
	threshold uint
	recovery  float64
}

var knownSources = map[string]sourceDefaults{
	view.SourceSites:   {KindHTTP, 20, 5, 60},
	view.SourceTunnel:  {KindDisabled, 30, 3, 30},
	view.SourceMetrics: {KindLocal, 10, 3, 30},
	view.SourceBackups: {KindDisabled, 300, 3, 30},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env_files", []string{})
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 15)
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.token_ttl_seconds", 3600)

	v.SetDefault("monitor.interval_seconds", monitor.DefaultInterval.Seconds())
	v.SetDefault("monitor.workers", monitor.DefaultWorkers)
	v.SetDefault("monitor.send_timeout_seconds", 5)
	v.SetDefault("monitor.max_concurrent_sends", 8)
	v.SetDefault("monitor.gateway_path", "/opt/gateway")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", []string{})

	v.SetDefault("actions.kind", KindDisabled)
	v.SetDefault("actions.url", "")
	v.SetDefault("actions.token", "")
	v.SetDefault("actions.timeout_seconds", 120)

	for name, d := range knownSources {
		p := "sources." + name + "."
		v.SetDefault(p+"kind", d.kind)
		v.SetDefault(p+"url", "")
		v.SetDefault(p+"token", "")
		v.SetDefault(p+"timeout_seconds", monitor.DefaultTimeout.Seconds())
		v.SetDefault(p+"cache_ttl_seconds", d.ttl)
		v.SetDefault(p+"failure_threshold", d.threshold)
		v.SetDefault(p+"recovery_timeout_seconds", d.recovery)
		v.SetDefault(p+"half_open_max_calls", 1)
	}
}

// Load reads a TOML file, applies env files and FLEETWATCH_ overrides, then
// validates the result. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		for _, p := range v.GetStringSlice("env_files") {
			if !filepath.IsAbs(p) {
				p = filepath.Join(filepath.Dir(path), p)
			}
			if err := applyEnvFile(p); err != nil {
				return nil, err
			}
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := load(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.ExpandPlaceholders(env.New()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Sources == nil {
		cfg.Sources = map[string]SourceConfig{}
	}
	return &cfg, nil
}

// ExpandPlaceholders resolves ${NAME} references in URLs, tokens, the JWT
// secret and history DSNs so secrets can live in env files.
func (c *Config) ExpandPlaceholders(e *env.Env) error {
	var errs []error
	expand := func(field string, p *string) {
		v, missing := e.Expand(*p)
		*p = v
		for _, name := range missing {
			errs = append(errs, fmt.Errorf("%w: %s references unset variable %q", ErrInvalid, field, name))
		}
	}
	expand("server.auth.jwt_secret", &c.Server.Auth.JWTSecret)
	expand("actions.url", &c.Actions.URL)
	expand("actions.token", &c.Actions.Token)
	for i := range c.History.DSNs {
		expand(fmt.Sprintf("history.dsn[%d]", i), &c.History.DSNs[i])
	}
	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := c.Sources[name]
		expand("sources."+name+".url", &s.URL)
		expand("sources."+name+".token", &s.Token)
		c.Sources[name] = s
	}
	return errors.Join(errs...)
}

// Validate checks the constraints the daemon relies on.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if c.Monitor.IntervalSeconds <= 0 {
		bad("monitor.interval_seconds must be positive")
	}
	if c.Monitor.Workers <= 0 {
		bad("monitor.workers must be positive")
	}
	if c.Server.Listen == "" {
		bad("server.listen is required")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.JWTSecret == "" {
		bad("server.auth.jwt_secret is required when auth is enabled")
	}
	if t := c.Server.TLS; t != nil && t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			bad("server.tls.cert_file and key_file must be set together")
		}
		if t.CertFile == "" && t.Dir == "" {
			bad("server.tls needs cert_file/key_file or dir")
		}
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		bad("history.dsn must list at least one sink when history is enabled")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}
	switch c.Actions.Kind {
	case KindDisabled, "":
	case KindHTTP:
		if c.Actions.URL == "" {
			bad("actions.url is required for kind http")
		}
	default:
		bad("actions.kind %q is not one of http, disabled", c.Actions.Kind)
	}

	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := c.Sources[name]
		if _, ok := knownSources[name]; !ok {
			bad("unknown source %q", name)
			continue
		}
		switch s.Kind {
		case KindHTTP:
			if s.URL == "" {
				bad("sources.%s.url is required for kind http", name)
			}
		case KindLocal:
			if name != view.SourceMetrics {
				bad("sources.%s: kind local is only available for %s", name, view.SourceMetrics)
			}
		case KindDisabled:
			if name == view.SourceSites {
				bad("sources.%s is the critical source and cannot be disabled", name)
			}
		default:
			bad("sources.%s.kind %q is not one of http, local, disabled", name, s.Kind)
		}
		if s.CacheTTLSeconds < 0 || s.TimeoutSeconds < 0 || s.RecoveryTimeoutSeconds < 0 {
			bad("sources.%s: durations must not be negative", name)
		}
	}
	return errors.Join(errs...)
}

// applyEnvFile exports KEY=VALUE pairs that are not already set, so the
// real environment always wins.
func applyEnvFile(path string) error {
	m, err := loadEnvFile(path)
	if err != nil {
		return fmt.Errorf("env file: %w", err)
	}
	for k, v := range m {
		if _, ok := os.LookupEnv(k); ok {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
