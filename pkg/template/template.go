package template

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// Profile selects how much of the configuration a template fills in.
type Profile string

const (
	ProfileMinimal  Profile = "minimal"
	ProfileBasic    Profile = "basic"
	ProfileStandard Profile = "standard"
	ProfileFull     Profile = "full"
)

// ConfigTemplate mirrors the fleetwatch.toml layout.
type ConfigTemplate struct {
	Server  ServerTemplate            `toml:"server"`
	Monitor MonitorTemplate           `toml:"monitor"`
	Log     LogTemplate               `toml:"log"`
	Metrics *MetricsTemplate          `toml:"metrics,omitempty"`
	History *HistoryTemplate          `toml:"history,omitempty"`
	Actions *ActionsTemplate          `toml:"actions,omitempty"`
	Sources map[string]SourceTemplate `toml:"sources"`
}

type ServerTemplate struct {
	Listen   string        `toml:"listen"`
	BasePath string        `toml:"base_path"`
	Auth     *AuthTemplate `toml:"auth,omitempty"`
}

type AuthTemplate struct {
	Enabled   bool   `toml:"enabled"`
	JWTSecret string `toml:"jwt_secret"`
}

type MonitorTemplate struct {
	IntervalSeconds float64 `toml:"interval_seconds"`
	Workers         int     `toml:"workers"`
}

type LogTemplate struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type MetricsTemplate struct {
	Enabled bool `toml:"enabled"`
}

type HistoryTemplate struct {
	Enabled bool     `toml:"enabled"`
	DSN     []string `toml:"dsn"`
}

type ActionsTemplate struct {
	Kind  string `toml:"kind"`
	URL   string `toml:"url"`
	Token string `toml:"token,omitempty"`
}

type SourceTemplate struct {
	Kind            string  `toml:"kind"`
	URL             string  `toml:"url,omitempty"`
	Token           string  `toml:"token,omitempty"`
	CacheTTLSeconds float64 `toml:"cache_ttl_seconds,omitempty"`
}

// Generator provides template generation functionality
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a configuration template for profile. agentURL is the
// base URL of the host agent serving the http sources.
func (g *Generator) Generate(profile Profile, agentURL string) (*ConfigTemplate, error) {
	if agentURL == "" {
		agentURL = "http://127.0.0.1:9100"
	}
	switch profile {
	case ProfileMinimal, ProfileBasic:
		return g.minimal(agentURL), nil
	case ProfileStandard:
		return g.standard(agentURL), nil
	case ProfileFull:
		return g.full(agentURL), nil
	default:
		return nil, fmt.Errorf("unknown template profile: %s (supported: minimal, standard, full)", profile)
	}
}

// GenerateTOML creates the TOML representation of the template
func (g *Generator) GenerateTOML(profile Profile, agentURL string) ([]byte, error) {
	tpl, err := g.Generate(profile, agentURL)
	if err != nil {
		return nil, err
	}
	b, err := toml.Marshal(tpl)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return b, nil
}

// GetSupportedProfiles returns a list of all supported template profiles
func (g *Generator) GetSupportedProfiles() []string {
	return []string{
		string(ProfileMinimal),
		string(ProfileStandard),
		string(ProfileFull),
	}
}

func (g *Generator) minimal(agentURL string) *ConfigTemplate {
	return &ConfigTemplate{
		Server:  ServerTemplate{Listen: ":8080", BasePath: "/api"},
		Monitor: MonitorTemplate{IntervalSeconds: 10, Workers: 4},
		Log:     LogTemplate{Level: "info", Format: "text"},
		Sources: map[string]SourceTemplate{
			"sites": {Kind: "http", URL: agentURL + "/sites", CacheTTLSeconds: 20},
		},
	}
}

func (g *Generator) standard(agentURL string) *ConfigTemplate {
	t := g.minimal(agentURL)
	t.Metrics = &MetricsTemplate{Enabled: true}
	t.Sources["tunnel"] = SourceTemplate{Kind: "http", URL: agentURL + "/tunnel", CacheTTLSeconds: 30}
	t.Sources["metrics"] = SourceTemplate{Kind: "local", CacheTTLSeconds: 10}
	return t
}

func (g *Generator) full(agentURL string) *ConfigTemplate {
	t := g.standard(agentURL)
	t.Log.Format = "json"
	t.Server.Auth = &AuthTemplate{Enabled: true, JWTSecret: "change-me"}
	t.History = &HistoryTemplate{Enabled: true, DSN: []string{"sqlite:///var/lib/fleetwatch/history.db"}}
	t.Actions = &ActionsTemplate{Kind: "http", URL: agentURL + "/actions"}
	t.Sources["backups"] = SourceTemplate{Kind: "http", URL: agentURL + "/backups", CacheTTLSeconds: 300}
	return t
}
