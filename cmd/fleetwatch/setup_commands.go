package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/fleetwatch/internal/auth"
	"github.com/loykin/fleetwatch/internal/config"
	"github.com/loykin/fleetwatch/pkg/template"
)

// Token signs a bearer token offline with the configured secret
func (c *command) Token(f TokenFlags) error {
	if c.global.ConfigPath == "" {
		return errors.New("config file required for token command. Use --config=fleetwatch.toml")
	}
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if cfg.Server.Auth.JWTSecret == "" {
		return errors.New("server.auth.jwt_secret is not set in the config")
	}
	svc, err := auth.NewService(auth.Config{JWTSecret: cfg.Server.Auth.JWTSecret, TokenTTL: cfg.Server.Auth.TokenTTL()})
	if err != nil {
		return err
	}
	tok, err := svc.Issue(f.Subject, f.Roles, f.TTL)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	_, _ = fmt.Fprintln(c.out, tok.Value)
	return nil
}

// Init writes a starter config file for a template profile
func (c *command) Init(f InitFlags) error {
	outputPath := f.Output
	if outputPath == "" {
		outputPath = "fleetwatch.toml"
	}
	if _, err := os.Stat(outputPath); err == nil && !f.Force {
		return fmt.Errorf("config file '%s' already exists (use --force to overwrite)", outputPath)
	}

	generator := template.NewGenerator()
	content, err := generator.GenerateTOML(template.Profile(f.Profile), f.AgentURL)
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}
	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(outputPath, content, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	_, _ = fmt.Fprintf(c.out, "Config (%s) created: %s\n", f.Profile, outputPath)
	_, _ = fmt.Fprintf(c.out, "Start the monitor with: fleetwatch serve --config %s\n", outputPath)
	return nil
}
