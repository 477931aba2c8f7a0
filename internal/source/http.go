package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPConfig configures an agent endpoint that serves one snapshot as JSON.
type HTTPConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger
	Client  *http.Client
}

// HTTP fetches a JSON snapshot of type T from an agent. The request carries
// force, sites and containers as query parameters.
type HTTP[T any] struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

func NewHTTP[T any](cfg HTTPConfig) *HTTP[T] {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTP[T]{url: cfg.URL, token: cfg.Token, client: cfg.Client, logger: cfg.Logger}
}

func (h *HTTP[T]) Fetch(ctx context.Context, req Request) (T, error) {
	var zero T
	u, err := url.Parse(h.url)
	if err != nil {
		return zero, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	if req.Force {
		q.Set("force", "true")
	}
	if len(req.Sites) > 0 {
		q.Set("sites", strings.Join(req.Sites, ","))
	}
	if len(req.Containers) > 0 {
		q.Set("containers", strings.Join(req.Containers, ","))
	}
	u.RawQuery = q.Encode()

	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return zero, fmt.Errorf("create request: %w", err)
	}
	hr.Header.Set("Accept", "application/json")
	if h.token != "" {
		hr.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(hr)
	if err != nil {
		return zero, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		h.logger.Debug("agent returned error", "url", h.url, "status", resp.StatusCode)
		return zero, fmt.Errorf("%w: %d %s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return zero, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
