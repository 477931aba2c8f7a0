package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPExecutor posts actions to an agent endpoint:
//
//	POST {url}  {"container":"web","action":"restart"}
//
// The agent answers {"output":"..."} or {"error":"..."}.
type HTTPExecutor struct {
	url    string
	token  string
	client *http.Client
}

type HTTPConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	c := cfg.Client
	if c == nil {
		if cfg.Timeout <= 0 {
			cfg.Timeout = 2 * time.Minute
		}
		c = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPExecutor{url: strings.TrimRight(cfg.URL, "/"), token: cfg.Token, client: c}
}

type runRequest struct {
	Container string `json:"container"`
	Action    string `json:"action"`
}

type runResponse struct {
	Output string `json:"output"`
	Error  string `json:"error"`
}

func (e *HTTPExecutor) Run(ctx context.Context, container, action string) (string, error) {
	body, err := json.Marshal(runRequest{Container: container, Action: action})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}

	var rr runResponse
	if jerr := json.Unmarshal(raw, &rr); jerr != nil {
		// plain-text agents
		rr.Output = string(raw)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := rr.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", fmt.Errorf("agent returned %d: %s", resp.StatusCode, msg)
	}
	if rr.Error != "" {
		return rr.Output, fmt.Errorf("agent: %s", rr.Error)
	}
	return rr.Output, nil
}
