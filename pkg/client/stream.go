package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Stream is a subscriber connection to the server's websocket endpoint.
// Next must not be called concurrently; the write methods may be.
type Stream struct {
	conn *websocket.Conn
}

// Stream opens the subscriber websocket. The client's token, when set, is
// sent as a bearer header.
func (c *Client) Stream(ctx context.Context) (*Stream, error) {
	u, err := wsURL(c.baseURL)
	if err != nil {
		return nil, err
	}
	opts := &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: c.client.Transport},
	}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	c.logger.Debug("Subscriber stream opened", "url", u)
	return &Stream{conn: conn}, nil
}

func wsURL(base string) (string, error) {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws", nil
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws", nil
	default:
		return "", fmt.Errorf("unsupported base url scheme: %s", base)
	}
}

type outbound struct {
	Type      string `json:"type"`
	Topic     string `json:"topic,omitempty"`
	Container string `json:"container,omitempty"`
	Action    string `json:"action,omitempty"`
}

func (s *Stream) Ping(ctx context.Context) error {
	return wsjson.Write(ctx, s.conn, outbound{Type: "ping"})
}

func (s *Stream) Subscribe(ctx context.Context, topic string) error {
	return wsjson.Write(ctx, s.conn, outbound{Type: "subscribe", Topic: topic})
}

func (s *Stream) Unsubscribe(ctx context.Context, topic string) error {
	return wsjson.Write(ctx, s.conn, outbound{Type: "unsubscribe", Topic: topic})
}

// StartAction requests a container action. Progress arrives as
// action.output frames.
func (s *Stream) StartAction(ctx context.Context, container, action string) error {
	return wsjson.Write(ctx, s.conn, outbound{Type: "action.start", Container: container, Action: action})
}

// Next blocks until the next frame arrives.
func (s *Stream) Next(ctx context.Context) (Frame, error) {
	var f Frame
	if err := wsjson.Read(ctx, s.conn, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
