// Package message defines the subscriber channel protocol: a closed set of
// inbound request variants decoded and validated at the boundary, and the
// outbound event variants pushed to subscribers.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound type tags.
const (
	TypePing        = "ping"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeActionStart = "action.start"
)

// Outbound type tags.
const (
	TypePong         = "pong"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeDataStale    = "data_stale"
	TypeActionOutput = "action.output"
	TypeError        = "error"
	// Update messages are tagged "<view>.update".
	updateSuffix = ".update"
)

var (
	ErrMalformed   = errors.New("message: malformed")
	ErrUnknownType = errors.New("message: unknown type")
	ErrInvalid     = errors.New("message: invalid payload")
)

// DecodeError carries the text that is reported back to the client.
type DecodeError struct {
	Kind    error
	Message string
}

func (e *DecodeError) Error() string { return e.Message }
func (e *DecodeError) Unwrap() error { return e.Kind }

// Inbound is one of Ping, Subscribe, Unsubscribe or ActionStart.
type Inbound interface {
	Type() string
	inbound()
}

type Ping struct{}

type Subscribe struct {
	Topic string
}

type Unsubscribe struct {
	Topic string
}

type ActionStart struct {
	Container string
	Action    string
}

func (Ping) Type() string        { return TypePing }
func (Subscribe) Type() string   { return TypeSubscribe }
func (Unsubscribe) Type() string { return TypeUnsubscribe }
func (ActionStart) Type() string { return TypeActionStart }

func (Ping) inbound()        {}
func (Subscribe) inbound()   {}
func (Unsubscribe) inbound() {}
func (ActionStart) inbound() {}

// rawInbound accepts payload fields either at the top level or nested under
// "data"; top-level wins.
type rawInbound struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Container string          `json:"container"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
}

type rawPayload struct {
	Topic     string `json:"topic"`
	Container string `json:"container"`
	Action    string `json:"action"`
}

// Decode parses and validates one inbound frame.
func Decode(b []byte) (Inbound, error) {
	var raw rawInbound
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, &DecodeError{Kind: ErrMalformed, Message: "Invalid JSON"}
	}
	if len(bytes.TrimSpace(raw.Data)) > 0 && !bytes.Equal(bytes.TrimSpace(raw.Data), []byte("null")) {
		var p rawPayload
		if err := json.Unmarshal(raw.Data, &p); err == nil {
			raw.Topic = firstNonEmpty(raw.Topic, p.Topic)
			raw.Container = firstNonEmpty(raw.Container, p.Container)
			raw.Action = firstNonEmpty(raw.Action, p.Action)
		}
	}

	switch raw.Type {
	case TypePing:
		return Ping{}, nil
	case TypeSubscribe, TypeUnsubscribe:
		topic := strings.TrimSpace(raw.Topic)
		if topic == "" {
			return nil, &DecodeError{Kind: ErrInvalid, Message: "Missing topic"}
		}
		if raw.Type == TypeSubscribe {
			return Subscribe{Topic: topic}, nil
		}
		return Unsubscribe{Topic: topic}, nil
	case TypeActionStart:
		if raw.Container == "" || raw.Action == "" {
			return nil, &DecodeError{Kind: ErrInvalid, Message: "Missing container or action"}
		}
		return ActionStart{Container: raw.Container, Action: raw.Action}, nil
	default:
		return nil, &DecodeError{Kind: ErrUnknownType, Message: "Unknown message type: " + raw.Type}
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Outbound is any message pushed to a subscriber. Every implementation
// marshals to a JSON object with a "type" field.
type Outbound interface {
	Type() string
	json.Marshaler
}

// Encode renders an outbound message.
func Encode(m Outbound) ([]byte, error) {
	b, err := m.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return b, nil
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type Pong struct{}

func (Pong) Type() string                 { return TypePong }
func (Pong) MarshalJSON() ([]byte, error) { return json.Marshal(envelope{Type: TypePong}) }

type topicData struct {
	Topic string `json:"topic"`
}

type Subscribed struct{ Topic string }

func (Subscribed) Type() string { return TypeSubscribed }
func (m Subscribed) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{Type: TypeSubscribed, Data: topicData{m.Topic}})
}

type Unsubscribed struct{ Topic string }

func (Unsubscribed) Type() string { return TypeUnsubscribed }
func (m Unsubscribed) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{Type: TypeUnsubscribed, Data: topicData{m.Topic}})
}

// Update carries a freshly built view, tagged "<View>.update".
type Update struct {
	View string
	Data any
}

func UpdateType(view string) string { return view + updateSuffix }

func (m Update) Type() string { return UpdateType(m.View) }
func (m Update) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}{m.Type(), m.Data})
}

// DataStale announces a stale edge. Breakers is only populated on the rising
// edge and holds the status of every breaker.
type DataStale struct {
	Stale    bool
	Breakers any
}

func (DataStale) Type() string { return TypeDataStale }
func (m DataStale) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string `json:"type"`
		Stale    bool   `json:"stale"`
		Breakers any    `json:"breakers,omitempty"`
	}{TypeDataStale, m.Stale, m.Breakers})
}

// Action output statuses.
const (
	ActionStarted   = "started"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
)

type ActionOutput struct {
	Container  string   `json:"container"`
	Action     string   `json:"action"`
	Status     string   `json:"status"`
	Output     string   `json:"output,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMS *float64 `json:"duration_ms,omitempty"`
}

func (ActionOutput) Type() string { return TypeActionOutput }
func (m ActionOutput) MarshalJSON() ([]byte, error) {
	type plain ActionOutput
	return json.Marshal(envelope{Type: TypeActionOutput, Data: plain(m)})
}

type Error struct{ Message string }

func (Error) Type() string { return TypeError }
func (m Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{Type: TypeError, Data: struct {
		Message string `json:"message"`
	}{m.Message}})
}

// ErrorFor converts a Decode error into the reply sent to the client.
func ErrorFor(err error) Error {
	var de *DecodeError
	if errors.As(err, &de) {
		return Error{Message: de.Message}
	}
	return Error{Message: err.Error()}
}
