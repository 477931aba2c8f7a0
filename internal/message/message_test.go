package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeVariants(t *testing.T) {
	cases := []struct {
		in   string
		want Inbound
	}{
		{`{"type":"ping"}`, Ping{}},
		{`{"type":"subscribe","topic":"graph"}`, Subscribe{Topic: "graph"}},
		{`{"type":"unsubscribe","data":{"topic":"graph"}}`, Unsubscribe{Topic: "graph"}},
		{`{"type":"action.start","container":"web","action":"restart"}`, ActionStart{Container: "web", Action: "restart"}},
	}
	for _, tc := range cases {
		got, err := Decode([]byte(tc.in))
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		in   string
		kind error
		msg  string
	}{
		{`{not json`, ErrMalformed, "Invalid JSON"},
		{`{"type":"dance"}`, ErrUnknownType, "Unknown message type: dance"},
		{`{}`, ErrUnknownType, "Unknown message type: "},
		{`{"type":"subscribe"}`, ErrInvalid, "Missing topic"},
		{`{"type":"action.start","container":"web"}`, ErrInvalid, "Missing container or action"},
	}
	for _, tc := range cases {
		_, err := Decode([]byte(tc.in))
		require.Error(t, err, tc.in)
		assert.ErrorIs(t, err, tc.kind, tc.in)
		assert.Equal(t, tc.msg, ErrorFor(err).Message, tc.in)
	}
}

func TestOutboundShapes(t *testing.T) {
	dur := 12.5
	cases := []struct {
		msg  Outbound
		want string
	}{
		{Pong{}, `{"type":"pong"}`},
		{Subscribed{Topic: "sites"}, `{"type":"subscribed","data":{"topic":"sites"}}`},
		{Unsubscribed{Topic: "sites"}, `{"type":"unsubscribed","data":{"topic":"sites"}}`},
		{Update{View: "graph", Data: map[string]int{"n": 1}}, `{"type":"graph.update","data":{"n":1}}`},
		{DataStale{Stale: false}, `{"type":"data_stale","stale":false}`},
		{DataStale{Stale: true, Breakers: []string{"sites"}}, `{"type":"data_stale","stale":true,"breakers":["sites"]}`},
		{Error{Message: "Invalid JSON"}, `{"type":"error","data":{"message":"Invalid JSON"}}`},
		{
			ActionOutput{Container: "web", Action: "stop", Status: ActionCompleted, Output: "ok", DurationMS: &dur},
			`{"type":"action.output","data":{"container":"web","action":"stop","status":"completed","output":"ok","duration_ms":12.5}}`,
		},
	}
	for _, tc := range cases {
		b, err := Encode(tc.msg)
		require.NoError(t, err)
		assert.JSONEq(t, tc.want, string(b), tc.msg.Type())
	}
}

func TestOutboundEmbedsInStructs(t *testing.T) {
	b, err := json.Marshal([]Outbound{Pong{}, Error{Message: "x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"pong"},{"type":"error","data":{"message":"x"}}]`, string(b))
}
