// Package transport holds the wire envelope shared by the push channel
// implementations and the demo feed server.
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventBotUpdate is the event name carrying dashboard state.
const EventBotUpdate = "bot_update"

// Envelope wraps a payload with its event name.
//
//	{"event":"bot_update","data":{...}}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Wrap encodes data inside an envelope for event.
func Wrap(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("transport: wrap %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Unwrap returns the payload for event. Messages without an "event" field
// are returned unchanged. Enveloped messages for other events report false.
func Unwrap(raw []byte, event string) ([]byte, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw, true
	}
	var probe struct {
		Event *string         `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil || probe.Event == nil {
		return raw, true
	}
	if *probe.Event != event {
		return nil, false
	}
	return probe.Data, true
}
