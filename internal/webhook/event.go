// Package webhook authenticates and decodes inbound voice platform events.
package webhook

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/comigor/voice-relay/internal/apperr"
)

const (
	TypeSessionStart = "session.start"
	TypeMessage      = "message"
)

// Event is a transcribed user turn delivered by the voice platform.
type Event struct {
	Text      string `json:"text"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
}

// Kind is the route an event takes through the relay.
type Kind int

const (
	KindStart Kind = iota + 1
	KindTurn
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindTurn:
		return "turn"
	default:
		return "unknown"
	}
}

// Classify maps an event type to its route. Unrecognized types are rejected
// rather than treated as ordinary turns.
func Classify(eventType string) (Kind, error) {
	switch eventType {
	case TypeSessionStart:
		return KindStart, nil
	case TypeMessage:
		return KindTurn, nil
	default:
		return 0, apperr.Validationf("unsupported event type %q", eventType)
	}
}

// Parse decodes payload into an Event. Unknown fields are tolerated because
// the platform adds metadata over time; the routing fields are required.
func Parse(payload []byte) (Event, error) {
	var ev Event
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&ev); err != nil {
		return Event{}, apperr.WrapValidation(err, "malformed event body")
	}
	if _, err := dec.Token(); err != io.EOF {
		return Event{}, apperr.Validationf("malformed event body: trailing data")
	}

	var missing []string
	if ev.Type == "" {
		missing = append(missing, "type")
	}
	if ev.SessionID == "" {
		missing = append(missing, "session_id")
	}
	if ev.TurnID == "" {
		missing = append(missing, "turn_id")
	}
	if len(missing) > 0 {
		return Event{}, apperr.Validationf("missing required field(s): %s", strings.Join(missing, ", "))
	}
	return ev, nil
}

// Authenticate verifies payload against signature and only then decodes it.
// A bad signature is an authentication error; a bad body is a validation error.
func Authenticate(v Verifier, payload []byte, signature, secret string) (Event, error) {
	if !v.Verify(payload, signature, secret) {
		return Event{}, apperr.Authenticationf("Invalid signature")
	}
	return Parse(payload)
}
