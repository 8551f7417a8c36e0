// Package envelope defines the structured unit of routed communication
// between clients and the gateway fleet, the channel naming scheme on the
// coordination store, and the optional transport scrambling codec.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the closed enumeration of routable envelope types. Classification
// over Type is total: the router rejects anything outside this set.
type Type string

const (
	TypeAuth       Type = "auth"        // identity bind, carries a bearer token
	TypeChat       Type = "chat"        // chat relay traffic
	TypeGameAction Type = "game_action" // matchmaking and other game actions
	TypeHeartbeat  Type = "heartbeat"   // liveness probe, answered locally
	TypeSystem     Type = "system"      // server-originated notifications
)

// Valid reports whether t is a member of the closed type set.
func (t Type) Valid() bool {
	switch t {
	case TypeAuth, TypeChat, TypeGameAction, TypeHeartbeat, TypeSystem:
		return true
	}
	return false
}

// ErrBadEnvelope marks a frame that is missing the required type or payload
// fields, or is not valid JSON at all.
var ErrBadEnvelope = errors.New("envelope: missing type or payload")

// Envelope is the wire unit of routing. Immutable once constructed.
type Envelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Encrypted bool            `json:"encrypted,omitempty"`
}

// New constructs an envelope with a generated id, the current timestamp, and
// payload marshaled from v.
func New(t Type, v any) (*Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Parse decodes a wire frame. type and payload are required; a missing id
// gets a generated one and a missing timestamp gets the current time.
// Parse does not reject unknown type values: classification stays with the
// router so an unrecognized type is a routing rejection, not a parse failure.
func Parse(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if e.Type == "" || emptyPayload(e.Payload) {
		return nil, ErrBadEnvelope
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return &e, nil
}

func emptyPayload(p json.RawMessage) bool {
	trimmed := bytes.TrimSpace(p)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Encode serializes the envelope to its wire shape.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	return data, nil
}

// SystemError builds the system envelope reported back to a sender whose
// message failed to process. The connection itself stays open.
func SystemError(code, message string) *Envelope {
	env, _ := New(TypeSystem, map[string]string{
		"code":  code,
		"error": message,
	})
	return env
}

// Error codes carried in system error envelopes.
const (
	CodeAdmissionDenied = "ADMISSION_DENIED"
	CodeNotFound        = "NOT_FOUND"
	CodeEmptyContent    = "EMPTY_CONTENT"
	CodeContentTooLong  = "CONTENT_TOO_LONG"
	CodeRateLimited     = "RATE_LIMITED"
	CodeTargetOffline   = "TARGET_OFFLINE"
	CodeInvalidParty    = "INVALID_PARTY"
	CodeAuthFailed      = "AUTH_FAILED"
	CodeBadEnvelope     = "BAD_ENVELOPE"
	CodeInternal        = "INTERNAL"
)
