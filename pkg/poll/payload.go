package poll

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PayloadKind tags the message shapes peers exchange.
type PayloadKind string

const (
	KindPollStatus   PayloadKind = "PollStatus"
	KindPollResponse PayloadKind = "PollResponse"
)

const payloadVersion = "1.0.0"

// Envelope wraps every payload on the wire with its kind so receivers
// can dispatch without guessing at the body shape.
type Envelope struct {
	Kind      PayloadKind     `json:"kind"`
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope wraps the payload for sending.
func NewEnvelope(kind PayloadKind, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return &Envelope{
		Kind:      kind,
		Version:   payloadVersion,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// Marshal serializes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses raw inbound bytes. Plain-text or otherwise
// malformed messages fail here and are dropped by the receiving peer.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("envelope carries no kind")
	}
	return &env, nil
}

// Status decodes the envelope body as a poll status payload.
func (e *Envelope) Status() (*StatusPayload, error) {
	if e.Kind != KindPollStatus {
		return nil, fmt.Errorf("envelope kind %s is not %s", e.Kind, KindPollStatus)
	}
	var payload StatusPayload
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return nil, fmt.Errorf("decoding status payload: %w", err)
	}
	return &payload, nil
}

// Response decodes the envelope body as a poll response payload.
func (e *Envelope) Response() (*ResponsePayload, error) {
	if e.Kind != KindPollResponse {
		return nil, fmt.Errorf("envelope kind %s is not %s", e.Kind, KindPollResponse)
	}
	var payload ResponsePayload
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return nil, fmt.Errorf("decoding response payload: %w", err)
	}
	return &payload, nil
}

// StatusPayload is a poll's broadcast snapshot: its identity, every
// accumulated response, and the final slot once closed. It is also each
// invitee's local knowledge of the poll.
type StatusPayload struct {
	Title     string    `json:"title"`
	Initiator string    `json:"initiator"`
	Responses Responses `json:"responses"`
	FinalSlot *TimeSlot `json:"finalSlot,omitempty"`
}

// Key returns the poll's identity key.
func (p *StatusPayload) Key() Key {
	return Key{Title: p.Title, Initiator: p.Initiator}
}

// Closed reports whether the snapshot describes a closed poll.
func (p *StatusPayload) Closed() bool {
	return p.FinalSlot != nil
}

func (p *StatusPayload) String() string {
	finalSlot := "none"
	if p.FinalSlot != nil {
		finalSlot = p.FinalSlot.TimeString()
	}

	topSlot, topBreakdown := "none", "n/a"
	if slot, breakdown, ok := TopTimeSlot(p.Responses); ok {
		topSlot = slot.TimeString()
		topBreakdown = fmt.Sprintf("%.1f", breakdown.Score)
	}

	return fmt.Sprintf("[title: %s, initiator: %s, # responses: %d, top time slot: %s (score=%s), final time slot: %s]",
		p.Title, p.Initiator, NumResponders(p.Responses), topSlot, topBreakdown, finalSlot)
}

// ResponsePayload carries one user's votes to a poll: at most one
// choice per proposed time slot.
type ResponsePayload struct {
	Responder string                `json:"responder"`
	Responses map[TimeSlot]Response `json:"responses"`
}
