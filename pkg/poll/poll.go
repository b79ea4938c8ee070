package poll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/jonasrmichel/jms-doodle-poll/pkg/broker"
	"github.com/jonasrmichel/jms-doodle-poll/pkg/peer"
)

// Poll errors
var (
	// ErrPollClosed rejects a close of an already-closed poll.
	ErrPollClosed = errors.New("poll already closed")
)

// ActivityFunc surfaces poll activity to the initiating user's console.
type ActivityFunc func(title, activity string)

// Config carries everything a poll needs at construction.
type Config struct {
	Title         string
	Initiator     string
	Invitees      []string
	TimeSlots     []TimeSlot
	ChannelPrefix string
	Transport     broker.Transport
	Activity      ActivityFunc
	Logger        *zap.Logger
}

// Poll is an independent peer representing one scheduling question. It
// owns the authoritative responses, the invitee set, the closing state,
// and the record of invitees with failed deliveries, and it drives all
// outbound status broadcasts. One mutex covers responses, pending, and
// the final slot, so broadcasts of a single poll are serialized.
type Poll struct {
	peer      *peer.Peer
	title     string
	initiator string
	invitees  map[string]struct{}
	activity  ActivityFunc
	logger    *zap.Logger
	ctx       context.Context

	mu        sync.Mutex
	responses Responses
	pending   map[string]struct{}
	finalSlot *TimeSlot
}

// New opens the poll's channel and immediately broadcasts the initial
// status to every invitee. Title uniqueness per initiator is the owning
// user's concern, enforced before construction.
func New(ctx context.Context, cfg Config) (*Poll, error) {
	if cfg.Activity == nil {
		cfg.Activity = func(string, string) {}
	}

	p := &Poll{
		title:     cfg.Title,
		initiator: cfg.Initiator,
		invitees:  make(map[string]struct{}, len(cfg.Invitees)),
		activity:  cfg.Activity,
		logger: cfg.Logger.With(
			zap.String("poll", cfg.Title),
			zap.String("initiator", cfg.Initiator)),
		ctx:       ctx,
		responses: make(Responses, len(cfg.TimeSlots)),
		pending:   make(map[string]struct{}),
	}
	for _, invitee := range cfg.Invitees {
		p.invitees[invitee] = struct{}{}
	}
	for _, slot := range cfg.TimeSlots {
		p.responses[slot] = []Response{}
	}

	p.peer = peer.New(p.Key().String(), peer.RolePoll, cfg.ChannelPrefix,
		cfg.Transport, p.handlePayload, cfg.Logger)
	if err := p.peer.Open(ctx); err != nil {
		return nil, fmt.Errorf("opening poll peer: %w", err)
	}

	p.mu.Lock()
	p.broadcastLocked()
	p.mu.Unlock()

	return p, nil
}

// Title returns the poll's title.
func (p *Poll) Title() string { return p.title }

// Initiator returns the name of the user that opened the poll.
func (p *Poll) Initiator() string { return p.initiator }

// Key returns the poll's identity key.
func (p *Poll) Key() Key {
	return Key{Title: p.title, Initiator: p.initiator}
}

// Invitees returns the fixed invitee set, sorted.
func (p *Poll) Invitees() []string {
	invitees := make([]string, 0, len(p.invitees))
	for invitee := range p.invitees {
		invitees = append(invitees, invitee)
	}
	sort.Strings(invitees)
	return invitees
}

// Responses returns a snapshot of the accumulated responses.
func (p *Poll) Responses() Responses {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.responses.Clone()
}

// Pending returns the invitees whose last delivery attempt failed,
// sorted.
func (p *Poll) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending := make([]string, 0, len(p.pending))
	for invitee := range p.pending {
		pending = append(pending, invitee)
	}
	sort.Strings(pending)
	return pending
}

// FinalSlot returns the initiator-chosen slot once the poll is closed.
func (p *Poll) FinalSlot() (TimeSlot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalSlot == nil {
		return TimeSlot{}, false
	}
	return *p.finalSlot, true
}

// Closed reports whether the final slot has been chosen.
func (p *Poll) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalSlot != nil
}

// Status returns the poll's current broadcast snapshot.
func (p *Poll) Status() *StatusPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

// UpdateOne re-sends the current status to a single invitee, used when
// that invitee comes back online. No-op for non-invitees.
func (p *Poll) UpdateOne(user string) {
	if _, invited := p.invitees[user]; !invited {
		return
	}

	p.activity(p.title, fmt.Sprintf("Invited user [%s] just came online and is being updated", user))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendStatusLocked(user, p.statusLocked())
}

// RetryPending re-sends the current status to every invitee whose last
// delivery failed.
func (p *Poll) RetryPending() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return
	}

	status := p.statusLocked()
	for user := range p.pending {
		p.sendStatusLocked(user, status)
	}
}

// Close chooses the final time slot and broadcasts the closed status.
// The transition happens exactly once; closing again is rejected.
func (p *Poll) Close(finalSlot TimeSlot) error {
	p.mu.Lock()
	if p.finalSlot != nil {
		p.mu.Unlock()
		return ErrPollClosed
	}
	p.finalSlot = &finalSlot
	p.broadcastLocked()
	p.mu.Unlock()

	p.activity(p.title, fmt.Sprintf("Closed with final time slot [%s]", finalSlot))
	return nil
}

// Shutdown releases the poll's inbound channel.
func (p *Poll) Shutdown() error {
	return p.peer.Close()
}

// handlePayload accepts response payloads from invitees. Anything else,
// and anything arriving after close, is dropped.
func (p *Poll) handlePayload(raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return
	}
	if env.Kind != KindPollResponse {
		return
	}
	payload, err := env.Response()
	if err != nil {
		p.logger.Debug("Dropped malformed response payload", zap.Error(err))
		return
	}

	p.mu.Lock()
	if p.finalSlot != nil {
		p.mu.Unlock()
		return
	}

	// Append every vote for a proposed slot. Repeat responders append
	// again; the slot lists never shrink.
	for slot, response := range payload.Responses {
		if _, proposed := p.responses[slot]; !proposed {
			continue
		}
		p.responses[slot] = append(p.responses[slot], response)
	}

	p.broadcastLocked()
	p.mu.Unlock()

	p.activity(p.title, fmt.Sprintf("Received response from [%s]", payload.Responder))
}

// broadcastLocked sends the current status snapshot to every invitee.
// Invitees that cannot be reached join the pending set; successful
// deliveries leave it, so every broadcast retries the stragglers.
func (p *Poll) broadcastLocked() {
	status := p.statusLocked()
	for user := range p.invitees {
		p.sendStatusLocked(user, status)
	}
}

func (p *Poll) sendStatusLocked(user string, status *StatusPayload) {
	env, err := NewEnvelope(KindPollStatus, status)
	if err != nil {
		p.logger.Error("Failed to encode status payload", zap.Error(err))
		return
	}
	raw, err := env.Marshal()
	if err != nil {
		p.logger.Error("Failed to encode status payload", zap.Error(err))
		return
	}

	if p.peer.Send(p.ctx, user, peer.RoleUser, raw) {
		delete(p.pending, user)
	} else {
		p.pending[user] = struct{}{}
	}
}

func (p *Poll) statusLocked() *StatusPayload {
	return &StatusPayload{
		Title:     p.title,
		Initiator: p.initiator,
		Responses: p.responses.Clone(),
		FinalSlot: p.finalSlot,
	}
}
