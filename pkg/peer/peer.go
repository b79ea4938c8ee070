package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jonasrmichel/jms-doodle-poll/pkg/broker"
)

// Role distinguishes the two kinds of addressable participants.
type Role string

const (
	RoleUser Role = "USER"
	RolePoll Role = "POLL"
)

// DefaultChannelPrefix names the channel namespace shared by all peers.
const DefaultChannelPrefix = "doodle_queue"

// Address derives a peer's channel address from its identity. Addresses
// are unique per (name, role) pair.
func Address(prefix, name string, role Role) string {
	return prefix + "_" + string(role) + "_" + name
}

// Handler receives each raw inbound payload from the peer's channel.
type Handler func(payload []byte)

// Peer is an addressable participant: a stable name, a role, a
// dedicated inbound channel, and best-effort sends to other peers'
// channels. It carries no retry policy; that belongs to the caller.
type Peer struct {
	name      string
	role      Role
	prefix    string
	transport broker.Transport
	handler   Handler
	logger    *zap.Logger

	mu  sync.Mutex
	sub broker.Subscription
	wg  sync.WaitGroup
}

// New creates a peer. Open must be called before it can send or
// receive.
func New(name string, role Role, prefix string, transport broker.Transport, handler Handler, logger *zap.Logger) *Peer {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Peer{
		name:      name,
		role:      role,
		prefix:    prefix,
		transport: transport,
		handler:   handler,
		logger:    logger.With(zap.String("peer", name), zap.String("role", string(role))),
	}
}

// Name returns the peer's stable name.
func (p *Peer) Name() string { return p.name }

// Role returns the peer's role tag.
func (p *Peer) Role() Role { return p.role }

// Address returns the peer's own channel address.
func (p *Peer) Address() string {
	return Address(p.prefix, p.name, p.role)
}

// Open registers the peer's inbound channel and starts asynchronous
// delivery to the handler. Registration fails if the address is already
// claimed.
func (p *Peer) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sub != nil {
		return fmt.Errorf("peer %s already open", p.name)
	}

	sub, err := p.transport.RegisterChannel(ctx, p.Address())
	if err != nil {
		return fmt.Errorf("opening channel %s: %w", p.Address(), err)
	}
	p.sub = sub

	p.wg.Add(1)
	go p.receive(sub)

	p.logger.Debug("Peer opened", zap.String("address", p.Address()))
	return nil
}

// Send attempts one delivery of payload to the named peer's channel.
// False means undelivered: either no such channel is registered, or the
// transport faulted (logged). The caller owns any retry.
func (p *Peer) Send(ctx context.Context, name string, role Role, payload []byte) bool {
	address := Address(p.prefix, name, role)

	err := p.transport.Send(ctx, address, payload)
	switch {
	case err == nil:
		return true
	case errors.Is(err, broker.ErrChannelNotFound):
		// The receiver is simply not there; routine, not a fault.
		return false
	default:
		p.logger.Warn("Delivery failed",
			zap.String("target", address),
			zap.Error(err))
		return false
	}
}

// Close releases the peer's inbound channel and stops delivery.
func (p *Peer) Close() error {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()

	if sub == nil {
		return nil
	}
	err := sub.Close()
	p.wg.Wait()
	return err
}

// receive pumps inbound payloads to the handler until the subscription
// ends.
func (p *Peer) receive(sub broker.Subscription) {
	defer p.wg.Done()
	for payload := range sub.Messages() {
		p.handler(payload)
	}
}
