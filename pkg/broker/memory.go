package broker

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Transport with the same contract as the Redis
// implementation. It backs unit tests and single-process demos.
type Memory struct {
	mu       sync.Mutex
	channels map[string]*memorySubscription
	closed   bool
}

// NewMemory creates an in-process transport.
func NewMemory() *Memory {
	return &Memory{
		channels: make(map[string]*memorySubscription),
	}
}

// RegisterChannel claims the address.
func (m *Memory) RegisterChannel(ctx context.Context, address string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if _, exists := m.channels[address]; exists {
		return nil, ErrChannelExists
	}

	sub := &memorySubscription{
		transport: m,
		address:   address,
		messages:  make(chan []byte, subscriptionBuffer),
	}
	m.channels[address] = sub
	return sub, nil
}

// Send delivers the payload to the named channel's mailbox.
func (m *Memory) Send(ctx context.Context, address string, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	sub, exists := m.channels[address]
	m.mu.Unlock()

	if !exists {
		return ErrChannelNotFound
	}

	// Copy so the sender cannot mutate a delivered payload.
	buf := make([]byte, len(payload))
	copy(buf, payload)

	return sub.deliver(buf)
}

// Close releases all channels.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*memorySubscription, 0, len(m.channels))
	for _, sub := range m.channels {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (m *Memory) release(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, exists := m.channels[sub.address]; exists && current == sub {
		delete(m.channels, sub.address)
	}
}

type memorySubscription struct {
	transport *Memory
	address   string
	messages  chan []byte

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.transport.release(s)
	close(s.messages)
	return nil
}

// deliver enqueues without blocking: the mailbox is bounded, and a full
// mailbox is reported as a transport fault rather than stalling the
// sender's broadcast.
func (s *memorySubscription) deliver(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrChannelNotFound
	}
	select {
	case s.messages <- payload:
		return nil
	default:
		return fmt.Errorf("channel %s: mailbox full", s.address)
	}
}

var (
	_ Transport = (*Memory)(nil)
	_ Transport = (*Redis)(nil)
)
