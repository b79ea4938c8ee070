package broker

import (
	"context"
	"errors"
)

// Transport errors
var (
	// ErrChannelNotFound is returned by Send when no peer has the target
	// channel registered. Callers treat this as a routine delivery
	// failure, not a fault.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrChannelExists is returned by RegisterChannel when the address is
	// already claimed by another peer.
	ErrChannelExists = errors.New("channel already registered")

	// ErrClosed is returned when the transport has been shut down.
	ErrClosed = errors.New("transport closed")
)

// Transport is the message broker boundary. It delivers opaque payloads
// to named channels: each peer registers exactly one inbound channel and
// addresses other peers by their channel name.
type Transport interface {
	// RegisterChannel claims the address and returns the inbound
	// subscription for it. Registering an address twice fails with
	// ErrChannelExists.
	RegisterChannel(ctx context.Context, address string) (Subscription, error)

	// Send delivers payload to the named channel, at most once.
	// ErrChannelNotFound when no such channel is registered.
	Send(ctx context.Context, address string, payload []byte) error

	// Close releases the transport and all its subscriptions.
	Close() error
}

// Subscription is a registered inbound channel.
type Subscription interface {
	// Messages yields inbound payloads. The channel is closed when the
	// subscription is released.
	Messages() <-chan []byte

	// Close releases the channel registration.
	Close() error
}
