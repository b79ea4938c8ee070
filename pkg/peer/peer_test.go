package peer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jonasrmichel/jms-doodle-poll/pkg/broker"
)

func TestAddress(t *testing.T) {
	assert.Equal(t, "doodle_queue_USER_alice", Address(DefaultChannelPrefix, "alice", RoleUser))
	assert.Equal(t, "doodle_queue_POLL_standup_alice", Address(DefaultChannelPrefix, "standup_alice", RolePoll))
	assert.Equal(t, "custom_USER_alice", Address("custom", "alice", RoleUser))
}

func TestPeerOpenSendClose(t *testing.T) {
	// Setup
	ctx := context.Background()
	transport := broker.NewMemory()
	received := make(chan []byte, 1)

	alice := New("alice", RoleUser, DefaultChannelPrefix, transport,
		func(payload []byte) { received <- payload }, zaptest.NewLogger(t))
	require.NoError(t, alice.Open(ctx))

	bob := New("bob", RoleUser, DefaultChannelPrefix, transport,
		func([]byte) {}, zaptest.NewLogger(t))
	require.NoError(t, bob.Open(ctx))
	defer bob.Close()

	assert.Equal(t, "alice", alice.Name())
	assert.Equal(t, RoleUser, alice.Role())
	assert.Equal(t, "doodle_queue_USER_alice", alice.Address())

	// Delivery reaches the handler
	require.True(t, bob.Send(ctx, "alice", RoleUser, []byte("hello")))
	select {
	case payload := <-received:
		assert.Equal(t, []byte("hello"), payload)
	case <-time.After(3 * time.Second):
		t.Fatal("payload never reached the handler")
	}

	// After close the address is gone
	require.NoError(t, alice.Close())
	assert.False(t, bob.Send(ctx, "alice", RoleUser, []byte("late")))

	// Close is idempotent
	assert.NoError(t, alice.Close())
}

func TestPeerAddressCollision(t *testing.T) {
	// Setup
	ctx := context.Background()
	transport := broker.NewMemory()

	first := New("alice", RoleUser, DefaultChannelPrefix, transport,
		func([]byte) {}, zaptest.NewLogger(t))
	require.NoError(t, first.Open(ctx))
	defer first.Close()

	// A second peer with the same name and role cannot open
	second := New("alice", RoleUser, DefaultChannelPrefix, transport,
		func([]byte) {}, zaptest.NewLogger(t))
	err := second.Open(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrChannelExists)

	// Same name under a different role is a distinct address
	poll := New("alice", RolePoll, DefaultChannelPrefix, transport,
		func([]byte) {}, zaptest.NewLogger(t))
	require.NoError(t, poll.Open(ctx))
	defer poll.Close()
}

func TestPeerDoubleOpen(t *testing.T) {
	// Setup
	ctx := context.Background()
	transport := broker.NewMemory()

	p := New("alice", RoleUser, DefaultChannelPrefix, transport,
		func([]byte) {}, zaptest.NewLogger(t))
	require.NoError(t, p.Open(ctx))
	defer p.Close()

	assert.Error(t, p.Open(ctx))
}

func TestPeerSendToAbsent(t *testing.T) {
	// Setup
	ctx := context.Background()
	transport := broker.NewMemory()

	p := New("alice", RoleUser, DefaultChannelPrefix, transport,
		func([]byte) {}, zaptest.NewLogger(t))
	require.NoError(t, p.Open(ctx))
	defer p.Close()

	assert.False(t, p.Send(ctx, "nobody", RoleUser, []byte("hello")))
}

func TestPeerDefaultPrefix(t *testing.T) {
	p := New("alice", RoleUser, "", broker.NewMemory(), func([]byte) {}, zaptest.NewLogger(t))
	assert.Equal(t, "doodle_queue_USER_alice", p.Address())
}
