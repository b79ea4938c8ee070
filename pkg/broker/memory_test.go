package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegisterAndSend(t *testing.T) {
	ctx := context.Background()
	transport := NewMemory()
	defer transport.Close()

	sub, err := transport.RegisterChannel(ctx, "doodle_queue_USER_alice")
	require.NoError(t, err)

	err = transport.Send(ctx, "doodle_queue_USER_alice", []byte("hello"))
	require.NoError(t, err)

	msg := <-sub.Messages()
	assert.Equal(t, []byte("hello"), msg)
}

func TestMemoryDuplicateRegistration(t *testing.T) {
	ctx := context.Background()
	transport := NewMemory()
	defer transport.Close()

	_, err := transport.RegisterChannel(ctx, "doodle_queue_USER_alice")
	require.NoError(t, err)

	_, err = transport.RegisterChannel(ctx, "doodle_queue_USER_alice")
	assert.ErrorIs(t, err, ErrChannelExists)
}

func TestMemorySendToUnknownChannel(t *testing.T) {
	ctx := context.Background()
	transport := NewMemory()
	defer transport.Close()

	err := transport.Send(ctx, "doodle_queue_USER_nobody", []byte("hello"))
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestMemoryCloseReleasesAddress(t *testing.T) {
	ctx := context.Background()
	transport := NewMemory()
	defer transport.Close()

	sub, err := transport.RegisterChannel(ctx, "doodle_queue_USER_alice")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	// Messages channel ends on close
	_, open := <-sub.Messages()
	assert.False(t, open)

	// Address becomes free again and sends fail until re-registered
	err = transport.Send(ctx, "doodle_queue_USER_alice", []byte("late"))
	assert.ErrorIs(t, err, ErrChannelNotFound)

	_, err = transport.RegisterChannel(ctx, "doodle_queue_USER_alice")
	assert.NoError(t, err)
}

func TestMemoryPayloadIsolation(t *testing.T) {
	ctx := context.Background()
	transport := NewMemory()
	defer transport.Close()

	sub, err := transport.RegisterChannel(ctx, "doodle_queue_POLL_standup_alice")
	require.NoError(t, err)

	payload := []byte("original")
	require.NoError(t, transport.Send(ctx, "doodle_queue_POLL_standup_alice", payload))
	payload[0] = 'X'

	msg := <-sub.Messages()
	assert.Equal(t, []byte("original"), msg)
}

func TestMemoryClosedTransport(t *testing.T) {
	ctx := context.Background()
	transport := NewMemory()
	require.NoError(t, transport.Close())

	_, err := transport.RegisterChannel(ctx, "doodle_queue_USER_alice")
	assert.ErrorIs(t, err, ErrClosed)

	err = transport.Send(ctx, "doodle_queue_USER_alice", []byte("hello"))
	assert.ErrorIs(t, err, ErrClosed)
}
