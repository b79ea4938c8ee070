package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSendContext(t *testing.T) {
	t.Run("TimeoutBoundsPublish", func(t *testing.T) {
		r := &Redis{sendTimeout: 5 * time.Second}

		ctx, cancel := r.sendContext(context.Background())
		defer cancel()

		deadline, ok := ctx.Deadline()
		require.True(t, ok, "configured send timeout must set a deadline")
		assert.WithinDuration(t, time.Now().Add(5*time.Second), deadline, time.Second)
	})

	t.Run("ZeroTimeoutPassesThrough", func(t *testing.T) {
		r := &Redis{}

		ctx, cancel := r.sendContext(context.Background())
		defer cancel()

		_, ok := ctx.Deadline()
		assert.False(t, ok)
	})

	t.Run("CallerDeadlinePreserved", func(t *testing.T) {
		r := &Redis{sendTimeout: time.Hour}

		parent, parentCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer parentCancel()

		ctx, cancel := r.sendContext(parent)
		defer cancel()

		// The tighter of the two deadlines wins
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(10*time.Millisecond), deadline, time.Second)
	})
}
