package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIndexMatchesRecords(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemory(Options{MaxItems: 3, TTL: 5 * time.Minute, Clock: clock.Now})

	for i := range 10 {
		require.NoError(t, s.Insert(ctx, randomMessage("a", clock.Now())))
		if i%2 == 0 {
			clock.Advance(2 * time.Minute)
		}
		assert.Equal(t, len(s.messages), len(s.keys))
		assert.LessOrEqual(t, s.Len(), 3)
		for _, k := range s.keys {
			assert.Contains(t, s.messages, k)
		}
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(Options{})
	msg := randomMessage("a", time.Now())
	require.NoError(t, s.Insert(ctx, msg))

	raw, err := s.Get(ctx, "a", msg.MessageID)
	require.NoError(t, err)
	raw[0] = 'X'

	again, err := s.Get(ctx, "a", msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, msg.Raw, again)
}
