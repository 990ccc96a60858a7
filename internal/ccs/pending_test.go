package ccs

import (
	"strings"
	"testing"
	"time"

	"github.com/danmuck/ccsctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNUIDSourceIsPrefixedAndDistinct(t *testing.T) {
	testlog.Start(t)
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := NUIDSource()
		require.True(t, strings.HasPrefix(id, "m-"), id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestIDGeneratorSkipsEmptyAndInUse(t *testing.T) {
	testlog.Start(t)
	candidates := []string{"", "m-1", "m-2"}
	i := 0
	gen := NewIDGenerator(func() string {
		id := candidates[i%len(candidates)]
		i++
		return id
	}, 3)

	id, err := gen.Next(func(id string) bool { return id == "m-1" })
	require.NoError(t, err)
	assert.Equal(t, "m-2", id)

	_, err = gen.Next(func(string) bool { return true })
	assert.ErrorIs(t, err, ErrIDSpaceExhausted)
}

func TestPendingTracker(t *testing.T) {
	testlog.Start(t)
	p := NewPendingTracker(2)
	now := time.Unix(1700000000, 0)

	require.NoError(t, p.Track(PendingMessage{MessageID: "m-b", To: "dev2", QueuedAt: now}))
	require.NoError(t, p.Track(PendingMessage{MessageID: "m-a", To: "dev1", QueuedAt: now}))
	assert.ErrorIs(t, p.Track(PendingMessage{MessageID: "m-a", To: "dev3", QueuedAt: now.Add(time.Second)}), ErrMessageIDInUse)
	assert.ErrorIs(t, p.Track(PendingMessage{MessageID: "m-c"}), ErrTooManyPending)
	assert.ErrorIs(t, p.Track(PendingMessage{MessageID: " "}), ErrInvalidMessageID)

	list := p.List()
	require.Len(t, list, 2)
	assert.Equal(t, "m-a", list[0].MessageID)
	assert.Equal(t, "dev1", list[0].To, "rejected re-track must keep the original entry")
	assert.Equal(t, now, list[0].QueuedAt)
	assert.Equal(t, "m-b", list[1].MessageID)

	item, ok := p.Release("m-b")
	require.True(t, ok)
	assert.Equal(t, "dev2", item.To)
	_, ok = p.Release("m-b")
	assert.False(t, ok)
	assert.True(t, p.Contains("m-a"))
	assert.Equal(t, 1, p.Len())

	gen := NewIDGenerator(func() string { return "m-a" }, 4)
	_, err := p.Reserve(gen, "dev1", now)
	assert.ErrorIs(t, err, ErrIDSpaceExhausted)

	gen = NewIDGenerator(func() string { return "m-z" }, 4)
	id, err := p.Reserve(gen, "dev9", now)
	require.NoError(t, err)
	assert.Equal(t, "m-z", id)
	_, err = p.Reserve(NewIDGenerator(nil, 0), "dev9", now)
	assert.ErrorIs(t, err, ErrTooManyPending)
}

func TestPendingTrackerDrain(t *testing.T) {
	testlog.Start(t)
	p := NewPendingTracker(2)
	now := time.Unix(1700000000, 0)
	require.NoError(t, p.Track(PendingMessage{MessageID: "m-2", To: "b", QueuedAt: now}))
	require.NoError(t, p.Track(PendingMessage{MessageID: "m-1", To: "a", QueuedAt: now}))

	dropped := p.Drain()
	require.Len(t, dropped, 2)
	assert.Equal(t, "m-1", dropped[0].MessageID)
	assert.Equal(t, "m-2", dropped[1].MessageID)
	assert.Equal(t, 0, p.Len())
	assert.Empty(t, p.Drain())

	require.NoError(t, p.Track(PendingMessage{MessageID: "m-1", To: "a", QueuedAt: now}))
	require.NoError(t, p.Track(PendingMessage{MessageID: "m-3", To: "c", QueuedAt: now}))
}
