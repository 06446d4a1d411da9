package countdown

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBroadcaster は配信されたイベントを記録します
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBroadcaster) Broadcast(roomId, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBroadcaster) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	copy(out, b.events)
	return out
}

func (b *recordingBroadcaster) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e == event {
			n++
		}
	}
	return n
}

func TestSynchronizerStart(t *testing.T) {
	t.Run("announces a server start time ahead of now", func(t *testing.T) {
		bc := &recordingBroadcaster{}
		s := NewSynchronizer(bc, 200*time.Millisecond, time.Hour, 3)
		base := time.Now()
		s.SetNow(func() time.Time { return base })
		defer s.Stop()

		payload := s.Start("room-1")

		assert.Equal(t, []string{"3", "2", "1", "GO"}, payload.Steps)
		assert.Equal(t, time.Hour.Milliseconds(), payload.DurationMs)
		assert.Equal(t, base.Add(200*time.Millisecond).UnixMilli(), payload.ServerStartTime)
		assert.Equal(t, []string{"countdown:start"}, bc.snapshot())
		assert.Equal(t, 1, s.PendingRooms())
	})

	t.Run("a single step still ends with GO", func(t *testing.T) {
		bc := &recordingBroadcaster{}
		s := NewSynchronizer(bc, 0, time.Hour, 1)
		defer s.Stop()

		payload := s.Start("room-1")
		assert.Equal(t, []string{"1", "GO"}, payload.Steps)
	})

	t.Run("restarting a room replaces the pending countdown", func(t *testing.T) {
		bc := &recordingBroadcaster{}
		s := NewSynchronizer(bc, 0, time.Hour, 3)
		defer s.Stop()

		s.Start("room-1")
		s.Start("room-1")
		assert.Equal(t, 1, s.PendingRooms())
		assert.Equal(t, 2, bc.count("countdown:start"))
	})
}

func TestSynchronizerDelivery(t *testing.T) {
	t.Run("delivers every tick and the completion event", func(t *testing.T) {
		bc := &recordingBroadcaster{}
		s := NewSynchronizer(bc, 0, 80*time.Millisecond, 3)
		defer s.Stop()

		s.Start("room-1")

		require.Eventually(t, func() bool {
			return bc.count("countdown:complete") == 1
		}, 2*time.Second, 10*time.Millisecond)

		assert.Equal(t, 4, bc.count("countdown:tick"))
		assert.Equal(t, 0, s.PendingRooms())
	})
}

func TestSynchronizerCancel(t *testing.T) {
	t.Run("cancel prevents any further events", func(t *testing.T) {
		bc := &recordingBroadcaster{}
		s := NewSynchronizer(bc, time.Second, 5*time.Second, 3)
		defer s.Stop()

		s.Start("room-1")
		s.CancelRoom("room-1")
		assert.Equal(t, 0, s.PendingRooms())

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 0, bc.count("countdown:tick"))
		assert.Equal(t, 0, bc.count("countdown:complete"))
	})

	t.Run("cancel for an unknown room is a no-op", func(t *testing.T) {
		bc := &recordingBroadcaster{}
		s := NewSynchronizer(bc, 0, time.Hour, 3)
		s.CancelRoom("missing")
		assert.Equal(t, 0, s.PendingRooms())
	})

	t.Run("stop cancels every room", func(t *testing.T) {
		bc := &recordingBroadcaster{}
		s := NewSynchronizer(bc, time.Second, 5*time.Second, 3)

		s.Start("room-1")
		s.Start("room-2")
		s.Stop()
		assert.Equal(t, 0, s.PendingRooms())
	})
}
