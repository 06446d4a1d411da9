package idgen

import (
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID(t *testing.T) {
	t.Run("generates valid ULIDs", func(t *testing.T) {
		id := NewULID()
		assert.Len(t, id, 26)
		_, err := ulid.Parse(id)
		assert.NoError(t, err)
	})

	t.Run("generates monotonically increasing ids", func(t *testing.T) {
		prev := NewULID()
		for i := 0; i < 100; i++ {
			next := NewULID()
			assert.Less(t, prev, next)
			prev = next
		}
	})
}

func TestNewRoomCode(t *testing.T) {
	t.Run("generates 7 character codes", func(t *testing.T) {
		code, err := NewRoomCode()
		require.NoError(t, err)
		assert.Len(t, code, 7)
	})

	t.Run("excludes ambiguous characters", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			code, err := NewRoomCode()
			require.NoError(t, err)
			assert.NotContains(t, code, "O")
			assert.NotContains(t, code, "I")
			assert.NotContains(t, code, "0")
			assert.NotContains(t, code, "1")
			assert.NotContains(t, code, "l")
		}
	})

	t.Run("generates unique codes", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			code, err := NewRoomCode()
			require.NoError(t, err)
			assert.False(t, seen[code], "duplicate code generated: %s", code)
			seen[code] = true
		}
	})
}
