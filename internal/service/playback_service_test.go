package service

import (
	"context"
	"testing"
	"time"

	"github.com/CineSync/cinesync-server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaybackPlayPause(t *testing.T) {
	ctx := context.Background()

	t.Run("play then pause advances the position by elapsed time", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{MediaRef: "https://cdn.example.com/m.m3u8"})

		st, err := env.playback.Play(ctx, room.RoomId, "alice")
		require.NoError(t, err)
		assert.True(t, st.IsPlaying)
		assert.EqualValues(t, 0, st.PositionMs)
		assert.EqualValues(t, 1, st.Version)

		env.clock.Advance(5 * time.Second)
		st, err = env.playback.Pause(ctx, room.RoomId, "alice")
		require.NoError(t, err)
		assert.False(t, st.IsPlaying)
		assert.EqualValues(t, 5000, st.PositionMs)
		assert.EqualValues(t, 2, st.Version)
	})

	t.Run("the position does not advance while paused", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{})

		st, err := env.playback.Pause(ctx, room.RoomId, "alice")
		require.NoError(t, err)

		env.clock.Advance(time.Minute)
		st, err = env.playback.Seek(ctx, room.RoomId, "alice", st.PositionMs)
		require.NoError(t, err)
		assert.EqualValues(t, 0, st.PositionMs)
	})

	t.Run("rejects play when the media is not ready", func(t *testing.T) {
		env := newTestEnv()
		env.playback.readiness = neverReady{}
		room := setupRoom(t, env, CreateRoomParams{MediaRef: "https://cdn.example.com/m.m3u8"})

		_, err := env.playback.Play(ctx, room.RoomId, "alice")
		assert.ErrorIs(t, err, ErrMediaNotReady)

		// 再生状態は一切書き換わらない
		st, err := env.playback.Get(ctx, room.RoomId)
		require.NoError(t, err)
		assert.False(t, st.IsPlaying)
		assert.EqualValues(t, 0, st.Version)
	})
}

func TestPlaybackSeek(t *testing.T) {
	ctx := context.Background()

	t.Run("sets the position explicitly", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{})

		st, err := env.playback.Seek(ctx, room.RoomId, "alice", 90_000)
		require.NoError(t, err)
		assert.EqualValues(t, 90_000, st.PositionMs)
	})

	t.Run("clamps negative positions to zero", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{})

		st, err := env.playback.Seek(ctx, room.RoomId, "alice", -500)
		require.NoError(t, err)
		assert.EqualValues(t, 0, st.PositionMs)
	})
}

func TestPlaybackAuthorization(t *testing.T) {
	ctx := context.Background()

	t.Run("unauthorized commands leave the state untouched", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob")

		st, err := env.playback.Play(ctx, room.RoomId, "alice")
		require.NoError(t, err)
		require.True(t, st.IsPlaying)

		_, err = env.playback.Pause(ctx, room.RoomId, "bob")
		assert.ErrorIs(t, err, ErrUnauthorized)

		current, err := env.playback.Get(ctx, room.RoomId)
		require.NoError(t, err)
		assert.True(t, current.IsPlaying)
		assert.Equal(t, st.Version, current.Version)
	})

	t.Run("a temporary host may control playback", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob")

		_, err := env.authority.GrantTemporaryHost(ctx, room.RoomId, "alice", "bob", []models.Permission{models.PermissionPlaybackControl}, 0)
		require.NoError(t, err)

		st, err := env.playback.Play(ctx, room.RoomId, "bob")
		require.NoError(t, err)
		assert.True(t, st.IsPlaying)
	})

	t.Run("non-participants cannot control playback", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{PlaybackControl: models.ControlAll})

		_, err := env.playback.Play(ctx, room.RoomId, "mallory")
		assert.ErrorIs(t, err, ErrNotInRoom)
	})
}

func TestApplyVoteOutcome(t *testing.T) {
	ctx := context.Background()

	t.Run("a passed pause vote pauses without a per-actor check", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob")

		_, err := env.playback.Play(ctx, room.RoomId, "alice")
		require.NoError(t, err)

		st, err := env.playback.ApplyVoteOutcome(ctx, room.RoomId, models.VotePause)
		require.NoError(t, err)
		assert.False(t, st.IsPlaying)
	})

	t.Run("a passed resume vote resumes playback", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob")

		st, err := env.playback.ApplyVoteOutcome(ctx, room.RoomId, models.VoteResume)
		require.NoError(t, err)
		assert.True(t, st.IsPlaying)
	})
}

func TestPlaybackVersioning(t *testing.T) {
	ctx := context.Background()

	t.Run("each write bumps the version once", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{})

		var version int64
		for i := 0; i < 3; i++ {
			st, err := env.playback.Seek(ctx, room.RoomId, "alice", int64(i)*1000)
			require.NoError(t, err)
			assert.Equal(t, version+1, st.Version)
			version = st.Version
		}
	})

	t.Run("writes refresh the activity marker", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{})

		env.clock.Advance(time.Minute)
		_, err := env.playback.Play(ctx, room.RoomId, "alice")
		require.NoError(t, err)

		at, found, err := env.store.GetActivity(ctx, room.RoomId)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, env.clock.Now().UnixMilli(), at)
	})
}
