package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CineSync/cinesync-server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRoom はオーナーと追加メンバーが参加済みのルームを用意します
func setupRoom(t *testing.T, env *testEnv, params CreateRoomParams, members ...string) models.Room {
	t.Helper()
	ctx := context.Background()
	room, err := env.rooms.Create(ctx, authedIdentity("alice"), params)
	require.NoError(t, err)
	for _, m := range members {
		_, _, err := env.rooms.Join(ctx, room.Code, "", authedIdentity(m), "")
		require.NoError(t, err)
	}
	return room
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()

	t.Run("owner is always authorized", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob")
		assert.NoError(t, env.authority.Authorize(ctx, room.RoomId, "alice", models.PermissionPlaybackControl))
	})

	t.Run("owner_only rejects everyone else", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob")
		assert.ErrorIs(t, env.authority.Authorize(ctx, room.RoomId, "bob", models.PermissionPlaybackControl), ErrUnauthorized)
	})

	t.Run("all mode authorizes any participant", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{PlaybackControl: models.ControlAll}, "bob")
		assert.NoError(t, env.authority.Authorize(ctx, room.RoomId, "bob", models.PermissionPlaybackControl))
	})

	t.Run("selected mode requires the canControl flag", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{PlaybackControl: models.ControlSelected}, "bob", "carol")
		require.NoError(t, env.rooms.SetCanControl(ctx, room.RoomId, "alice", "bob", true))

		assert.NoError(t, env.authority.Authorize(ctx, room.RoomId, "bob", models.PermissionPlaybackControl))
		assert.ErrorIs(t, env.authority.Authorize(ctx, room.RoomId, "carol", models.PermissionPlaybackControl), ErrUnauthorized)
	})

	t.Run("non-participants are rejected with not in room", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{PlaybackControl: models.ControlAll})
		assert.ErrorIs(t, env.authority.Authorize(ctx, room.RoomId, "mallory", models.PermissionPlaybackControl), ErrNotInRoom)
	})

	t.Run("unknown rooms are rejected", func(t *testing.T) {
		env := newTestEnv()
		assert.ErrorIs(t, env.authority.Authorize(ctx, "missing", "alice", models.PermissionPlaybackControl), ErrRoomNotFound)
	})

	t.Run("a grant lookup failure surfaces as state unavailable", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob")
		env.store.grantErr = errors.New("redis: connection refused")
		// 障害時はUNAUTHORIZEDではなくSTATE_UNAVAILABLEとして返す
		assert.ErrorIs(t, env.authority.Authorize(ctx, room.RoomId, "bob", models.PermissionPlaybackControl), ErrStateUnavailable)
	})
}

func TestGrantTemporaryHost(t *testing.T) {
	ctx := context.Background()

	t.Run("grant authorizes within its window and expires lazily", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob")

		_, err := env.authority.GrantTemporaryHost(ctx, room.RoomId, "alice", "bob", []models.Permission{models.PermissionPlaybackControl}, 1000)
		require.NoError(t, err)

		env.clock.Advance(500 * time.Millisecond)
		assert.NoError(t, env.authority.Authorize(ctx, room.RoomId, "bob", models.PermissionPlaybackControl))

		env.clock.Advance(time.Second)
		assert.ErrorIs(t, env.authority.Authorize(ctx, room.RoomId, "bob", models.PermissionPlaybackControl), ErrUnauthorized)
	})

	t.Run("grant without a duration lasts until revoked", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob")

		_, err := env.authority.GrantTemporaryHost(ctx, room.RoomId, "alice", "bob", []models.Permission{models.PermissionPlaybackControl}, 0)
		require.NoError(t, err)

		env.clock.Advance(24 * time.Hour)
		assert.NoError(t, env.authority.Authorize(ctx, room.RoomId, "bob", models.PermissionPlaybackControl))

		_, err = env.authority.RevokeTemporaryHost(ctx, room.RoomId, "alice", "bob")
		require.NoError(t, err)
		assert.ErrorIs(t, env.authority.Authorize(ctx, room.RoomId, "bob", models.PermissionPlaybackControl), ErrUnauthorized)
	})

	t.Run("grant only covers the permissions it names", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob")

		_, err := env.authority.GrantTemporaryHost(ctx, room.RoomId, "alice", "bob", []models.Permission{models.PermissionMediaChange}, 0)
		require.NoError(t, err)

		assert.NoError(t, env.authority.Authorize(ctx, room.RoomId, "bob", models.PermissionMediaChange))
		assert.ErrorIs(t, env.authority.Authorize(ctx, room.RoomId, "bob", models.PermissionPlaybackControl), ErrUnauthorized)
	})

	t.Run("only the owner may grant", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob", "carol")
		_, err := env.authority.GrantTemporaryHost(ctx, room.RoomId, "bob", "carol", []models.Permission{models.PermissionPlaybackControl}, 0)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("the target must be a participant", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{})
		_, err := env.authority.GrantTemporaryHost(ctx, room.RoomId, "alice", "nobody", []models.Permission{models.PermissionPlaybackControl}, 0)
		assert.ErrorIs(t, err, ErrParticipantMissing)
	})

	t.Run("the host may hand the grant back", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob", "carol")
		_, err := env.authority.GrantTemporaryHost(ctx, room.RoomId, "alice", "bob", []models.Permission{models.PermissionPlaybackControl}, 0)
		require.NoError(t, err)

		// 第三者は取り消せない
		_, err = env.authority.RevokeTemporaryHost(ctx, room.RoomId, "carol", "bob")
		assert.ErrorIs(t, err, ErrUnauthorized)

		_, err = env.authority.RevokeTemporaryHost(ctx, room.RoomId, "bob", "bob")
		require.NoError(t, err)
		assert.ErrorIs(t, env.authority.Authorize(ctx, room.RoomId, "bob", models.PermissionPlaybackControl), ErrUnauthorized)
	})

	t.Run("active grants listing skips expired and revoked entries", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob", "carol")

		_, err := env.authority.GrantTemporaryHost(ctx, room.RoomId, "alice", "bob", []models.Permission{models.PermissionPlaybackControl}, 1000)
		require.NoError(t, err)
		_, err = env.authority.GrantTemporaryHost(ctx, room.RoomId, "alice", "carol", []models.Permission{models.PermissionPlaybackControl}, 0)
		require.NoError(t, err)

		env.clock.Advance(2 * time.Second)
		active, err := env.authority.ListActiveGrants(ctx, room.RoomId)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "carol", active[0].TemporaryHostId)
	})
}

func TestVoteLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("threshold is the ceiling of fraction times eligible", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob", "carol", "dave")

		vote, _, err := env.authority.InitiateVote(ctx, room.RoomId, "bob", models.VotePause, 0.5)
		require.NoError(t, err)
		assert.Equal(t, 4, vote.Eligible)
		assert.Equal(t, 2, vote.Threshold)
	})

	t.Run("passes immediately once yes votes reach the threshold", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob", "carol", "dave")

		vote, _, err := env.authority.InitiateVote(ctx, room.RoomId, "bob", models.VotePause, 0.5)
		require.NoError(t, err)

		v, resolved, err := env.authority.CastVote(ctx, room.RoomId, "bob", vote.VoteId, true)
		require.NoError(t, err)
		assert.False(t, resolved)
		assert.False(t, v.Resolved)

		v, resolved, err = env.authority.CastVote(ctx, room.RoomId, "carol", vote.VoteId, true)
		require.NoError(t, err)
		assert.True(t, resolved)
		assert.True(t, v.Resolved)
		assert.True(t, v.Passed)
		assert.Equal(t, 1, env.events.count("vote_resolved"))
	})

	t.Run("fails early when the threshold is out of reach", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob", "carol")
		// 有権者3人、閾値はceil(0.5*3)=2

		vote, _, err := env.authority.InitiateVote(ctx, room.RoomId, "bob", models.VotePause, 0.5)
		require.NoError(t, err)
		require.Equal(t, 2, vote.Threshold)

		_, resolved, err := env.authority.CastVote(ctx, room.RoomId, "bob", vote.VoteId, false)
		require.NoError(t, err)
		assert.False(t, resolved)

		v, resolved, err := env.authority.CastVote(ctx, room.RoomId, "carol", vote.VoteId, false)
		require.NoError(t, err)
		// 賛成0 + 残り1 < 閾値2 なので早期否決
		assert.True(t, resolved)
		assert.True(t, v.Resolved)
		assert.False(t, v.Passed)
	})

	t.Run("recasting overwrites the previous ballot", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob", "carol", "dave")

		vote, _, err := env.authority.InitiateVote(ctx, room.RoomId, "bob", models.VotePause, 0.75)
		require.NoError(t, err)

		v, _, err := env.authority.CastVote(ctx, room.RoomId, "bob", vote.VoteId, true)
		require.NoError(t, err)
		assert.Equal(t, 1, v.YesCount())
		assert.Len(t, v.Ballots, 1)

		v, _, err = env.authority.CastVote(ctx, room.RoomId, "bob", vote.VoteId, false)
		require.NoError(t, err)
		assert.Equal(t, 0, v.YesCount())
		assert.Len(t, v.Ballots, 1)
	})

	t.Run("ballots after resolution are rejected without side effects", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob")
		// 有権者2人、閾値はceil(0.5*2)=1

		vote, _, err := env.authority.InitiateVote(ctx, room.RoomId, "bob", models.VotePause, 0.5)
		require.NoError(t, err)

		v, resolved, err := env.authority.CastVote(ctx, room.RoomId, "bob", vote.VoteId, true)
		require.NoError(t, err)
		require.True(t, resolved)
		require.True(t, v.Passed)

		_, _, err = env.authority.CastVote(ctx, room.RoomId, "alice", vote.VoteId, false)
		assert.ErrorIs(t, err, ErrVoteClosed)

		stored, found, err := env.authority.GetVote(ctx, room.RoomId)
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, stored.Passed)
		assert.Len(t, stored.Ballots, 1)
	})

	t.Run("a second vote cannot start while one is open", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob", "carol")

		_, _, err := env.authority.InitiateVote(ctx, room.RoomId, "bob", models.VotePause, 0.5)
		require.NoError(t, err)

		_, _, err = env.authority.InitiateVote(ctx, room.RoomId, "carol", models.VoteResume, 0.5)
		assert.ErrorIs(t, err, ErrVoteInProgress)
	})

	t.Run("a new vote may start after the previous one expires", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob", "carol")

		_, _, err := env.authority.InitiateVote(ctx, room.RoomId, "bob", models.VotePause, 0.5)
		require.NoError(t, err)

		env.clock.Advance(2 * time.Minute)
		_, _, err = env.authority.InitiateVote(ctx, room.RoomId, "carol", models.VoteResume, 0.5)
		assert.NoError(t, err)
	})

	t.Run("an expired vote left behind is resolved when the next one starts", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob", "carol")
		// 有権者3人、閾値はceil(0.5*3)=2

		first, _, err := env.authority.InitiateVote(ctx, room.RoomId, "bob", models.VotePause, 0.5)
		require.NoError(t, err)
		_, _, err = env.authority.CastVote(ctx, room.RoomId, "bob", first.VoteId, true)
		require.NoError(t, err)

		// 期限切れの投票は掃除を待たず、次の開始時点でそれまでの票で確定する
		env.clock.Advance(2 * time.Minute)
		second, stale, err := env.authority.InitiateVote(ctx, room.RoomId, "carol", models.VoteResume, 0.5)
		require.NoError(t, err)
		require.NotNil(t, stale)
		assert.Equal(t, first.VoteId, stale.VoteId)
		assert.True(t, stale.Resolved)
		assert.False(t, stale.Passed) // 賛成1 < 閾値2
		assert.NotEqual(t, first.VoteId, second.VoteId)
		assert.Equal(t, 1, env.events.count("vote_resolved"))
	})

	t.Run("ballots for a stale vote id are rejected", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob", "carol")

		_, _, err := env.authority.InitiateVote(ctx, room.RoomId, "bob", models.VotePause, 0.5)
		require.NoError(t, err)

		_, _, err = env.authority.CastVote(ctx, room.RoomId, "carol", "stale-vote-id", true)
		assert.ErrorIs(t, err, ErrVoteNotFound)
	})

	t.Run("non-participants may not vote", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob")

		vote, _, err := env.authority.InitiateVote(ctx, room.RoomId, "bob", models.VotePause, 0.75)
		require.NoError(t, err)

		_, _, err = env.authority.CastVote(ctx, room.RoomId, "mallory", vote.VoteId, true)
		assert.ErrorIs(t, err, ErrNotInRoom)
	})
}

func TestResolveExpiredVote(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves an expired vote with the ballots cast so far", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob", "carol", "dave")

		vote, _, err := env.authority.InitiateVote(ctx, room.RoomId, "bob", models.VoteResume, 0.75)
		require.NoError(t, err)
		_, _, err = env.authority.CastVote(ctx, room.RoomId, "bob", vote.VoteId, true)
		require.NoError(t, err)

		env.clock.Advance(2 * time.Minute)
		resolved, err := env.authority.ResolveExpiredVote(ctx, room.RoomId)
		require.NoError(t, err)
		require.NotNil(t, resolved)
		assert.True(t, resolved.Resolved)
		assert.False(t, resolved.Passed) // 賛成1 < 閾値3

		// 2回目の呼び出しは何も起こさない（冪等）
		again, err := env.authority.ResolveExpiredVote(ctx, room.RoomId)
		require.NoError(t, err)
		assert.Nil(t, again)
		assert.Equal(t, 1, env.events.count("vote_resolved"))
	})

	t.Run("leaves open votes untouched", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob")

		_, _, err := env.authority.InitiateVote(ctx, room.RoomId, "bob", models.VotePause, 0.75)
		require.NoError(t, err)

		resolved, err := env.authority.ResolveExpiredVote(ctx, room.RoomId)
		require.NoError(t, err)
		assert.Nil(t, resolved)
	})
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()

	t.Run("removes expired and revoked grants", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob", "carol", "dave")

		_, err := env.authority.GrantTemporaryHost(ctx, room.RoomId, "alice", "bob", []models.Permission{models.PermissionPlaybackControl}, 1000)
		require.NoError(t, err)
		_, err = env.authority.GrantTemporaryHost(ctx, room.RoomId, "alice", "carol", []models.Permission{models.PermissionPlaybackControl}, 0)
		require.NoError(t, err)
		_, err = env.authority.RevokeTemporaryHost(ctx, room.RoomId, "alice", "carol")
		require.NoError(t, err)
		_, err = env.authority.GrantTemporaryHost(ctx, room.RoomId, "alice", "dave", []models.Permission{models.PermissionPlaybackControl}, 0)
		require.NoError(t, err)

		env.clock.Advance(2 * time.Second)
		grants, votes, err := env.authority.SweepExpired(ctx, room.RoomId)
		require.NoError(t, err)
		assert.Equal(t, 2, grants)
		assert.Equal(t, 0, votes)

		remaining, err := env.authority.ListActiveGrants(ctx, room.RoomId)
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, "dave", remaining[0].TemporaryHostId)
	})

	t.Run("removes resolved votes once the audit window passes", func(t *testing.T) {
		env := newTestEnv()
		room := setupRoom(t, env, CreateRoomParams{}, "bob")

		vote, _, err := env.authority.InitiateVote(ctx, room.RoomId, "bob", models.VotePause, 0.5)
		require.NoError(t, err)
		_, resolved, err := env.authority.CastVote(ctx, room.RoomId, "bob", vote.VoteId, true)
		require.NoError(t, err)
		require.True(t, resolved)

		// 監査保持期間内はまだ残る
		_, votes, err := env.authority.SweepExpired(ctx, room.RoomId)
		require.NoError(t, err)
		assert.Equal(t, 0, votes)

		env.clock.Advance(time.Minute + voteAuditTTLSec*time.Second)
		_, votes, err = env.authority.SweepExpired(ctx, room.RoomId)
		require.NoError(t, err)
		assert.Equal(t, 1, votes)

		_, found, err := env.authority.GetVote(ctx, room.RoomId)
		require.NoError(t, err)
		assert.False(t, found)
	})
}
