package service

import (
	"context"
	"errors"
	"time"

	"github.com/CineSync/cinesync-server/internal/media"
	"github.com/CineSync/cinesync-server/internal/models"
	"github.com/CineSync/cinesync-server/internal/repo"
)

// PlaybackService は共有再生状態のビジネスロジックを提供します
// すべての操作は権限チェックを通過した場合のみ状態を書き換えます
// 権限のない操作は副作用を一切持ちません
type PlaybackService struct {
	rooms     repo.RoomRepo
	locker    repo.RoomLocker
	authority *AuthorityService
	readiness media.ReadinessChecker
	events    repo.EventSink
	ttlSec    int
	now       func() time.Time
}

// NewPlaybackService は新しいPlaybackServiceを作成します
func NewPlaybackService(rooms repo.RoomRepo, locker repo.RoomLocker, authority *AuthorityService, readiness media.ReadinessChecker, events repo.EventSink, ttlSec int) *PlaybackService {
	return &PlaybackService{
		rooms:     rooms,
		locker:    locker,
		authority: authority,
		readiness: readiness,
		events:    events,
		ttlSec:    ttlSec,
		now:       time.Now,
	}
}

func (s *PlaybackService) nowMs() int64 {
	return s.now().UnixMilli()
}

// Play は再生を開始します
// メディアが準備できていない場合はErrMediaNotReadyで拒否されます
func (s *PlaybackService) Play(ctx context.Context, roomId, actorId string) (models.PlaybackState, error) {
	room, ok, err := s.rooms.GetRoom(ctx, roomId)
	if err != nil {
		return models.PlaybackState{}, ErrStateUnavailable
	}
	if !ok {
		return models.PlaybackState{}, ErrRoomNotFound
	}
	if ready, err := s.readiness.Ready(ctx, room.MediaRef); err != nil || !ready {
		return models.PlaybackState{}, ErrMediaNotReady
	}
	return s.apply(ctx, roomId, actorId, func(st *models.PlaybackState, nowMs int64) {
		st.IsPlaying = true
	})
}

// Pause は再生を一時停止します
func (s *PlaybackService) Pause(ctx context.Context, roomId, actorId string) (models.PlaybackState, error) {
	return s.apply(ctx, roomId, actorId, func(st *models.PlaybackState, nowMs int64) {
		st.IsPlaying = false
	})
}

// Seek は再生位置を明示的に変更します
func (s *PlaybackService) Seek(ctx context.Context, roomId, actorId string, positionMs int64) (models.PlaybackState, error) {
	if positionMs < 0 {
		positionMs = 0
	}
	return s.apply(ctx, roomId, actorId, func(st *models.PlaybackState, nowMs int64) {
		st.PositionMs = positionMs
	})
}

// ApplyVoteOutcome は可決された投票の結果を再生状態へ反映します
// 投票による変更は個別の権限チェックを迂回します（多数決自体が権限）
func (s *PlaybackService) ApplyVoteOutcome(ctx context.Context, roomId string, vtype models.VoteType) (models.PlaybackState, error) {
	return s.write(ctx, roomId, func(st *models.PlaybackState, nowMs int64) {
		st.IsPlaying = vtype == models.VoteResume
	})
}

// Get は現在の再生状態を返します
func (s *PlaybackService) Get(ctx context.Context, roomId string) (models.PlaybackState, error) {
	room, ok, err := s.rooms.GetRoom(ctx, roomId)
	if err != nil {
		return models.PlaybackState{}, ErrStateUnavailable
	}
	if !ok {
		return models.PlaybackState{}, ErrRoomNotFound
	}
	st, found, err := s.rooms.GetPlayback(ctx, roomId)
	if err != nil {
		return models.PlaybackState{}, ErrStateUnavailable
	}
	if !found {
		st = models.PlaybackState{SourceRef: room.MediaRef}
	}
	return st, nil
}

// apply は権限チェックを通過した操作のみを状態へ反映します
func (s *PlaybackService) apply(ctx context.Context, roomId, actorId string, mutate func(*models.PlaybackState, int64)) (models.PlaybackState, error) {
	if err := s.authority.Authorize(ctx, roomId, actorId, models.PermissionPlaybackControl); err != nil {
		return models.PlaybackState{}, err
	}
	return s.write(ctx, roomId, mutate)
}

// write はルーム単位のロック下で read-modify-write を行います
// 再生中の場合は経過時間ぶん再生位置を進めてから変更を適用します
// （明示的なシーク以外で再生位置が巻き戻らないようにするため）
func (s *PlaybackService) write(ctx context.Context, roomId string, mutate func(*models.PlaybackState, int64)) (models.PlaybackState, error) {
	var result models.PlaybackState
	err := s.locker.WithRoomLock(ctx, roomId, func() error {
		room, ok, err := s.rooms.GetRoom(ctx, roomId)
		if err != nil {
			return ErrStateUnavailable
		}
		if !ok {
			return ErrRoomNotFound
		}

		st, found, err := s.rooms.GetPlayback(ctx, roomId)
		if err != nil {
			return ErrStateUnavailable
		}
		if !found {
			st = models.PlaybackState{SourceRef: room.MediaRef}
		}

		nowMs := s.nowMs()
		if st.IsPlaying && st.LastUpdatedAt > 0 && nowMs > st.LastUpdatedAt {
			st.PositionMs += nowMs - st.LastUpdatedAt
		}
		mutate(&st, nowMs)
		st.LastUpdatedAt = nowMs
		if st.SourceRef == "" {
			st.SourceRef = room.MediaRef
		}

		if err := s.rooms.UpsertPlayback(ctx, roomId, st, s.ttlSec); err != nil {
			if errors.Is(err, repo.ErrVersionConflict) {
				// ロック下では起こらないはずだが、起きた場合は呼び出し側で再試行させる
				return ErrStateUnavailable
			}
			return ErrStateUnavailable
		}
		st.Version++
		result = st
		return s.rooms.TouchActivity(ctx, roomId, nowMs, s.ttlSec)
	})
	if err != nil {
		return models.PlaybackState{}, err
	}
	if s.events != nil {
		_ = s.events.Append(ctx, roomId, "playback_changed", result)
	}
	return result, nil
}

// SetNow はテスト用に時刻取得関数を差し替えます
func (s *PlaybackService) SetNow(now func() time.Time) {
	s.now = now
}
