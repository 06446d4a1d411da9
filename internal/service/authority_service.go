package service

import (
	"context"
	"math"
	"time"

	"github.com/CineSync/cinesync-server/internal/models"
	"github.com/CineSync/cinesync-server/internal/repo"
	"github.com/google/uuid"
)

// 確定済み投票を監査用に保持しておく時間（秒）
const voteAuditTTLSec = 300

// AuthorityService は操作権限のビジネスロジックを提供します
// 誰が再生操作コマンドを発行できるか（オーナー / 一時ホスト / 全員 / 選択制）と、
// 一時ホスト付与・多数決投票のライフサイクルを管理します
type AuthorityService struct {
	rooms      repo.RoomRepo
	authority  repo.AuthorityRepo
	locker     repo.RoomLocker
	events     repo.EventSink
	ttlSec     int
	voteWindow time.Duration
	now        func() time.Time
}

// NewAuthorityService は新しいAuthorityServiceを作成します
func NewAuthorityService(rooms repo.RoomRepo, authority repo.AuthorityRepo, locker repo.RoomLocker, events repo.EventSink, ttlSec int, voteWindow time.Duration) *AuthorityService {
	return &AuthorityService{
		rooms:      rooms,
		authority:  authority,
		locker:     locker,
		events:     events,
		ttlSec:     ttlSec,
		voteWindow: voteWindow,
		now:        time.Now,
	}
}

func (s *AuthorityService) nowMs() int64 {
	return s.now().UnixMilli()
}

// Authorize は単一の権限チェックを行います
// 次のいずれかを満たす場合に許可されます:
// - actorが現在のオーナーである
// - actorが有効（未取り消し・未失効）な一時ホストで、必要な権限を持つ
// - playbackControl=all で actorが参加者である
// - playbackControl=selected で actorのcanControlフラグが立っている
// 許可されない場合はErrUnauthorized、ルーム未参加の場合はErrNotInRoomを返します
func (s *AuthorityService) Authorize(ctx context.Context, roomId, actorId string, perm models.Permission) error {
	room, ok, err := s.rooms.GetRoom(ctx, roomId)
	if err != nil {
		return ErrStateUnavailable
	}
	if !ok {
		return ErrRoomNotFound
	}

	p, inRoom, err := s.rooms.GetParticipant(ctx, roomId, actorId)
	if err != nil {
		return ErrStateUnavailable
	}
	if !inRoom {
		return ErrNotInRoom
	}

	if room.OwnerId == actorId {
		return nil
	}

	// 一時ホスト付与はルームのモードに関係なく付与された権限の範囲で有効
	grant, found, err := s.authority.GetGrant(ctx, roomId, actorId)
	if err != nil {
		return ErrStateUnavailable
	}
	if found && grant.ActiveAt(s.nowMs()) && grant.HasPermission(perm) {
		return nil
	}

	switch room.PlaybackControl {
	case models.ControlAll:
		return nil
	case models.ControlSelected:
		if p.CanControl {
			return nil
		}
	}
	return ErrUnauthorized
}

// GrantTemporaryHost はオーナーが参加者へ時間制限付きの操作権限を付与します
// durationMsが0の場合は明示的な取り消しまで有効です
// 同一ホストへの付与はルームごとに高々1件で、再付与は上書きになります
func (s *AuthorityService) GrantTemporaryHost(ctx context.Context, roomId, grantorId, targetUserId string, perms []models.Permission, durationMs int64) (models.TemporaryHostSession, error) {
	var grant models.TemporaryHostSession
	err := s.locker.WithRoomLock(ctx, roomId, func() error {
		room, ok, err := s.rooms.GetRoom(ctx, roomId)
		if err != nil {
			return ErrStateUnavailable
		}
		if !ok {
			return ErrRoomNotFound
		}
		if room.OwnerId != grantorId {
			return ErrUnauthorized
		}
		if _, inRoom, err := s.rooms.GetParticipant(ctx, roomId, targetUserId); err != nil {
			return ErrStateUnavailable
		} else if !inRoom {
			return ErrParticipantMissing
		}

		nowMs := s.nowMs()
		grant = models.TemporaryHostSession{
			RoomId:           roomId,
			PermanentOwnerId: grantorId,
			TemporaryHostId:  targetUserId,
			Permissions:      perms,
			GrantedAt:        nowMs,
		}
		if durationMs > 0 {
			grant.ExpiresAt = nowMs + durationMs
		}
		return s.authority.PutGrant(ctx, grant, s.ttlSec)
	})
	if err != nil {
		return models.TemporaryHostSession{}, err
	}
	s.appendEvent(ctx, roomId, "host_granted", grant)
	return grant, nil
}

// RevokeTemporaryHost は一時ホスト付与を取り消します
// オーナーによる取り消し（reclaim含む）と、一時ホスト本人による返上を許可します
// 取り消しは即座に有効になります
func (s *AuthorityService) RevokeTemporaryHost(ctx context.Context, roomId, actorId, hostId string) (models.TemporaryHostSession, error) {
	var grant models.TemporaryHostSession
	err := s.locker.WithRoomLock(ctx, roomId, func() error {
		room, ok, err := s.rooms.GetRoom(ctx, roomId)
		if err != nil {
			return ErrStateUnavailable
		}
		if !ok {
			return ErrRoomNotFound
		}
		if room.OwnerId != actorId && actorId != hostId {
			return ErrUnauthorized
		}

		g, found, err := s.authority.GetGrant(ctx, roomId, hostId)
		if err != nil {
			return ErrStateUnavailable
		}
		if !found {
			return ErrParticipantMissing
		}
		g.Revoked = true
		grant = g
		return s.authority.PutGrant(ctx, g, s.ttlSec)
	})
	if err != nil {
		return models.TemporaryHostSession{}, err
	}
	s.appendEvent(ctx, roomId, "host_revoked", grant)
	return grant, nil
}

// ListActiveGrants は現在有効な一時ホスト付与の一覧を返します
func (s *AuthorityService) ListActiveGrants(ctx context.Context, roomId string) ([]models.TemporaryHostSession, error) {
	grants, err := s.authority.ListGrants(ctx, roomId)
	if err != nil {
		return nil, err
	}
	nowMs := s.nowMs()
	active := make([]models.TemporaryHostSession, 0, len(grants))
	for _, g := range grants {
		if g.ActiveAt(nowMs) {
			active = append(active, g)
		}
	}
	return active, nil
}

// InitiateVote は一時停止/再開の多数決を開始します
// 未確定の投票が存在する間は新しい投票を開始できません
// 期限切れのまま掃除されていない投票が残っていた場合は、上書きする前に
// それまでの票で確定させます（確定イベントは投票ごとに必ず1回）
// 第2戻り値はその確定された古い投票です（なければnil）
// threshold = ceil(thresholdFraction × 有権者数) です
func (s *AuthorityService) InitiateVote(ctx context.Context, roomId, initiatorId string, vtype models.VoteType, thresholdFraction float64) (models.PlaybackVote, *models.PlaybackVote, error) {
	var vote models.PlaybackVote
	var stale *models.PlaybackVote
	err := s.locker.WithRoomLock(ctx, roomId, func() error {
		if _, ok, err := s.rooms.GetRoom(ctx, roomId); err != nil {
			return ErrStateUnavailable
		} else if !ok {
			return ErrRoomNotFound
		}
		if _, inRoom, err := s.rooms.GetParticipant(ctx, roomId, initiatorId); err != nil {
			return ErrStateUnavailable
		} else if !inRoom {
			return ErrNotInRoom
		}

		nowMs := s.nowMs()
		existing, found, err := s.authority.GetVote(ctx, roomId)
		if err != nil {
			return ErrStateUnavailable
		}
		if found && !existing.Resolved {
			if nowMs < existing.ExpiresAt {
				return ErrVoteInProgress
			}
			existing.Resolved = true
			existing.Passed = existing.YesCount() >= existing.Threshold
			stale = &existing
		}

		participants, err := s.rooms.ListParticipants(ctx, roomId)
		if err != nil {
			return ErrStateUnavailable
		}
		eligible := len(participants)

		vote = models.PlaybackVote{
			VoteId:      uuid.NewString(),
			RoomId:      roomId,
			Type:        vtype,
			InitiatedBy: initiatorId,
			InitiatedAt: nowMs,
			ExpiresAt:   nowMs + s.voteWindow.Milliseconds(),
			Threshold:   int(math.Ceil(thresholdFraction * float64(eligible))),
			Eligible:    eligible,
			Ballots:     map[string]bool{},
		}
		return s.authority.PutVote(ctx, vote, s.ttlSec)
	})
	if err != nil {
		return models.PlaybackVote{}, nil, err
	}
	if stale != nil {
		s.appendEvent(ctx, roomId, "vote_resolved", *stale)
	}
	s.appendEvent(ctx, roomId, "vote_started", vote)
	return vote, stale, nil
}

// CastVote は投票を記録します
// 同一投票者の再投票は追記ではなく上書きです
// 確定済みまたは期限切れの投票への投票は拒否され、副作用を持ちません
// 可決/否決が確定した場合は第2戻り値がtrueになります（確定イベントは投票ごとに1回だけ）
func (s *AuthorityService) CastVote(ctx context.Context, roomId, voterId, voteId string, choice bool) (models.PlaybackVote, bool, error) {
	var vote models.PlaybackVote
	resolvedNow := false
	err := s.locker.WithRoomLock(ctx, roomId, func() error {
		v, found, err := s.authority.GetVote(ctx, roomId)
		if err != nil {
			return ErrStateUnavailable
		}
		if !found || v.VoteId != voteId {
			return ErrVoteNotFound
		}
		nowMs := s.nowMs()
		if v.Resolved || nowMs >= v.ExpiresAt {
			return ErrVoteClosed
		}
		if _, inRoom, err := s.rooms.GetParticipant(ctx, roomId, voterId); err != nil {
			return ErrStateUnavailable
		} else if !inRoom {
			return ErrNotInRoom
		}

		v.Ballots[voterId] = choice

		// 確定判定:
		// - 賛成が閾値に達したら即時可決
		// - 残りの全員が賛成しても閾値に届かない場合は早期否決
		yes := v.YesCount()
		remaining := v.Eligible - len(v.Ballots)
		if remaining < 0 {
			remaining = 0
		}
		switch {
		case yes >= v.Threshold:
			v.Resolved = true
			v.Passed = true
		case yes+remaining < v.Threshold:
			v.Resolved = true
			v.Passed = false
		}

		ttl := s.ttlSec
		if v.Resolved {
			resolvedNow = true
			ttl = voteAuditTTLSec
		}
		vote = v
		return s.authority.PutVote(ctx, v, ttl)
	})
	if err != nil {
		return models.PlaybackVote{}, false, err
	}
	if resolvedNow {
		s.appendEvent(ctx, roomId, "vote_resolved", vote)
	}
	return vote, resolvedNow, nil
}

// GetVote は現在の投票を取得します
func (s *AuthorityService) GetVote(ctx context.Context, roomId string) (models.PlaybackVote, bool, error) {
	return s.authority.GetVote(ctx, roomId)
}

// ResolveExpiredVote は期限切れの未確定投票をそれまでの票で確定します
// 確定イベントは投票ごとに1回だけ発生します（冪等）
// 確定が起きた場合のみ投票を返します
func (s *AuthorityService) ResolveExpiredVote(ctx context.Context, roomId string) (*models.PlaybackVote, error) {
	var resolved *models.PlaybackVote
	err := s.locker.WithRoomLock(ctx, roomId, func() error {
		v, found, err := s.authority.GetVote(ctx, roomId)
		if err != nil {
			return err
		}
		if !found || v.Resolved || s.nowMs() < v.ExpiresAt {
			return nil
		}
		v.Resolved = true
		v.Passed = v.YesCount() >= v.Threshold
		if err := s.authority.PutVote(ctx, v, voteAuditTTLSec); err != nil {
			return err
		}
		resolved = &v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resolved != nil {
		s.appendEvent(ctx, roomId, "vote_resolved", *resolved)
	}
	return resolved, nil
}

// SweepExpired は期限切れの一時ホスト付与と監査保持期間を過ぎた投票を削除します
// クライアントの接続有無に関わらずライフサイクルモニターから定期実行されます
// 戻り値は削除した付与・投票の件数です
func (s *AuthorityService) SweepExpired(ctx context.Context, roomId string) (int, int, error) {
	nowMs := s.nowMs()
	grantsRemoved := 0
	grants, err := s.authority.ListGrants(ctx, roomId)
	if err != nil {
		return 0, 0, err
	}
	for _, g := range grants {
		if g.Revoked || (g.ExpiresAt != 0 && nowMs >= g.ExpiresAt) {
			if err := s.authority.DeleteGrant(ctx, roomId, g.TemporaryHostId); err != nil {
				return grantsRemoved, 0, err
			}
			grantsRemoved++
		}
	}

	votesRemoved := 0
	if v, found, err := s.authority.GetVote(ctx, roomId); err != nil {
		return grantsRemoved, 0, err
	} else if found && v.Resolved && nowMs >= v.ExpiresAt+voteAuditTTLSec*1000 {
		if err := s.authority.DeleteVote(ctx, roomId); err != nil {
			return grantsRemoved, votesRemoved, err
		}
		votesRemoved++
	}
	return grantsRemoved, votesRemoved, nil
}

func (s *AuthorityService) appendEvent(ctx context.Context, roomId, event string, payload any) {
	if s.events == nil {
		return
	}
	_ = s.events.Append(ctx, roomId, event, payload)
}

// SetNow はテスト用に時刻取得関数を差し替えます
func (s *AuthorityService) SetNow(now func() time.Time) {
	s.now = now
}
