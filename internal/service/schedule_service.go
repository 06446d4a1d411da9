package service

import (
	"context"
	"time"

	"github.com/CineSync/cinesync-server/internal/idgen"
	"github.com/CineSync/cinesync-server/internal/models"
	"github.com/CineSync/cinesync-server/internal/repo"
)

// ScheduleService は予約ルームのビジネスロジックを提供します
// 予約の開始・期限切れへの遷移はライフサイクルモニターが行います
type ScheduleService struct {
	schedule repo.ScheduleRepo
	now      func() time.Time
}

// NewScheduleService は新しいScheduleServiceを作成します
func NewScheduleService(schedule repo.ScheduleRepo) *ScheduleService {
	return &ScheduleService{schedule: schedule, now: time.Now}
}

// CreateScheduledParams は予約作成時のパラメータ
type CreateScheduledParams struct {
	Title           string // ルームのタイトル
	MediaRef        string // 再生対象メディアへの参照
	MaxParticipants int    // 最大参加人数（0なら既定値8）
	ScheduledFor    int64  // 開始予定時刻（Unixミリ秒）
}

// Create は新しい予約ルームを作成します
func (s *ScheduleService) Create(ctx context.Context, owner models.Identity, params CreateScheduledParams) (models.ScheduledRoom, error) {
	if params.MaxParticipants <= 0 {
		params.MaxParticipants = 8
	}
	sched := models.ScheduledRoom{
		ScheduleId:      idgen.NewULID(),
		OwnerId:         owner.UserId,
		Title:           params.Title,
		MediaRef:        params.MediaRef,
		MaxParticipants: params.MaxParticipants,
		ScheduledFor:    params.ScheduledFor,
		Status:          models.ScheduledPending,
	}
	if err := s.schedule.CreateScheduled(ctx, sched); err != nil {
		return models.ScheduledRoom{}, err
	}
	return sched, nil
}

// Get は予約ルームを取得します
func (s *ScheduleService) Get(ctx context.Context, scheduleId string) (models.ScheduledRoom, error) {
	sched, ok, err := s.schedule.GetScheduled(ctx, scheduleId)
	if err != nil {
		return models.ScheduledRoom{}, err
	}
	if !ok {
		return models.ScheduledRoom{}, ErrScheduleNotFound
	}
	return sched, nil
}

// Cancel は予約を取り消します（予約者のみ実行可能）
func (s *ScheduleService) Cancel(ctx context.Context, scheduleId, actorId string) error {
	sched, ok, err := s.schedule.GetScheduled(ctx, scheduleId)
	if err != nil {
		return err
	}
	if !ok {
		return ErrScheduleNotFound
	}
	if sched.OwnerId != actorId {
		return ErrNotRoomOwner
	}
	return s.schedule.DeleteScheduled(ctx, scheduleId)
}
