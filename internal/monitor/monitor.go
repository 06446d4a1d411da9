// Package monitor はルームのライフサイクルを時間軸で調停します
// アイドルルームの警告・閉鎖、予約ルームの開始・期限切れ、
// 期限切れレコードの掃除を、接続とは独立した周期タスクとして実行します
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/CineSync/cinesync-server/internal/countdown"
	"github.com/CineSync/cinesync-server/internal/models"
	"github.com/CineSync/cinesync-server/internal/repo"
	"github.com/CineSync/cinesync-server/internal/service"
	"github.com/rs/zerolog/log"
)

// リマインダーは開始予定時刻のこの時間前から送信対象になる
const remindBeforeMs = 15 * 60 * 1000

// Notifier はルーム内の接続への配信と閉鎖操作のインターフェース
type Notifier interface {
	Broadcast(roomId, event string, payload any)
	// CloseRoom はルーム内の全接続へ閉鎖を通知して切断します
	CloseRoom(roomId string)
}

// Config はモニターの動作設定
type Config struct {
	MaxIdleTimeMs    int64         // この時間活動がなければルームを閉鎖
	WarningBeforeMs  int64         // 閉鎖のこの時間前に一度だけ警告
	ScheduledGraceMs int64         // 予約時刻からこの時間を過ぎたら期限切れ
	IdleInterval     time.Duration // アイドル確認の周期
	ScheduleInterval time.Duration // 予約確認の周期
	SweepInterval    time.Duration // 掃除の周期
	WarnedFlagTTLSec int           // 警告済みフラグのTTL（秒）
}

// Monitor はプロセス全体で1つだけ動くバックグラウンドスケジューラです
// start/stopのライフサイクルを持ち、テストでは各タスクを同期的に実行できます
type Monitor struct {
	cfg       Config
	rooms     repo.RoomRepo
	schedule  repo.ScheduleRepo
	roomSvc   *service.RoomService
	authority *service.AuthorityService
	playback  *service.PlaybackService
	countdown *countdown.Synchronizer
	notify    Notifier
	now       func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New は新しいMonitorを作成します
func New(cfg Config, rooms repo.RoomRepo, schedule repo.ScheduleRepo, roomSvc *service.RoomService, authority *service.AuthorityService, playback *service.PlaybackService, cd *countdown.Synchronizer, notify Notifier) *Monitor {
	return &Monitor{
		cfg:       cfg,
		rooms:     rooms,
		schedule:  schedule,
		roomSvc:   roomSvc,
		authority: authority,
		playback:  playback,
		countdown: cd,
		notify:    notify,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start は3つの独立した周期タスクを起動します
func (m *Monitor) Start() {
	m.runPeriodic(m.cfg.IdleInterval, m.RunIdleCheck)
	m.runPeriodic(m.cfg.ScheduleInterval, m.RunScheduleCheck)
	m.runPeriodic(m.cfg.SweepInterval, m.RunExpirationSweep)
	log.Info().
		Dur("idleInterval", m.cfg.IdleInterval).
		Dur("scheduleInterval", m.cfg.ScheduleInterval).
		Dur("sweepInterval", m.cfg.SweepInterval).
		Msg("lifecycle monitor started")
}

// Stop はすべての周期タスクを停止し、完了を待ちます
func (m *Monitor) Stop() {
	close(m.done)
	m.wg.Wait()
	log.Info().Msg("lifecycle monitor stopped")
}

func (m *Monitor) runPeriodic(interval time.Duration, task func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				task(ctx)
				cancel()
			}
		}
	}()
}

// RunIdleCheck は全ルームのアイドル状態を確認します
// 1ルームの失敗は記録するだけで、他のルームの確認を妨げません
func (m *Monitor) RunIdleCheck(ctx context.Context) {
	ids, err := m.rooms.ListRoomIds(ctx)
	if err != nil {
		log.Error().Err(err).Msg("idle check: failed to list rooms")
		return
	}
	warned, closed := 0, 0
	for _, roomId := range ids {
		w, c, err := m.checkIdle(ctx, roomId)
		if err != nil {
			log.Error().Err(err).Str("roomId", roomId).Msg("idle check failed for room")
			continue
		}
		if w {
			warned++
		}
		if c {
			closed++
		}
	}
	if warned > 0 || closed > 0 {
		log.Info().Int("rooms", len(ids)).Int("warned", warned).Int("closed", closed).Msg("idle check completed")
	}
}

// checkIdle は1ルームのアイドル判定を行います
// 活動があるたびにwarnedフラグはリセットされるため、
// 警告は同一アイドル期間につき最大1回しか送られません
func (m *Monitor) checkIdle(ctx context.Context, roomId string) (warned, closed bool, err error) {
	room, ok, err := m.rooms.GetRoom(ctx, roomId)
	if err != nil {
		return false, false, err
	}
	if !ok {
		// TTLで消えたルームがインデックスに残っているだけなので掃除する
		return false, false, m.rooms.DeleteRoom(ctx, roomId, "")
	}

	nowMs := m.now().UnixMilli()
	lastActivity, found, err := m.rooms.GetActivity(ctx, roomId)
	if err != nil {
		return false, false, err
	}
	if !found {
		lastActivity = room.CreatedAt
	}
	elapsed := nowMs - lastActivity

	if elapsed >= m.cfg.MaxIdleTimeMs {
		m.closeRoom(ctx, roomId, "idle_timeout")
		return false, true, nil
	}

	if elapsed >= m.cfg.MaxIdleTimeMs-m.cfg.WarningBeforeMs {
		fresh, err := m.rooms.MarkWarned(ctx, roomId, m.cfg.WarnedFlagTTLSec)
		if err != nil {
			return false, false, err
		}
		if fresh {
			m.notify.Broadcast(roomId, "room:idle:warning", map[string]any{
				"closesInMs": m.cfg.MaxIdleTimeMs - elapsed,
			})
			return true, false, nil
		}
	}
	return false, false, nil
}

// closeRoom はルームを閉鎖します
// 未発火のカウントダウンタイマーを取り消してから状態を削除するため、
// 閉鎖済みルームへイベントが配信されることはありません
func (m *Monitor) closeRoom(ctx context.Context, roomId, reason string) {
	m.countdown.CancelRoom(roomId)
	m.notify.Broadcast(roomId, "room:closed", map[string]any{"reason": reason})
	m.notify.CloseRoom(roomId)
	if err := m.roomSvc.Close(ctx, roomId); err != nil {
		log.Error().Err(err).Str("roomId", roomId).Msg("failed to close room")
		return
	}
	log.Info().Str("roomId", roomId).Str("reason", reason).Msg("room closed")
}

// RunScheduleCheck は予約ルームの開始・期限切れ・リマインダーを処理します
func (m *Monitor) RunScheduleCheck(ctx context.Context) {
	nowMs := m.now().UnixMilli()

	due, err := m.schedule.ListPending(ctx, nowMs)
	if err != nil {
		log.Error().Err(err).Msg("schedule check: failed to list due schedules")
		return
	}
	activated, expired := 0, 0
	for _, sched := range due {
		if sched.Status != models.ScheduledPending {
			continue
		}
		if nowMs-sched.ScheduledFor > m.cfg.ScheduledGraceMs {
			sched.Status = models.ScheduledExpired
			if err := m.schedule.UpdateScheduled(ctx, sched); err != nil {
				log.Error().Err(err).Str("scheduleId", sched.ScheduleId).Msg("failed to expire schedule")
				continue
			}
			expired++
			continue
		}
		room, err := m.roomSvc.CreateFromSchedule(ctx, sched)
		if err != nil {
			log.Error().Err(err).Str("scheduleId", sched.ScheduleId).Msg("failed to activate scheduled room")
			continue
		}
		sched.Status = models.ScheduledActive
		sched.RoomCode = room.Code
		if err := m.schedule.UpdateScheduled(ctx, sched); err != nil {
			log.Error().Err(err).Str("scheduleId", sched.ScheduleId).Msg("failed to mark schedule active")
			continue
		}
		activated++
	}

	// リマインダーは予約ごとに最大1回
	reminded := 0
	upcoming, err := m.schedule.ListUpcoming(ctx, nowMs, nowMs+remindBeforeMs)
	if err != nil {
		log.Error().Err(err).Msg("schedule check: failed to list upcoming schedules")
	} else {
		for _, sched := range upcoming {
			if sched.Status != models.ScheduledPending || sched.RemindersSent {
				continue
			}
			sched.RemindersSent = true
			if err := m.schedule.UpdateScheduled(ctx, sched); err != nil {
				log.Error().Err(err).Str("scheduleId", sched.ScheduleId).Msg("failed to mark reminder sent")
				continue
			}
			log.Info().Str("scheduleId", sched.ScheduleId).Str("ownerId", sched.OwnerId).Int64("scheduledFor", sched.ScheduledFor).Msg("scheduled room reminder")
			reminded++
		}
	}

	if activated > 0 || expired > 0 || reminded > 0 {
		log.Info().Int("activated", activated).Int("expired", expired).Int("reminded", reminded).Msg("schedule check completed")
	}
}

// RunExpirationSweep は期限切れの一時ホスト付与と投票レコードを削除します
// 接続中のクライアントがいなくても遅延クリーンアップに頼らず掃除されます
// 期限切れの未確定投票はその時点の票で確定させてから破棄対象にします
func (m *Monitor) RunExpirationSweep(ctx context.Context) {
	ids, err := m.rooms.ListRoomIds(ctx)
	if err != nil {
		log.Error().Err(err).Msg("expiration sweep: failed to list rooms")
		return
	}
	grants, votes := 0, 0
	for _, roomId := range ids {
		if resolved, err := m.authority.ResolveExpiredVote(ctx, roomId); err != nil {
			log.Error().Err(err).Str("roomId", roomId).Msg("failed to resolve expired vote")
		} else if resolved != nil {
			m.notify.Broadcast(roomId, "room:vote:resolved", resolved)
			if resolved.Passed {
				if st, err := m.playback.ApplyVoteOutcome(ctx, roomId, resolved.Type); err != nil {
					log.Error().Err(err).Str("roomId", roomId).Msg("failed to apply vote outcome")
				} else {
					m.notify.Broadcast(roomId, "room:playback", st)
				}
			}
		}

		g, v, err := m.authority.SweepExpired(ctx, roomId)
		if err != nil {
			log.Error().Err(err).Str("roomId", roomId).Msg("expiration sweep failed for room")
			continue
		}
		grants += g
		votes += v
	}
	if grants > 0 || votes > 0 {
		log.Info().Int("grants", grants).Int("votes", votes).Msg("expiration sweep completed")
	}
}

// SetNow はテスト用に時刻取得関数を差し替えます
func (m *Monitor) SetNow(now func() time.Time) {
	m.now = now
}
