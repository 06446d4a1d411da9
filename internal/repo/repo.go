// Package repo はルーム状態の永続化を担当します
// すべてのサーバープロセスが参照する唯一の真実の置き場（Redis）を抽象化します
package repo

import (
	"context"
	"errors"

	"github.com/CineSync/cinesync-server/internal/models"
)

// カスタムエラー定義
var (
	ErrRoomExists         = errors.New("room already exists")
	ErrRoomFull           = errors.New("room is at capacity")
	ErrParticipantMissing = errors.New("participant not found")
	ErrVersionConflict    = errors.New("playback version conflict")
	ErrLockNotAcquired    = errors.New("room lock not acquired")
)

// RoomRepo はルーム・参加者・再生状態の保存/取得を行うインターフェース
// すべてのキーは更新可能なTTLを持ち、書き込みのたびにTTLが更新されます
type RoomRepo interface {
	CreateRoom(ctx context.Context, room models.Room, ttlSec int) error
	GetRoom(ctx context.Context, roomId string) (models.Room, bool, error)
	UpdateRoom(ctx context.Context, room models.Room, ttlSec int) error
	DeleteRoom(ctx context.Context, roomId, code string) error
	ResolveCode(ctx context.Context, code string) (string, bool, error)
	ListRoomIds(ctx context.Context) ([]string, error)

	// AddParticipant は定員チェックと追加をアトミックに行います
	// 定員超過の場合はErrRoomFullを返し、参加者数は増えません
	AddParticipant(ctx context.Context, roomId string, p models.Participant, maxParticipants, ttlSec int) error
	RemoveParticipant(ctx context.Context, roomId, participantId string) error
	GetParticipant(ctx context.Context, roomId, participantId string) (models.Participant, bool, error)
	ListParticipants(ctx context.Context, roomId string) ([]models.Participant, error)
	UpdateParticipant(ctx context.Context, roomId string, p models.Participant, ttlSec int) error

	GetPlayback(ctx context.Context, roomId string) (models.PlaybackState, bool, error)
	// UpsertPlayback は楽観的ロック付きの書き込みです
	// 保存済みバージョンがstate.Versionと一致しない場合はErrVersionConflictを返します
	UpsertPlayback(ctx context.Context, roomId string, state models.PlaybackState, ttlSec int) error

	MarkOnline(ctx context.Context, roomId, connectionId string, ttlSec int) error
	MarkOffline(ctx context.Context, roomId, connectionId string) error
	CountOnline(ctx context.Context, roomId string) (int64, error)

	// TouchRoom はルームに属するすべてのキーのTTLを更新します
	TouchRoom(ctx context.Context, roomId string, ttlSec int) error
	// TouchActivity は最終活動時刻を記録し、アイドル警告フラグをリセットします
	TouchActivity(ctx context.Context, roomId string, atMs int64, ttlSec int) error
	GetActivity(ctx context.Context, roomId string) (int64, bool, error)
	// MarkWarned はアイドル警告済みフラグを立てます
	// 新規に立てた場合のみtrueを返します（同一アイドル期間中の二重警告を防ぐ）
	MarkWarned(ctx context.Context, roomId string, ttlSec int) (bool, error)
}

// AuthorityRepo は一時ホスト付与と投票レコードの保存/取得を行うインターフェース
type AuthorityRepo interface {
	PutGrant(ctx context.Context, g models.TemporaryHostSession, ttlSec int) error
	GetGrant(ctx context.Context, roomId, hostId string) (models.TemporaryHostSession, bool, error)
	ListGrants(ctx context.Context, roomId string) ([]models.TemporaryHostSession, error)
	DeleteGrant(ctx context.Context, roomId, hostId string) error

	PutVote(ctx context.Context, v models.PlaybackVote, ttlSec int) error
	GetVote(ctx context.Context, roomId string) (models.PlaybackVote, bool, error)
	DeleteVote(ctx context.Context, roomId string) error
}

// ScheduleRepo は予約ルームの保存/取得を行うインターフェース
type ScheduleRepo interface {
	CreateScheduled(ctx context.Context, s models.ScheduledRoom) error
	GetScheduled(ctx context.Context, scheduleId string) (models.ScheduledRoom, bool, error)
	UpdateScheduled(ctx context.Context, s models.ScheduledRoom) error
	DeleteScheduled(ctx context.Context, scheduleId string) error
	// ListPending は開始予定時刻がbeforeMs以前の未開始予約を返します
	ListPending(ctx context.Context, beforeMs int64) ([]models.ScheduledRoom, error)
	// ListUpcoming は開始予定時刻が[fromMs, toMs]の範囲にある予約を返します（リマインダー用）
	ListUpcoming(ctx context.Context, fromMs, toMs int64) ([]models.ScheduledRoom, error)
}

// EventSink はルーム単位のシステムイベント（入退室・操作権変更など）を
// チャット保存層へ流すためのインターフェース
type EventSink interface {
	Append(ctx context.Context, roomId, event string, payload any) error
}

// RoomLocker はルーム単位のread-modify-writeを直列化するためのロックを提供します
// ロックは単一のread-modify-writeの間だけ保持されます
type RoomLocker interface {
	WithRoomLock(ctx context.Context, roomId string, fn func() error) error
}
