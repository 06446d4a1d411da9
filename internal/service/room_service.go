package service

import (
	"context"
	"errors"
	"time"

	"github.com/CineSync/cinesync-server/internal/idgen"
	"github.com/CineSync/cinesync-server/internal/models"
	"github.com/CineSync/cinesync-server/internal/repo"
	"golang.org/x/crypto/bcrypt"
)

// CodeGenerator はユニークなルームコードを生成するインターフェース
type CodeGenerator interface {
	New() (string, error) // 新しいコードを生成
}

// roomCodeGen はCodeGeneratorの実装
type roomCodeGen struct{}

// New は新しいルームコードを生成します
func (roomCodeGen) New() (string, error) { return idgen.NewRoomCode() }

// NewRoomCodeGenerator は新しいCodeGeneratorを作成します
func NewRoomCodeGenerator() CodeGenerator {
	return roomCodeGen{}
}

// CreateRoomParams はルーム作成時のパラメータ
type CreateRoomParams struct {
	MaxParticipants int                    // 最大参加人数（0なら既定値8）
	PlaybackControl models.PlaybackControl // 再生操作の許可範囲（空ならowner_only）
	Password        string                 // 入室パスワード（空なら設定なし）
	MediaRef        string                 // 再生対象メディアへの参照
}

// RoomService はルーム管理のビジネスロジックを提供します
type RoomService struct {
	repo    repo.RoomRepo   // データ永続化を担当するリポジトリ
	locker  repo.RoomLocker // ルーム単位の書き込み直列化
	events  repo.EventSink  // システムイベントの送出先
	codegen CodeGenerator   // ルームコード生成器
	ttlSec  int             // ルーム状態のTTL（秒）
	now     func() time.Time
}

// NewRoomService は新しいRoomServiceを作成します
func NewRoomService(r repo.RoomRepo, locker repo.RoomLocker, events repo.EventSink, cg CodeGenerator, ttlSec int) *RoomService {
	return &RoomService{repo: r, locker: locker, events: events, codegen: cg, ttlSec: ttlSec, now: time.Now}
}

func (s *RoomService) nowMs() int64 {
	return s.now().UnixMilli()
}

// Create は新しいルームを作成します
// 処理の流れ:
// 1. ユニークなルームコードを生成（重複チェック付き、最大10回リトライ）
// 2. パスワードが指定されていればbcryptでハッシュ化
// 3. ルームをRedisに保存し、オーナーを参加者として追加
func (s *RoomService) Create(ctx context.Context, owner models.Identity, params CreateRoomParams) (models.Room, error) {
	const maxRetries = 10 // コード生成の最大リトライ回数

	if params.MaxParticipants <= 0 {
		params.MaxParticipants = 8
	}
	if params.PlaybackControl == "" {
		params.PlaybackControl = models.ControlOwnerOnly
	}

	var passwordHash string
	if params.Password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcrypt.DefaultCost)
		if err != nil {
			return models.Room{}, err
		}
		passwordHash = string(h)
	}

	nowMs := s.nowMs()
	room := models.Room{
		RoomId:          idgen.NewULID(),
		OwnerId:         owner.UserId,
		MaxParticipants: params.MaxParticipants,
		PlaybackControl: params.PlaybackControl,
		PasswordHash:    passwordHash,
		MediaRef:        params.MediaRef,
		CreatedAt:       nowMs,
		ExpiresAt:       nowMs + int64(s.ttlSec)*1000,
	}

	// コード被りがあった場合、最大maxRetries回まで再生成を試みる
	var err error
	for i := 0; i < maxRetries; i++ {
		room.Code, err = s.codegen.New()
		if err != nil {
			return models.Room{}, err
		}
		err = s.repo.CreateRoom(ctx, room, s.ttlSec)
		if err == nil {
			break
		}
		if !errors.Is(err, repo.ErrRoomExists) {
			return models.Room{}, err
		}
		// 重複あり、次の試行へ
		if i == maxRetries-1 {
			return models.Room{}, ErrCodeGenFailed
		}
	}

	// 作成時にオーナー入室とする
	p := participantFor(room.RoomId, owner, "", nowMs)
	p.Role = models.RoleOwner
	if err := s.repo.AddParticipant(ctx, room.RoomId, p, room.MaxParticipants, s.ttlSec); err != nil {
		// オーナー追加に失敗した場合はルームを削除してロールバック
		_ = s.repo.DeleteRoom(ctx, room.RoomId, room.Code)
		return models.Room{}, err
	}
	if err := s.repo.TouchActivity(ctx, room.RoomId, nowMs, s.ttlSec); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// CreateFromSchedule は予約ルームをライブルームとして開始します
// オーナーはまだ接続していないため、参加者の追加は行いません
// （オーナーが最初に参加した時点でrole=ownerが割り当てられます）
func (s *RoomService) CreateFromSchedule(ctx context.Context, sched models.ScheduledRoom) (models.Room, error) {
	const maxRetries = 10

	nowMs := s.nowMs()
	room := models.Room{
		RoomId:          idgen.NewULID(),
		OwnerId:         sched.OwnerId,
		MaxParticipants: sched.MaxParticipants,
		PlaybackControl: models.ControlOwnerOnly,
		MediaRef:        sched.MediaRef,
		CreatedAt:       nowMs,
		ExpiresAt:       nowMs + int64(s.ttlSec)*1000,
	}

	var err error
	for i := 0; i < maxRetries; i++ {
		room.Code, err = s.codegen.New()
		if err != nil {
			return models.Room{}, err
		}
		err = s.repo.CreateRoom(ctx, room, s.ttlSec)
		if err == nil {
			break
		}
		if !errors.Is(err, repo.ErrRoomExists) {
			return models.Room{}, err
		}
		if i == maxRetries-1 {
			return models.Room{}, ErrCodeGenFailed
		}
	}
	if err := s.repo.TouchActivity(ctx, room.RoomId, nowMs, s.ttlSec); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// RoomSnapshot は参加時にクライアントへ送るルームの全体像
type RoomSnapshot struct {
	Room         models.Room          `json:"room"`
	Participants []models.Participant `json:"participants"`
	Playback     models.PlaybackState `json:"playback"`
}

// Get は指定されたルームの情報・参加者一覧・再生状態を取得します
// 返却するスナップショットにパスワードハッシュは含めません
func (s *RoomService) Get(ctx context.Context, roomId string) (RoomSnapshot, bool, error) {
	r, ok, err := s.repo.GetRoom(ctx, roomId)
	if err != nil {
		return RoomSnapshot{}, false, err
	}
	if !ok {
		return RoomSnapshot{}, false, nil
	}
	r.PasswordHash = ""
	participants, err := s.repo.ListParticipants(ctx, roomId)
	if err != nil {
		return RoomSnapshot{}, false, err
	}
	playback, found, err := s.repo.GetPlayback(ctx, roomId)
	if err != nil {
		return RoomSnapshot{}, false, err
	}
	if !found {
		playback = models.PlaybackState{SourceRef: r.MediaRef}
	}
	return RoomSnapshot{Room: r, Participants: participants, Playback: playback}, true, nil
}

// ResolveCode はルームコードからルームIDを取得します
func (s *RoomService) ResolveCode(ctx context.Context, code string) (string, error) {
	id, ok, err := s.repo.ResolveCode(ctx, code)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrRoomNotFound
	}
	return id, nil
}

// Join はユーザーをルームに参加させます
// 処理の流れ:
// 1. ルームコードからルームを解決
// 2. パスワードが設定されていればbcryptで照合
// 3. 定員チェック付きで参加者を追加（アトミック）
// オーナー本人が（予約ルームなどに）後から参加した場合はrole=ownerを割り当てます
func (s *RoomService) Join(ctx context.Context, code, password string, ident models.Identity, guestName string) (models.Room, models.Participant, error) {
	roomId, err := s.ResolveCode(ctx, code)
	if err != nil {
		return models.Room{}, models.Participant{}, err
	}
	room, ok, err := s.repo.GetRoom(ctx, roomId)
	if err != nil {
		return models.Room{}, models.Participant{}, err
	}
	if !ok {
		return models.Room{}, models.Participant{}, ErrRoomNotFound
	}

	if room.PasswordHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(room.PasswordHash), []byte(password)) != nil {
			return models.Room{}, models.Participant{}, ErrInvalidPassword
		}
	}

	nowMs := s.nowMs()
	p := participantFor(roomId, ident, guestName, nowMs)
	if !ident.Guest && ident.UserId == room.OwnerId {
		p.Role = models.RoleOwner
	}

	// 再参加（猶予時間内の再接続など）では既存の参加者レコードを引き継ぎます
	// joinedAt・canControl・ミュート状態・表示名は接続をまたいで保持されます
	prev, rejoining, err := s.repo.GetParticipant(ctx, roomId, p.ParticipantId)
	if err != nil {
		return models.Room{}, models.Participant{}, err
	}
	if rejoining {
		p.JoinedAt = prev.JoinedAt
		p.CanControl = prev.CanControl
		p.IsMuted = prev.IsMuted
		p.UserName = prev.UserName
		if prev.Role == models.RoleOwner {
			p.Role = models.RoleOwner
		}
	}

	if err := s.repo.AddParticipant(ctx, roomId, p, room.MaxParticipants, s.ttlSec); err != nil {
		if errors.Is(err, repo.ErrRoomFull) {
			return models.Room{}, models.Participant{}, ErrRoomFull
		}
		return models.Room{}, models.Participant{}, err
	}
	if err := s.repo.TouchActivity(ctx, roomId, nowMs, s.ttlSec); err != nil {
		return models.Room{}, models.Participant{}, err
	}

	s.appendEvent(ctx, roomId, "participant_joined", p)
	return room, p, nil
}

// LeaveResult は退出処理の結果
type LeaveResult struct {
	Left     models.Participant  // 退出した参加者
	NewOwner *models.Participant // オーナー引き継ぎが起きた場合の新オーナー（なければnil）
}

// Leave は参加者をルームから退出させます
// 退出者がオーナーだった場合、残った参加者の中で最も早く参加した者へ
// オーナー権限を引き継ぎます（決定的な後継者選出）
// ルーム単位のロック下で実行し、オーナー不在のルームが観測されないようにします
func (s *RoomService) Leave(ctx context.Context, roomId, participantId string) (LeaveResult, error) {
	var result LeaveResult
	err := s.locker.WithRoomLock(ctx, roomId, func() error {
		p, ok, err := s.repo.GetParticipant(ctx, roomId, participantId)
		if err != nil {
			return err
		}
		if !ok {
			return ErrParticipantMissing
		}
		result.Left = p

		if err := s.repo.RemoveParticipant(ctx, roomId, participantId); err != nil {
			return err
		}

		if p.Role != models.RoleOwner {
			return nil
		}

		// オーナー退出: 最古参の残留参加者を昇格させる
		remaining, err := s.repo.ListParticipants(ctx, roomId)
		if err != nil {
			return err
		}
		successor := electSuccessor(remaining)
		if successor == nil {
			return nil
		}
		successor.Role = models.RoleOwner
		if err := s.repo.UpdateParticipant(ctx, roomId, *successor, s.ttlSec); err != nil {
			return err
		}

		room, ok, err := s.repo.GetRoom(ctx, roomId)
		if err != nil {
			return err
		}
		if ok {
			room.OwnerId = successor.ParticipantId
			if err := s.repo.UpdateRoom(ctx, room, s.ttlSec); err != nil {
				return err
			}
		}
		result.NewOwner = successor
		return nil
	})
	if err != nil {
		return LeaveResult{}, err
	}

	s.appendEvent(ctx, roomId, "participant_left", result.Left)
	if result.NewOwner != nil {
		s.appendEvent(ctx, roomId, "ownership_changed", result.NewOwner)
	}
	return result, nil
}

// electSuccessor は決定的な後継者選出を行います
// 参加日時が最も早い参加者を選び、同時刻の場合はIDの辞書順で決定します
func electSuccessor(participants []models.Participant) *models.Participant {
	var successor *models.Participant
	for i := range participants {
		c := &participants[i]
		if successor == nil {
			successor = c
			continue
		}
		if c.JoinedAt < successor.JoinedAt ||
			(c.JoinedAt == successor.JoinedAt && c.ParticipantId < successor.ParticipantId) {
			successor = c
		}
	}
	return successor
}

// Delete はルームを削除します（オーナーのみ実行可能）
func (s *RoomService) Delete(ctx context.Context, roomId, actorId string) error {
	room, exists, err := s.repo.GetRoom(ctx, roomId)
	if err != nil {
		return err
	}
	if !exists {
		return ErrRoomNotFound
	}
	if room.OwnerId != actorId {
		return ErrNotRoomOwner
	}
	return s.repo.DeleteRoom(ctx, roomId, room.Code)
}

// Close はルームの状態を削除します（ライフサイクルモニターからの閉鎖用）
func (s *RoomService) Close(ctx context.Context, roomId string) error {
	room, exists, err := s.repo.GetRoom(ctx, roomId)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return s.repo.DeleteRoom(ctx, roomId, room.Code)
}

// Touch はルームのTTL（有効期限）を更新します
func (s *RoomService) Touch(ctx context.Context, roomId string) error {
	return s.repo.TouchRoom(ctx, roomId, s.ttlSec)
}

// TouchActivity はルームの最終活動時刻を更新します
// 再生操作やチャットなどの活動があるたびに呼ばれ、アイドル判定をリセットします
func (s *RoomService) TouchActivity(ctx context.Context, roomId string) error {
	return s.repo.TouchActivity(ctx, roomId, s.nowMs(), s.ttlSec)
}

// Extend はルームの有効期限を延長します（オーナーのみ実行可能）
// expiresAtは明示的な延長でのみ前進し、後退することはありません
func (s *RoomService) Extend(ctx context.Context, roomId, actorId string, extendMs int64) (models.Room, error) {
	var room models.Room
	err := s.locker.WithRoomLock(ctx, roomId, func() error {
		r, exists, err := s.repo.GetRoom(ctx, roomId)
		if err != nil {
			return err
		}
		if !exists {
			return ErrRoomNotFound
		}
		if r.OwnerId != actorId {
			return ErrNotRoomOwner
		}
		next := s.nowMs() + extendMs
		if next > r.ExpiresAt {
			r.ExpiresAt = next
		}
		if err := s.repo.UpdateRoom(ctx, r, s.ttlSec); err != nil {
			return err
		}
		room = r
		return s.repo.TouchRoom(ctx, roomId, s.ttlSec)
	})
	return room, err
}

// SetPlaybackControlMode は再生操作の許可範囲を変更します（オーナーのみ実行可能）
func (s *RoomService) SetPlaybackControlMode(ctx context.Context, roomId, actorId string, mode models.PlaybackControl) (models.Room, error) {
	var room models.Room
	err := s.locker.WithRoomLock(ctx, roomId, func() error {
		r, exists, err := s.repo.GetRoom(ctx, roomId)
		if err != nil {
			return err
		}
		if !exists {
			return ErrRoomNotFound
		}
		if r.OwnerId != actorId {
			return ErrNotRoomOwner
		}
		r.PlaybackControl = mode
		if err := s.repo.UpdateRoom(ctx, r, s.ttlSec); err != nil {
			return err
		}
		room = r
		return nil
	})
	if err == nil {
		s.appendEvent(ctx, roomId, "control_mode_changed", map[string]any{"mode": mode, "changedBy": actorId})
	}
	return room, err
}

// SetCanControl はselectedモードで操作を許可する参加者フラグを変更します（オーナーのみ）
func (s *RoomService) SetCanControl(ctx context.Context, roomId, actorId, targetId string, canControl bool) error {
	room, exists, err := s.repo.GetRoom(ctx, roomId)
	if err != nil {
		return err
	}
	if !exists {
		return ErrRoomNotFound
	}
	if room.OwnerId != actorId {
		return ErrNotRoomOwner
	}
	p, ok, err := s.repo.GetParticipant(ctx, roomId, targetId)
	if err != nil {
		return err
	}
	if !ok {
		return ErrParticipantMissing
	}
	p.CanControl = canControl
	return s.repo.UpdateParticipant(ctx, roomId, p, s.ttlSec)
}

// SetMuteState は参加者のミュート状態を設定します
func (s *RoomService) SetMuteState(ctx context.Context, roomId, participantId string, isMuted bool) error {
	p, ok, err := s.repo.GetParticipant(ctx, roomId, participantId)
	if err != nil {
		return err
	}
	if !ok {
		return ErrParticipantMissing
	}
	p.IsMuted = isMuted
	return s.repo.UpdateParticipant(ctx, roomId, p, s.ttlSec)
}

// SetUserName は参加者の表示名を変更します
func (s *RoomService) SetUserName(ctx context.Context, roomId, participantId, userName string) error {
	p, ok, err := s.repo.GetParticipant(ctx, roomId, participantId)
	if err != nil {
		return err
	}
	if !ok {
		return ErrParticipantMissing
	}
	p.UserName = userName
	if p.IsGuest() {
		p.GuestName = userName
	}
	return s.repo.UpdateParticipant(ctx, roomId, p, s.ttlSec)
}

// MarkOnline は接続をルームのオンライン集合に追加します
func (s *RoomService) MarkOnline(ctx context.Context, roomId, connectionId string) error {
	return s.repo.MarkOnline(ctx, roomId, connectionId, s.ttlSec)
}

// MarkOffline は接続をルームのオンライン集合から外します
func (s *RoomService) MarkOffline(ctx context.Context, roomId, connectionId string) error {
	return s.repo.MarkOffline(ctx, roomId, connectionId)
}

// appendEvent はシステムイベントをチャット取り込み用のStreamへ送ります
// 送出失敗は本体の処理を失敗させません
func (s *RoomService) appendEvent(ctx context.Context, roomId, event string, payload any) {
	if s.events == nil {
		return
	}
	_ = s.events.Append(ctx, roomId, event, payload)
}

// SetNow はテスト用に時刻取得関数を差し替えます
func (s *RoomService) SetNow(now func() time.Time) {
	s.now = now
}

// participantFor は身元情報から参加者レコードを構築します
// 認証済みユーザーはUserId、ゲストはGuestNameのどちらか一方のみを持ちます
func participantFor(roomId string, ident models.Identity, guestName string, nowMs int64) models.Participant {
	p := models.Participant{
		ParticipantId: ident.UserId,
		RoomId:        roomId,
		Role:          models.RoleParticipant,
		JoinedAt:      nowMs,
	}
	if ident.Guest {
		name := guestName
		if name == "" {
			name = ident.Username
		}
		p.GuestName = name
		p.UserName = name
		p.Role = models.RoleGuest
	} else {
		p.UserId = ident.UserId
		p.UserName = ident.Username
	}
	return p
}
