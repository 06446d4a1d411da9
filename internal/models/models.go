// Package models はアプリケーションで使用するデータ構造を定義します
package models

// PlaybackControl は再生操作を許可する範囲を表します
type PlaybackControl string

const (
	ControlOwnerOnly PlaybackControl = "owner_only" // オーナー（と有効な一時ホスト）のみ操作可能
	ControlAll       PlaybackControl = "all"        // 参加者全員が操作可能
	ControlSelected  PlaybackControl = "selected"   // canControlフラグを持つ参加者のみ操作可能
)

// Role は参加者のルーム内での役割を表します
type Role string

const (
	RoleOwner       Role = "owner"       // ルームのオーナー
	RoleParticipant Role = "participant" // 認証済みの一般参加者
	RoleGuest       Role = "guest"       // ゲスト参加者（ユーザーIDなし）
)

// Permission は一時ホストに付与できる権限を表します
type Permission string

const (
	PermissionPlaybackControl Permission = "playback_control" // 再生・停止・シーク操作
	PermissionMediaChange     Permission = "media_change"     // 再生対象メディアの変更
	PermissionKick            Permission = "kick"             // 参加者の強制退出
)

// Room はウォッチパーティルームの情報を表します
type Room struct {
	RoomId          string          `json:"roomId"`                 // ルームの一意な識別子（ULID）
	Code            string          `json:"code"`                   // 共有用の短いルームコード（グローバルに一意）
	OwnerId         string          `json:"ownerId"`                // ルームのオーナー（作成者）のユーザーID
	MaxParticipants int             `json:"maxParticipants"`        // 最大参加人数
	PlaybackControl PlaybackControl `json:"playbackControl"`        // 再生操作の許可範囲
	PasswordHash    string          `json:"passwordHash,omitempty"` // 入室パスワードのbcryptハッシュ（未設定なら空）
	MediaRef        string          `json:"mediaRef,omitempty"`     // 再生対象メディアへの参照（マニフェストURLなど）
	CreatedAt       int64           `json:"createdAt"`              // ルーム作成日時（Unixミリ秒）
	ExpiresAt       int64           `json:"expiresAt"`              // ルームの有効期限（Unixミリ秒、延長操作でのみ前進する）
}

// Participant はルームへの参加記録を表します
// 認証済みユーザーの場合はUserId、ゲストの場合はGuestNameのどちらか一方のみが設定されます
type Participant struct {
	ParticipantId string `json:"participantId"`       // 参加者の一意な識別子（認証済みならユーザーID、ゲストなら生成ID）
	RoomId        string `json:"roomId"`              // 所属するルームのID
	UserId        string `json:"userId,omitempty"`    // 認証済みユーザーのID（ゲストの場合は空）
	GuestName     string `json:"guestName,omitempty"` // ゲストの表示名（認証済みの場合は空）
	UserName      string `json:"userName"`            // 表示名
	Role          Role   `json:"role"`                // ルーム内での役割
	CanControl    bool   `json:"canControl"`          // selectedモード時に再生操作を許可するか
	IsMuted       bool   `json:"isMuted"`             // ミュート状態
	JoinedAt      int64  `json:"joinedAt"`            // 参加日時（Unixミリ秒、オーナー引き継ぎの決定に使用）
}

// IsGuest はゲスト参加者かどうかを返します
func (p Participant) IsGuest() bool {
	return p.UserId == ""
}

// PlaybackState は共有される再生位置と状態を表します
type PlaybackState struct {
	IsPlaying     bool   `json:"isPlaying"`           // 再生中かどうか
	PositionMs    int64  `json:"positionMs"`          // 再生位置（ミリ秒）
	LastUpdatedAt int64  `json:"lastUpdatedAt"`       // 最終更新日時（Unixミリ秒）
	SourceRef     string `json:"sourceRef,omitempty"` // 再生中のメディア参照
	Version       int64  `json:"version"`             // 楽観的ロック用のバージョン番号（書き込みごとに+1）
}

// TemporaryHostSession はオーナーから委譲された一時ホスト権限を表します
type TemporaryHostSession struct {
	RoomId           string       `json:"roomId"`              // 対象ルームのID
	PermanentOwnerId string       `json:"permanentOwnerId"`    // 権限を付与したオーナーのID（付与中は不変）
	TemporaryHostId  string       `json:"temporaryHostId"`     // 一時ホストのユーザーID
	Permissions      []Permission `json:"permissions"`         // 付与された権限のリスト
	GrantedAt        int64        `json:"grantedAt"`           // 付与日時（Unixミリ秒）
	ExpiresAt        int64        `json:"expiresAt,omitempty"` // 有効期限（Unixミリ秒、0は明示的な取り消しまで有効）
	Revoked          bool         `json:"revoked"`             // 取り消し済みかどうか
}

// ActiveAt は指定時刻にこの付与が有効かどうかを返します
func (t TemporaryHostSession) ActiveAt(nowMs int64) bool {
	if t.Revoked {
		return false
	}
	if t.ExpiresAt != 0 && nowMs >= t.ExpiresAt {
		return false
	}
	return true
}

// HasPermission は指定された権限が付与されているかどうかを返します
func (t TemporaryHostSession) HasPermission(p Permission) bool {
	for _, g := range t.Permissions {
		if g == p {
			return true
		}
	}
	return false
}

// VoteType は多数決の種類を表します
type VoteType string

const (
	VotePause  VoteType = "pause"  // 一時停止の提案
	VoteResume VoteType = "resume" // 再生再開の提案
)

// PlaybackVote は再生・停止を多数決で決める提案を表します
type PlaybackVote struct {
	VoteId      string          `json:"voteId"`      // 投票の一意な識別子
	RoomId      string          `json:"roomId"`      // 対象ルームのID
	Type        VoteType        `json:"type"`        // 提案の種類
	InitiatedBy string          `json:"initiatedBy"` // 提案者のユーザーID
	InitiatedAt int64           `json:"initiatedAt"` // 提案日時（Unixミリ秒）
	ExpiresAt   int64           `json:"expiresAt"`   // 投票の締め切り（Unixミリ秒）
	Threshold   int             `json:"threshold"`   // 可決に必要な賛成数
	Eligible    int             `json:"eligible"`    // 提案時点の有権者数
	Ballots     map[string]bool `json:"ballots"`     // 投票者ID → 賛否（同一投票者は上書き）
	Resolved    bool            `json:"resolved"`    // 確定済みかどうか（一度だけ設定される）
	Passed      bool            `json:"passed"`      // 可決されたかどうか
}

// YesCount は現在の賛成票数を返します
func (v PlaybackVote) YesCount() int {
	n := 0
	for _, yes := range v.Ballots {
		if yes {
			n++
		}
	}
	return n
}

// ScheduledStatus は予約ルームの状態を表します
type ScheduledStatus string

const (
	ScheduledPending ScheduledStatus = "scheduled" // 開始待ち
	ScheduledActive  ScheduledStatus = "active"    // ライブルームとして開始済み
	ScheduledExpired ScheduledStatus = "expired"   // 開始されずに期限切れ
)

// ScheduledRoom は将来の開始時刻が予約されたルームを表します
type ScheduledRoom struct {
	ScheduleId      string          `json:"scheduleId"`         // 予約の一意な識別子（ULID）
	OwnerId         string          `json:"ownerId"`            // 予約者のユーザーID
	Title           string          `json:"title,omitempty"`    // ルームのタイトル
	MediaRef        string          `json:"mediaRef,omitempty"` // 再生対象メディアへの参照
	MaxParticipants int             `json:"maxParticipants"`    // 最大参加人数
	ScheduledFor    int64           `json:"scheduledFor"`       // 開始予定時刻（Unixミリ秒）
	Status          ScheduledStatus `json:"status"`             // 予約の状態
	RemindersSent   bool            `json:"remindersSent"`      // リマインダー送信済みかどうか（予約ごとに最大1回）
	RoomCode        string          `json:"roomCode,omitempty"` // 開始後に発行されたルームコード
}

// Identity は接続に紐づく検証済みの身元情報を表します
// 資格情報が無い・無効な場合はゲストとして扱われます
type Identity struct {
	UserId   string `json:"userId"`          // ユーザーの一意な識別子（ゲストの場合は生成ID）
	Email    string `json:"email,omitempty"` // メールアドレス（ゲストの場合は空）
	Username string `json:"username"`        // 表示名
	Guest    bool   `json:"guest"`           // ゲストかどうか
}
