// Package service はビジネスロジックを担当します
// ルームの管理・参加・操作権限・再生制御などの処理を提供します
package service

import "errors"

// カスタムエラー定義
var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomFull           = errors.New("room is full")
	ErrInvalidPassword    = errors.New("invalid room password")
	ErrAlreadyInRoom      = errors.New("already in a room")
	ErrNotInRoom          = errors.New("not in a room")
	ErrUnauthorized       = errors.New("not authorized for this action")
	ErrNotRoomOwner       = errors.New("forbidden: not room owner")
	ErrParticipantMissing = errors.New("participant not found")
	ErrVoteInProgress     = errors.New("a vote is already in progress")
	ErrVoteNotFound       = errors.New("vote not found")
	ErrVoteClosed         = errors.New("vote is already resolved or expired")
	ErrMediaNotReady      = errors.New("media source is not ready")
	ErrStateUnavailable   = errors.New("room state store unavailable")
	ErrCodeGenFailed      = errors.New("failed to generate unique room code after multiple attempts")
	ErrScheduleNotFound   = errors.New("scheduled room not found")
)

// Code はエラーをクライアントへ返す安定したエラーコードへ変換します
// スタックトレース等の内部情報は外へ出しません
func Code(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "ROOM_NOT_FOUND"
	case errors.Is(err, ErrRoomFull):
		return "ROOM_FULL"
	case errors.Is(err, ErrInvalidPassword):
		return "INVALID_PASSWORD"
	case errors.Is(err, ErrAlreadyInRoom):
		return "ALREADY_IN_ROOM"
	case errors.Is(err, ErrNotInRoom):
		return "NOT_IN_ROOM"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotRoomOwner):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrParticipantMissing):
		return "NOT_IN_ROOM"
	case errors.Is(err, ErrVoteInProgress):
		return "VOTE_IN_PROGRESS"
	case errors.Is(err, ErrVoteNotFound):
		return "VOTE_NOT_FOUND"
	case errors.Is(err, ErrVoteClosed):
		return "VOTE_CLOSED"
	case errors.Is(err, ErrMediaNotReady):
		return "MEDIA_NOT_READY"
	case errors.Is(err, ErrStateUnavailable):
		return "STATE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}
