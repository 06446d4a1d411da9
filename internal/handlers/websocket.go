package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/CineSync/cinesync-server/internal/countdown"
	"github.com/CineSync/cinesync-server/internal/identity"
	"github.com/CineSync/cinesync-server/internal/models"
	"github.com/CineSync/cinesync-server/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// sessionState は接続ごとの状態機械の状態
type sessionState int

const (
	stateIdle   sessionState = iota // どのルームにも属していない
	stateInRoom                     // ルーム参加中
)

// session は1つの接続の状態を保持します
// 受信イベントは接続ごとに逐次処理されるため、ロックは不要です
type session struct {
	client        *Client
	state         sessionState
	roomId        string
	participantId string

	// 接続時のURLパスで指定されたルームコード
	// room:joinのペイロードでコードを省略した場合の参加先になります
	pathCode string
}

// errorPayload はroom:errorイベントのペイロード
// 安定したコードと人間向けメッセージのみを返し、内部情報は含めません
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WebSocketHandler はWebSocket接続を処理するハンドラー
type WebSocketHandler struct {
	rooms     *service.RoomService
	playback  *service.PlaybackService
	authority *service.AuthorityService
	cd        *countdown.Synchronizer
	verifier  identity.Verifier
	hub       *RoomHub
	upgrader  websocket.Upgrader
	grace     time.Duration // 切断後に再接続を待つ猶予時間

	// 猶予時間内の再接続を待っている参加者（ルームID/参加者ID → 退出タイマー）
	pendingMu    sync.Mutex
	pendingLeave map[string]*time.Timer
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
func NewWebSocketHandler(rooms *service.RoomService, playback *service.PlaybackService, authority *service.AuthorityService, cd *countdown.Synchronizer, verifier identity.Verifier, hub *RoomHub, grace time.Duration) *WebSocketHandler {
	return &WebSocketHandler{
		rooms:     rooms,
		playback:  playback,
		authority: authority,
		cd:        cd,
		verifier:  verifier,
		hub:       hub,
		grace:     grace,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Originの検証はCORSミドルウェア側の設定に合わせて行う
				return true
			},
		},
		pendingLeave: make(map[string]*time.Timer),
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. ベアラートークンの検証（失敗しても拒否せずゲストとして受け入れる）
// 2. HTTPからWebSocketへのアップグレード
// 3. メッセージ受信ループの開始（接続ごとに逐次処理）
// 4. 切断時の猶予付き退出処理とクリーンアップ
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ident := h.resolveIdentity(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade error")
		return
	}

	sess := &session{
		client: &Client{
			connectionId: uuid.NewString(),
			identity:     ident,
			conn:         conn,
		},
		state:    stateIdle,
		pathCode: chi.URLParam(r, "code"),
	}

	defer func() {
		h.onDisconnect(sess)
		conn.Close()
	}()

	log.Info().Str("connectionId", sess.client.connectionId).Str("userId", ident.UserId).Bool("guest", ident.Guest).Msg("websocket connected")

	// メッセージ受信ループ
	for {
		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("websocket read error")
			}
			break
		}

		// メッセージタイプに応じて処理
		switch msg.Type {
		case "room:join":
			h.handleJoin(r.Context(), sess, msg.Payload)
		case "room:leave":
			h.handleLeave(r.Context(), sess)
		case "playback:play":
			h.handlePlay(r.Context(), sess)
		case "playback:pause":
			h.handlePause(r.Context(), sess)
		case "playback:seek":
			h.handleSeek(r.Context(), sess, msg.Payload)
		case "countdown:start":
			h.handleCountdownStart(r.Context(), sess)
		case "host:grant":
			h.handleHostGrant(r.Context(), sess, msg.Payload)
		case "host:revoke":
			h.handleHostRevoke(r.Context(), sess, msg.Payload)
		case "vote:initiate":
			h.handleVoteInitiate(r.Context(), sess, msg.Payload)
		case "vote:cast":
			h.handleVoteCast(r.Context(), sess, msg.Payload)
		case "control:mode":
			h.handleControlMode(r.Context(), sess, msg.Payload)
		case "control:select":
			h.handleControlSelect(r.Context(), sess, msg.Payload)
		case "participant:mute":
			h.handleMuteState(r.Context(), sess, msg.Payload)
		case "participant:rename":
			h.handleRename(r.Context(), sess, msg.Payload)
		case "ping":
			// ping/pongで接続を維持
			sess.client.Send("pong", nil)
		default:
			log.Debug().Str("type", msg.Type).Msg("unknown message type")
		}
	}
}

// resolveIdentity はベアラートークンを検証します
// トークンが無い・無効な場合はゲスト身元に切り替え、接続自体は拒否しません
func (h *WebSocketHandler) resolveIdentity(r *http.Request) models.Identity {
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token != "" {
		if ident, err := h.verifier.Verify(r.Context(), token); err == nil {
			return ident
		}
		log.Debug().Msg("token verification failed, degrading to guest")
	}
	return identity.Guest(r.URL.Query().Get("guestName"))
}

// sendError は安定したエラーコード付きのエラーを本人にだけ返します
func (h *WebSocketHandler) sendError(sess *session, err error) {
	sess.client.Send("room:error", errorPayload{Code: service.Code(err), Message: err.Error()})
}

// decodePayload はペイロードを検証します
// 不正なペイロードはログに残すのみで、接続には影響させず、ブロードキャストもしません
func decodePayload(payload json.RawMessage, dst any) bool {
	if err := json.Unmarshal(payload, dst); err != nil {
		log.Debug().Err(err).Msg("invalid event payload")
		return false
	}
	return true
}

type joinPayload struct {
	RoomCode  string `json:"roomCode"`
	Password  string `json:"password,omitempty"`
	GuestName string `json:"guestName,omitempty"`
}

// handleJoin はルームへの参加を処理します
// Idle状態からのみ有効で、参加に成功すると:
// - 本人へルームの全体像（room:state）を送信
// - 他の参加者へroom:participant:joinedを配信（猶予内の再接続では配信しない）
func (h *WebSocketHandler) handleJoin(ctx context.Context, sess *session, payload json.RawMessage) {
	if sess.state != stateIdle {
		h.sendError(sess, service.ErrAlreadyInRoom)
		return
	}
	var in joinPayload
	if !decodePayload(payload, &in) {
		return
	}
	// ペイロードでコードを省略した場合は接続パスのコードに参加する
	code := normalizeID(in.RoomCode)
	if code == "" {
		code = normalizeID(sess.pathCode)
	}
	if err := validateRoomCode(code); err != nil {
		h.sendError(sess, service.ErrRoomNotFound)
		return
	}

	room, p, err := h.rooms.Join(ctx, code, in.Password, sess.client.identity, in.GuestName)
	if err != nil {
		h.sendError(sess, err)
		return
	}

	rejoined := h.cancelPendingLeave(room.RoomId, p.ParticipantId)

	sess.state = stateInRoom
	sess.roomId = room.RoomId
	sess.participantId = p.ParticipantId
	h.hub.Join(room.RoomId, p.ParticipantId, sess.client)

	if err := h.rooms.MarkOnline(ctx, room.RoomId, sess.client.connectionId); err != nil {
		log.Warn().Err(err).Str("roomId", room.RoomId).Msg("failed to mark connection online")
	}

	snapshot, ok, err := h.rooms.Get(ctx, room.RoomId)
	if err != nil || !ok {
		h.sendError(sess, service.ErrStateUnavailable)
		return
	}
	sess.client.Send("room:state", snapshot)

	if !rejoined {
		h.hub.BroadcastExcept(room.RoomId, p.ParticipantId, "room:participant:joined", p)
	}
	log.Info().Str("roomId", room.RoomId).Str("participantId", p.ParticipantId).Bool("rejoined", rejoined).Msg("participant joined")
}

// handleLeave は明示的な退出を処理します
func (h *WebSocketHandler) handleLeave(ctx context.Context, sess *session) {
	if sess.state != stateInRoom {
		h.sendError(sess, service.ErrNotInRoom)
		return
	}
	roomId, participantId := sess.roomId, sess.participantId
	h.detach(ctx, sess)
	h.fullLeave(ctx, roomId, participantId)
	sess.client.Send("room:left", nil)
}

// onDisconnect は接続断を処理します
// ルーム参加中の切断は即時退出とせず、同じ身元による再接続を猶予時間だけ待ちます
// 猶予を超えた場合のみ完全な退出（participant:left配信・オーナー引き継ぎ）を行います
func (h *WebSocketHandler) onDisconnect(sess *session) {
	if sess.state != stateInRoom {
		log.Info().Str("connectionId", sess.client.connectionId).Msg("websocket disconnected")
		return
	}
	roomId, participantId := sess.roomId, sess.participantId
	h.detach(context.Background(), sess)

	if h.grace <= 0 || sess.client.identity.Guest {
		// ゲストは同じ身元で再接続できないため即時退出
		h.fullLeave(context.Background(), roomId, participantId)
		return
	}

	key := roomId + "/" + participantId
	h.pendingMu.Lock()
	if prev, exists := h.pendingLeave[key]; exists {
		prev.Stop()
	}
	h.pendingLeave[key] = time.AfterFunc(h.grace, func() {
		h.pendingMu.Lock()
		delete(h.pendingLeave, key)
		h.pendingMu.Unlock()
		h.fullLeave(context.Background(), roomId, participantId)
	})
	h.pendingMu.Unlock()
	log.Info().Str("roomId", roomId).Str("participantId", participantId).Dur("grace", h.grace).Msg("participant disconnected, waiting for reconnect")
}

// detach は接続をルームの配信対象・オンライン集合から外します
// 参加者レコードには触れません
func (h *WebSocketHandler) detach(ctx context.Context, sess *session) {
	h.hub.Leave(sess.roomId, sess.participantId)
	if err := h.rooms.MarkOffline(ctx, sess.roomId, sess.client.connectionId); err != nil {
		log.Warn().Err(err).Str("roomId", sess.roomId).Msg("failed to mark connection offline")
	}
	sess.state = stateIdle
	sess.roomId = ""
	sess.participantId = ""
}

// cancelPendingLeave は保留中の退出タイマーを取り消します
// 取り消せた場合は猶予時間内の再接続を意味します
func (h *WebSocketHandler) cancelPendingLeave(roomId, participantId string) bool {
	key := roomId + "/" + participantId
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	if timer, exists := h.pendingLeave[key]; exists {
		timer.Stop()
		delete(h.pendingLeave, key)
		return true
	}
	return false
}

// fullLeave は参加者レコードを削除し、残りの参加者へ通知します
// 退出者がオーナーだった場合はオーナー引き継ぎのイベントを1回だけ配信します
func (h *WebSocketHandler) fullLeave(ctx context.Context, roomId, participantId string) {
	result, err := h.rooms.Leave(ctx, roomId, participantId)
	if err != nil {
		log.Warn().Err(err).Str("roomId", roomId).Str("participantId", participantId).Msg("failed to leave room")
		return
	}
	h.hub.Broadcast(roomId, "room:participant:left", result.Left)
	if result.NewOwner != nil {
		h.hub.Broadcast(roomId, "room:owner:changed", result.NewOwner)
	}
	log.Info().Str("roomId", roomId).Str("participantId", participantId).Msg("participant left")
}

func (h *WebSocketHandler) requireInRoom(sess *session) bool {
	if sess.state != stateInRoom {
		h.sendError(sess, service.ErrNotInRoom)
		return false
	}
	return true
}

func (h *WebSocketHandler) handlePlay(ctx context.Context, sess *session) {
	if !h.requireInRoom(sess) {
		return
	}
	st, err := h.playback.Play(ctx, sess.roomId, sess.participantId)
	if err != nil {
		h.sendError(sess, err)
		return
	}
	h.hub.Broadcast(sess.roomId, "room:playback", st)
}

func (h *WebSocketHandler) handlePause(ctx context.Context, sess *session) {
	if !h.requireInRoom(sess) {
		return
	}
	st, err := h.playback.Pause(ctx, sess.roomId, sess.participantId)
	if err != nil {
		h.sendError(sess, err)
		return
	}
	h.hub.Broadcast(sess.roomId, "room:playback", st)
}

type seekPayload struct {
	PositionMs int64 `json:"positionMs"`
}

func (h *WebSocketHandler) handleSeek(ctx context.Context, sess *session, payload json.RawMessage) {
	if !h.requireInRoom(sess) {
		return
	}
	var in seekPayload
	if !decodePayload(payload, &in) {
		return
	}
	st, err := h.playback.Seek(ctx, sess.roomId, sess.participantId, in.PositionMs)
	if err != nil {
		h.sendError(sess, err)
		return
	}
	h.hub.Broadcast(sess.roomId, "room:playback", st)
}

// handleCountdownStart は同時再生開始のカウントダウンを開始します
// 開始にも再生操作の権限が必要です
func (h *WebSocketHandler) handleCountdownStart(ctx context.Context, sess *session) {
	if !h.requireInRoom(sess) {
		return
	}
	if err := h.authority.Authorize(ctx, sess.roomId, sess.participantId, models.PermissionPlaybackControl); err != nil {
		h.sendError(sess, err)
		return
	}
	h.cd.Start(sess.roomId)
}

type hostGrantPayload struct {
	TargetUserId string              `json:"targetUserId"`
	Permissions  []models.Permission `json:"permissions"`
	DurationMs   int64               `json:"durationMs,omitempty"`
}

func (h *WebSocketHandler) handleHostGrant(ctx context.Context, sess *session, payload json.RawMessage) {
	if !h.requireInRoom(sess) {
		return
	}
	var in hostGrantPayload
	if !decodePayload(payload, &in) {
		return
	}
	if err := validateUserId(in.TargetUserId); err != nil {
		h.sendError(sess, service.ErrParticipantMissing)
		return
	}
	if len(in.Permissions) == 0 {
		in.Permissions = []models.Permission{models.PermissionPlaybackControl}
	}
	grant, err := h.authority.GrantTemporaryHost(ctx, sess.roomId, sess.participantId, normalizeID(in.TargetUserId), in.Permissions, in.DurationMs)
	if err != nil {
		h.sendError(sess, err)
		return
	}
	h.hub.Broadcast(sess.roomId, "room:host:granted", grant)
}

type hostRevokePayload struct {
	TargetUserId string `json:"targetUserId"`
}

func (h *WebSocketHandler) handleHostRevoke(ctx context.Context, sess *session, payload json.RawMessage) {
	if !h.requireInRoom(sess) {
		return
	}
	var in hostRevokePayload
	if !decodePayload(payload, &in) {
		return
	}
	grant, err := h.authority.RevokeTemporaryHost(ctx, sess.roomId, sess.participantId, normalizeID(in.TargetUserId))
	if err != nil {
		h.sendError(sess, err)
		return
	}
	h.hub.Broadcast(sess.roomId, "room:host:revoked", grant)
}

type voteInitiatePayload struct {
	Type              models.VoteType `json:"type"`
	ThresholdFraction float64         `json:"thresholdFraction"`
}

func (h *WebSocketHandler) handleVoteInitiate(ctx context.Context, sess *session, payload json.RawMessage) {
	if !h.requireInRoom(sess) {
		return
	}
	var in voteInitiatePayload
	if !decodePayload(payload, &in) {
		return
	}
	if in.Type != models.VotePause && in.Type != models.VoteResume {
		log.Debug().Str("type", string(in.Type)).Msg("invalid vote type")
		return
	}
	if in.ThresholdFraction <= 0 || in.ThresholdFraction > 1 {
		in.ThresholdFraction = 0.5
	}
	vote, stale, err := h.authority.InitiateVote(ctx, sess.roomId, sess.participantId, in.Type, in.ThresholdFraction)
	if err != nil {
		h.sendError(sess, err)
		return
	}
	// 期限切れのまま残っていた前の投票が確定された場合は、新しい投票より先に配信する
	if stale != nil {
		h.broadcastResolution(ctx, sess.roomId, *stale)
	}
	h.hub.Broadcast(sess.roomId, "room:vote:started", vote)
}

type voteCastPayload struct {
	VoteId string `json:"voteId"`
	Choice bool   `json:"choice"`
}

// handleVoteCast は投票を記録します
// 可決が確定した場合は再生状態への反映もここで行い、結果を配信します
func (h *WebSocketHandler) handleVoteCast(ctx context.Context, sess *session, payload json.RawMessage) {
	if !h.requireInRoom(sess) {
		return
	}
	var in voteCastPayload
	if !decodePayload(payload, &in) {
		return
	}
	vote, resolved, err := h.authority.CastVote(ctx, sess.roomId, sess.participantId, in.VoteId, in.Choice)
	if err != nil {
		h.sendError(sess, err)
		return
	}
	h.hub.Broadcast(sess.roomId, "room:vote:updated", vote)
	if resolved {
		h.broadcastResolution(ctx, sess.roomId, vote)
	}
}

// broadcastResolution は投票の確定を配信し、可決の場合は再生状態へ反映します
func (h *WebSocketHandler) broadcastResolution(ctx context.Context, roomId string, vote models.PlaybackVote) {
	h.hub.Broadcast(roomId, "room:vote:resolved", vote)
	if !vote.Passed {
		return
	}
	st, err := h.playback.ApplyVoteOutcome(ctx, roomId, vote.Type)
	if err != nil {
		log.Warn().Err(err).Str("roomId", roomId).Msg("failed to apply vote outcome")
		return
	}
	h.hub.Broadcast(roomId, "room:playback", st)
}

type controlModePayload struct {
	Mode models.PlaybackControl `json:"mode"`
}

func (h *WebSocketHandler) handleControlMode(ctx context.Context, sess *session, payload json.RawMessage) {
	if !h.requireInRoom(sess) {
		return
	}
	var in controlModePayload
	if !decodePayload(payload, &in) {
		return
	}
	switch in.Mode {
	case models.ControlOwnerOnly, models.ControlAll, models.ControlSelected:
	default:
		log.Debug().Str("mode", string(in.Mode)).Msg("invalid playback control mode")
		return
	}
	room, err := h.rooms.SetPlaybackControlMode(ctx, sess.roomId, sess.participantId, in.Mode)
	if err != nil {
		h.sendError(sess, err)
		return
	}
	h.hub.Broadcast(sess.roomId, "room:control:changed", map[string]any{"mode": room.PlaybackControl})
}

type controlSelectPayload struct {
	TargetId   string `json:"targetId"`
	CanControl bool   `json:"canControl"`
}

func (h *WebSocketHandler) handleControlSelect(ctx context.Context, sess *session, payload json.RawMessage) {
	if !h.requireInRoom(sess) {
		return
	}
	var in controlSelectPayload
	if !decodePayload(payload, &in) {
		return
	}
	if err := h.rooms.SetCanControl(ctx, sess.roomId, sess.participantId, normalizeID(in.TargetId), in.CanControl); err != nil {
		h.sendError(sess, err)
		return
	}
	h.hub.Broadcast(sess.roomId, "room:control:changed", map[string]any{
		"targetId":   in.TargetId,
		"canControl": in.CanControl,
	})
}

type muteStatePayload struct {
	IsMuted bool `json:"isMuted"`
}

func (h *WebSocketHandler) handleMuteState(ctx context.Context, sess *session, payload json.RawMessage) {
	if !h.requireInRoom(sess) {
		return
	}
	var in muteStatePayload
	if !decodePayload(payload, &in) {
		return
	}
	if err := h.rooms.SetMuteState(ctx, sess.roomId, sess.participantId, in.IsMuted); err != nil {
		h.sendError(sess, err)
		return
	}
	h.hub.BroadcastExcept(sess.roomId, sess.participantId, "room:participant:updated", map[string]any{
		"participantId": sess.participantId,
		"isMuted":       in.IsMuted,
	})
}

type renamePayload struct {
	UserName string `json:"userName"`
}

func (h *WebSocketHandler) handleRename(ctx context.Context, sess *session, payload json.RawMessage) {
	if !h.requireInRoom(sess) {
		return
	}
	var in renamePayload
	if !decodePayload(payload, &in) {
		return
	}
	name := strings.TrimSpace(in.UserName)
	if name == "" {
		log.Debug().Msg("userName required for rename")
		return
	}
	if err := h.rooms.SetUserName(ctx, sess.roomId, sess.participantId, name); err != nil {
		h.sendError(sess, err)
		return
	}
	h.hub.BroadcastExcept(sess.roomId, sess.participantId, "room:participant:updated", map[string]any{
		"participantId": sess.participantId,
		"userName":      name,
	})
}
