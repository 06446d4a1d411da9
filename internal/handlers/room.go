package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/CineSync/cinesync-server/internal/identity"
	"github.com/CineSync/cinesync-server/internal/models"
	"github.com/CineSync/cinesync-server/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RoomHandler はルームのHTTP APIを処理するハンドラー
type RoomHandler struct {
	svc      *service.RoomService
	verifier identity.Verifier
}

func NewRoomHandler(svc *service.RoomService, verifier identity.Verifier) *RoomHandler {
	return &RoomHandler{svc: svc, verifier: verifier}
}

// identityFrom はベアラートークンから身元を解決します
// トークンが無い・無効な場合はゲスト身元に切り替えます（ゲストは一級市民）
func identityFrom(r *http.Request, verifier identity.Verifier) models.Identity {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimPrefix(auth, "Bearer ")
		if ident, err := verifier.Verify(r.Context(), token); err == nil {
			return ident
		}
	}
	return identity.Guest(r.URL.Query().Get("guestName"))
}

type createRoomRequest struct {
	MaxParticipants int    `json:"maxParticipants"`
	PlaybackControl string `json:"playbackControl"`
	Password        string `json:"password"`
	MediaRef        string `json:"mediaRef"`
	GuestName       string `json:"guestName"`
}

func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in createRoomRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	ident := identityFrom(r, h.verifier)
	if ident.Guest && in.GuestName != "" {
		ident.Username = in.GuestName
	}

	room, err := h.svc.Create(r.Context(), ident, service.CreateRoomParams{
		MaxParticipants: in.MaxParticipants,
		PlaybackControl: models.PlaybackControl(in.PlaybackControl),
		Password:        in.Password,
		MediaRef:        in.MediaRef,
	})
	if err != nil {
		log.Error().Err(err).Msg("create room error")
		h.writeServiceError(w, err)
		return
	}
	room.PasswordHash = ""
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "room": room})
}

func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	code := normalizeID(chi.URLParam(r, "code"))
	if err := validateRoomCode(code); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	roomId, err := h.svc.ResolveCode(r.Context(), code)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	snapshot, ok, err := h.svc.Get(r.Context(), roomId)
	if err != nil {
		log.Error().Err(err).Str("code", code).Msg("get room error")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "ROOM_NOT_FOUND", "room not found")
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

func (h *RoomHandler) Delete(w http.ResponseWriter, r *http.Request) {
	code := normalizeID(chi.URLParam(r, "code"))
	if err := validateRoomCode(code); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	ident := identityFrom(r, h.verifier)
	roomId, err := h.svc.ResolveCode(r.Context(), code)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if err := h.svc.Delete(r.Context(), roomId, ident.UserId); err != nil {
		log.Warn().Err(err).Str("code", code).Str("userId", ident.UserId).Msg("delete room error")
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

type extendRequest struct {
	ExtendMs int64 `json:"extendMs"`
}

// Extend はルームの有効期限を延長します
// 有効期限は延長でのみ前進し、後退することはありません
func (h *RoomHandler) Extend(w http.ResponseWriter, r *http.Request) {
	code := normalizeID(chi.URLParam(r, "code"))
	if err := validateRoomCode(code); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	var in extendRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.ExtendMs <= 0 {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "extendMs must be positive")
		return
	}
	ident := identityFrom(r, h.verifier)
	roomId, err := h.svc.ResolveCode(r.Context(), code)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	room, err := h.svc.Extend(r.Context(), roomId, ident.UserId, in.ExtendMs)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	room.PasswordHash = ""
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "room": room})
}

// Touch はルームのTTL（有効期限）を更新します
func (h *RoomHandler) Touch(w http.ResponseWriter, r *http.Request) {
	code := normalizeID(chi.URLParam(r, "code"))
	if err := validateRoomCode(code); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	roomId, err := h.svc.ResolveCode(r.Context(), code)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if err := h.svc.Touch(r.Context(), roomId); err != nil {
		log.Error().Err(err).Str("code", code).Msg("touch room error")
		h.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *RoomHandler) writeServiceError(w http.ResponseWriter, err error) {
	code := service.Code(err)
	switch {
	case errors.Is(err, service.ErrRoomNotFound), errors.Is(err, service.ErrScheduleNotFound), errors.Is(err, service.ErrParticipantMissing):
		respondError(w, http.StatusNotFound, code, err.Error())
	case errors.Is(err, service.ErrNotRoomOwner), errors.Is(err, service.ErrUnauthorized):
		respondError(w, http.StatusForbidden, code, err.Error())
	case errors.Is(err, service.ErrRoomFull), errors.Is(err, service.ErrAlreadyInRoom), errors.Is(err, service.ErrVoteInProgress):
		respondError(w, http.StatusConflict, code, err.Error())
	case errors.Is(err, service.ErrInvalidPassword):
		respondError(w, http.StatusUnauthorized, code, err.Error())
	case errors.Is(err, service.ErrStateUnavailable):
		respondError(w, http.StatusServiceUnavailable, code, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}
