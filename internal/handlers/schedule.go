package handlers

import (
	"net/http"

	"github.com/CineSync/cinesync-server/internal/identity"
	"github.com/CineSync/cinesync-server/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// ScheduleHandler は予約ルームのHTTP APIを処理するハンドラー
type ScheduleHandler struct {
	svc      *service.ScheduleService
	rooms    *RoomHandler
	verifier identity.Verifier
}

func NewScheduleHandler(svc *service.ScheduleService, rooms *RoomHandler, verifier identity.Verifier) *ScheduleHandler {
	return &ScheduleHandler{svc: svc, rooms: rooms, verifier: verifier}
}

type createScheduleRequest struct {
	Title           string `json:"title"`
	MediaRef        string `json:"mediaRef"`
	MaxParticipants int    `json:"maxParticipants"`
	ScheduledFor    int64  `json:"scheduledFor"` // 開始予定時刻（Unixミリ秒）
}

func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in createScheduleRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.ScheduledFor <= 0 {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "scheduledFor required")
		return
	}
	ident := identityFrom(r, h.verifier)

	sched, err := h.svc.Create(r.Context(), ident, service.CreateScheduledParams{
		Title:           in.Title,
		MediaRef:        in.MediaRef,
		MaxParticipants: in.MaxParticipants,
		ScheduledFor:    in.ScheduledFor,
	})
	if err != nil {
		log.Error().Err(err).Msg("create schedule error")
		h.rooms.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "schedule": sched})
}

func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	scheduleId := normalizeID(chi.URLParam(r, "scheduleId"))
	if scheduleId == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "scheduleId required")
		return
	}
	sched, err := h.svc.Get(r.Context(), scheduleId)
	if err != nil {
		h.rooms.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sched)
}

func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	scheduleId := normalizeID(chi.URLParam(r, "scheduleId"))
	if scheduleId == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "scheduleId required")
		return
	}
	ident := identityFrom(r, h.verifier)
	if err := h.svc.Cancel(r.Context(), scheduleId, ident.UserId); err != nil {
		h.rooms.writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}
