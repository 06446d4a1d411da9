package http

import (
	"net/http"

	"github.com/CineSync/cinesync-server/internal/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(rooms *handlers.RoomHandler, schedules *handlers.ScheduleHandler, turnH *handlers.TurnHandler, wsHandler *handlers.WebSocketHandler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/api/v1/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api/v1/room", func(r chi.Router) {
		r.Post("/create", rooms.Create)
		r.Get("/{code}", rooms.Get)
		r.Delete("/{code}", rooms.Delete)
		r.Post("/{code}/extend", rooms.Extend)
		r.Post("/{code}/touch", rooms.Touch)
		// WebSocketエンドポイント
		r.Get("/{code}/ws", wsHandler.HandleWebSocket)
	})

	r.Route("/api/v1/schedule", func(r chi.Router) {
		r.Post("/create", schedules.Create)
		r.Get("/{scheduleId}", schedules.Get)
		r.Delete("/{scheduleId}", schedules.Delete)
	})

	r.Get("/api/v1/turn/credentials", turnH.Credentials)

	return r
}
