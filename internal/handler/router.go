package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kfcFriedChicken16/Lumos-sub000/internal/handler/transcript"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/handler/voice"
	middlewarePkg "github.com/kfcFriedChicken16/Lumos-sub000/internal/middleware"
	sessionsvc "github.com/kfcFriedChicken16/Lumos-sub000/internal/service/session"
	"github.com/kfcFriedChicken16/Lumos-sub000/pkg/utils"
)

// NewRouter wires HTTP routes to the voice pipeline.
func NewRouter(voiceHandler *voice.Handler, transcriptHandler *transcript.Handler, registry *sessionsvc.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Route("/api", func(api chi.Router) {
		api.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":   "ok",
				"sessions": registry.Len(),
			})
		})

		if transcriptHandler != nil {
			transcriptHandler.RegisterRoutes(api)
		}

		if voiceHandler != nil {
			voiceHandler.RegisterRoutes(api)
		} else {
			api.Get("/voice/ws", func(w http.ResponseWriter, r *http.Request) {
				utils.RespondError(w, http.StatusServiceUnavailable, "voice pipeline unavailable")
			})
		}
	})

	return r
}
