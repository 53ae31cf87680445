package transcript

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kfcFriedChicken16/Lumos-sub000/internal/model/conversation"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/service/memory"
	sessionsvc "github.com/kfcFriedChicken16/Lumos-sub000/internal/service/session"
	"github.com/kfcFriedChicken16/Lumos-sub000/pkg/utils"
)

// Handler exposes a read-only view of the live sessions and their
// in-process transcripts, for dashboards and debugging. Durable history
// is the persistence backend's business, not served here.
type Handler struct {
	registry *sessionsvc.Registry
	memory   *memory.Service
}

// New creates the transcript handler.
func New(registry *sessionsvc.Registry, memory *memory.Service) *Handler {
	return &Handler{registry: registry, memory: memory}
}

// RegisterRoutes registers the session view routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleListSessions)
	r.Get("/sessions/{sessionID}/transcript", h.handleTranscript)
}

type sessionSummary struct {
	SessionID     string    `json:"sessionId"`
	Authenticated bool      `json:"authenticated"`
	StartedAt     time.Time `json:"startedAt"`
	LastActive    time.Time `json:"lastActive"`
	TurnActive    bool      `json:"turnActive"`
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	live := h.registry.List()
	summaries := make([]sessionSummary, 0, len(live))
	for _, s := range live {
		summaries = append(summaries, sessionSummary{
			SessionID:     s.ID,
			Authenticated: s.UserID != "",
			StartedAt:     s.StartedAt,
			LastActive:    s.LastActive(),
			TurnActive:    s.TurnActive(),
		})
	}
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(summaries),
		"sessions": summaries,
	})
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "session id is required")
		return
	}

	if _, ok := h.registry.Get(sessionID); !ok {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	messages, err := h.memory.History(r.Context(), sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []conversation.Message{}
	}

	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"count":     len(messages),
		"messages":  messages,
	})
}
