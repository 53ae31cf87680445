package transcript

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/kfcFriedChicken16/Lumos-sub000/internal/model/conversation"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/service/memory"
	sessionsvc "github.com/kfcFriedChicken16/Lumos-sub000/internal/service/session"
)

type nopConn struct{}

func (nopConn) WriteJSON(v interface{}) error { return nil }
func (nopConn) Close() error                  { return nil }

func setupRouter() (*chi.Mux, *sessionsvc.Registry, *memory.Service) {
	registry := sessionsvc.NewRegistry(sessionsvc.Config{})
	store := memory.NewService()
	handler := New(registry, store)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, registry, store
}

func TestListSessions(t *testing.T) {
	r, registry, _ := setupRouter()
	sess := registry.Create("session-1", nopConn{})
	sess.UserID = "user-1"
	registry.Create("session-2", nopConn{})

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body struct {
		Count    int `json:"count"`
		Sessions []struct {
			SessionID     string `json:"sessionId"`
			Authenticated bool   `json:"authenticated"`
		} `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Count != 2 {
		t.Fatalf("expected 2 sessions, got %d", body.Count)
	}

	byID := map[string]bool{}
	for _, s := range body.Sessions {
		byID[s.SessionID] = s.Authenticated
	}
	if !byID["session-1"] || byID["session-2"] {
		t.Fatalf("unexpected authentication flags: %v", byID)
	}
}

func TestTranscriptForLiveSession(t *testing.T) {
	r, registry, store := setupRouter()
	registry.Create("session-1", nopConn{})
	store.Append(context.Background(), conversation.Message{
		SessionID: "session-1",
		Sender:    conversation.SenderStudent,
		Content:   "what is a fraction",
	})
	store.Append(context.Background(), conversation.Message{
		SessionID: "session-1",
		Sender:    conversation.SenderTutor,
		Content:   "A fraction is a part of a whole.",
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions/session-1/transcript", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body struct {
		SessionID string                 `json:"sessionId"`
		Count     int                    `json:"count"`
		Messages  []conversation.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Count != 2 || len(body.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %+v", body)
	}
	if body.Messages[0].Sender != conversation.SenderStudent {
		t.Fatalf("expected student message first, got %+v", body.Messages[0])
	}
}

func TestTranscriptUnknownSession(t *testing.T) {
	r, _, _ := setupRouter()

	req := httptest.NewRequest(http.MethodGet, "/sessions/ghost/transcript", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestTranscriptEmptyHistory(t *testing.T) {
	r, registry, _ := setupRouter()
	registry.Create("session-1", nopConn{})

	req := httptest.NewRequest(http.MethodGet, "/sessions/session-1/transcript", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body struct {
		Count    int               `json:"count"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Count != 0 || body.Messages == nil {
		t.Fatalf("expected empty message array, got %+v", body)
	}
}
