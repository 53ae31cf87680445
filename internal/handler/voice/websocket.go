package voice

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kfcFriedChicken16/Lumos-sub000/internal/config"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/metrics"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/service/ai"
	sessionsvc "github.com/kfcFriedChicken16/Lumos-sub000/internal/service/session"
)

// Transcriber is the speech-to-text collaborator.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

const (
	readDeadline = 60 * time.Second
	pingInterval = 54 * time.Second
)

// Handler owns one websocket endpoint. Each connection gets a read loop
// that parses inbound messages in arrival order and dispatches them;
// turns run on their own goroutine so the loop stays responsive and can
// reject a second utterance as busy.
type Handler struct {
	registry    *sessionsvc.Registry
	coordinator *Coordinator
	transcriber Transcriber
	memory      Memory
	persister   Persister
	recorder    *metrics.Recorder
	sessionCfg  config.SessionConfig
	upgrader    websocket.Upgrader
}

// NewHandler creates the voice connection handler.
func NewHandler(registry *sessionsvc.Registry, coordinator *Coordinator, transcriber Transcriber, memory Memory, persister Persister, recorder *metrics.Recorder, sessionCfg config.SessionConfig) *Handler {
	return &Handler{
		registry:    registry,
		coordinator: coordinator,
		transcriber: transcriber,
		memory:      memory,
		persister:   persister,
		recorder:    recorder,
		sessionCfg:  sessionCfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/voice/ws", h.handleWebSocket)
}

// connState is the per-connection view of a session. sess stays nil
// until an init message (or the first audio message) creates it.
type connState struct {
	sess      *sessionsvc.Session
	assembler *Assembler
	format    string
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[voice] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	state := &connState{
		assembler: NewAssembler(h.sessionCfg.MaxAudioBytes),
	}

	go h.pingLoop(ctx, conn)
	defer h.teardown(state)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[voice] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Malformed input never terminates the connection.
			h.sendDirect(conn, state, newEvent(eventError, "", messageData{Message: "malformed message"}))
			continue
		}

		if msg.SessionID != "" && state.sess != nil && msg.SessionID != state.sess.ID {
			h.send(state, newEvent(eventError, state.sess.ID, messageData{Message: "session mismatch"}))
			continue
		}

		h.handleMessage(ctx, conn, state, &msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, conn sessionsvc.Conn, state *connState, msg *inboundMessage) {
	if state.sess != nil {
		_ = h.registry.Touch(state.sess.ID)
	}

	switch msg.Type {
	case typeInit:
		h.handleInit(ctx, conn, state, msg.Data)
	case typeAudio:
		h.handleAudio(ctx, conn, state, msg.Data)
	case typeClear:
		h.handleClear(conn, state)
	default:
		h.sendDirect(conn, state, newEvent(eventError, sessionID(state), messageData{Message: "unsupported message type: " + msg.Type}))
	}
}

func (h *Handler) handleInit(ctx context.Context, conn sessionsvc.Conn, state *connState, raw json.RawMessage) {
	var init InitMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &init); err != nil {
			h.sendDirect(conn, state, newEvent(eventError, "", messageData{Message: "invalid init payload"}))
			return
		}
	}

	if state.sess != nil {
		// Re-init keeps the existing session; just acknowledge it again.
		h.send(state, newEvent(eventInitialized, state.sess.ID, initializedData{
			SessionID: state.sess.ID,
			Greeting:  ai.Greeting,
		}))
		return
	}

	sess := h.registry.Create(init.SessionID, conn)
	state.sess = sess
	h.recorder.SessionStarted(ctx)

	// Identity is resolved exactly once, here. A failed verification
	// downgrades to an unauthenticated session instead of refusing the
	// connection.
	if init.AuthToken != "" && h.persister != nil && h.persister.Enabled() {
		userID, err := h.persister.VerifyToken(ctx, init.AuthToken)
		if err != nil {
			log.Printf("[voice] identity verification failed session=%s: %v", sess.ID, err)
		} else {
			sess.UserID = userID
			sess.Credential = init.AuthToken
			if persistentID, err := h.persister.CreateSession(ctx, userID, init.AuthToken); err != nil {
				log.Printf("[voice] durable session creation failed session=%s: %v", sess.ID, err)
			} else {
				sess.PersistentID = persistentID
			}
		}
	}

	log.Printf("[voice] session started id=%s authenticated=%t", sess.ID, sess.UserID != "")
	h.send(state, newEvent(eventInitialized, sess.ID, initializedData{
		SessionID: sess.ID,
		Greeting:  ai.Greeting,
	}))
}

func (h *Handler) handleAudio(ctx context.Context, conn sessionsvc.Conn, state *connState, raw json.RawMessage) {
	var audio AudioMessage
	if err := json.Unmarshal(raw, &audio); err != nil {
		h.sendDirect(conn, state, newEvent(eventError, sessionID(state), messageData{Message: "invalid audio payload"}))
		return
	}

	// Audio before init opens an unauthenticated session implicitly.
	if state.sess == nil {
		h.handleInit(ctx, conn, state, nil)
		if state.sess == nil {
			return
		}
	}
	sess := state.sess

	if audio.Format != "" {
		state.format = audio.Format
	}

	if err := state.assembler.Append(audio.Chunk); err != nil {
		h.send(state, newEvent(eventError, sess.ID, messageData{Message: "utterance too long, audio buffer cleared"}))
		return
	}

	if !audio.EndOfUtterance {
		return
	}

	if !sess.AllowTurn() {
		h.send(state, newEvent(eventBusy, sess.ID, messageData{Message: "You're sending questions faster than I can answer. Give me a second."}))
		state.assembler.Reset()
		return
	}
	if !sess.BeginTurn() {
		// A turn is still generating; keep its event stream clean. The
		// rejected utterance is dropped rather than queued.
		state.assembler.Reset()
		h.send(state, newEvent(eventBusy, sess.ID, messageData{Message: "Still answering your last question, one moment."}))
		return
	}

	// Drain on the read loop so a chunk that arrives right after this
	// message can never be glued into the utterance just completed.
	utterance := state.assembler.Drain()
	if len(utterance) == 0 {
		sess.EndTurn()
		h.send(state, newEvent(eventNoSpeech, sess.ID, messageData{Message: "I didn't catch any audio. Try again?"}))
		return
	}

	go h.runTurn(ctx, state, sess, utterance, state.format)
}

// runTurn transcribes the drained utterance and drives the turn. It
// runs on its own goroutine; the busy marker it holds is what keeps the
// idle sweep and competing utterances away from this session.
func (h *Handler) runTurn(ctx context.Context, state *connState, sess *sessionsvc.Session, audio []byte, format string) {
	defer sess.EndTurn()

	transcript, err := h.transcriber.Transcribe(ctx, audio, format)
	if err != nil {
		log.Printf("[voice] transcription failed session=%s: %v", sess.ID, err)
		h.send(state, newEvent(eventNoSpeech, sess.ID, messageData{Message: "I couldn't make that out. Could you say it again?"}))
		return
	}
	if strings.TrimSpace(transcript) == "" {
		h.send(state, newEvent(eventNoSpeech, sess.ID, messageData{Message: "I didn't hear anything. Try again?"}))
		return
	}

	result := h.coordinator.Run(ctx, sess, transcript)
	log.Printf("[voice] turn finished session=%s outcome=%s reason=%s", sess.ID, result.Outcome, result.Reason)
}

func (h *Handler) handleClear(conn sessionsvc.Conn, state *connState) {
	state.assembler.Reset()
	if state.sess != nil {
		h.memory.Clear(state.sess.ID)
	}
	h.sendDirect(conn, state, newEvent(eventCleared, sessionID(state), clearedData{}))
}

// teardown runs when the read loop exits, whether the client hung up,
// the idle sweep closed the connection, or a reconnect replaced this
// session under the same id. It is the only cleanup path.
func (h *Handler) teardown(state *connState) {
	sess := state.sess
	if sess == nil {
		return
	}

	h.registry.RemoveSession(sess)
	if _, ok := h.registry.Get(sess.ID); !ok {
		// No replacement took the id over, so the memory is orphaned.
		h.memory.Forget(sess.ID)
	}
	h.recorder.SessionEnded(context.Background())
	log.Printf("[voice] session closed id=%s", sess.ID)

	// Best-effort end-of-session stamp for authenticated students.
	if h.persister != nil && h.persister.Enabled() && sess.PersistentID != "" {
		go func(persistentID, credential string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.persister.EndSession(ctx, persistentID, credential); err != nil {
				log.Printf("[voice] end session stamp failed: %v", err)
			}
		}(sess.PersistentID, sess.Credential)
	}
}

// send routes an event through the session so ordering and the closed
// check hold. sendDirect is for the window before a session exists.
func (h *Handler) send(state *connState, event outgoingMessage) {
	if state.sess == nil || state.sess.Closed() {
		return
	}
	if err := state.sess.Send(event); err != nil {
		log.Printf("[voice] write failed session=%s: %v", state.sess.ID, err)
	}
}

func (h *Handler) sendDirect(conn sessionsvc.Conn, state *connState, event outgoingMessage) {
	if state.sess != nil {
		h.send(state, event)
		return
	}
	if err := conn.WriteJSON(event); err != nil {
		log.Printf("[voice] write failed: %v", err)
	}
}

func sessionID(state *connState) string {
	if state.sess == nil {
		return ""
	}
	return state.sess.ID
}

func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
