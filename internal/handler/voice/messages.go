package voice

import (
	"encoding/json"
	"time"
)

// Inbound message types.
const (
	typeInit  = "init"
	typeAudio = "audio"
	typeClear = "clear"
)

// Outbound event types.
const (
	eventInitialized = "initialized"
	eventAck         = "ack"
	eventPartial     = "partial"
	eventComplete    = "complete"
	eventNoSpeech    = "noSpeech"
	eventCleared     = "cleared"
	eventBusy        = "busy"
	eventError       = "error"
)

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// InitMessage opens a session. All fields are optional: without a token
// the session runs unauthenticated, without an id one is generated.
type InitMessage struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	AuthToken string `json:"authToken"`
}

// AudioMessage carries one audio fragment. Chunk rides as base64 in the
// JSON envelope. EndOfUtterance triggers transcription of everything
// buffered so far.
type AudioMessage struct {
	Chunk          []byte `json:"chunk"`
	Format         string `json:"format"`
	EndOfUtterance bool   `json:"endOfUtterance"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func newEvent(eventType, sessionID string, data interface{}) outgoingMessage {
	return outgoingMessage{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

type initializedData struct {
	SessionID string `json:"sessionId"`
	Greeting  string `json:"greeting"`
}

type messageData struct {
	Message string `json:"message"`
}

type partialData struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

type completeData struct {
	FullText   string `json:"fullText"`
	EmotionTag string `json:"emotionTag"`
}

type clearedData struct{}
