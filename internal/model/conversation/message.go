package conversation

import "time"

// Message is one utterance of a tutoring exchange, kept in session memory
// and mirrored to durable storage for authenticated students.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Emotion   string    `json:"emotion,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

const (
	SenderStudent = "user"
	SenderTutor   = "assistant"
)
