package voice

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/kfcFriedChicken16/Lumos-sub000/internal/analysis/emotion"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/analysis/sentence"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/metrics"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/model/conversation"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/service/persist"
	sessionsvc "github.com/kfcFriedChicken16/Lumos-sub000/internal/service/session"
)

// Generator is the streaming generation collaborator.
type Generator interface {
	StreamReply(ctx context.Context, history []conversation.Message, transcript string) (*schema.StreamReader[*schema.Message], error)
}

// Memory is the conversational memory collaborator.
type Memory interface {
	Append(ctx context.Context, message conversation.Message) error
	History(ctx context.Context, sessionID string) ([]conversation.Message, error)
	Clear(sessionID string)
	Forget(sessionID string)
}

// Persister is the durable storage collaborator. Everything but token
// verification is fire-and-forget from the turn's point of view.
type Persister interface {
	VerifyToken(ctx context.Context, token string) (string, error)
	CreateSession(ctx context.Context, userID, credential string) (string, error)
	AppendMessage(ctx context.Context, persistentID, credential, sender, content string) error
	RecordAnalytics(ctx context.Context, credential string, record persist.AnalyticsRecord) error
	EndSession(ctx context.Context, persistentID, credential string) error
	Enabled() bool
}

// Turn outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Failure reasons.
const (
	ReasonTimeout    = "timeout"
	ReasonGeneration = "generation"
	ReasonAbandoned  = "abandoned"
)

const (
	ackMessage     = "Got it, thinking..."
	timeoutApology = "Sorry, that took me longer than it should have. Could you ask me again?"
	failureApology = "Sorry, something went wrong on my side. Please try again."
)

type streamChunk struct {
	msg *schema.Message
	err error
}

// pumpStream forwards chunks from stream to out until the stream ends
// or ctx fires. The terminal error (io.EOF included) is forwarded too.
func pumpStream(ctx context.Context, stream *schema.StreamReader[*schema.Message], out chan<- streamChunk) {
	for {
		msg, err := stream.Recv()
		select {
		case out <- streamChunk{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Result is the outcome of one turn.
type Result struct {
	Outcome  string
	Reason   string
	FullText string
	Emotion  emotion.Label
}

// Coordinator drives one conversational turn: ack, stream generation,
// segment into sentences, emit events, then hand off persistence to a
// detached task. One coordinator serves all sessions; per-turn state
// lives on the stack of Run.
type Coordinator struct {
	generator Generator
	memory    Memory
	persister Persister
	recorder  *metrics.Recorder
	timeout   time.Duration
}

// NewCoordinator wires the turn coordinator. persister may be nil when
// no durable backend is configured; recorder may be nil when metrics
// are disabled.
func NewCoordinator(generator Generator, memory Memory, persister Persister, recorder *metrics.Recorder, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Coordinator{
		generator: generator,
		memory:    memory,
		persister: persister,
		recorder:  recorder,
		timeout:   timeout,
	}
}

// Run executes one turn for sess. The caller has already marked the
// session busy via BeginTurn and releases it when Run returns. ctx is
// the connection context: cancelled on disconnect, bounded here by the
// generation ceiling.
func (c *Coordinator) Run(ctx context.Context, sess *sessionsvc.Session, transcript string) Result {
	started := time.Now()

	// Low-latency "I heard you" signal before generation produces anything.
	c.send(sess, newEvent(eventAck, sess.ID, messageData{Message: ackMessage}))

	history, err := c.memory.History(ctx, sess.ID)
	if err != nil {
		history = nil
	}
	if err := c.memory.Append(ctx, conversation.Message{
		SessionID: sess.ID,
		Sender:    conversation.SenderStudent,
		Content:   transcript,
	}); err != nil {
		log.Printf("[turn] failed to remember student message session=%s: %v", sess.ID, err)
	}

	genCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.generator.StreamReply(genCtx, history, transcript)
	if err != nil {
		return c.fail(sess, started, reasonFor(genCtx, err), err)
	}
	defer stream.Close()

	seg := sentence.NewSegmenter()
	var accumulated strings.Builder

	// Recv has no context parameter, so a source that stops yielding
	// would otherwise hold the turn past the ceiling. The pump goroutine
	// exits once the stream ends or the deadline fires.
	chunks := make(chan streamChunk)
	go pumpStream(genCtx, stream, chunks)

recvLoop:
	for {
		select {
		case <-genCtx.Done():
			return c.fail(sess, started, reasonFor(genCtx, genCtx.Err()), genCtx.Err())
		case next := <-chunks:
			if errors.Is(next.err, io.EOF) {
				break recvLoop
			}
			if next.err != nil {
				return c.fail(sess, started, reasonFor(genCtx, next.err), next.err)
			}
			if next.msg == nil || next.msg.Content == "" {
				continue
			}

			accumulated.WriteString(next.msg.Content)
			for _, s := range seg.Feed(next.msg.Content) {
				c.send(sess, newEvent(eventPartial, sess.ID, partialData{Text: s, IsFinal: false}))
			}
		}
	}

	if rest, ok := seg.Flush(); ok {
		c.send(sess, newEvent(eventPartial, sess.ID, partialData{Text: rest, IsFinal: true}))
	}

	fullText := accumulated.String()
	decision := emotion.Analyze(transcript, fullText)
	c.send(sess, newEvent(eventComplete, sess.ID, completeData{
		FullText:   fullText,
		EmotionTag: string(decision.Emotion),
	}))

	if err := c.memory.Append(ctx, conversation.Message{
		SessionID: sess.ID,
		Sender:    conversation.SenderTutor,
		Content:   fullText,
		Emotion:   string(decision.Emotion),
	}); err != nil {
		log.Printf("[turn] failed to remember reply session=%s: %v", sess.ID, err)
	}

	duration := time.Since(started)
	tokens := approximateTokens(fullText)
	c.recorder.TurnFinished(context.Background(), OutcomeCompleted, duration, tokens)

	// Persistence runs detached: the turn is already complete from the
	// client's point of view and must never be retroactively failed.
	go c.persistTurn(sess.ID, sess.UserID, sess.PersistentID, sess.Credential, transcript, fullText, decision, duration, tokens)

	return Result{
		Outcome:  OutcomeCompleted,
		FullText: fullText,
		Emotion:  decision.Emotion,
	}
}

func (c *Coordinator) fail(sess *sessionsvc.Session, started time.Time, reason string, cause error) Result {
	log.Printf("[turn] failed session=%s reason=%s: %v", sess.ID, reason, cause)

	apology := failureApology
	if reason == ReasonTimeout {
		apology = timeoutApology
	}
	if reason != ReasonAbandoned {
		c.send(sess, newEvent(eventError, sess.ID, messageData{Message: apology}))
	}

	c.recorder.TurnFinished(context.Background(), OutcomeFailed, time.Since(started), 0)
	return Result{Outcome: OutcomeFailed, Reason: reason}
}

func (c *Coordinator) send(sess *sessionsvc.Session, event outgoingMessage) {
	if err := sess.Send(event); err != nil {
		// Connection gone; the turn keeps running to completion but
		// nothing more is emitted.
		log.Printf("[turn] dropping %s event for session=%s: %v", event.Type, sess.ID, err)
	}
}

// persistTurn writes the transcript pair and the analytics record for
// authenticated sessions. Failures are logged and swallowed.
func (c *Coordinator) persistTurn(sessionID, userID, persistentID, credential, transcript, fullText string, decision emotion.Decision, duration time.Duration, tokens int) {
	if c.persister == nil || !c.persister.Enabled() || persistentID == "" || userID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.persister.AppendMessage(ctx, persistentID, credential, conversation.SenderStudent, transcript); err != nil {
		log.Printf("[turn] persist student message failed session=%s: %v", sessionID, err)
	}
	if err := c.persister.AppendMessage(ctx, persistentID, credential, conversation.SenderTutor, fullText); err != nil {
		log.Printf("[turn] persist reply failed session=%s: %v", sessionID, err)
	}

	record := persist.AnalyticsRecord{
		SessionID:       sessionID,
		UserID:          userID,
		EmotionTag:      string(decision.Emotion),
		ApproxTokens:    tokens,
		DurationSeconds: duration.Seconds(),
		Metrics: map[string]any{
			"emotionScale":    decision.Scale,
			"transcriptChars": len(transcript),
			"replyChars":      len(fullText),
		},
	}
	if err := c.persister.RecordAnalytics(ctx, credential, record); err != nil {
		log.Printf("[turn] record analytics failed session=%s: %v", sessionID, err)
	}
}

func reasonFor(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return ReasonAbandoned
	default:
		return ReasonGeneration
	}
}

// approximateTokens estimates the model token count of text. Four chars
// per token is close enough for analytics.
func approximateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
