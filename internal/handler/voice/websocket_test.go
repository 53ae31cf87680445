package voice

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kfcFriedChicken16/Lumos-sub000/internal/config"
	sessionsvc "github.com/kfcFriedChicken16/Lumos-sub000/internal/service/session"
)

type fakeTranscriber struct {
	mu   sync.Mutex
	text string
	err  error
	got  [][]byte
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	f.mu.Lock()
	f.got = append(f.got, append([]byte(nil), audio...))
	f.mu.Unlock()
	return f.text, f.err
}

func (f *fakeTranscriber) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.got))
	copy(out, f.got)
	return out
}

func newTestHandler(memory *fakeMemory, transcriber Transcriber, coordinator *Coordinator) (*Handler, *sessionsvc.Registry) {
	registry := sessionsvc.NewRegistry(sessionsvc.Config{})
	h := &Handler{
		registry:    registry,
		coordinator: coordinator,
		transcriber: transcriber,
		memory:      memory,
		sessionCfg:  config.SessionConfig{MaxAudioBytes: 1 << 20},
	}
	return h, registry
}

func audioPayload(t *testing.T, chunk []byte, format string, end bool) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(AudioMessage{Chunk: chunk, Format: format, EndOfUtterance: end})
	if err != nil {
		t.Fatalf("marshal audio payload: %v", err)
	}
	return raw
}

func waitForEvent(t *testing.T, conn *fakeConn, eventType string) outgoingMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range conn.snapshot() {
			if ev.Type == eventType {
				return ev
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s event arrived, got %+v", eventType, conn.snapshot())
	return outgoingMessage{}
}

func waitForIdle(t *testing.T, sess *sessionsvc.Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !sess.TurnActive() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("turn marker never released")
}

func TestHandleAudioAccumulatesUntilEndOfUtterance(t *testing.T) {
	h, registry := newTestHandler(&fakeMemory{}, &fakeTranscriber{}, nil)
	conn := &fakeConn{}
	state := &connState{sess: registry.Create("s1", conn), assembler: NewAssembler(0)}

	h.handleAudio(context.Background(), nil, state, audioPayload(t, []byte("abc"), "webm", false))
	h.handleAudio(context.Background(), nil, state, audioPayload(t, []byte("def"), "", false))

	if state.assembler.Len() != 6 {
		t.Fatalf("expected 6 buffered bytes, got %d", state.assembler.Len())
	}
	if state.format != "webm" {
		t.Fatalf("expected format webm, got %q", state.format)
	}
	if events := conn.snapshot(); len(events) != 0 {
		t.Fatalf("mid-utterance audio must stay silent, got %+v", events)
	}
}

func TestHandleAudioEndOfUtteranceRunsTurn(t *testing.T) {
	memory := &fakeMemory{}
	gen := &fakeGenerator{chunks: []string{"Photosynthesis is how plants eat."}}
	coordinator := NewCoordinator(gen, memory, nil, nil, time.Second)
	h, registry := newTestHandler(memory, &fakeTranscriber{text: "what is photosynthesis"}, coordinator)

	conn := &fakeConn{}
	state := &connState{sess: registry.Create("s1", conn), assembler: NewAssembler(0)}

	h.handleAudio(context.Background(), nil, state, audioPayload(t, []byte("opus-bytes"), "ogg", true))

	ev := waitForEvent(t, conn, eventComplete)
	if got := ev.Data.(completeData).FullText; got != "Photosynthesis is how plants eat." {
		t.Fatalf("unexpected reply %q", got)
	}
	waitForIdle(t, state.sess)
}

func TestHandleAudioEmptyUtteranceIsNoSpeech(t *testing.T) {
	h, registry := newTestHandler(&fakeMemory{}, &fakeTranscriber{text: "never called"}, nil)
	conn := &fakeConn{}
	state := &connState{sess: registry.Create("s1", conn), assembler: NewAssembler(0)}

	h.handleAudio(context.Background(), nil, state, audioPayload(t, nil, "", true))

	waitForEvent(t, conn, eventNoSpeech)
	if events := eventsOfType(conn.snapshot(), eventComplete); len(events) != 0 {
		t.Fatalf("empty utterance must not start a turn")
	}
	waitForIdle(t, state.sess)
}

func TestHandleAudioBlankTranscriptIsNoSpeech(t *testing.T) {
	h, registry := newTestHandler(&fakeMemory{}, &fakeTranscriber{text: "   "}, nil)
	conn := &fakeConn{}
	state := &connState{sess: registry.Create("s1", conn), assembler: NewAssembler(0)}

	h.handleAudio(context.Background(), nil, state, audioPayload(t, []byte("hiss"), "", true))

	waitForEvent(t, conn, eventNoSpeech)
	waitForIdle(t, state.sess)
}

func TestHandleAudioBusyWhileTurnInProgress(t *testing.T) {
	h, registry := newTestHandler(&fakeMemory{}, &fakeTranscriber{}, nil)
	conn := &fakeConn{}
	sess := registry.Create("s1", conn)
	state := &connState{sess: sess, assembler: NewAssembler(0)}

	if !sess.BeginTurn() {
		t.Fatalf("expected to mark turn active")
	}
	defer sess.EndTurn()

	h.handleAudio(context.Background(), nil, state, audioPayload(t, []byte("second question"), "", true))

	if busy := eventsOfType(conn.snapshot(), eventBusy); len(busy) != 1 {
		t.Fatalf("expected exactly one busy event, got %d", len(busy))
	}
	if state.assembler.Len() != 0 {
		t.Fatalf("rejected utterance must be discarded, %d bytes remain", state.assembler.Len())
	}
}

func TestHandleAudioOverflowEmitsError(t *testing.T) {
	h, registry := newTestHandler(&fakeMemory{}, &fakeTranscriber{}, nil)
	conn := &fakeConn{}
	state := &connState{sess: registry.Create("s1", conn), assembler: NewAssembler(4)}

	h.handleAudio(context.Background(), nil, state, audioPayload(t, []byte("way too much audio"), "", false))

	if errs := eventsOfType(conn.snapshot(), eventError); len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	if state.assembler.Len() != 0 {
		t.Fatalf("overflowing buffer must be cleared")
	}
}

func TestHandleClearResetsBufferAndMemory(t *testing.T) {
	memory := &fakeMemory{}
	h, registry := newTestHandler(memory, &fakeTranscriber{}, nil)
	conn := &fakeConn{}
	state := &connState{sess: registry.Create("s1", conn), assembler: NewAssembler(0)}
	if err := state.assembler.Append([]byte("half an utterance")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	h.handleClear(conn, state)

	if state.assembler.Len() != 0 {
		t.Fatalf("expected audio buffer cleared")
	}
	memory.mu.Lock()
	cleared := append([]string(nil), memory.cleared...)
	memory.mu.Unlock()
	if len(cleared) != 1 || cleared[0] != "s1" {
		t.Fatalf("expected memory cleared for s1, got %v", cleared)
	}
	if events := eventsOfType(conn.snapshot(), eventCleared); len(events) != 1 {
		t.Fatalf("expected one cleared event, got %d", len(events))
	}
}

func TestHandleMessageRejectsUnknownType(t *testing.T) {
	h, registry := newTestHandler(&fakeMemory{}, &fakeTranscriber{}, nil)
	conn := &fakeConn{}
	state := &connState{sess: registry.Create("s1", conn), assembler: NewAssembler(0)}

	h.handleMessage(context.Background(), nil, state, &inboundMessage{Type: "bogus"})

	errs := eventsOfType(conn.snapshot(), eventError)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
}

func TestTeardownRemovesSessionAndStampsEnd(t *testing.T) {
	memory := &fakeMemory{}
	persister := newFakePersister()
	h, registry := newTestHandler(memory, &fakeTranscriber{}, nil)
	h.persister = persister

	conn := &fakeConn{}
	sess := registry.Create("s1", conn)
	sess.PersistentID = "persist-1"
	state := &connState{sess: sess, assembler: NewAssembler(0)}

	h.teardown(state)

	if registry.Len() != 0 {
		t.Fatalf("expected session removed from registry")
	}
	memory.mu.Lock()
	forgotten := append([]string(nil), memory.forgotten...)
	memory.mu.Unlock()
	if len(forgotten) != 1 || forgotten[0] != "s1" {
		t.Fatalf("expected memory forgotten for s1, got %v", forgotten)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		persister.mu.Lock()
		ended := len(persister.ended)
		persister.mu.Unlock()
		if ended == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("end-of-session stamp never arrived")
}

func TestHandleAudioLateChunkStaysOutOfTurn(t *testing.T) {
	memory := &fakeMemory{}
	transcriber := &fakeTranscriber{text: "first question"}
	coordinator := NewCoordinator(&fakeGenerator{chunks: []string{"Answer."}}, memory, nil, nil, time.Second)
	h, registry := newTestHandler(memory, transcriber, coordinator)

	conn := &fakeConn{}
	state := &connState{sess: registry.Create("s1", conn), assembler: NewAssembler(0)}

	// The next utterance's first chunk lands right behind end-of-utterance.
	h.handleAudio(context.Background(), nil, state, audioPayload(t, []byte("utterance-one"), "ogg", true))
	h.handleAudio(context.Background(), nil, state, audioPayload(t, []byte("next-chunk"), "", false))

	waitForEvent(t, conn, eventComplete)

	received := transcriber.received()
	if len(received) != 1 {
		t.Fatalf("expected one transcription call, got %d", len(received))
	}
	if string(received[0]) != "utterance-one" {
		t.Fatalf("late chunk leaked into the turn: transcribed %q", received[0])
	}
	if got := state.assembler.Len(); got != len("next-chunk") {
		t.Fatalf("expected next utterance buffered, got %d bytes", got)
	}
}

func TestHandleClearBeforeInitAcknowledges(t *testing.T) {
	h, _ := newTestHandler(&fakeMemory{}, &fakeTranscriber{}, nil)
	conn := &fakeConn{}
	state := &connState{assembler: NewAssembler(0)}
	if err := state.assembler.Append([]byte("early audio")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	h.handleClear(conn, state)

	if state.assembler.Len() != 0 {
		t.Fatalf("expected audio buffer cleared")
	}
	if events := eventsOfType(conn.snapshot(), eventCleared); len(events) != 1 {
		t.Fatalf("expected one cleared event, got %d", len(events))
	}
}

func TestTeardownSparesReplacementSession(t *testing.T) {
	memory := &fakeMemory{}
	h, registry := newTestHandler(memory, &fakeTranscriber{}, nil)

	staleConn, freshConn := &fakeConn{}, &fakeConn{}
	stale := registry.Create("abc", staleConn)
	staleState := &connState{sess: stale, assembler: NewAssembler(0)}
	fresh := registry.Create("abc", freshConn)

	// The stale read loop exits because Create closed its connection;
	// its teardown must leave the replacement untouched.
	h.teardown(staleState)

	got, ok := registry.Get("abc")
	if !ok || got != fresh {
		t.Fatalf("expected fresh session to survive stale teardown")
	}
	if fresh.Closed() || freshConn.isClosed() {
		t.Fatalf("expected fresh connection to stay open")
	}
	memory.mu.Lock()
	forgotten := len(memory.forgotten)
	memory.mu.Unlock()
	if forgotten != 0 {
		t.Fatalf("stale teardown must not wipe the replacement's memory")
	}
}

func TestTeardownAfterEvictionCleansUpOnce(t *testing.T) {
	memory := &fakeMemory{}
	persister := newFakePersister()
	h, registry := newTestHandler(memory, &fakeTranscriber{}, nil)
	h.persister = persister

	conn := &fakeConn{}
	sess := registry.Create("s1", conn)
	sess.PersistentID = "persist-1"
	state := &connState{sess: sess, assembler: NewAssembler(0)}

	if n := registry.Sweep(0); n != 1 {
		t.Fatalf("expected sweep to evict the session, evicted %d", n)
	}

	// The closed connection ends the read loop, which runs teardown.
	h.teardown(state)

	memory.mu.Lock()
	forgotten := append([]string(nil), memory.forgotten...)
	memory.mu.Unlock()
	if len(forgotten) != 1 || forgotten[0] != "s1" {
		t.Fatalf("expected exactly one memory cleanup, got %v", forgotten)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		persister.mu.Lock()
		ended := len(persister.ended)
		persister.mu.Unlock()
		if ended >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("end-of-session stamp never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	persister.mu.Lock()
	ended := len(persister.ended)
	persister.mu.Unlock()
	if ended != 1 {
		t.Fatalf("expected exactly one end-of-session stamp, got %d", ended)
	}
}

func TestHandleMessageRefreshesIdleClock(t *testing.T) {
	h, registry := newTestHandler(&fakeMemory{}, &fakeTranscriber{}, nil)
	conn := &fakeConn{}
	sess := registry.Create("s1", conn)
	state := &connState{sess: sess, assembler: NewAssembler(0)}

	before := sess.LastActive()
	time.Sleep(5 * time.Millisecond)
	h.handleMessage(context.Background(), nil, state, &inboundMessage{Type: typeClear})

	if !sess.LastActive().After(before) {
		t.Fatalf("expected inbound message to refresh the idle clock")
	}
}
