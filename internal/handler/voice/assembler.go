package voice

import (
	"bytes"
	"errors"
	"sync"
)

// ErrBufferFull is returned when an utterance outgrows the configured cap
// instead of letting the buffer grow without bound.
var ErrBufferFull = errors.New("audio buffer size exceeded")

// Assembler accumulates the audio fragments of one utterance for one
// session. Appends come from the connection read loop while drains run
// on the turn goroutine, so access is locked; the lock also guarantees a
// drain hands the whole utterance to exactly one transcription call.
type Assembler struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

// NewAssembler creates an assembler capped at maxBytes (0 means no cap).
func NewAssembler(maxBytes int) *Assembler {
	return &Assembler{max: maxBytes}
}

// Append adds one fragment. The buffer is cleared on ErrBufferFull so a
// follow-up utterance starts clean.
func (a *Assembler) Append(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.max > 0 && a.buf.Len()+len(chunk) > a.max {
		a.buf.Reset()
		return ErrBufferFull
	}
	a.buf.Write(chunk)
	return nil
}

// Drain atomically takes the buffered utterance and clears the buffer.
// An empty result is valid and means no speech was captured.
func (a *Assembler) Drain() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buf.Len() == 0 {
		return nil
	}
	out := make([]byte, a.buf.Len())
	copy(out, a.buf.Bytes())
	a.buf.Reset()
	return out
}

// Len reports the buffered byte count.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Len()
}

// Reset discards any buffered audio.
func (a *Assembler) Reset() {
	a.mu.Lock()
	a.buf.Reset()
	a.mu.Unlock()
}
