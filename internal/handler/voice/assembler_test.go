package voice

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

func TestAssemblerAppendAndDrain(t *testing.T) {
	a := NewAssembler(0)
	if err := a.Append([]byte("abc")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := a.Append([]byte("def")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	got := a.Drain()
	if !bytes.Equal(got, []byte("abcdef")) {
		t.Fatalf("expected abcdef, got %q", got)
	}
	if a.Len() != 0 {
		t.Fatalf("expected empty buffer after drain, got %d bytes", a.Len())
	}
	if a.Drain() != nil {
		t.Fatalf("expected nil drain on empty buffer")
	}
}

func TestAssemblerCapClearsBuffer(t *testing.T) {
	a := NewAssembler(4)
	if err := a.Append([]byte("abc")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := a.Append([]byte("de")); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
	if a.Len() != 0 {
		t.Fatalf("expected buffer cleared after overflow, got %d bytes", a.Len())
	}

	// The next utterance starts clean.
	if err := a.Append([]byte("xy")); err != nil {
		t.Fatalf("append after overflow failed: %v", err)
	}
	if got := a.Drain(); !bytes.Equal(got, []byte("xy")) {
		t.Fatalf("expected xy, got %q", got)
	}
}

func TestAssemblerIgnoresEmptyChunks(t *testing.T) {
	a := NewAssembler(8)
	if err := a.Append(nil); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if a.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", a.Len())
	}
}

func TestAssemblerConcurrentAppends(t *testing.T) {
	a := NewAssembler(0)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Append([]byte("xxxx")); err != nil {
				t.Errorf("append failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(a.Drain()); got != 80 {
		t.Fatalf("expected 80 bytes, got %d", got)
	}
}
