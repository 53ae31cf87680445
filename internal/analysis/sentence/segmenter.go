package sentence

import "strings"

// Segmenter converts a stream of arbitrary-length text fragments into
// complete-sentence units so downstream synthesis can start before the
// full response has been generated. State is one unflushed tail fragment.
type Segmenter struct {
	buffer strings.Builder
}

// NewSegmenter returns an empty segmenter for one turn.
func NewSegmenter() *Segmenter {
	return &Segmenter{}
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// Feed appends fragment to the carried buffer and returns every complete
// sentence that became available, in order. A sentence ends at `.`, `!`
// or `?`, with any whitespace that immediately follows kept attached so
// the concatenation of all emitted sentences plus the final flush equals
// the concatenation of all fragments fed in.
func (s *Segmenter) Feed(fragment string) []string {
	if fragment == "" {
		return nil
	}
	s.buffer.WriteString(fragment)

	text := s.buffer.String()
	var sentences []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		// Swallow a run of terminals ("...", "?!") as one boundary.
		for i+1 < len(runes) && isTerminal(runes[i+1]) {
			i++
		}
		// Trailing whitespace belongs to the sentence just closed.
		end := i + 1
		for end < len(runes) && isSpace(runes[end]) {
			end++
		}
		sentences = append(sentences, string(runes[start:end]))
		start = end
		i = end - 1
	}

	if len(sentences) == 0 {
		return nil
	}

	s.buffer.Reset()
	s.buffer.WriteString(string(runes[start:]))
	return sentences
}

// Flush returns the trailing partial sentence, if any, and resets the
// segmenter. Called once when the fragment source is exhausted so no
// text is ever dropped.
func (s *Segmenter) Flush() (string, bool) {
	rest := s.buffer.String()
	s.buffer.Reset()
	if rest == "" {
		return "", false
	}
	return rest, true
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
