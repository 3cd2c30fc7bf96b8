// Package segment converts an incremental token stream into discrete
// sentence units for speech synthesis. Boundary detection is a punctuation
// scan layered over a small state machine that tracks markdown code fences
// and LaTeX math delimiters, so synthesis never receives partial code or
// broken notation.
package segment

import (
	"strings"
	"unicode"
)

// Sentence is a finalized span of assistant text with its position in the
// turn. Indices are strictly increasing and contiguous; the concatenation of
// all sentence texts (including the flushed tail) equals the full stream.
type Sentence struct {
	Index int
	Text  string
}

const (
	statePlain = iota
	stateFence
	stateMath
)

const (
	// defaultMinNewlineLen is the minimum accumulated rune count before a
	// bare line break is treated as a sentence boundary.
	defaultMinNewlineLen = 16

	// defaultMaxRunes bounds the accumulator; an oversized buffer with no
	// boundary in sight is released whole at the next whitespace.
	defaultMaxRunes = 512
)

// abbreviations that end with a period without ending a sentence.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {},
	"sr": {}, "jr": {}, "vs": {}, "etc": {}, "inc": {},
	"ltd": {}, "corp": {}, "co": {}, "st": {}, "no": {},
}

// Segmenter holds the mutable accumulator for exactly one turn. It is not
// safe for concurrent use; the turn's token loop is its only caller.
type Segmenter struct {
	MinNewlineLen int
	MaxRunes      int

	buf   []rune
	state int

	// pendingEnd is the rune count of a tentative sentence end awaiting
	// confirmation by the next rune (so decimals and i.e./e.g. never split).
	pending    bool
	pendingEnd int

	fenceStart int
	mathCloser string
	mathStart  int

	next int
}

// New returns a segmenter with default thresholds.
func New() *Segmenter {
	return &Segmenter{MinNewlineLen: defaultMinNewlineLen, MaxRunes: defaultMaxRunes}
}

// Feed appends a stream delta and returns any sentences completed by it.
func (s *Segmenter) Feed(delta string) []Sentence {
	var out []Sentence
	for _, r := range delta {
		if sent, ok := s.push(r); ok {
			out = append(out, sent)
		}
	}
	return out
}

// Flush emits the trailing fragment, if any, as the terminal sentence. The
// segmenter is left empty and may not be reused for another turn.
func (s *Segmenter) Flush() (Sentence, bool) {
	if len(s.buf) == 0 {
		return Sentence{}, false
	}
	return s.emit(len(s.buf)), true
}

// Pending returns the text accumulated but not yet emitted.
func (s *Segmenter) Pending() string {
	return string(s.buf)
}

func (s *Segmenter) push(r rune) (Sentence, bool) {
	// Resolve a tentative boundary before the new rune joins the buffer.
	if s.pending {
		switch {
		case isTerminator(r) && s.pendingEnd == len(s.buf):
			s.buf = append(s.buf, r)
			s.pendingEnd++
			return Sentence{}, false
		case isTrailingCloser(r) && s.pendingEnd == len(s.buf):
			s.buf = append(s.buf, r)
			s.pendingEnd++
			return Sentence{}, false
		case unicode.IsSpace(r):
			s.pending = false
			sent := s.emit(s.pendingEnd)
			s.buf = append(s.buf, r)
			return sent, true
		case unicode.IsDigit(r) && s.terminatorAt(s.pendingEnd-1) == '.':
			// Decimal point, as in 3.14 or 10.000.
			s.pending = false
		default:
			// A letter or symbol follows directly: e.g., i.e., URLs.
			s.pending = false
		}
	}

	s.buf = append(s.buf, r)

	switch s.state {
	case stateFence:
		if s.hasSuffix("```") && len(s.buf)-3 >= s.fenceStart {
			s.state = statePlain
			// The whole fenced block is released as one unit.
			return s.emit(len(s.buf)), true
		}
		return Sentence{}, false
	case stateMath:
		if s.hasSuffix(s.mathCloser) && len(s.buf)-len([]rune(s.mathCloser)) >= s.mathStart {
			s.state = statePlain
		}
		return Sentence{}, false
	}

	// Plain state: look for delimiter openers before punctuation.
	switch {
	case s.hasSuffix("```"):
		s.state = stateFence
		s.fenceStart = len(s.buf)
		return Sentence{}, false
	case s.hasSuffix("$$"):
		s.state = stateMath
		s.mathCloser = "$$"
		s.mathStart = len(s.buf)
		return Sentence{}, false
	case s.hasSuffix(`\(`):
		s.state = stateMath
		s.mathCloser = `\)`
		s.mathStart = len(s.buf)
		return Sentence{}, false
	case s.hasSuffix(`\[`):
		s.state = stateMath
		s.mathCloser = `\]`
		s.mathStart = len(s.buf)
		return Sentence{}, false
	}

	switch {
	case isTerminator(r):
		if r == '.' && s.endsWithAbbreviation() {
			return Sentence{}, false
		}
		s.pending = true
		s.pendingEnd = len(s.buf)
	case r == '\n':
		if len(s.buf) >= s.MinNewlineLen {
			return s.emit(len(s.buf)), true
		}
	case unicode.IsSpace(r) && len(s.buf) >= s.MaxRunes:
		return s.emit(len(s.buf)), true
	}
	return Sentence{}, false
}

func (s *Segmenter) emit(end int) Sentence {
	text := string(s.buf[:end])
	rest := s.buf[end:]
	s.buf = append(s.buf[:0:0], rest...)
	s.pending = false
	sent := Sentence{Index: s.next, Text: text}
	s.next++
	return sent
}

func (s *Segmenter) hasSuffix(suffix string) bool {
	rs := []rune(suffix)
	if len(s.buf) < len(rs) {
		return false
	}
	off := len(s.buf) - len(rs)
	for i, r := range rs {
		if s.buf[off+i] != r {
			return false
		}
	}
	return true
}

func (s *Segmenter) terminatorAt(i int) rune {
	if i < 0 || i >= len(s.buf) {
		return 0
	}
	return s.buf[i]
}

// endsWithAbbreviation reports whether the word preceding the just-appended
// period is a known abbreviation (Dr., e.g., etc.).
func (s *Segmenter) endsWithAbbreviation() bool {
	end := len(s.buf) - 1 // index of the period
	start := end
	for start > 0 && unicode.IsLetter(s.buf[start-1]) {
		start--
	}
	word := strings.ToLower(string(s.buf[start:end]))
	if word == "" {
		return false
	}
	if _, ok := abbreviations[word]; ok {
		return true
	}
	// Single letters cover the inner periods of i.e. and e.g. and initials.
	return len([]rune(word)) == 1
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// isTrailingCloser reports whether the rune may trail a terminator while
// still belonging to the sentence, as in: he said "stop!").
func isTrailingCloser(r rune) bool {
	switch r {
	case ')', ']', '"', '\'', '”', '’', '»':
		return true
	}
	return false
}
