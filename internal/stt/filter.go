package stt

import (
	"strings"
	"unicode"
)

// IsGarbled reports whether a transcript looks like recognizer noise rather
// than speech. Whisper-style models hallucinate repeated phrases on silence
// and emit mixed-script junk on non-speech audio.
func IsGarbled(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	return hasRepeatedPhrases(trimmed) || containsMixedScripts(trimmed)
}

// hasRepeatedPhrases detects the same word group repeated back to back
// several times, e.g. "thank you thank you thank you thank you".
func hasRepeatedPhrases(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < 6 {
		return false
	}
	for size := 1; size <= 4 && size*3 <= len(words); size++ {
		repeats := 1
		for i := size; i+size <= len(words); i += size {
			if equalRun(words[i-size:i], words[i:i+size]) {
				repeats++
				if repeats >= 4 {
					return true
				}
			} else {
				repeats = 1
			}
		}
	}
	return false
}

func equalRun(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// containsMixedScripts flags text mixing Latin with CJK, Cyrillic and the
// like, which a single-language dictation never produces.
func containsMixedScripts(text string) bool {
	var latin, other bool
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		switch {
		case unicode.Is(unicode.Latin, r):
			latin = true
		case unicode.Is(unicode.Han, r), unicode.Is(unicode.Hiragana, r),
			unicode.Is(unicode.Katakana, r), unicode.Is(unicode.Cyrillic, r),
			unicode.Is(unicode.Hangul, r), unicode.Is(unicode.Arabic, r):
			other = true
		}
		if latin && other {
			return true
		}
	}
	return false
}
