package synth

import (
	"strings"
	"unicode"
)

// markdown symbols the voice should never read aloud.
const markdownRunes = "*_~`#[]()<>|"

// CleanForSpeech strips markdown decoration and emoji from a sentence so the
// synthesizer reads prose, not notation. Returns "" when nothing speakable
// remains.
func CleanForSpeech(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := false
	for _, r := range text {
		if strings.ContainsRune(markdownRunes, r) {
			continue
		}
		if isEmoji(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if lastSpace {
				continue
			}
			lastSpace = true
			b.WriteRune(' ')
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1F6FF: // pictographs, transport
		return true
	case r >= 0x1F900 && r <= 0x1FAFF: // supplemental pictographs
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators
		return true
	case r == 0xFE0F || r == 0x200D: // variation selector, ZWJ
		return true
	}
	return unicode.Is(unicode.So, r) && r > 0x2100
}
