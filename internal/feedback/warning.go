package feedback

import (
	"regexp"
	"strings"
)

// PitfallPrefix marks a warning whose text had no imperative to invert.
const PitfallPrefix = "PITFALL: "

var sentenceEnd = regexp.MustCompile(`[.!?](\s+|$)`)

// ToWarning rewrites advice into a warning, sentence by sentence:
// "Always X" becomes "Don't X" and "Use X" becomes "Avoid X without validation".
// When no sentence matches, the text is prefixed with PitfallPrefix.
func ToWarning(narrative string) string {
	text := strings.TrimSpace(narrative)
	if text == "" {
		return PitfallPrefix + "(empty observation)"
	}

	sentences := splitSentences(text)
	changed := false
	for i, sentence := range sentences {
		if rewritten, ok := invert(sentence); ok {
			sentences[i] = rewritten
			changed = true
		}
	}
	if !changed {
		return PitfallPrefix + text
	}
	return strings.Join(sentences, "")
}

// splitSentences splits text after sentence terminators, keeping the
// terminator and trailing whitespace with each sentence.
func splitSentences(text string) []string {
	var out []string
	for len(text) > 0 {
		loc := sentenceEnd.FindStringIndex(text)
		if loc == nil {
			out = append(out, text)
			break
		}
		out = append(out, text[:loc[1]])
		text = text[loc[1]:]
	}
	return out
}

func invert(sentence string) (string, bool) {
	lead := len(sentence) - len(strings.TrimLeft(sentence, " \t\n"))
	body := sentence[lead:]

	if rest, ok := cutWord(body, "Always"); ok {
		return sentence[:lead] + "Don't " + rest, true
	}
	if rest, ok := cutWord(body, "Use"); ok {
		core, tail := splitTerminator(rest)
		return sentence[:lead] + "Avoid " + core + " without validation" + tail, true
	}
	return sentence, false
}

// cutWord removes a leading word (case-insensitive) followed by whitespace.
func cutWord(s, word string) (string, bool) {
	if len(s) <= len(word) || !strings.EqualFold(s[:len(word)], word) {
		return "", false
	}
	rest := s[len(word):]
	trimmed := strings.TrimLeft(rest, " \t")
	if len(trimmed) == len(rest) || trimmed == "" {
		return "", false
	}
	return trimmed, true
}

// splitTerminator separates trailing punctuation and whitespace from a sentence.
func splitTerminator(s string) (string, string) {
	end := len(strings.TrimRight(s, " \t\n"))
	if end > 0 && strings.ContainsRune(".!?", rune(s[end-1])) {
		end--
	}
	return s[:end], s[end:]
}
