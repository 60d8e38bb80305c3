package relay

import (
	"regexp"
	"strings"
)

// DetectVoiceIntent reports whether text contains the trigger phrase, case
// insensitively, and returns text with every occurrence removed and runs of
// whitespace collapsed. Without a trigger the text is only trimmed.
func DetectVoiceIntent(text, trigger string) (string, bool) {
	trigger = strings.TrimSpace(trigger)
	if trigger == "" {
		return strings.TrimSpace(text), false
	}

	re := triggerPattern(trigger)
	if !re.MatchString(text) {
		return strings.TrimSpace(text), false
	}
	stripped := re.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(stripped), " "), true
}

// triggerPattern matches the phrase with any whitespace between its words.
func triggerPattern(trigger string) *regexp.Regexp {
	words := strings.Fields(trigger)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)` + strings.Join(words, `\s+`))
}
