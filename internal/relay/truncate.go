package relay

import (
	"strings"

	"github.com/carepath/cds-gateway/internal/prompt"
)

const ellipsis = "…"

// TruncateWords enforces a word cap. When the text exceeds the cap it is cut
// at the last sentence boundary past half the cap; if no boundary qualifies
// it is hard-truncated at the cap with an ellipsis marker. Returns the text
// and whether truncation happened.
func TruncateWords(text string, cap int) (string, bool) {
	if cap <= 0 {
		return text, false
	}
	words := strings.Fields(text)
	if len(words) <= cap {
		return text, false
	}

	capped := strings.Join(words[:cap], " ")

	// Prefer ending on a full sentence, as long as we keep at least half.
	if idx := lastSentenceEnd(capped); idx >= 0 {
		candidate := capped[:idx+1]
		if len(strings.Fields(candidate)) >= cap/2 {
			return candidate, true
		}
	}

	return capped + ellipsis, true
}

func lastSentenceEnd(s string) int {
	last := -1
	for i, r := range s {
		switch r {
		case '.', '!', '?':
			last = i
		}
	}
	return last
}

// FinishText applies the word cap and then extracts the carry-forward
// summary. The summary is taken from the already-truncated text, never the
// raw text, so it cannot describe content beyond the limit.
func FinishText(raw string, wordCap int) (body, summary string, truncated bool) {
	text, truncated := TruncateWords(raw, wordCap)
	body, summary = ExtractSummary(text)
	return body, summary, truncated
}

// ExtractSummary removes the final carry-forward line (if present) and
// returns it separately.
func ExtractSummary(text string) (body, summary string) {
	idx := strings.LastIndex(text, prompt.SummaryMarker)
	if idx < 0 {
		return text, ""
	}
	rest := text[idx+len(prompt.SummaryMarker):]
	// Only a trailing line counts; a marker mid-text followed by more
	// paragraphs is model noise.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && strings.TrimSpace(rest[nl:]) != "" {
		return text, ""
	}
	summary = strings.TrimSpace(rest)
	if nl := strings.IndexByte(summary, '\n'); nl >= 0 {
		summary = strings.TrimSpace(summary[:nl])
	}
	body = strings.TrimSpace(text[:idx])
	return body, summary
}
