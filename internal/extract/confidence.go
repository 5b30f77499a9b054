package extract

import (
	"strings"

	"github.com/carepath/cds-gateway/internal/types"
)

// Confidence scores a raw response with a deterministic heuristic: same text,
// same score. The thresholds are handcrafted defaults with no ground-truth
// calibration behind them; treat them as a starting point, not a contract.
const (
	confidenceBase = 0.70
	confidenceMin  = 0.30
	confidenceMax  = 0.95
)

var citationVocabulary = []string{
	"imci", "who guideline", "per guideline", "per protocol",
	"according to the protocol", "clinical guideline",
}

var hedgingVocabulary = []string{
	"might be", "possibly", "unclear", "uncertain", "cannot be sure",
	"hard to say", "difficult to determine",
}

var missingDataVocabulary = []string{
	"missing data", "not recorded", "no data", "not documented",
	"was not measured",
}

func Confidence(raw string, priority types.TriagePriority) float64 {
	text := strings.ToLower(raw)
	score := confidenceBase

	if len(raw) > 200 {
		score += 0.05
	}
	if len(raw) > 400 {
		score += 0.05
	}
	if containsAny(text, citationVocabulary) {
		score += 0.05
	}
	if priority != "" && echoesPriority(text, priority) {
		score += 0.05
	}
	if containsAny(text, hedgingVocabulary) {
		score -= 0.10
	}
	if containsAny(text, missingDataVocabulary) {
		score -= 0.05
	}

	if score < confidenceMin {
		return confidenceMin
	}
	if score > confidenceMax {
		return confidenceMax
	}
	return score
}

// echoesPriority checks that the stated priority (or its disposition word)
// appears in the text.
func echoesPriority(text string, priority types.TriagePriority) bool {
	if strings.Contains(text, string(priority)) {
		return true
	}
	return strings.Contains(text, strings.ReplaceAll(string(priority.Category()), "_", " ")) ||
		strings.Contains(text, string(priority.Category()))
}

func containsAny(text string, vocab []string) bool {
	for _, v := range vocab {
		if strings.Contains(text, v) {
			return true
		}
	}
	return false
}
