package safety

import "strings"

// Default phrase lists, used when the safety config carries none. Deny
// phrases make a response unusable as-is: diagnostic or prescriptive
// language, explicit dosing, and directives. Warning phrases only flag.
var defaultDenyPhrases = []string{
	"the diagnosis is",
	"i diagnose",
	"you should prescribe",
	"administer",
	"dosage",
	"mg/kg",
	"you must",
	"change the triage",
	"override the triage",
	"ignore the protocol",
}

var defaultWarningPhrases = []string{
	"probably",
	"most likely",
	"i recommend",
	"serious condition",
	"immediately",
}

// PhraseScanner matches configured phrase lists against model output.
// Matching is case-insensitive on whole phrases.
type PhraseScanner struct {
	deny []string
	warn []string
}

func NewPhraseScanner(deny, warn []string) *PhraseScanner {
	if len(deny) == 0 {
		deny = defaultDenyPhrases
	}
	if len(warn) == 0 {
		warn = defaultWarningPhrases
	}
	return &PhraseScanner{deny: deny, warn: warn}
}

// ScanDeny returns every deny phrase present in the text.
func (s *PhraseScanner) ScanDeny(text string) []string {
	return scan(text, s.deny)
}

// ScanWarning returns every warning phrase present in the text.
func (s *PhraseScanner) ScanWarning(text string) []string {
	return scan(text, s.warn)
}

func scan(text string, phrases []string) []string {
	lower := strings.ToLower(text)
	var matched []string
	for _, p := range phrases {
		if strings.Contains(lower, strings.ToLower(p)) {
			matched = append(matched, p)
		}
	}
	return matched
}

// Redact replaces every occurrence of the matched phrases, case-insensitively.
func Redact(text string, phrases []string) string {
	for _, p := range phrases {
		text = replaceFold(text, p, "[redacted]")
	}
	return text
}

func replaceFold(text, phrase, with string) string {
	lower := strings.ToLower(text)
	needle := strings.ToLower(phrase)
	var b strings.Builder
	for {
		idx := strings.Index(lower, needle)
		if idx < 0 {
			b.WriteString(text)
			return b.String()
		}
		b.WriteString(text[:idx])
		b.WriteString(with)
		text = text[idx+len(needle):]
		lower = lower[idx+len(needle):]
	}
}
