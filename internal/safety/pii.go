package safety

import "regexp"

// PIIPattern defines one PII detection pattern.
type PIIPattern struct {
	Name  string
	Regex *regexp.Regexp
}

// DefaultPIIPatterns returns the built-in PII heuristics. They flag for
// review; they do not by themselves block a response.
func DefaultPIIPatterns() []PIIPattern {
	return []PIIPattern{
		{
			Name:  "Email Address",
			Regex: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		},
		{
			Name:  "Phone Number",
			Regex: regexp.MustCompile(`\+?\d[\d\s\-()]{8,}\d`),
		},
		{
			Name:  "National ID",
			Regex: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		},
		{
			Name:  "Medical Record Number",
			Regex: regexp.MustCompile(`\bMRN[-:\s]?\d{6,}\b`),
		},
		{
			Name:  "Date of Birth",
			Regex: regexp.MustCompile(`\b(?:DOB|date of birth)[:\s]+\d{1,4}[-/]\d{1,2}[-/]\d{1,4}\b`),
		},
	}
}

// PIIScanner scans text with pre-compiled patterns.
type PIIScanner struct {
	patterns []PIIPattern
}

func NewPIIScanner() *PIIScanner {
	return &PIIScanner{patterns: DefaultPIIPatterns()}
}

// Scan returns the names of every pattern that matched.
func (s *PIIScanner) Scan(text string) []string {
	var matched []string
	for _, p := range s.patterns {
		if p.Regex.MatchString(text) {
			matched = append(matched, p.Name)
		}
	}
	return matched
}
