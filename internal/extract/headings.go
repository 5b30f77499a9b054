package extract

import (
	"regexp"
	"strings"

	"github.com/carepath/cds-gateway/internal/prompt"
	"github.com/carepath/cds-gateway/internal/types"
)

// headingExtractor pulls sections out of free text by heading markers. Each
// section's window is bounded by the next heading, so a runaway match cannot
// swallow the rest of the response.
type headingExtractor struct{}

var headingPattern = regexp.MustCompile(`(?m)^\s*(INCONSISTENCIES|TEACHING NOTES?|NEXT STEPS)\s*:`)

var bulletPrefix = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

func (e *headingExtractor) Extract(raw string) (*types.StructuredResponse, bool) {
	body, summary := splitSummary(raw)

	locs := headingPattern.FindAllStringSubmatchIndex(body, -1)
	if len(locs) == 0 && summary == "" {
		return nil, false
	}

	resp := &types.StructuredResponse{SectionSummary: summary}

	// Explanation is everything before the first heading.
	explanationEnd := len(body)
	if len(locs) > 0 {
		explanationEnd = locs[0][0]
	}
	resp.Explanation = strings.TrimSpace(body[:explanationEnd])

	for i, loc := range locs {
		name := body[loc[2]:loc[3]]
		window := body[loc[1]:]
		if i+1 < len(locs) {
			window = body[loc[1]:locs[i+1][0]]
		}
		items := splitItems(window)

		switch {
		case name == "INCONSISTENCIES":
			for _, it := range items {
				resp.Inconsistencies = append(resp.Inconsistencies, types.Finding{
					Message:  it,
					Severity: types.SeverityWarning,
				})
			}
		case strings.HasPrefix(name, "TEACHING NOTE"):
			resp.TeachingNotes = append(resp.TeachingNotes, items...)
		case name == "NEXT STEPS":
			resp.NextSteps = append(resp.NextSteps, items...)
		}
	}

	if resp.Explanation == "" && len(locs) == 0 {
		resp.Explanation = strings.TrimSpace(body)
	}
	return resp, true
}

func splitSummary(raw string) (body, summary string) {
	idx := strings.LastIndex(raw, prompt.SummaryMarker)
	if idx < 0 {
		return raw, ""
	}
	rest := strings.TrimSpace(raw[idx+len(prompt.SummaryMarker):])
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Marker mid-text: not a trailing summary line.
		return raw, ""
	}
	return strings.TrimSpace(raw[:idx]), rest
}

func splitItems(window string) []string {
	var items []string
	for _, line := range strings.Split(window, "\n") {
		line = bulletPrefix.ReplaceAllString(strings.TrimSpace(line), "")
		if line != "" {
			items = append(items, line)
		}
	}
	return items
}
