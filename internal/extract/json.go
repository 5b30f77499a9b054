package extract

import (
	"encoding/json"
	"strings"

	"github.com/carepath/cds-gateway/internal/types"
)

// jsonExtractor handles model output that contains a JSON object, directly or
// embedded in surrounding prose. Both snake_case and camelCase key variants
// are tolerated.
type jsonExtractor struct{}

func (e *jsonExtractor) Extract(raw string) (*types.StructuredResponse, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw[start:end+1]), &fields); err != nil {
		return nil, false
	}

	resp := &types.StructuredResponse{}
	resp.Explanation = getString(fields, "explanation")
	if resp.Explanation == "" {
		resp.Explanation = getString(fields, "summary")
	}
	if resp.Explanation == "" {
		// A JSON object with no usable text is not a parse.
		return nil, false
	}

	if cat := types.TriageCategory(strings.ToLower(getString(fields, "triage_category", "triageCategory"))); cat.Valid() {
		resp.TriageCategory = cat
	}
	resp.TeachingNotes = getStrings(fields, "teaching_notes", "teachingNotes")
	resp.NextSteps = getStrings(fields, "next_steps", "nextSteps")
	resp.RuleRefs = getStrings(fields, "rule_refs", "ruleRefs", "rule_references", "ruleReferences")
	resp.SectionSummary = getString(fields, "section_summary", "sectionSummary")
	resp.Inconsistencies = getFindings(fields, "inconsistencies")

	return resp, true
}

func getString(fields map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		if rawVal, ok := fields[k]; ok {
			var s string
			if err := json.Unmarshal(rawVal, &s); err == nil {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func getStrings(fields map[string]json.RawMessage, keys ...string) []string {
	for _, k := range keys {
		rawVal, ok := fields[k]
		if !ok {
			continue
		}
		var list []string
		if err := json.Unmarshal(rawVal, &list); err == nil {
			var out []string
			for _, s := range list {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			return out
		}
		// Tolerate a single string where a list was expected.
		var s string
		if err := json.Unmarshal(rawVal, &s); err == nil && strings.TrimSpace(s) != "" {
			return []string{strings.TrimSpace(s)}
		}
	}
	return nil
}

// getFindings accepts either plain strings or objects with message/field/
// severity keys. Model-claimed findings default to warning severity; the
// deterministic detector supplies its own.
func getFindings(fields map[string]json.RawMessage, key string) []types.Finding {
	rawVal, ok := fields[key]
	if !ok {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(rawVal, &items); err != nil {
		return nil
	}

	var out []types.Finding
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, types.Finding{Message: s, Severity: types.SeverityWarning})
			}
			continue
		}
		var obj struct {
			Message  string `json:"message"`
			Field    string `json:"field"`
			Severity string `json:"severity"`
		}
		if err := json.Unmarshal(item, &obj); err == nil && strings.TrimSpace(obj.Message) != "" {
			f := types.Finding{
				Message:  strings.TrimSpace(obj.Message),
				Field:    obj.Field,
				Severity: types.SeverityWarning,
			}
			switch types.Severity(obj.Severity) {
			case types.SeverityInfo, types.SeverityWarning, types.SeverityError:
				f.Severity = types.Severity(obj.Severity)
			}
			out = append(out, f)
		}
	}
	return out
}
