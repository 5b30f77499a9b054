package extract

import (
	"testing"

	"github.com/carepath/cds-gateway/internal/prompt"
	"github.com/carepath/cds-gateway/internal/types"
)

func TestParse_JSONObject(t *testing.T) {
	raw := `Here is the analysis:
{"explanation": "The yellow priority fits the fast breathing finding per protocol.",
 "triage_category": "urgent",
 "inconsistencies": ["temperature recorded twice"],
 "teaching_notes": ["always count breaths for a full minute"],
 "next_steps": ["refer to clinic within 24 hours"]}`

	resp := NewParser().Parse(raw, "medllama-8b", types.PriorityYellow)

	if resp.Explanation == "" {
		t.Fatal("expected explanation from JSON")
	}
	if resp.TriageCategory != types.CategoryUrgent {
		t.Errorf("expected urgent, got %s", resp.TriageCategory)
	}
	if len(resp.Inconsistencies) != 1 || resp.Inconsistencies[0].Message != "temperature recorded twice" {
		t.Errorf("unexpected inconsistencies: %+v", resp.Inconsistencies)
	}
	if len(resp.TeachingNotes) != 1 || len(resp.NextSteps) != 1 {
		t.Errorf("expected teaching notes and next steps, got %+v / %+v", resp.TeachingNotes, resp.NextSteps)
	}
	if resp.Model != "medllama-8b" {
		t.Errorf("expected model id on response, got %s", resp.Model)
	}
}

func TestParse_JSONCamelCaseKeys(t *testing.T) {
	raw := `{"explanation": "ok", "triageCategory": "routine", "teachingNotes": ["note"], "nextSteps": ["step"]}`
	resp := NewParser().Parse(raw, "m", types.PriorityGreen)

	if resp.TriageCategory != types.CategoryRoutine {
		t.Errorf("expected routine from camelCase key, got %s", resp.TriageCategory)
	}
	if len(resp.TeachingNotes) != 1 || len(resp.NextSteps) != 1 {
		t.Error("expected camelCase list keys to parse")
	}
}

func TestParse_JSONFindingObjects(t *testing.T) {
	raw := `{"explanation": "ok", "inconsistencies": [
		{"message": "danger sign with non-red priority", "field": "danger_signs", "severity": "error"},
		{"message": "unknown severity keeps warning", "severity": "catastrophic"}]}`
	resp := NewParser().Parse(raw, "m", "")

	if len(resp.Inconsistencies) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(resp.Inconsistencies))
	}
	if resp.Inconsistencies[0].Severity != types.SeverityError || resp.Inconsistencies[0].Field != "danger_signs" {
		t.Errorf("unexpected first finding: %+v", resp.Inconsistencies[0])
	}
	if resp.Inconsistencies[1].Severity != types.SeverityWarning {
		t.Errorf("unknown severity must default to warning, got %s", resp.Inconsistencies[1].Severity)
	}
}

func TestParse_HeadingFallback(t *testing.T) {
	raw := `The assessment was mostly complete and well ordered.

TEACHING NOTES:
- count breaths for a full minute
- recheck temperature before classifying

NEXT STEPS:
1. review the fever section`

	resp := NewParser().Parse(raw, "m", types.PriorityGreen)

	if resp.Explanation != "The assessment was mostly complete and well ordered." {
		t.Errorf("unexpected explanation: %q", resp.Explanation)
	}
	if len(resp.TeachingNotes) != 2 {
		t.Errorf("expected 2 teaching notes, got %+v", resp.TeachingNotes)
	}
	if len(resp.NextSteps) != 1 || resp.NextSteps[0] != "review the fever section" {
		t.Errorf("unexpected next steps: %+v", resp.NextSteps)
	}
}

func TestParse_HeadingWindowsBounded(t *testing.T) {
	raw := `Intro.

INCONSISTENCIES:
- cough duration conflicts with onset date

NEXT STEPS:
- confirm onset with caregiver`

	resp := NewParser().Parse(raw, "m", "")
	if len(resp.Inconsistencies) != 1 {
		t.Fatalf("expected 1 inconsistency, got %+v", resp.Inconsistencies)
	}
	// The next heading must bound the previous section's window.
	if resp.Inconsistencies[0].Message != "cough duration conflicts with onset date" {
		t.Errorf("inconsistency window swallowed the next section: %+v", resp.Inconsistencies[0])
	}
}

func TestParse_PlainTextFallsThrough(t *testing.T) {
	raw := "The priority matches the findings recorded for this child."
	resp := NewParser().Parse(raw, "m", types.PriorityRed)

	if resp.Explanation != raw {
		t.Errorf("plain text must land in explanation, got %q", resp.Explanation)
	}
	// Parsing never invents the category; schema validation must be able to
	// see that the model omitted it.
	if resp.TriageCategory != "" {
		t.Errorf("omitted category must stay empty, got %s", resp.TriageCategory)
	}
}

func TestParse_SectionSummaryFromMarker(t *testing.T) {
	raw := "Danger signs were reviewed.\n" + prompt.SummaryMarker + " no danger signs present."
	resp := NewParser().Parse(raw, "m", "")

	if resp.SectionSummary != "no danger signs present." {
		t.Errorf("unexpected section summary: %q", resp.SectionSummary)
	}
}

func TestConfidence_Deterministic(t *testing.T) {
	raw := `{"explanation": "per protocol the urgent category applies"}`
	a := Confidence(raw, types.PriorityYellow)
	for i := 0; i < 10; i++ {
		if b := Confidence(raw, types.PriorityYellow); b != a {
			t.Fatalf("confidence not deterministic: %v vs %v", a, b)
		}
	}
}

func TestConfidence_Signals(t *testing.T) {
	hedged := Confidence("It might be a problem, hard to say.", "")
	plain := Confidence("The classification follows the findings.", "")
	if hedged >= plain {
		t.Errorf("hedging must lower confidence: hedged=%v plain=%v", hedged, plain)
	}

	cited := Confidence("Per protocol the urgent disposition applies here.", types.PriorityYellow)
	if cited <= plain {
		t.Errorf("citation and priority echo must raise confidence: cited=%v plain=%v", cited, plain)
	}
}

func TestConfidence_Bounds(t *testing.T) {
	// Stack every penalty and every bonus; the score must stay clamped.
	low := Confidence("might be unclear, missing data, cannot be sure", "")
	if low < 0.30 || low > 0.95 {
		t.Errorf("confidence out of bounds: %v", low)
	}
	longText := ""
	for i := 0; i < 50; i++ {
		longText += "per protocol the urgent category applies to this child. "
	}
	high := Confidence(longText, types.PriorityYellow)
	if high > 0.95 {
		t.Errorf("confidence above cap: %v", high)
	}
}
