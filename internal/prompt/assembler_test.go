package prompt

import (
	"strings"
	"testing"

	"github.com/carepath/cds-gateway/internal/types"
)

func TestSingle_ContainsGuardrailsContextAndCap(t *testing.T) {
	a := NewAssembler()
	p := a.Single(types.TaskExplainTriage, map[string]string{
		"patient_id": "p-7",
		"age_months": "18",
		"triage":     "yellow",
		"findings":   "fever; fast breathing",
	})

	if !strings.Contains(p, "never diagnose") {
		t.Error("expected guardrail preamble in prompt")
	}
	if !strings.Contains(p, "triage: yellow") {
		t.Error("expected triage field in serialized context")
	}
	if !strings.Contains(p, "under 500 words") {
		t.Error("expected word cap from task spec")
	}
	if !strings.Contains(p, `"triage_category"`) {
		t.Error("expected structured output instruction for explain_triage")
	}
}

func TestSingle_OmitsFieldsOutsideTaskSpec(t *testing.T) {
	a := NewAssembler()
	p := a.Single(types.TaskSummarizeAssessment, map[string]string{
		"patient_id":     "p-7",
		"triage":         "green",
		"device_battery": "12%",
	})
	if strings.Contains(p, "device_battery") {
		t.Error("fields outside the task's declared context must not reach the model")
	}
}

func TestSectioned_RequiredFieldsOnly(t *testing.T) {
	a := NewAssembler()
	section := Section("danger_signs")
	p := a.Sectioned(section, map[string]string{
		"age_months":   "9",
		"danger_signs": "none observed",
		"vitals":       "rr=48;temp=37.2",
		"findings":     "cough for 3 days",
	}, nil)

	if !strings.Contains(p, "danger_signs: none observed") {
		t.Error("expected the section's required field in SECTION DATA")
	}
	if strings.Contains(p, "rr=48") {
		t.Error("fields the section does not require must stay out of the prompt")
	}
	if !strings.Contains(p, SummaryMarker) {
		t.Error("cumulative sections must instruct the carry-forward summary line")
	}
}

func TestSectioned_PriorSummariesLastTwoOnly(t *testing.T) {
	a := NewAssembler()
	section := Section("final_classification")
	p := a.Sectioned(section, map[string]string{"triage": "yellow"}, []string{
		"first section summary",
		"second section summary",
		"third section summary",
	})

	if strings.Contains(p, "first section summary") {
		t.Error("only the last two prior summaries may be injected")
	}
	if !strings.Contains(p, "second section summary") || !strings.Contains(p, "third section summary") {
		t.Error("expected the two most recent summaries in ASSESSMENT SO FAR")
	}
}

func TestCumulativeSummary_SkipsBlanks(t *testing.T) {
	got := CumulativeSummary([]string{"  ", "kept one", ""})
	if got != "- kept one" {
		t.Errorf("expected blank summaries dropped, got %q", got)
	}
}

func TestSection_UnknownIDFallsBack(t *testing.T) {
	s := Section("made_up_section")
	if s.ID != "made_up_section" {
		t.Errorf("expected fallback to keep the requested id, got %s", s.ID)
	}
	if s.Cumulative {
		t.Error("fallback section must not demand a carry-forward summary")
	}
	if s.WordLimit == 0 {
		t.Error("fallback section needs a word limit")
	}
}

func TestSections_ProtocolOrder(t *testing.T) {
	ids := []string{}
	for _, s := range Sections() {
		ids = append(ids, s.ID)
	}
	want := []string{"danger_signs", "main_symptoms", "vitals_nutrition", "final_classification"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d sections, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("section %d: expected %s, got %s", i, want[i], ids[i])
		}
	}
}
