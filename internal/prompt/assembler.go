package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/carepath/cds-gateway/internal/types"
)

// SummaryMarker starts the one-line carry-forward summary a cumulative
// section must emit. The relay extracts it after word-cap truncation.
const SummaryMarker = "SECTION-SUMMARY:"

// guardrailPreamble states what the model must never do. It is prepended to
// every prompt, single-shot or sectioned.
const guardrailPreamble = `You are a clinical decision-support assistant for frontline health workers.
You must never diagnose a condition, prescribe or dose any medication, or
override the triage classification already assigned by the protocol. Explain
and summarize only; when data is missing, say so rather than guessing.
Always recommend consulting the clinical protocol for decisions.`

// taskTemplates are the single-shot instructions per task.
var taskTemplates = map[types.Task]string{
	types.TaskExplainTriage: `Explain, in plain language for a nurse, why the assigned triage priority fits
the recorded findings. Respond with a JSON object containing the keys
"explanation", "triage_category" (one of emergency, urgent, routine,
self_care), "inconsistencies", "teaching_notes", and "next_steps".`,
	types.TaskSummarizeAssessment: `Summarize this completed assessment for the patient record. Use plain
professional language, past tense, no recommendations beyond the protocol.`,
	types.TaskTeachingFeedback: `Give supportive teaching feedback on this assessment for a trainee health
worker. Start with what was done well, then note sections that deserve
attention. End with a short list under the heading "TEACHING NOTES:".`,
	types.TaskConsistencyReview: `Review the recorded findings against the assigned triage priority and list
anything that looks inconsistent under the heading "INCONSISTENCIES:".
Respond with a JSON object when possible, containing "explanation" and
"inconsistencies".`,
	types.TaskSectionGuidance: `Provide brief guidance for the assessment section the health worker is
currently completing.`,
}

// Assembler builds model prompts from task templates and context snapshots.
type Assembler struct{}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Single builds a single-shot prompt: guardrails, context, task instruction,
// and an explicit word cap.
func (a *Assembler) Single(task types.Task, context map[string]string) string {
	spec := task.Spec()

	var b strings.Builder
	b.WriteString(guardrailPreamble)
	b.WriteString("\n\nCLINICAL CONTEXT:\n")
	b.WriteString(serializeContext(context, spec.ContextFields))
	b.WriteString("\nTASK:\n")
	b.WriteString(taskTemplates[task])
	fmt.Fprintf(&b, "\n\nKeep the response under %d words.\n", spec.WordCap)
	return b.String()
}

// Sectioned builds a prompt for one section of a multi-step assessment flow.
// Only the section's required fields reach the model; the rest of the record
// stays out of the prompt.
func (a *Assembler) Sectioned(section SectionDescriptor, context map[string]string, priorSummaries []string) string {
	var b strings.Builder
	b.WriteString(guardrailPreamble)

	if section.Cumulative {
		if summary := CumulativeSummary(priorSummaries); summary != "" {
			b.WriteString("\n\nASSESSMENT SO FAR:\n")
			b.WriteString(summary)
		}
	}

	b.WriteString("\n\nPATIENT:\n")
	b.WriteString(serializeContext(context, []string{"age_months", "sex"}))

	if len(section.RequiredFields) > 0 {
		b.WriteString("\nSECTION DATA:\n")
		b.WriteString(serializeContext(context, section.RequiredFields))
	}

	b.WriteString("\nINSTRUCTION:\n")
	b.WriteString(section.Goal)
	fmt.Fprintf(&b, "\n\nRespond as a %s, under %d words.\n", section.FormatHint, section.WordLimit)

	if section.Cumulative {
		fmt.Fprintf(&b, "\nEnd with exactly one final line beginning with %q followed by a one-sentence summary of this section to carry into the next one.\n", SummaryMarker)
	}
	return b.String()
}

// CumulativeSummary joins the prior section summaries to inject into the next
// prompt. Only the last two are kept; older ones are dropped to bound context
// growth and avoid repetition drift.
func CumulativeSummary(priorSummaries []string) string {
	kept := priorSummaries
	if len(kept) > 2 {
		kept = kept[len(kept)-2:]
	}
	var lines []string
	for _, s := range kept {
		s = strings.TrimSpace(s)
		if s != "" {
			lines = append(lines, "- "+s)
		}
	}
	return strings.Join(lines, "\n")
}

// serializeContext renders the selected fields in a stable order.
func serializeContext(context map[string]string, fields []string) string {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)

	var b strings.Builder
	for _, f := range sorted {
		if v, ok := context[f]; ok && strings.TrimSpace(v) != "" {
			fmt.Fprintf(&b, "%s: %s\n", f, strings.TrimSpace(v))
		}
	}
	return b.String()
}
