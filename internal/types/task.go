package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Task is a named AI capability. The set is closed: every task carries its
// prompt template, output schema, cache eligibility, and limits as data, so
// adding a capability means adding a case here rather than registering a
// handler at runtime.
type Task string

const (
	TaskExplainTriage       Task = "explain_triage"
	TaskSummarizeAssessment Task = "summarize_assessment"
	TaskTeachingFeedback    Task = "teaching_feedback"
	TaskConsistencyReview   Task = "consistency_review"
	TaskSectionGuidance     Task = "section_guidance"
)

// TaskSpec is the static policy attached to a task.
type TaskSpec struct {
	DisplayName string

	// Admission
	PerMinuteLimit int64

	// Caching. Non-cacheable tasks depend on live vitals and must never be
	// served from a stale entry.
	Cacheable bool
	CacheTTL  time.Duration

	// Context fields that participate in the cache key and in prompt
	// assembly. Fields outside this list never reach the model.
	ContextFields []string

	// Output policy
	WordCap      int
	Structured   bool
	RequiredKeys []string

	// Clinical tasks escalate error severity and always offer a manual
	// review fallback.
	Clinical bool

	// Deny-phrase handling: redact the matched spans or reject outright.
	RedactOnDeny bool

	// Sampling
	Temperature float64
	MaxTokens   int
}

var taskSpecs = map[Task]TaskSpec{
	TaskExplainTriage: {
		DisplayName:    "Explain triage decision",
		PerMinuteLimit: 20,
		Cacheable:      true,
		CacheTTL:       1 * time.Hour,
		ContextFields:  []string{"patient_id", "age_months", "triage", "findings", "danger_signs"},
		WordCap:        500,
		Structured:     true,
		RequiredKeys:   []string{"explanation", "triage_category"},
		Clinical:       true,
		RedactOnDeny:   false,
		Temperature:    0.2,
		MaxTokens:      768,
	},
	TaskSummarizeAssessment: {
		DisplayName:    "Summarize assessment",
		PerMinuteLimit: 30,
		Cacheable:      true,
		CacheTTL:       2 * time.Hour,
		ContextFields:  []string{"patient_id", "age_months", "sex", "triage", "findings", "vitals"},
		WordCap:        300,
		Structured:     false,
		Clinical:       true,
		RedactOnDeny:   false,
		Temperature:    0.3,
		MaxTokens:      512,
	},
	TaskTeachingFeedback: {
		DisplayName:    "Teaching feedback",
		PerMinuteLimit: 30,
		Cacheable:      true,
		CacheTTL:       2 * time.Hour,
		ContextFields:  []string{"age_months", "triage", "findings", "answers"},
		WordCap:        400,
		Structured:     false,
		Clinical:       false,
		RedactOnDeny:   true,
		Temperature:    0.5,
		MaxTokens:      640,
	},
	TaskConsistencyReview: {
		DisplayName:    "Consistency review",
		PerMinuteLimit: 20,
		// Answers depend on live vitals; a cached review could contradict
		// the chart the clinician is looking at.
		Cacheable:     false,
		ContextFields: []string{"patient_id", "age_months", "triage", "findings", "vitals", "danger_signs"},
		WordCap:       350,
		Structured:    true,
		RequiredKeys:  []string{"explanation"},
		Clinical:      true,
		RedactOnDeny:  false,
		Temperature:   0.1,
		MaxTokens:     512,
	},
	TaskSectionGuidance: {
		DisplayName:    "Section guidance",
		PerMinuteLimit: 30,
		Cacheable:      false,
		ContextFields:  []string{"patient_id", "age_months", "sex", "section", "findings", "vitals"},
		WordCap:        250,
		Structured:     false,
		Clinical:       true,
		RedactOnDeny:   true,
		Temperature:    0.3,
		MaxTokens:      384,
	},
}

// Spec returns the task's static policy. Unknown tasks get a zero spec;
// callers should have validated the task with ParseTask first.
func (t Task) Spec() TaskSpec {
	return taskSpecs[t]
}

func (t Task) Valid() bool {
	_, ok := taskSpecs[t]
	return ok
}

func ParseTask(s string) (Task, bool) {
	t := Task(s)
	return t, t.Valid()
}

// Age bounds for the context, in months. Clinical tasks are scoped to the
// under-five protocols; the rest accept any pediatric age on record.
const (
	maxClinicalAgeMonths  = 60
	maxPediatricAgeMonths = 240
)

// ValidateContext checks per-task numeric bounds on the inbound context.
// A context that fails here is rejected before any model call.
func (t Task) ValidateContext(ctx map[string]string) error {
	raw, ok := ctx["age_months"]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	age, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("age_months %q is not a whole number", raw)
	}
	max := maxPediatricAgeMonths
	if t.Spec().Clinical {
		max = maxClinicalAgeMonths
	}
	if age < 0 || age > max {
		return fmt.Errorf("age_months %d outside [0, %d] for task %s", age, max, t)
	}
	return nil
}

// AllTasks returns the closed task set in a stable order.
func AllTasks() []Task {
	return []Task{
		TaskExplainTriage,
		TaskSummarizeAssessment,
		TaskTeachingFeedback,
		TaskConsistencyReview,
		TaskSectionGuidance,
	}
}
