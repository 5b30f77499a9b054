package types

// AssistResponse is the blocking-mode envelope returned to the caller.
type AssistResponse struct {
	RequestID string              `json:"request_id"`
	Success   bool                `json:"success"`
	Response  *StructuredResponse `json:"response,omitempty"`
	Error     *ErrorDetail        `json:"error,omitempty"`
	Metadata  ResponseMetadata    `json:"metadata"`
}

type ResponseMetadata struct {
	FromCache bool     `json:"from_cache"`
	Provider  string   `json:"provider,omitempty"`
	Model     string   `json:"model,omitempty"`
	LatencyMs int64    `json:"latency_ms"`
	Warnings  []string `json:"warnings,omitempty"`
}

type ErrorDetail struct {
	Category    string   `json:"category"`
	Severity    string   `json:"severity"`
	Strategy    string   `json:"recovery_strategy"`
	Suggestions []string `json:"suggestions,omitempty"`
	UserMessage string   `json:"user_message"`
}

// StructuredResponse is the decomposed form of a model answer. It is derived,
// never a source of truth: it can always be rebuilt from the raw model text
// plus the deterministic detector output.
type StructuredResponse struct {
	Explanation     string         `json:"explanation"`
	TriageCategory  TriageCategory `json:"triage_category,omitempty"`
	Inconsistencies []Finding      `json:"inconsistencies,omitempty"`
	TeachingNotes   []string       `json:"teaching_notes,omitempty"`
	NextSteps       []string       `json:"next_steps,omitempty"`
	Confidence      float64        `json:"confidence"`
	Model           string         `json:"model"`
	RuleRefs        []string       `json:"rule_refs,omitempty"`
	SafetyFlags     []string       `json:"safety_flags,omitempty"`

	// One-sentence carry-forward summary for sectioned flows.
	SectionSummary string `json:"section_summary,omitempty"`
}

// FindingCategory classifies an inconsistency finding.
type FindingCategory string

const (
	FindingDangerSignMismatch FindingCategory = "danger_sign_mismatch"
	FindingThresholdExceeded  FindingCategory = "threshold_exceeded"
	FindingMissingData        FindingCategory = "missing_data"
	FindingContradiction      FindingCategory = "contradiction"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Finding is one detected inconsistency between the chart and the assigned
// priority.
type Finding struct {
	Category FindingCategory `json:"category"`
	Field    string          `json:"field"`
	Observed string          `json:"observed,omitempty"`
	Expected string          `json:"expected,omitempty"`
	Message  string          `json:"message"`
	Severity Severity        `json:"severity"`
}

// SafetyVerdict is the output safety validator's decision.
type SafetyVerdict struct {
	Allowed        bool     `json:"allowed"`
	BlockedPhrases []string `json:"blocked_phrases,omitempty"`
	WarningPhrases []string `json:"warning_phrases,omitempty"`
	RolePermitted  bool     `json:"role_permitted"`
	PIISuspected   bool     `json:"pii_suspected"`
	SchemaErrors   []string `json:"schema_errors,omitempty"`

	// Edited is true when the validator redacted content. Edited responses
	// are never cached.
	Edited bool `json:"edited"`
}
