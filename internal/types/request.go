package types

import "time"

// AssistRequest is the canonical internal representation of an inbound
// decision-support request. It is immutable once admitted: the context map is
// a snapshot owned by the request for its lifetime only.
type AssistRequest struct {
	// Identity (set by the gateway, not the caller)
	RequestID string `json:"request_id"`

	// Who is asking
	Principal string `json:"principal"`
	Role      string `json:"role"`

	// What they are asking for
	Task    Task              `json:"task"`
	Context map[string]string `json:"context"`

	// Optional conversation/session reference
	SessionID string    `json:"session_id,omitempty"`
	History   []Message `json:"history,omitempty"`

	// Sectioned assessment flows
	Section        string   `json:"section,omitempty"`
	PriorSummaries []string `json:"prior_summaries,omitempty"`

	Stream bool `json:"stream"`

	// Internal tracking
	ReceivedAt time.Time `json:"-"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Priority returns the already-assigned triage priority from the context
// snapshot, if present.
func (r *AssistRequest) Priority() (TriagePriority, bool) {
	return ParsePriority(r.Context["triage"])
}

// PatientID returns the patient reference from the context snapshot, if any.
func (r *AssistRequest) PatientID() string {
	return r.Context["patient_id"]
}
