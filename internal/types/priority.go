package types

// TriagePriority is the IMCI-style priority assigned by the triage engine
// before the gateway is ever involved. The gateway never changes it.
type TriagePriority string

const (
	PriorityRed    TriagePriority = "red"
	PriorityYellow TriagePriority = "yellow"
	PriorityGreen  TriagePriority = "green"
)

func ParsePriority(s string) (TriagePriority, bool) {
	switch TriagePriority(s) {
	case PriorityRed, PriorityYellow, PriorityGreen:
		return TriagePriority(s), true
	default:
		return "", false
	}
}

// TriageCategory is the disposition vocabulary used in structured output.
type TriageCategory string

const (
	CategoryEmergency TriageCategory = "emergency"
	CategoryUrgent    TriageCategory = "urgent"
	CategoryRoutine   TriageCategory = "routine"
	CategorySelfCare  TriageCategory = "self_care"
)

func (c TriageCategory) Valid() bool {
	switch c {
	case CategoryEmergency, CategoryUrgent, CategoryRoutine, CategorySelfCare:
		return true
	}
	return false
}

// Category maps a priority to its disposition.
func (p TriagePriority) Category() TriageCategory {
	switch p {
	case PriorityRed:
		return CategoryEmergency
	case PriorityYellow:
		return CategoryUrgent
	default:
		return CategoryRoutine
	}
}
