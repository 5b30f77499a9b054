package prompt

// SectionDescriptor drives prompt assembly for one step of a multi-section
// assessment flow.
type SectionDescriptor struct {
	ID             string
	Goal           string
	RequiredFields []string
	WordLimit      int
	FormatHint     string

	// Cumulative sections receive the running summary of prior sections and
	// must emit a one-sentence carry-forward line of their own.
	Cumulative bool
}

// Assessment sections in protocol order.
var sectionSequence = []SectionDescriptor{
	{
		ID:             "danger_signs",
		Goal:           "Explain which general danger signs were checked and what was found.",
		RequiredFields: []string{"danger_signs", "age_months"},
		WordLimit:      120,
		FormatHint:     "short paragraph",
		Cumulative:     true,
	},
	{
		ID:             "main_symptoms",
		Goal:           "Walk through the reported main symptoms and how each maps to the assessment protocol.",
		RequiredFields: []string{"findings", "age_months"},
		WordLimit:      180,
		FormatHint:     "short paragraph",
		Cumulative:     true,
	},
	{
		ID:             "vitals_nutrition",
		Goal:           "Review the recorded vital signs and nutrition indicators against age-appropriate ranges.",
		RequiredFields: []string{"vitals", "age_months"},
		WordLimit:      150,
		FormatHint:     "short paragraph",
		Cumulative:     true,
	},
	{
		ID:             "final_classification",
		Goal:           "Relate the accumulated findings to the assigned triage priority without re-deciding it.",
		RequiredFields: []string{"triage", "findings", "danger_signs"},
		WordLimit:      200,
		FormatHint:     "short paragraph followed by a bullet list of next steps",
		Cumulative:     true,
	},
}

// fallbackSection is used for section ids we don't recognize, so an outdated
// client cannot crash the flow.
var fallbackSection = SectionDescriptor{
	ID:         "general",
	Goal:       "Provide brief, protocol-grounded guidance for this part of the assessment.",
	WordLimit:  120,
	FormatHint: "short paragraph",
	Cumulative: false,
}

// Section returns the descriptor for an id, falling back to a generic one.
func Section(id string) SectionDescriptor {
	for _, s := range sectionSequence {
		if s.ID == id {
			return s
		}
	}
	s := fallbackSection
	s.ID = id
	return s
}

// Sections returns the ordered section sequence.
func Sections() []SectionDescriptor {
	return append([]SectionDescriptor(nil), sectionSequence...)
}
