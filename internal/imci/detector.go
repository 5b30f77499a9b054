// Package imci holds the deterministic, rule-based consistency checks
// comparing recorded findings against the assigned triage priority. It is
// independent of the model: its findings are authoritative and are merged
// into whatever the model claimed, never suppressed by it.
package imci

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/carepath/cds-gateway/internal/types"
)

// redSigns mandate the most urgent tier on their own.
var redSigns = map[string]bool{
	"unable_to_drink":   true,
	"convulsions":       true,
	"unconscious":       true,
	"lethargic":         true,
	"vomits_everything": true,
	"stridor":           true,
}

// yellowSigns are incompatible with a green classification.
var yellowSigns = map[string]bool{
	"chest_indrawing":   true,
	"fast_breathing":    true,
	"fever":             true,
	"restless":          true,
	"sunken_eyes":       true,
	"skin_pinch_slow":   true,
	"some_dehydration":  true,
}

// contradictions are field pairs that cannot both be recorded.
var contradictions = [][2]string{
	{"unable_to_drink", "drinks_normally"},
	{"lethargic", "alert"},
	{"vomits_everything", "feeding_well"},
}

// FastBreathingThreshold returns the age-banded breaths/min cutoff.
func FastBreathingThreshold(ageMonths int) int {
	switch {
	case ageMonths < 2:
		return 60
	case ageMonths < 12:
		return 50
	default:
		return 40
	}
}

// Detect runs every rule against the context snapshot and the already
// assigned priority. A correct RED classification is never second-guessed:
// the rules only fire when the priority understates the chart.
func Detect(context map[string]string, priority types.TriagePriority) []types.Finding {
	signs := collectSigns(context)
	var findings []types.Finding

	// RED-tier sign with a lower priority: the classification is almost
	// certainly wrong.
	if priority != types.PriorityRed {
		for sign := range signs {
			if redSigns[sign] {
				findings = append(findings, types.Finding{
					Category: types.FindingDangerSignMismatch,
					Field:    sign,
					Observed: "present",
					Expected: "priority red when a general danger sign is present",
					Message:  fmt.Sprintf("Danger sign %q is recorded but priority is %s.", sign, priority),
					Severity: types.SeverityError,
				})
			}
		}
	}

	// YELLOW-tier sign with a green classification.
	if priority == types.PriorityGreen {
		for sign := range signs {
			if yellowSigns[sign] {
				findings = append(findings, types.Finding{
					Category: types.FindingDangerSignMismatch,
					Field:    sign,
					Observed: "present",
					Expected: "priority yellow or higher",
					Message:  fmt.Sprintf("Finding %q is recorded but priority is green.", sign),
					Severity: types.SeverityWarning,
				})
			}
		}
	}

	// Age-banded fast breathing while classified green.
	if rr, age, ok := respiratoryRate(context); ok && priority == types.PriorityGreen {
		if threshold := FastBreathingThreshold(age); rr >= threshold {
			findings = append(findings, types.Finding{
				Category: types.FindingThresholdExceeded,
				Field:    "respiratory_rate",
				Observed: strconv.Itoa(rr),
				Expected: fmt.Sprintf("below %d breaths/min for age %d months", threshold, age),
				Message:  fmt.Sprintf("Respiratory rate %d meets the fast-breathing threshold (%d) but priority is green.", rr, threshold),
				Severity: types.SeverityWarning,
			})
		}
	}

	// Direct contradictions.
	for _, pair := range contradictions {
		if signs[pair[0]] && signs[pair[1]] {
			findings = append(findings, types.Finding{
				Category: types.FindingContradiction,
				Field:    pair[0],
				Observed: fmt.Sprintf("%s and %s both recorded", pair[0], pair[1]),
				Expected: "at most one of the pair",
				Message:  fmt.Sprintf("%q and %q cannot both be true.", pair[0], pair[1]),
				Severity: types.SeverityError,
			})
		}
	}

	// Missing clinically important fields.
	if priority != types.PriorityRed {
		if strings.TrimSpace(context["age_months"]) == "" {
			findings = append(findings, missingField("age_months"))
		}
		if _, _, ok := respiratoryRate(context); !ok && (signs["cough"] || signs["fast_breathing"]) {
			findings = append(findings, missingField("respiratory_rate"))
		}
	}

	return findings
}

func missingField(field string) types.Finding {
	return types.Finding{
		Category: types.FindingMissingData,
		Field:    field,
		Expected: "recorded value",
		Message:  fmt.Sprintf("Clinically important field %q was not recorded.", field),
		Severity: types.SeverityInfo,
	}
}

// Merge combines detector findings with model-claimed ones, de-duplicated.
// Detector findings come first and always survive.
func Merge(detected, claimed []types.Finding) []types.Finding {
	merged := append([]types.Finding(nil), detected...)
	seen := make(map[string]bool, len(detected))
	for _, f := range detected {
		seen[dedupeKey(f)] = true
	}
	for _, f := range claimed {
		if !seen[dedupeKey(f)] {
			seen[dedupeKey(f)] = true
			merged = append(merged, f)
		}
	}
	return merged
}

func dedupeKey(f types.Finding) string {
	if f.Field != "" {
		return string(f.Category) + "|" + f.Field
	}
	return strings.ToLower(strings.TrimSpace(f.Message))
}

// collectSigns gathers the findings and danger_signs lists into one set.
func collectSigns(context map[string]string) map[string]bool {
	signs := make(map[string]bool)
	for _, key := range []string{"findings", "danger_signs"} {
		for _, item := range strings.Split(context[key], ",") {
			item = strings.ToLower(strings.TrimSpace(item))
			if item != "" {
				signs[item] = true
			}
		}
	}
	return signs
}

// respiratoryRate reads the rate and age from the context snapshot. The rate
// may appear directly or inside a vitals list like "rr=52;temp=38.5".
func respiratoryRate(context map[string]string) (rr, ageMonths int, ok bool) {
	raw := strings.TrimSpace(context["respiratory_rate"])
	if raw == "" {
		for _, part := range strings.FieldsFunc(context["vitals"], func(r rune) bool { return r == ';' || r == ',' }) {
			k, v, found := strings.Cut(part, "=")
			if !found {
				continue
			}
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "rr" || k == "respiratory_rate" {
				raw = strings.TrimSpace(v)
				break
			}
		}
	}
	if raw == "" {
		return 0, 0, false
	}
	rr, err := strconv.Atoi(raw)
	if err != nil {
		return 0, 0, false
	}
	ageMonths, err = strconv.Atoi(strings.TrimSpace(context["age_months"]))
	if err != nil {
		return 0, 0, false
	}
	return rr, ageMonths, true
}
