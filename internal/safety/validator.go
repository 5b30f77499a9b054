package safety

import (
	"context"
	"fmt"
	"strings"

	"github.com/carepath/cds-gateway/internal/config"
	"github.com/carepath/cds-gateway/internal/types"
)

// Validator is the output safety gate. Every model response passes through
// it before reaching the caller or the cache.
type Validator struct {
	cfg    func() *config.SafetyConfig
	policy *RolePolicy
	pii    *PIIScanner
}

func NewValidator(cfg func() *config.SafetyConfig, policy *RolePolicy) *Validator {
	return &Validator{
		cfg:    cfg,
		policy: policy,
		pii:    NewPIIScanner(),
	}
}

// Scanner returns a phrase scanner built from the current config. Rebuilt
// per call so phrase-list reloads take effect without restart.
func (v *Validator) Scanner() *PhraseScanner {
	cfg := v.cfg()
	return NewPhraseScanner(cfg.DenyPhrases, cfg.WarningPhrases)
}

// FallbackMessage is the fixed text shown in place of a blocked response.
func (v *Validator) FallbackMessage() string {
	return v.cfg().FallbackMessage
}

// CheckRole verifies the role→task entitlement. It runs before the model is
// ever invoked; an unentitled role is rejected regardless of content.
func (v *Validator) CheckRole(ctx context.Context, role string, task types.Task) bool {
	if !v.cfg().RolePolicy.Enabled {
		return true
	}
	return v.policy.Allowed(ctx, role, task)
}

// Validate runs every output check on a parsed response. It returns the
// verdict and the response to use: the original, a redacted copy, or nil
// when nothing may be shown. Redacted responses carry Edited=true and are
// never cached.
func (v *Validator) Validate(ctx context.Context, resp *types.StructuredResponse, rawText string, task types.Task, role string) (types.SafetyVerdict, *types.StructuredResponse) {
	verdict := types.SafetyVerdict{RolePermitted: true}

	if !v.CheckRole(ctx, role, task) {
		verdict.RolePermitted = false
		verdict.Allowed = false
		return verdict, nil
	}

	verdict.SchemaErrors = v.checkSchema(resp, task)

	// The carry-forward summary is split off the body before parsing, so it
	// must be scanned alongside the raw text or a deny phrase carried only
	// in the summary line would reach the caller.
	scanned := rawText
	if resp.SectionSummary != "" && !strings.Contains(rawText, resp.SectionSummary) {
		scanned = rawText + "\n" + resp.SectionSummary
	}

	scanner := v.Scanner()
	verdict.BlockedPhrases = scanner.ScanDeny(scanned)
	verdict.WarningPhrases = scanner.ScanWarning(scanned)

	if v.cfg().PIIScan.Enabled {
		verdict.PIISuspected = len(v.pii.Scan(scanned)) > 0
	}

	if len(verdict.BlockedPhrases) > 0 {
		if !task.Spec().RedactOnDeny {
			verdict.Allowed = false
			return verdict, nil
		}
		redacted := *resp
		redacted.Explanation = Redact(resp.Explanation, verdict.BlockedPhrases)
		redacted.TeachingNotes = redactAll(resp.TeachingNotes, verdict.BlockedPhrases)
		redacted.NextSteps = redactAll(resp.NextSteps, verdict.BlockedPhrases)
		redacted.SectionSummary = Redact(resp.SectionSummary, verdict.BlockedPhrases)
		redacted.SafetyFlags = append(append([]string(nil), resp.SafetyFlags...), "deny_phrase_redacted")
		verdict.Edited = true
		verdict.Allowed = len(verdict.SchemaErrors) == 0
		if !verdict.Allowed {
			return verdict, nil
		}
		return verdict, &redacted
	}

	verdict.Allowed = len(verdict.SchemaErrors) == 0
	if !verdict.Allowed {
		return verdict, nil
	}
	if verdict.PIISuspected {
		flagged := *resp
		flagged.SafetyFlags = append(append([]string(nil), resp.SafetyFlags...), "pii_suspected")
		return verdict, &flagged
	}
	return verdict, resp
}

// checkSchema verifies structured-output conformance: required keys present,
// enum values in range, numeric bounds respected.
func (v *Validator) checkSchema(resp *types.StructuredResponse, task types.Task) []string {
	spec := task.Spec()
	if !spec.Structured {
		return nil
	}

	var errs []string
	for _, key := range spec.RequiredKeys {
		switch key {
		case "explanation":
			if resp.Explanation == "" {
				errs = append(errs, `missing required key "explanation"`)
			}
		case "triage_category":
			if resp.TriageCategory == "" {
				errs = append(errs, `missing required key "triage_category"`)
			} else if !resp.TriageCategory.Valid() {
				errs = append(errs, fmt.Sprintf("triage_category %q not in enum", resp.TriageCategory))
			}
		}
	}
	if resp.Confidence != 0 && (resp.Confidence < 0.3 || resp.Confidence > 0.95) {
		errs = append(errs, fmt.Sprintf("confidence %.2f outside [0.30, 0.95]", resp.Confidence))
	}
	return errs
}

func redactAll(items, phrases []string) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = Redact(s, phrases)
	}
	return out
}
