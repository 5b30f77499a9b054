package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/carepath/cds-gateway/internal/audit"
	"github.com/carepath/cds-gateway/internal/cache"
	"github.com/carepath/cds-gateway/internal/config"
	"github.com/carepath/cds-gateway/internal/extract"
	"github.com/carepath/cds-gateway/internal/fault"
	"github.com/carepath/cds-gateway/internal/httputil"
	"github.com/carepath/cds-gateway/internal/imci"
	"github.com/carepath/cds-gateway/internal/prompt"
	"github.com/carepath/cds-gateway/internal/ratelimit"
	"github.com/carepath/cds-gateway/internal/relay"
	"github.com/carepath/cds-gateway/internal/runtime"
	"github.com/carepath/cds-gateway/internal/safety"
	"github.com/carepath/cds-gateway/internal/telemetry"
	"github.com/carepath/cds-gateway/internal/types"
)

const (
	headerTaskRemaining   = "X-RateLimit-Remaining-Task"
	headerGlobalRemaining = "X-RateLimit-Remaining-Global"
	headerQuotaRemaining  = "X-RateLimit-Remaining-Daily"
	headerRetryAfter      = "Retry-After"
)

// Handler holds dependencies for the gateway HTTP handlers.
type Handler struct {
	gate      *ratelimit.Gate
	cache     *cache.Cache
	assembler *prompt.Assembler
	selector  *runtime.Selector
	parser    *extract.Parser
	validator *safety.Validator
	metrics   *telemetry.Metrics
	monitor   *telemetry.Monitor
	audit     *audit.Store
	cfg       func() *config.Config
}

func NewHandler(
	gate *ratelimit.Gate,
	respCache *cache.Cache,
	selector *runtime.Selector,
	validator *safety.Validator,
	metrics *telemetry.Metrics,
	monitor *telemetry.Monitor,
	auditStore *audit.Store,
	cfg func() *config.Config,
) *Handler {
	return &Handler{
		gate:      gate,
		cache:     respCache,
		assembler: prompt.NewAssembler(),
		selector:  selector,
		parser:    extract.NewParser(),
		validator: validator,
		metrics:   metrics,
		monitor:   monitor,
		audit:     auditStore,
		cfg:       cfg,
	}
}

// Assist handles POST /v1/assist (blocking mode).
func (h *Handler) Assist(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	req, ok := h.parseRequest(w, r, reqID)
	if !ok {
		return
	}
	req.Stream = false

	adm, ok := h.admit(w, r.Context(), req, reqID)
	if !ok {
		return
	}

	// Role entitlement is decided before any model work or cache write. An
	// unentitled role is rejected regardless of what the answer would say.
	if !h.validator.CheckRole(r.Context(), req.Role, req.Task) {
		h.finishRejected(req, adm, "role_denied", fault.CategorySafetyViolation)
		httputil.WriteRoleDeniedError(w, reqID, fmt.Sprintf("Role %q is not entitled to task %q", req.Role, req.Task))
		return
	}

	// Cache lookup. Hits were validated before they were stored.
	if cached, err := h.cache.Get(r.Context(), req.Task, req.Context); err == nil && cached != nil {
		h.metrics.RecordCache(string(req.Task), "hit")
		h.finish(req, adm, audit.Record{
			Task: string(req.Task), Success: true, FromCache: true, Model: cached.Model,
		}, true, time.Since(req.ReceivedAt))
		h.writeSuccess(w, reqID, req, cached, types.ResponseMetadata{
			FromCache: true,
			Model:     cached.Model,
			LatencyMs: time.Since(req.ReceivedAt).Milliseconds(),
		})
		return
	}
	h.metrics.RecordCache(string(req.Task), "miss")

	promptText := h.buildPrompt(req)
	spec := req.Task.Spec()

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg().Runtime.RequestTimeout)
	defer cancel()

	result, rt, err := h.generate(ctx, promptText, spec)
	if err != nil {
		category := fault.Classify(err)
		f := fault.Handle(category, req.Task, err.Error())
		slog.Error("model invocation failed",
			"request_id", reqID, "task", req.Task, "category", category, "error", err)
		h.finishRejected(req, adm, "model_failure", category)
		h.writeFault(w, reqID, req, f)
		return
	}

	// Word-cap enforcement happens before extraction so the carry-forward
	// summary can never describe content past the limit.
	text, summary, _ := relay.FinishText(result.Text, spec.WordCap)
	resp, verdict, f := h.assess(ctx, req, text, summary, rt.Model())
	latency := time.Since(req.ReceivedAt)

	rec := audit.Record{
		RequestID:   reqID,
		Task:        string(req.Task),
		Principal:   req.Principal,
		Role:        req.Role,
		PromptHash:  audit.HashPrompt(promptText),
		Model:       rt.Model(),
		Provider:    result.Provider,
		LatencyMs:   latency.Milliseconds(),
		SafetyFlags: verdictFlags(verdict),
		Overridden:  verdict.Edited || !verdict.Allowed,
	}

	if f != nil {
		rec.ErrorCategory = string(f.Category)
		h.finish(req, adm, rec, false, latency)
		h.metrics.RecordSafetyAction(string(req.Task), "block")
		h.metrics.RecordOverride(string(req.Task))
		// Fixed fallback text plus the block reason; never the raw output.
		httputil.WriteSafetyBlockedError(w, reqID,
			h.validator.FallbackMessage()+" ("+f.UserMessage+")")
		return
	}

	if verdict.Edited {
		h.metrics.RecordSafetyAction(string(req.Task), "redact")
		h.metrics.RecordOverride(string(req.Task))
	}

	if stored, _ := h.cache.Put(ctx, req.Task, req.Context, resp, verdict); stored {
		h.metrics.RecordCache(string(req.Task), "store")
	}

	rec.Success = true
	h.finish(req, adm, rec, true, latency)
	h.writeSuccess(w, reqID, req, resp, types.ResponseMetadata{
		Provider:  result.Provider,
		Model:     rt.Model(),
		LatencyMs: latency.Milliseconds(),
		Warnings:  verdict.WarningPhrases,
	})
}

// parseRequest decodes and validates the inbound body.
func (h *Handler) parseRequest(w http.ResponseWriter, r *http.Request, reqID string) (*types.AssistRequest, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return nil, false
	}
	defer r.Body.Close()

	var req types.AssistRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return nil, false
	}

	if !req.Task.Valid() {
		httputil.WriteBadRequestError(w, reqID, "unknown task: "+string(req.Task))
		return nil, false
	}
	if req.Principal == "" {
		httputil.WriteBadRequestError(w, reqID, "principal is required")
		return nil, false
	}
	if req.Role == "" {
		httputil.WriteBadRequestError(w, reqID, "role is required")
		return nil, false
	}
	if req.Context == nil {
		req.Context = map[string]string{}
	}
	if err := req.Task.ValidateContext(req.Context); err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return nil, false
	}

	req.RequestID = reqID
	req.ReceivedAt = time.Now()
	return &req, true
}

// admit runs the three-budget admission check and sets the remaining-budget
// headers. On rejection it writes the 429 with the most restrictive reason.
func (h *Handler) admit(w http.ResponseWriter, ctx context.Context, req *types.AssistRequest, reqID string) (ratelimit.Admission, bool) {
	adm, err := h.gate.Admit(ctx, req.Task, req.Principal)
	if err != nil {
		httputil.WriteInternalError(w, reqID, "Admission check failed")
		return adm, false
	}

	setBudgetHeaders(w, adm.Budgets)

	if !adm.Allowed {
		h.metrics.RecordRateLimitHit(string(req.Task), string(adm.Reason))
		slog.Warn("request rejected at admission",
			"request_id", reqID, "task", req.Task, "principal", req.Principal, "reason", adm.Reason)

		w.Header().Set(headerRetryAfter, strconv.Itoa(int(adm.RetryAfter.Seconds())))
		category := fault.CategoryRateLimited
		if adm.Reason == ratelimit.ReasonDailyQuota {
			category = fault.CategoryQuotaExceeded
		}
		f := fault.Handle(category, req.Task, string(adm.Reason))
		httputil.WriteRateLimitError(w, reqID, string(adm.Reason), f.UserMessage)
		return adm, false
	}
	return adm, true
}

// buildPrompt assembles the task prompt, sectioned for the guidance flow.
func (h *Handler) buildPrompt(req *types.AssistRequest) string {
	if req.Task == types.TaskSectionGuidance {
		section := prompt.Section(sectionID(req))
		return h.assembler.Sectioned(section, req.Context, req.PriorSummaries)
	}
	return h.assembler.Single(req.Task, req.Context)
}

func sectionID(req *types.AssistRequest) string {
	if req.Section != "" {
		return req.Section
	}
	return req.Context["section"]
}

// generate invokes the selected runtime, with one fallback attempt against
// the secondary after a transient failure.
func (h *Handler) generate(ctx context.Context, promptText string, spec types.TaskSpec) (*runtime.GenerateResult, runtime.Runtime, error) {
	rt, err := h.selector.Pick()
	if err != nil {
		return nil, nil, err
	}

	params := runtime.GenerateParams{
		Prompt:      promptText,
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
	}

	result, err := rt.Generate(ctx, params)
	if err == nil {
		h.selector.RecordSuccess(rt)
		return result, rt, nil
	}
	h.selector.RecordFailure(rt)

	if !fault.Classify(err).Transient() {
		return nil, rt, err
	}

	fb := h.selector.Fallback(rt)
	if fb == nil {
		return nil, rt, err
	}

	slog.Warn("falling back to secondary runtime", "failed", rt.Name(), "fallback", fb.Name())
	result, ferr := fb.Generate(ctx, params)
	if ferr != nil {
		h.selector.RecordFailure(fb)
		return nil, fb, ferr
	}
	h.selector.RecordSuccess(fb)
	return result, fb, nil
}

// assess runs extraction, the deterministic detector, and the safety
// validator. A nil fault means resp may be shown.
func (h *Handler) assess(ctx context.Context, req *types.AssistRequest, text, summary, model string) (*types.StructuredResponse, types.SafetyVerdict, *fault.Fault) {
	priority, _ := req.Priority()
	resp := h.parser.Parse(text, model, priority)
	if summary != "" && resp.SectionSummary == "" {
		resp.SectionSummary = summary
	}

	detected := imci.Detect(req.Context, priority)
	resp.Inconsistencies = imci.Merge(detected, resp.Inconsistencies)

	verdict, usable := h.validator.Validate(ctx, resp, text, req.Task, req.Role)
	if usable == nil {
		category := fault.CategorySafetyViolation
		if verdict.RolePermitted && len(verdict.BlockedPhrases) == 0 {
			category = fault.CategoryValidationFailure
		}
		detail := "blocked phrases: " + strconv.Itoa(len(verdict.BlockedPhrases))
		if len(verdict.SchemaErrors) > 0 {
			detail = verdict.SchemaErrors[0]
		}
		f := fault.Handle(category, req.Task, detail)
		return nil, verdict, &f
	}
	// Presentational default only: schema validation has already run, so a
	// structured task missing triage_category fails above instead of being
	// papered over here.
	if usable.TriageCategory == "" && priority != "" {
		usable.TriageCategory = priority.Category()
	}
	return usable, verdict, nil
}

// finish records budgets, telemetry, and the audit trail for an admitted
// request. Budget is consumed regardless of outcome so retry storms cannot
// sidestep the limits.
func (h *Handler) finish(req *types.AssistRequest, adm ratelimit.Admission, rec audit.Record, success bool, latency time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.gate.Record(ctx, req.Task, req.Principal)

	if rec.RequestID == "" {
		rec.RequestID = req.RequestID
	}
	if rec.Principal == "" {
		rec.Principal = req.Principal
		rec.Role = req.Role
	}
	rec.Task = string(req.Task)
	rec.LatencyMs = latency.Milliseconds()
	h.audit.Write(rec)

	outcome := "error"
	if success {
		outcome = "success"
	}
	h.metrics.RecordRequest(string(req.Task), outcome, rec.FromCache, float64(latency.Milliseconds()), rec.Provider)
	h.monitor.Record(string(req.Task), success, rec.Overridden, latency)
}

func (h *Handler) finishRejected(req *types.AssistRequest, adm ratelimit.Admission, detail string, category fault.Category) {
	h.finish(req, adm, audit.Record{
		ErrorCategory: string(category),
	}, false, time.Since(req.ReceivedAt))
}

func (h *Handler) writeSuccess(w http.ResponseWriter, reqID string, req *types.AssistRequest, resp *types.StructuredResponse, meta types.ResponseMetadata) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(types.AssistResponse{
		RequestID: reqID,
		Success:   true,
		Response:  resp,
		Metadata:  meta,
	})

	slog.Info("request completed",
		"request_id", reqID,
		"task", req.Task,
		"principal", req.Principal,
		"from_cache", meta.FromCache,
		"model", meta.Model,
		"duration_ms", meta.LatencyMs,
	)
}

func (h *Handler) writeFault(w http.ResponseWriter, reqID string, req *types.AssistRequest, f fault.Fault) {
	switch f.Category {
	case fault.CategoryTimeout:
		httputil.WriteTimeoutError(w, reqID, f.UserMessage)
	case fault.CategoryProviderUnavailable:
		httputil.WriteServiceUnavailableError(w, reqID, f.UserMessage)
	default:
		httputil.WriteInternalError(w, reqID, f.UserMessage)
	}
}

// InvalidateCache handles POST /v1/cache/invalidate, called when underlying
// clinical data changes.
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	var body struct {
		PatientID string `json:"patient_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PatientID == "" {
		httputil.WriteBadRequestError(w, reqID, "patient_id is required")
		return
	}

	removed, err := h.cache.Invalidate(r.Context(), body.PatientID)
	if err != nil {
		httputil.WriteInternalError(w, reqID, "Cache invalidation failed")
		return
	}

	slog.Info("cache invalidated", "request_id", reqID, "patient_id", body.PatientID, "removed", removed)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"removed": removed})
}

// HealthReport handles GET /v1/health/report.
func (h *Handler) HealthReport(w http.ResponseWriter, r *http.Request) {
	period := telemetry.Period(r.URL.Query().Get("period"))
	switch period {
	case telemetry.PeriodMinute, telemetry.PeriodHour, telemetry.PeriodDay:
	default:
		period = telemetry.PeriodHour
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.monitor.Snapshot(period))
}

func setBudgetHeaders(w http.ResponseWriter, b ratelimit.Budgets) {
	w.Header().Set(headerTaskRemaining, strconv.FormatInt(b.TaskRemaining, 10))
	w.Header().Set(headerGlobalRemaining, strconv.FormatInt(b.GlobalRemaining, 10))
	w.Header().Set(headerQuotaRemaining, strconv.FormatInt(b.QuotaRemaining, 10))
}

func verdictFlags(v types.SafetyVerdict) []string {
	var flags []string
	if len(v.BlockedPhrases) > 0 {
		flags = append(flags, "deny_phrase")
	}
	if len(v.WarningPhrases) > 0 {
		flags = append(flags, "warning_phrase")
	}
	if v.PIISuspected {
		flags = append(flags, "pii_suspected")
	}
	if !v.RolePermitted {
		flags = append(flags, "role_denied")
	}
	if len(v.SchemaErrors) > 0 {
		flags = append(flags, "schema_invalid")
	}
	return flags
}
