package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carepath/cds-gateway/internal/audit"
	"github.com/carepath/cds-gateway/internal/cache"
	"github.com/carepath/cds-gateway/internal/config"
	"github.com/carepath/cds-gateway/internal/ratelimit"
	"github.com/carepath/cds-gateway/internal/runtime"
	"github.com/carepath/cds-gateway/internal/safety"
	"github.com/carepath/cds-gateway/internal/telemetry"
	"github.com/carepath/cds-gateway/internal/types"
)

// One registry-backed metrics instance for the whole test binary; promauto
// panics on duplicate registration.
var testMetrics = telemetry.NewMetrics()

type mockRuntime struct {
	server *httptest.Server
	calls  int32
}

// newMockRuntime serves the Ollama generate API: one JSON body in blocking
// mode, NDJSON fragments in streaming mode.
func newMockRuntime(t *testing.T, modelText string) *mockRuntime {
	m := &mockRuntime{}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&m.calls, 1)
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		var req struct {
			Stream bool `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode runtime request: %v", err)
		}

		if !req.Stream {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"model":      "llama3.1:8b",
				"response":   modelText,
				"done":       true,
				"eval_count": 40,
			})
			return
		}

		flusher := w.(http.Flusher)
		words := strings.SplitAfter(modelText, " ")
		for _, word := range words {
			data, _ := json.Marshal(map[string]interface{}{"response": word, "done": false})
			fmt.Fprintf(w, "%s\n", data)
			flusher.Flush()
		}
		data, _ := json.Marshal(map[string]interface{}{"response": "", "done": true, "eval_count": len(words)})
		fmt.Fprintf(w, "%s\n", data)
		flusher.Flush()
	}))
	return m
}

func (m *mockRuntime) close()       { m.server.Close() }
func (m *mockRuntime) count() int32 { return atomic.LoadInt32(&m.calls) }

func newTestHandler(m *mockRuntime) *Handler {
	cfg := config.DefaultConfig()
	cfg.Runtime.Primary.BaseURL = m.server.URL
	cfg.Runtime.RequestTimeout = 5 * time.Second
	cfg.Runtime.FirstChunkTimeout = 2 * time.Second
	cfg.Runtime.ChunkStaleTimeout = 2 * time.Second

	safetyCfg := config.DefaultSafetyConfig()
	validator := safety.NewValidator(func() *config.SafetyConfig { return safetyCfg }, safety.NewRolePolicy())

	return NewHandler(
		ratelimit.NewGate(nil, cfg.Limits.GlobalPerMinute, cfg.Limits.DailyQuota),
		cache.New(nil),
		runtime.BuildFromConfig(cfg.Runtime),
		validator,
		testMetrics,
		telemetry.NewMonitor(),
		audit.NewStore(nil),
		func() *config.Config { return cfg },
	)
}

func assistBody(t *testing.T, role string) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(types.AssistRequest{
		Principal: "chw-1",
		Role:      role,
		Task:      types.TaskExplainTriage,
		Context: map[string]string{
			"patient_id": "p-42",
			"age_months": "18",
			"triage":     "yellow",
			"findings":   "fast_breathing, fever",
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return bytes.NewReader(body)
}

func TestAssist_Success(t *testing.T) {
	m := newMockRuntime(t, `{"explanation": "The urgent category fits the fast breathing finding per protocol.", "triage_category": "urgent", "next_steps": ["refer to clinic within 24 hours"]}`)
	defer m.close()
	h := newTestHandler(m)

	w := httptest.NewRecorder()
	h.Assist(w, httptest.NewRequest(http.MethodPost, "/v1/assist", assistBody(t, "nurse")))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp types.AssistResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Response == nil {
		t.Fatalf("expected success envelope, got %s", w.Body.String())
	}
	if resp.Response.TriageCategory != types.CategoryUrgent {
		t.Errorf("expected urgent, got %s", resp.Response.TriageCategory)
	}
	if resp.Response.Confidence < 0.3 || resp.Response.Confidence > 0.95 {
		t.Errorf("confidence out of bounds: %v", resp.Response.Confidence)
	}
	if resp.Metadata.FromCache {
		t.Error("first request cannot be a cache hit")
	}
	// The chart reports fast breathing but no respiratory rate; the
	// deterministic detector must surface that through the merge.
	found := false
	for _, f := range resp.Response.Inconsistencies {
		if f.Field == "respiratory_rate" && f.Category == types.FindingMissingData {
			found = true
		}
	}
	if !found {
		t.Errorf("expected detector finding in merged inconsistencies, got %+v", resp.Response.Inconsistencies)
	}

	if got := w.Header().Get("X-RateLimit-Remaining-Task"); got != "20" {
		t.Errorf("expected task budget header 20, got %q", got)
	}
	if w.Header().Get("X-RateLimit-Remaining-Daily") != "500" {
		t.Error("expected daily budget header")
	}
}

func TestAssist_RoleDeniedBeforeModelCall(t *testing.T) {
	m := newMockRuntime(t, "never used")
	defer m.close()
	h := newTestHandler(m)

	w := httptest.NewRecorder()
	h.Assist(w, httptest.NewRequest(http.MethodPost, "/v1/assist", assistBody(t, "radiologist")))

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
	if m.count() != 0 {
		t.Error("the model must never be invoked for an unentitled role")
	}
	if !strings.Contains(w.Body.String(), "radiologist") {
		t.Error("expected the rejected role named in the error")
	}
}

func TestAssist_DenyPhraseBlocked(t *testing.T) {
	m := newMockRuntime(t, "The diagnosis is pneumonia. Administer amoxicillin at the usual dosage.")
	defer m.close()
	h := newTestHandler(m)

	w := httptest.NewRecorder()
	h.Assist(w, httptest.NewRequest(http.MethodPost, "/v1/assist", assistBody(t, "nurse")))

	if w.Code != 451 {
		t.Fatalf("expected 451, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if strings.Contains(body, "pneumonia") || strings.Contains(strings.ToLower(body), "amoxicillin") {
		t.Error("blocked model output must never appear in the error body")
	}
	if !strings.Contains(body, "rely on the triage protocol") {
		t.Error("expected the fixed fallback message")
	}
}

func TestAssist_DenyPhraseInSummaryLineBlocked(t *testing.T) {
	// The carry-forward summary is split off before parsing; a deny phrase
	// carried only in that line must still be caught.
	m := newMockRuntime(t, "All findings were reviewed and documented in the record.\n"+
		"SECTION-SUMMARY: administer amoxicillin 5mg/kg before transfer.")
	defer m.close()
	h := newTestHandler(m)

	body, err := json.Marshal(types.AssistRequest{
		Principal: "chw-1",
		Role:      "nurse",
		Task:      types.TaskSummarizeAssessment,
		Context: map[string]string{
			"patient_id": "p-42",
			"age_months": "18",
			"triage":     "yellow",
			"findings":   "fever",
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	w := httptest.NewRecorder()
	h.Assist(w, httptest.NewRequest(http.MethodPost, "/v1/assist", bytes.NewReader(body)))

	if w.Code != 451 {
		t.Fatalf("expected 451, got %d: %s", w.Code, w.Body.String())
	}
	lower := strings.ToLower(w.Body.String())
	if strings.Contains(lower, "administer") || strings.Contains(lower, "amoxicillin") {
		t.Error("summary-line content must never appear in the error body")
	}
}

func TestAssist_MissingRequiredKeyRejected(t *testing.T) {
	// explain_triage requires triage_category; the triage value in the
	// request context must not paper over the omission.
	m := newMockRuntime(t, `{"explanation": "The category fits the findings per protocol."}`)
	defer m.close()
	h := newTestHandler(m)

	w := httptest.NewRecorder()
	h.Assist(w, httptest.NewRequest(http.MethodPost, "/v1/assist", assistBody(t, "nurse")))

	if w.Code != 451 {
		t.Fatalf("expected 451, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "incomplete") {
		t.Errorf("expected the validation-failure message, got %s", w.Body.String())
	}
}

func TestAssist_AgeOutOfBoundsRejected(t *testing.T) {
	m := newMockRuntime(t, "never used")
	defer m.close()
	h := newTestHandler(m)

	w := httptest.NewRecorder()
	h.Assist(w, httptest.NewRequest(http.MethodPost, "/v1/assist",
		strings.NewReader(`{"principal":"chw-1","role":"nurse","task":"explain_triage","context":{"age_months":"120","triage":"yellow"}}`)))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "age_months") {
		t.Error("expected the rejected field named in the error")
	}
	if m.count() != 0 {
		t.Error("out-of-bounds context must be rejected before any model call")
	}
}

func TestAssist_UnknownTaskRejected(t *testing.T) {
	m := newMockRuntime(t, "never used")
	defer m.close()
	h := newTestHandler(m)

	w := httptest.NewRecorder()
	h.Assist(w, httptest.NewRequest(http.MethodPost, "/v1/assist",
		strings.NewReader(`{"principal":"chw-1","role":"nurse","task":"diagnose_patient","context":{}}`)))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "diagnose_patient") {
		t.Error("expected the unknown task named in the error")
	}
}

func TestAssist_MissingPrincipalRejected(t *testing.T) {
	m := newMockRuntime(t, "never used")
	defer m.close()
	h := newTestHandler(m)

	w := httptest.NewRecorder()
	h.Assist(w, httptest.NewRequest(http.MethodPost, "/v1/assist",
		strings.NewReader(`{"role":"nurse","task":"explain_triage","context":{}}`)))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAssist_RuntimeDownReturnsServerError(t *testing.T) {
	m := newMockRuntime(t, "never used")
	h := newTestHandler(m)
	m.close() // runtime unreachable

	w := httptest.NewRecorder()
	h.Assist(w, httptest.NewRequest(http.MethodPost, "/v1/assist", assistBody(t, "nurse")))

	if w.Code < 500 {
		t.Fatalf("expected a 5xx, got %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Error("raw transport errors must not leak to the caller")
	}
}

func TestHealthReport(t *testing.T) {
	m := newMockRuntime(t, "unused")
	defer m.close()
	h := newTestHandler(m)

	w := httptest.NewRecorder()
	h.HealthReport(w, httptest.NewRequest(http.MethodGet, "/v1/health/report?period=hour", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var report telemetry.Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Period != telemetry.PeriodHour {
		t.Errorf("expected hour period, got %s", report.Period)
	}
}

func TestInvalidateCache_RequiresPatientID(t *testing.T) {
	m := newMockRuntime(t, "unused")
	defer m.close()
	h := newTestHandler(m)

	w := httptest.NewRecorder()
	h.InvalidateCache(w, httptest.NewRequest(http.MethodPost, "/v1/cache/invalidate", strings.NewReader(`{}`)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without patient_id, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.InvalidateCache(w, httptest.NewRequest(http.MethodPost, "/v1/cache/invalidate", strings.NewReader(`{"patient_id":"p-42"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
