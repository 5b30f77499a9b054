package ratelimit

import (
	"context"
	"testing"

	"github.com/carepath/cds-gateway/internal/types"
)

func TestGate_NilRedis_Admits(t *testing.T) {
	g := NewGate(nil, 100, 500)
	adm, err := g.Admit(context.Background(), types.TaskExplainTriage, "chw-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !adm.Allowed {
		t.Fatal("expected admission when Redis is nil")
	}
	if adm.Reason != "" {
		t.Errorf("expected empty reason, got %s", adm.Reason)
	}
	if adm.Budgets.TaskRemaining != types.TaskExplainTriage.Spec().PerMinuteLimit {
		t.Errorf("expected full task budget, got %d", adm.Budgets.TaskRemaining)
	}
	if adm.Budgets.GlobalRemaining != 100 {
		t.Errorf("expected full global budget, got %d", adm.Budgets.GlobalRemaining)
	}
	if adm.Budgets.QuotaRemaining != 500 {
		t.Errorf("expected full daily quota, got %d", adm.Budgets.QuotaRemaining)
	}
}

func TestGate_NilRedis_RecordNoop(t *testing.T) {
	g := NewGate(nil, 100, 500)
	// Record must never panic or block when no Redis is configured.
	g.Record(context.Background(), types.TaskSummarizeAssessment, "chw-1")
}

func TestGate_Keys_PerPrincipal(t *testing.T) {
	a := taskKey(types.TaskExplainTriage, "chw-1")
	b := taskKey(types.TaskExplainTriage, "chw-2")
	if a == b {
		t.Error("expected distinct keys for distinct principals")
	}
	c := taskKey(types.TaskTeachingFeedback, "chw-1")
	if a == c {
		t.Error("expected distinct keys for distinct tasks")
	}
	if globalKey("chw-1") == globalKey("chw-2") {
		t.Error("expected distinct global keys for distinct principals")
	}
}
