package ratelimit

import (
	"context"
	"time"

	"github.com/carepath/cds-gateway/internal/types"
	"github.com/redis/go-redis/v9"
)

// Reason identifies which budget rejected the request.
type Reason string

const (
	ReasonTaskLimit   Reason = "task_limit_exceeded"
	ReasonGlobalLimit Reason = "global_limit_exceeded"
	ReasonDailyQuota  Reason = "daily_quota_exceeded"
)

// Budgets reports the remaining capacity on each counter, for response headers.
type Budgets struct {
	TaskRemaining   int64
	GlobalRemaining int64
	QuotaRemaining  int64
}

// Admission is the outcome of an admission decision.
type Admission struct {
	Allowed    bool
	Reason     Reason
	Budgets    Budgets
	RetryAfter time.Duration
}

// Gate is the admission controller: three independent budgets, all of which
// must have capacity. When several are exhausted it reports the most
// restrictive reason first (task before global, global before quota) so the
// caller gets an actionable message.
type Gate struct {
	limiter *Limiter
	quota   *QuotaTracker

	globalPerMinute int64
	dailyQuota      int64
}

func NewGate(rdb *redis.Client, globalPerMinute, dailyQuota int64) *Gate {
	return &Gate{
		limiter:         NewLimiter(rdb),
		quota:           NewQuotaTracker(rdb),
		globalPerMinute: globalPerMinute,
		dailyQuota:      dailyQuota,
	}
}

// Admit checks all three budgets without consuming any of them. Admission
// completes before any model call starts; no budget state is held across
// network I/O.
func (g *Gate) Admit(ctx context.Context, task types.Task, principal string) (Admission, error) {
	taskLimit := task.Spec().PerMinuteLimit

	taskRes, err := g.limiter.Check(ctx, taskKey(task, principal), taskLimit, time.Minute)
	if err != nil {
		return Admission{}, err
	}
	globalRes, err := g.limiter.Check(ctx, globalKey(principal), g.globalPerMinute, time.Minute)
	if err != nil {
		return Admission{}, err
	}
	quotaRes, err := g.quota.Check(ctx, principal, g.dailyQuota)
	if err != nil {
		return Admission{}, err
	}

	adm := Admission{
		Allowed: taskRes.Allowed && globalRes.Allowed && quotaRes.Allowed,
		Budgets: Budgets{
			TaskRemaining:   taskRes.Remaining,
			GlobalRemaining: globalRes.Remaining,
			QuotaRemaining:  max64(g.dailyQuota-quotaRes.Used, 0),
		},
	}

	switch {
	case !taskRes.Allowed:
		adm.Reason = ReasonTaskLimit
		adm.RetryAfter = taskRes.RetryAfter
	case !globalRes.Allowed:
		adm.Reason = ReasonGlobalLimit
		adm.RetryAfter = globalRes.RetryAfter
	case !quotaRes.Allowed:
		adm.Reason = ReasonDailyQuota
		// Daily quota resets at midnight UTC.
		now := time.Now().UTC()
		adm.RetryAfter = time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC).Sub(now)
	}

	return adm, nil
}

// Record consumes budget on all three counters. It is called after the
// request finishes regardless of outcome: failed attempts still count, so a
// retry storm cannot sidestep the limits.
func (g *Gate) Record(ctx context.Context, task types.Task, principal string) {
	_ = g.limiter.Consume(ctx, taskKey(task, principal), time.Minute)
	_ = g.limiter.Consume(ctx, globalKey(principal), time.Minute)
	_ = g.quota.Consume(ctx, principal)
}

func taskKey(task types.Task, principal string) string {
	return "task:" + string(task) + ":" + principal
}

func globalKey(principal string) string {
	return "global:" + principal
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
