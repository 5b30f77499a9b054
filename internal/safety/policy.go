package safety

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/carepath/cds-gateway/internal/types"
	"github.com/open-policy-agent/opa/rego"
)

// builtinRoleTasks is the fallback allow-list used when no rego bundle is
// loaded. The external policy, when present, wins.
var builtinRoleTasks = map[string][]types.Task{
	"nurse": {
		types.TaskExplainTriage,
		types.TaskSummarizeAssessment,
		types.TaskConsistencyReview,
		types.TaskSectionGuidance,
	},
	"doctor": {
		types.TaskExplainTriage,
		types.TaskSummarizeAssessment,
		types.TaskConsistencyReview,
		types.TaskSectionGuidance,
		types.TaskTeachingFeedback,
	},
	"trainee": {
		types.TaskTeachingFeedback,
		types.TaskSectionGuidance,
	},
	"supervisor": {
		types.TaskExplainTriage,
		types.TaskSummarizeAssessment,
		types.TaskConsistencyReview,
		types.TaskTeachingFeedback,
	},
}

// policyInput is the document sent to OPA for evaluation.
type policyInput struct {
	Role string `json:"role"`
	Task string `json:"task"`
}

// RolePolicy decides whether a role is entitled to a task. Policies are
// external data: a rego bundle loaded at startup and on config reload.
type RolePolicy struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
}

func NewRolePolicy() *RolePolicy {
	return &RolePolicy{}
}

// Load compiles rego modules from the bundle path.
func (p *RolePolicy) Load(bundlePath string) error {
	modules, err := loadRegoFiles(bundlePath)
	if err != nil {
		return fmt.Errorf("load rego files: %w", err)
	}
	if len(modules) == 0 {
		slog.Warn("no rego files found, using built-in role allow-list", "path", bundlePath)
		return nil
	}
	return p.LoadFromModules(modules)
}

// LoadFromModules compiles policies from provided module sources (useful for testing).
func (p *RolePolicy) LoadFromModules(modules map[string]string) error {
	opts := []func(*rego.Rego){rego.Query("data.cds.roles.allow")}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	p.mu.Lock()
	p.prepared = &prepared
	p.mu.Unlock()

	slog.Info("role policy loaded", "modules", len(modules))
	return nil
}

// Allowed reports whether the role may run the task. Unknown roles are
// denied; evaluation errors are denied as well — an unauthorized response is
// worse than a refused one.
func (p *RolePolicy) Allowed(ctx context.Context, role string, task types.Task) bool {
	p.mu.RLock()
	prepared := p.prepared
	p.mu.RUnlock()

	if prepared == nil {
		for _, t := range builtinRoleTasks[strings.ToLower(role)] {
			if t == task {
				return true
			}
		}
		return false
	}

	evalCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(policyInput{
		Role: strings.ToLower(role),
		Task: string(task),
	}))
	if err != nil || len(results) == 0 || len(results[0].Expressions) == 0 {
		return false
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	return ok && allowed
}

func loadRegoFiles(dir string) (map[string]string, error) {
	modules := make(map[string]string)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return modules, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".rego") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		modules[e.Name()] = string(data)
	}
	return modules, nil
}
