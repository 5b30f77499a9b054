package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/carepath/cds-gateway/internal/types"
	"github.com/redis/go-redis/v9"
)

const (
	entryPrefix   = "cds:cache:"
	patientPrefix = "cds:cache:patient:"
)

// Cache is the Redis-backed response cache. Entries are keyed by a stable
// hash of (task, normalized context) and carry the task's TTL. If rdb is nil
// every lookup misses and every store is a no-op.
type Cache struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Key derives the stable cache key for a task and context snapshot. Only the
// fields the task declares relevant participate; values are trimmed and
// lower-cased so cosmetic differences don't fragment the cache.
func Key(task types.Task, context map[string]string) string {
	fields := task.Spec().ContextFields
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, string(task))
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	for _, f := range sorted {
		if v, ok := context[f]; ok {
			parts = append(parts, f+"="+strings.ToLower(strings.TrimSpace(v)))
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%x", sum)
}

// Get returns the cached structured response for (task, context), or nil on miss.
func (c *Cache) Get(ctx context.Context, task types.Task, context map[string]string) (*types.StructuredResponse, error) {
	if c.rdb == nil {
		return nil, nil
	}

	data, err := c.rdb.Get(ctx, entryPrefix+Key(task, context)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		// Treat Redis trouble as a miss; the request proceeds to the model.
		return nil, nil
	}

	var resp types.StructuredResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &resp, nil
}

// Put stores a response if it is eligible. It returns false without error
// when the store is refused: error responses, responses the safety validator
// blocked or edited, and non-cacheable tasks never enter the cache.
func (c *Cache) Put(ctx context.Context, task types.Task, context map[string]string, resp *types.StructuredResponse, verdict types.SafetyVerdict) (bool, error) {
	if c.rdb == nil || resp == nil {
		return false, nil
	}

	spec := task.Spec()
	if !eligible(spec, verdict) {
		return false, nil
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return false, fmt.Errorf("encode cache entry: %w", err)
	}

	key := entryPrefix + Key(task, context)
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, key, data, spec.CacheTTL)
	// Index the entry under its patient so a data change can evict it.
	if pid := context["patient_id"]; pid != "" {
		pipe.SAdd(ctx, patientPrefix+pid, key)
		pipe.Expire(ctx, patientPrefix+pid, spec.CacheTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("store cache entry: %w", err)
	}
	return true, nil
}

// Invalidate removes every entry whose context referenced the patient. Called
// when the underlying clinical data changes.
func (c *Cache) Invalidate(ctx context.Context, patientID string) (int64, error) {
	if c.rdb == nil || patientID == "" {
		return 0, nil
	}

	indexKey := patientPrefix + patientID
	keys, err := c.rdb.SMembers(ctx, indexKey).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("read patient index: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, keys...)
	pipe.Del(ctx, indexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("evict patient entries: %w", err)
	}
	return int64(len(keys)), nil
}

// eligible reports whether a response may be stored. Blocked, edited, and
// non-cacheable results stay out so a cache hit never replays a response the
// validator would not have released verbatim.
func eligible(spec types.TaskSpec, verdict types.SafetyVerdict) bool {
	if !spec.Cacheable {
		return false
	}
	if !verdict.Allowed || verdict.Edited || len(verdict.BlockedPhrases) > 0 {
		return false
	}
	return true
}
