// Package audit persists one record per completed or failed request. The
// gateway only writes; retention and querying belong to the records platform.
package audit

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one audit row. No patient identity is stored beyond the opaque
// patient reference already present in the request context.
type Record struct {
	RequestID     string
	Task          string
	Principal     string
	Role          string
	PromptHash    string
	Model         string
	Provider      string
	LatencyMs     int64
	Success       bool
	FromCache     bool
	Overridden    bool
	SafetyFlags   []string
	ErrorCategory string
	CreatedAt     time.Time
}

// HashPrompt returns the SHA-256 hex digest of a prompt. The prompt itself
// never reaches the audit store.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("%x", sum)
}

// Store writes audit records to PostgreSQL. A nil pool disables persistence;
// records are then logged only.
type Store struct {
	db *pgxpool.Pool
	ch chan Record
}

// NewStore creates the audit store and starts its background writer. Writes
// are asynchronous so the request path never waits on the database.
func NewStore(db *pgxpool.Pool) *Store {
	s := &Store{
		db: db,
		ch: make(chan Record, 256),
	}
	go s.run()
	return s
}

// Write enqueues a record. It never blocks: if the queue is full the record
// is dropped with a log line rather than stalling a response.
func (s *Store) Write(rec Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case s.ch <- rec:
	default:
		slog.Warn("audit queue full, dropping record", "request_id", rec.RequestID)
	}
}

// Close stops accepting records and flushes the queue.
func (s *Store) Close() {
	close(s.ch)
}

func (s *Store) run() {
	for rec := range s.ch {
		if s.db == nil {
			slog.Info("audit record",
				"request_id", rec.RequestID,
				"task", rec.Task,
				"principal", rec.Principal,
				"success", rec.Success,
				"latency_ms", rec.LatencyMs,
			)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.insert(ctx, rec); err != nil {
			slog.Error("audit write failed", "request_id", rec.RequestID, "error", err)
		}
		cancel()
	}
}

func (s *Store) insert(ctx context.Context, rec Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_records (
			request_id, task, principal, role, prompt_hash, model, provider,
			latency_ms, success, from_cache, overridden, safety_flags,
			error_category, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rec.RequestID, rec.Task, rec.Principal, rec.Role, rec.PromptHash,
		rec.Model, rec.Provider, rec.LatencyMs, rec.Success, rec.FromCache,
		rec.Overridden, rec.SafetyFlags, rec.ErrorCategory, rec.CreatedAt,
	)
	return err
}
