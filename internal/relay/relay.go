package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/carepath/cds-gateway/internal/runtime"
)

// GuardFunc inspects the accumulated text after each chunk. Returning
// blocked=true stops the stream immediately with a safe error event; no
// further model text reaches the caller.
type GuardFunc func(accumulated string) (blocked bool, reason string)

// FinalizeFunc turns the finished (truncated) text into the complete-event
// payload. Returning a non-nil ErrorPayload terminates the session with an
// error event instead.
type FinalizeFunc func(body, summary string, truncated bool) (interface{}, *ErrorPayload)

// Options control one relay run.
type Options struct {
	WordCap           int
	FirstChunkTimeout time.Duration
	StaleTimeout      time.Duration
}

// Outcome summarizes a finished relay run for the caller's bookkeeping.
type Outcome struct {
	Phase       Phase
	Text        string
	Summary     string
	Truncated   bool
	Tokens      int
	Blocked     bool
	BlockReason string
	Canceled    bool
	Err         error
}

// progress cadence: every N chunks, plus fixed percent thresholds of the
// (estimated) declared total.
const progressEvery = 5

var progressThresholds = []int{10, 30, 90}

// Run drives one streaming session: it re-emits runtime chunks as typed SSE
// events, enforces the per-chunk staleness timeout, checks the guard between
// token reads, and finalizes with word-cap truncation. Exactly one complete
// or error event terminates the stream.
func Run(ctx context.Context, w http.ResponseWriter, sess *Session, chunks <-chan runtime.Chunk, errs <-chan error, opts Options, guard GuardFunc, finalize FinalizeFunc) Outcome {
	sw, err := newWriter(w)
	if err != nil {
		return Outcome{Phase: PhaseError, Err: err}
	}
	sw.prepare(sess.RequestID)
	sw.send(event(sess, EventConnectionEstablished, nil))

	timeout := opts.FirstChunkTimeout
	if timeout <= 0 {
		timeout = opts.StaleTimeout
	}
	stale := time.NewTimer(timeout)
	defer stale.Stop()

	chunkCount := 0
	sentThresholds := map[int]bool{}
	totalLength := 0

	fail := func(category, message string, cause error) Outcome {
		_ = sess.Transition(PhaseError)
		sw.send(event(sess, EventError, ErrorPayload{Category: category, Message: message}))
		return Outcome{Phase: PhaseError, Tokens: sess.Tokens(), Err: cause}
	}

	for {
		select {
		case <-ctx.Done():
			// Cooperative cancellation: stop relaying, release the upstream
			// connection, emit nothing further.
			_ = sess.Transition(PhaseError)
			return Outcome{Phase: PhaseError, Canceled: true, Err: ctx.Err()}

		case <-stale.C:
			return fail("timeout", "The model stopped responding. Please try again.", context.DeadlineExceeded)

		case err, ok := <-errs:
			if !ok {
				// A closed channel is always ready; stop selecting on it.
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			return fail("provider_unavailable", "The assistant is unavailable right now.", err)

		case ch, ok := <-chunks:
			if !ok {
				// Upstream closed without a done marker.
				return fail("provider_unavailable", "The assistant stopped unexpectedly.", nil)
			}

			if !stale.Stop() {
				select {
				case <-stale.C:
				default:
				}
			}
			stale.Reset(opts.StaleTimeout)

			_ = sess.Transition(PhaseGenerating)
			sess.Append(ch.Text, ch.Tokens, ch.DeclaredTotal)
			chunkCount++
			totalLength += len(ch.Text)

			// Guard before relaying: a fragment that completes a blocked
			// phrase must never reach the caller.
			if blocked, reason := guardCheck(guard, sess.Text()); blocked {
				slog.Warn("stream blocked by output guard", "request_id", sess.RequestID, "reason", reason)
				out := fail("safety_violation", reason, nil)
				out.Blocked = true
				out.BlockReason = reason
				return out
			}

			if ch.Text != "" {
				sw.send(event(sess, EventChunk, ChunkPayload{
					Text:        ch.Text,
					TotalLength: totalLength,
					IsLast:      ch.Done,
				}))
			}

			if !ch.Done {
				maybeProgress(sw, sess, chunkCount, sentThresholds)
				continue
			}

			// Final chunk: truncate, extract the carry-forward summary from
			// the truncated text, and hand off to the finalizer.
			_ = sess.Transition(PhaseFinalizing)
			body, summary, truncated := FinishText(sess.Text(), opts.WordCap)

			payload, errPayload := finalize(body, summary, truncated)
			if errPayload != nil {
				_ = sess.Transition(PhaseError)
				sw.send(event(sess, EventError, *errPayload))
				return Outcome{
					Phase: PhaseError, Text: body, Summary: summary,
					Truncated: truncated, Tokens: sess.Tokens(),
					Blocked: errPayload.Category == "safety_violation", BlockReason: errPayload.Message,
				}
			}

			_ = sess.Transition(PhaseComplete)
			sw.send(event(sess, EventComplete, payload))
			return Outcome{
				Phase: PhaseComplete, Text: body, Summary: summary,
				Truncated: truncated, Tokens: sess.Tokens(),
			}
		}
	}
}

// Immediate serves an already-validated response (a cache hit) over the
// event stream: connection_established followed directly by complete.
func Immediate(w http.ResponseWriter, sess *Session, payload interface{}) {
	sw, err := newWriter(w)
	if err != nil {
		return
	}
	sw.prepare(sess.RequestID)
	sw.send(event(sess, EventConnectionEstablished, nil))
	_ = sess.Transition(PhaseFinalizing)
	_ = sess.Transition(PhaseComplete)
	sw.send(event(sess, EventComplete, payload))
}

func guardCheck(guard GuardFunc, text string) (bool, string) {
	if guard == nil {
		return false, ""
	}
	return guard(text)
}

func maybeProgress(sw *writer, sess *Session, chunkCount int, sent map[int]bool) {
	declared := sess.DeclaredTotal()
	percent := 0
	if declared > 0 {
		percent = sess.Tokens() * 100 / declared
		if percent > 100 {
			percent = 100
		}
	}

	emit := chunkCount%progressEvery == 0
	for _, th := range progressThresholds {
		if percent >= th && !sent[th] {
			sent[th] = true
			emit = true
		}
	}
	if !emit {
		return
	}

	sw.send(event(sess, EventProgress, ProgressPayload{
		Tokens:        sess.Tokens(),
		DeclaredTotal: declared,
		Percent:       percent,
	}))
}

func event(sess *Session, t EventType, payload interface{}) Event {
	return Event{
		Type:      t,
		RequestID: sess.RequestID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
