package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/carepath/cds-gateway/internal/audit"
	"github.com/carepath/cds-gateway/internal/fault"
	"github.com/carepath/cds-gateway/internal/httputil"
	"github.com/carepath/cds-gateway/internal/relay"
	"github.com/carepath/cds-gateway/internal/runtime"
	"github.com/carepath/cds-gateway/internal/types"
)

// AssistStream handles POST /v1/assist/stream: the same pipeline as Assist,
// but the model output is re-emitted as typed push events while it arrives.
func (h *Handler) AssistStream(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	req, ok := h.parseRequest(w, r, reqID)
	if !ok {
		return
	}
	req.Stream = true

	adm, ok := h.admit(w, r.Context(), req, reqID)
	if !ok {
		return
	}

	if !h.validator.CheckRole(r.Context(), req.Role, req.Task) {
		h.finishRejected(req, adm, "role_denied", fault.CategorySafetyViolation)
		httputil.WriteRoleDeniedError(w, reqID, fmt.Sprintf("Role %q is not entitled to task %q", req.Role, req.Task))
		return
	}

	sess := relay.NewSession(reqID)

	// A cache hit short-circuits the stream: established, then complete.
	if cached, err := h.cache.Get(r.Context(), req.Task, req.Context); err == nil && cached != nil {
		h.metrics.RecordCache(string(req.Task), "hit")
		latency := time.Since(req.ReceivedAt)
		relay.Immediate(w, sess, cached)
		h.finish(req, adm, audit.Record{
			Task: string(req.Task), Success: true, FromCache: true, Model: cached.Model,
		}, true, latency)
		return
	}
	h.metrics.RecordCache(string(req.Task), "miss")

	promptText := h.buildPrompt(req)
	spec := req.Task.Spec()
	rcfg := h.cfg().Runtime

	ctx, cancel := context.WithTimeout(r.Context(), rcfg.RequestTimeout)
	defer cancel()

	chunks, errs, rt, err := h.openStream(ctx, promptText, spec, rcfg.FirstChunkTimeout)
	if err != nil {
		category := fault.Classify(err)
		f := fault.Handle(category, req.Task, err.Error())
		slog.Error("stream start failed", "request_id", reqID, "task", req.Task, "error", err)
		h.finishRejected(req, adm, "model_failure", category)
		h.writeFault(w, reqID, req, f)
		return
	}

	scanner := h.validator.Scanner()
	guard := func(accumulated string) (bool, string) {
		if matches := scanner.ScanDeny(accumulated); len(matches) > 0 {
			return true, h.validator.FallbackMessage()
		}
		return false, ""
	}

	var finalResp *types.StructuredResponse
	var finalVerdict types.SafetyVerdict
	finalize := func(body, summary string, truncated bool) (interface{}, *relay.ErrorPayload) {
		resp, verdict, f := h.assess(ctx, req, body, summary, rt.Model())
		finalVerdict = verdict
		if f != nil {
			return nil, &relay.ErrorPayload{Category: string(f.Category), Message: h.validator.FallbackMessage() + " (" + f.UserMessage + ")"}
		}
		finalResp = resp
		return types.AssistResponse{
			RequestID: reqID,
			Success:   true,
			Response:  resp,
			Metadata: types.ResponseMetadata{
				Provider:  rt.Name(),
				Model:     rt.Model(),
				LatencyMs: time.Since(req.ReceivedAt).Milliseconds(),
				Warnings:  verdict.WarningPhrases,
			},
		}, nil
	}

	outcome := relay.Run(ctx, w, sess, chunks, errs, relay.Options{
		WordCap:           spec.WordCap,
		FirstChunkTimeout: rcfg.FirstChunkTimeout,
		StaleTimeout:      rcfg.ChunkStaleTimeout,
	}, guard, finalize)

	h.metrics.RecordStreamEvent(string(outcome.Phase))
	latency := time.Since(req.ReceivedAt)
	success := outcome.Phase == relay.PhaseComplete

	if success {
		h.selector.RecordSuccess(rt)
		if stored, _ := h.cache.Put(context.Background(), req.Task, req.Context, finalResp, finalVerdict); stored {
			h.metrics.RecordCache(string(req.Task), "store")
		}
	} else if outcome.Err != nil && !outcome.Canceled {
		h.selector.RecordFailure(rt)
	}

	rec := audit.Record{
		RequestID:   reqID,
		Task:        string(req.Task),
		Principal:   req.Principal,
		Role:        req.Role,
		PromptHash:  audit.HashPrompt(promptText),
		Model:       rt.Model(),
		Provider:    rt.Name(),
		Success:     success,
		Overridden:  outcome.Blocked || finalVerdict.Edited,
		SafetyFlags: verdictFlags(finalVerdict),
	}
	if !success {
		rec.ErrorCategory = string(fault.Classify(outcome.Err))
		if outcome.Blocked {
			rec.ErrorCategory = string(fault.CategorySafetyViolation)
		}
	}
	h.finish(req, adm, rec, success, latency)

	if outcome.Blocked {
		h.metrics.RecordSafetyAction(string(req.Task), "block")
		h.metrics.RecordOverride(string(req.Task))
	}
}

// openStream starts a stream on the preferred runtime and waits for its
// first chunk. A transient failure before the first token triggers one
// fallback attempt on the secondary; after tokens have flowed there is no
// switching, the relay surfaces the error instead.
func (h *Handler) openStream(ctx context.Context, promptText string, spec types.TaskSpec, firstChunk time.Duration) (<-chan runtime.Chunk, <-chan error, runtime.Runtime, error) {
	rt, err := h.selector.Pick()
	if err != nil {
		return nil, nil, nil, err
	}

	params := runtime.GenerateParams{
		Prompt:      promptText,
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
	}

	chunks, errs, err := waitFirstChunk(ctx, rt, params, firstChunk)
	if err == nil {
		return chunks, errs, rt, nil
	}
	h.selector.RecordFailure(rt)

	if !fault.Classify(err).Transient() {
		return nil, nil, rt, err
	}
	fb := h.selector.Fallback(rt)
	if fb == nil {
		return nil, nil, rt, err
	}

	slog.Warn("stream falling back to secondary runtime", "failed", rt.Name(), "fallback", fb.Name())
	chunks, errs, ferr := waitFirstChunk(ctx, fb, params, firstChunk)
	if ferr != nil {
		h.selector.RecordFailure(fb)
		return nil, nil, fb, ferr
	}
	return chunks, errs, fb, nil
}

// waitFirstChunk opens the stream and blocks until the first chunk arrives,
// then returns channels that replay it ahead of the rest.
func waitFirstChunk(ctx context.Context, rt runtime.Runtime, params runtime.GenerateParams, timeout time.Duration) (<-chan runtime.Chunk, <-chan error, error) {
	chunks, errs := rt.Stream(ctx, params)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-timer.C:
		return nil, nil, context.DeadlineExceeded
	case err, ok := <-errs:
		if ok && err != nil {
			return nil, nil, err
		}
		// The client closes errs before chunks on shutdown, so a stream
		// that finished instantly can still hold buffered output.
		select {
		case first, ok := <-chunks:
			if ok {
				return replayFrom(ctx, first, chunks), errs, nil
			}
		default:
		}
		return nil, nil, fmt.Errorf("model runtime %s closed the stream before producing output", rt.Name())
	case first, ok := <-chunks:
		if !ok {
			return nil, nil, fmt.Errorf("model runtime %s closed the stream before producing output", rt.Name())
		}
		return replayFrom(ctx, first, chunks), errs, nil
	}
}

// replayFrom returns a channel that yields first ahead of the rest of the
// stream.
func replayFrom(ctx context.Context, first runtime.Chunk, chunks <-chan runtime.Chunk) <-chan runtime.Chunk {
	out := make(chan runtime.Chunk, 1)
	go func() {
		defer close(out)
		out <- first
		for ch := range chunks {
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
