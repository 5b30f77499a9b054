package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/carepath/cds-gateway/internal/config"
)

func endpoint(url string) config.RuntimeEndpoint {
	return config.RuntimeEndpoint{
		Name:      "ollama-test",
		BaseURL:   url,
		Model:     "llama3.1:8b",
		KeepAlive: "10m",
		Timeout:   5 * time.Second,
	}
}

func TestClient_Generate(t *testing.T) {
	var got ollamaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ollamaResponse{
			Model:     "llama3.1:8b",
			Response:  "The yellow priority fits the findings.",
			Done:      true,
			EvalCount: 12,
		})
	}))
	defer server.Close()

	c := NewClient(endpoint(server.URL))
	result, err := c.Generate(context.Background(), GenerateParams{
		Prompt:      "explain the triage",
		Temperature: 0.2,
		MaxTokens:   700,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if result.Text != "The yellow priority fits the findings." {
		t.Errorf("unexpected text: %q", result.Text)
	}
	if result.Tokens != 12 || result.Provider != "ollama-test" {
		t.Errorf("unexpected result: %+v", result)
	}
	if got.Stream {
		t.Error("blocking generate must send stream=false")
	}
	if got.KeepAlive != "10m" {
		t.Errorf("expected keep_alive forwarded, got %q", got.KeepAlive)
	}
	if got.Options.NumPredict != 700 {
		t.Errorf("expected num_predict=700, got %d", got.Options.NumPredict)
	}
}

func TestClient_GenerateErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(endpoint(server.URL))
	if _, err := c.Generate(context.Background(), GenerateParams{Prompt: "x"}); err == nil {
		t.Fatal("expected error on 500 status")
	}
}

func TestClient_StreamNDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		lines := []ollamaResponse{
			{Model: "llama3.1:8b", Response: "The "},
			{Model: "llama3.1:8b", Response: "priority "},
			{Model: "llama3.1:8b", Response: "fits."},
			{Model: "llama3.1:8b", Done: true, EvalCount: 9},
		}
		for _, line := range lines {
			data, _ := json.Marshal(line)
			fmt.Fprintf(w, "%s\n", data)
			flusher.Flush()
		}
	}))
	defer server.Close()

	c := NewClient(endpoint(server.URL))
	chunks, errs := c.Stream(context.Background(), GenerateParams{Prompt: "x", MaxTokens: 400})

	var text string
	var last Chunk
	for ch := range chunks {
		text += ch.Text
		last = ch
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if text != "The priority fits." {
		t.Errorf("unexpected accumulated text: %q", text)
	}
	if !last.Done {
		t.Error("expected final chunk marked done")
	}
	if last.Tokens != 9 {
		t.Errorf("final chunk must carry eval_count, got %d", last.Tokens)
	}
	if last.DeclaredTotal != 400 {
		t.Errorf("expected declared total from max tokens, got %d", last.DeclaredTotal)
	}
}

func TestClient_StreamCanceled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		data, _ := json.Marshal(ollamaResponse{Response: "partial "})
		fmt.Fprintf(w, "%s\n", data)
		flusher.Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(endpoint(server.URL))
	chunks, _ := c.Stream(ctx, GenerateParams{Prompt: "x"})

	<-chunks
	cancel()

	// The goroutine must drain and close promptly after cancellation.
	select {
	case _, open := <-chunks:
		if open {
			// One in-flight chunk may still arrive; the channel closes next.
			if _, open := <-chunks; open {
				t.Error("expected chunk channel to close after cancel")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chunk channel did not close after cancel")
	}
}

func TestSelector_PickAndFallback(t *testing.T) {
	cfg := config.RuntimeConfig{
		Primary:   config.RuntimeEndpoint{Name: "primary", BaseURL: "http://localhost:1", Model: "a"},
		Secondary: config.RuntimeEndpoint{Name: "secondary", BaseURL: "http://localhost:2", Model: "b"},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold:      2,
			RecoveryProbeInterval: time.Minute,
		},
	}
	s := BuildFromConfig(cfg)

	first, err := s.Pick()
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if first.Name() != "primary" {
		t.Errorf("expected primary first, got %s", first.Name())
	}

	fb := s.Fallback(first)
	if fb == nil || fb.Name() != "secondary" {
		t.Fatal("expected secondary as fallback for primary")
	}

	// Trip the primary's breaker; Pick must switch over.
	s.RecordFailure(first)
	s.RecordFailure(first)
	second, err := s.Pick()
	if err != nil {
		t.Fatalf("pick after primary trips: %v", err)
	}
	if second.Name() != "secondary" {
		t.Errorf("expected secondary when primary breaker is open, got %s", second.Name())
	}

	// With the secondary also tripped there is nothing left.
	s.RecordFailure(second)
	s.RecordFailure(second)
	if _, err := s.Pick(); err != ErrNoRuntime {
		t.Errorf("expected ErrNoRuntime, got %v", err)
	}
}

func TestSelector_NoSecondary(t *testing.T) {
	cfg := config.RuntimeConfig{
		Primary: config.RuntimeEndpoint{Name: "primary", BaseURL: "http://localhost:1", Model: "a"},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold:      2,
			RecoveryProbeInterval: time.Minute,
		},
	}
	s := BuildFromConfig(cfg)

	first, _ := s.Pick()
	if s.Fallback(first) != nil {
		t.Error("expected no fallback without a secondary")
	}
}
