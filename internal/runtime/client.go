package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/carepath/cds-gateway/internal/config"
)

// GenerateParams are the sampling parameters sent to the model runtime.
type GenerateParams struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// GenerateResult is one complete blocking response.
type GenerateResult struct {
	Text     string
	Model    string
	Provider string
	Tokens   int
}

// Chunk is one incremental fragment of a streamed response.
type Chunk struct {
	Text string
	Done bool

	// Tokens counted so far. The declared total is an estimate only.
	Tokens        int
	DeclaredTotal int
}

// Runtime is a local model runtime reachable over HTTP.
type Runtime interface {
	Name() string
	Model() string
	Generate(ctx context.Context, params GenerateParams) (*GenerateResult, error)
	// Stream starts an incremental generation. Chunks arrive on the first
	// channel; a terminal error, if any, on the second. Both channels close
	// when the stream ends. Cancellation is cooperative via ctx.
	Stream(ctx context.Context, params GenerateParams) (<-chan Chunk, <-chan error)
}

// Client talks to an Ollama-compatible runtime.
type Client struct {
	cfg  config.RuntimeEndpoint
	http *http.Client
}

func NewClient(cfg config.RuntimeEndpoint) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			// No overall client timeout for streaming; per-chunk staleness
			// is enforced by the relay.
			Transport: &http.Transport{
				MaxIdleConns:        8,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *Client) Name() string  { return c.cfg.Name }
func (c *Client) Model() string { return c.cfg.Model }

type ollamaRequest struct {
	Model     string        `json:"model"`
	Prompt    string        `json:"prompt"`
	Stream    bool          `json:"stream"`
	KeepAlive string        `json:"keep_alive,omitempty"`
	Options   ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count,omitempty"`
}

func (c *Client) newRequest(ctx context.Context, params GenerateParams, stream bool) (*http.Request, error) {
	body := ollamaRequest{
		Model:     c.cfg.Model,
		Prompt:    params.Prompt,
		Stream:    stream,
		KeepAlive: c.cfg.KeepAlive,
		Options: ollamaOptions{
			Temperature: params.Temperature,
			NumPredict:  params.MaxTokens,
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal runtime request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create runtime request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Generate sends one blocking generation call.
func (c *Client) Generate(ctx context.Context, params GenerateParams) (*GenerateResult, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	req, err := c.newRequest(ctx, params, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runtime %s: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read runtime response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runtime %s returned status %d: %s", c.cfg.Name, resp.StatusCode, string(body))
	}

	var or ollamaResponse
	if err := json.Unmarshal(body, &or); err != nil {
		return nil, fmt.Errorf("unmarshal runtime response: %w", err)
	}

	return &GenerateResult{
		Text:     or.Response,
		Model:    or.Model,
		Provider: c.cfg.Name,
		Tokens:   or.EvalCount,
	}, nil
}

// Stream opens an incremental generation. The runtime emits NDJSON lines, one
// fragment per line, with done=true on the last.
func (c *Client) Stream(ctx context.Context, params GenerateParams) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		req, err := c.newRequest(ctx, params, true)
		if err != nil {
			errs <- err
			return
		}

		resp, err := c.http.Do(req)
		if err != nil {
			errs <- fmt.Errorf("runtime %s: %w", c.cfg.Name, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			errs <- fmt.Errorf("runtime %s returned status %d: %s", c.cfg.Name, resp.StatusCode, string(body))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		tokens := 0
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var or ollamaResponse
			if err := json.Unmarshal(line, &or); err != nil {
				errs <- fmt.Errorf("decode runtime chunk: %w", err)
				return
			}

			tokens++
			ch := Chunk{
				Text:          or.Response,
				Done:          or.Done,
				Tokens:        tokens,
				DeclaredTotal: params.MaxTokens,
			}
			if or.Done && or.EvalCount > 0 {
				ch.Tokens = or.EvalCount
			}

			select {
			case chunks <- ch:
			case <-ctx.Done():
				return
			}

			if or.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("read runtime stream: %w", err)
		}
	}()

	return chunks, errs
}
