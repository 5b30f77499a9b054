package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// EventType enumerates the typed events pushed to the caller.
type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventProgress              EventType = "progress"
	EventChunk                 EventType = "chunk"
	EventComplete              EventType = "complete"
	EventError                 EventType = "error"
)

// Event is one push event on the stream.
type Event struct {
	Type      EventType   `json:"type"`
	RequestID string      `json:"request_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// ChunkPayload carries one incremental fragment.
type ChunkPayload struct {
	Text        string `json:"text"`
	TotalLength int    `json:"total_length"`
	IsLast      bool   `json:"is_last"`
}

// ProgressPayload lets the caller render an indicator without trusting the
// runtime's token estimate.
type ProgressPayload struct {
	Tokens        int `json:"tokens"`
	DeclaredTotal int `json:"declared_total,omitempty"`
	Percent       int `json:"percent,omitempty"`
}

// ErrorPayload is the terminal error event body. Message is always safe to
// show; raw model output never appears here.
type ErrorPayload struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// writer emits events as SSE frames.
type writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newWriter(w http.ResponseWriter) (*writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &writer{w: w, flusher: flusher}, nil
}

func (sw *writer) prepare(requestID string) {
	sw.w.Header().Set("Content-Type", "text/event-stream")
	sw.w.Header().Set("Cache-Control", "no-cache")
	sw.w.Header().Set("Connection", "keep-alive")
	sw.w.Header().Set("X-Request-ID", requestID)
	sw.w.WriteHeader(http.StatusOK)
	sw.flusher.Flush()
}

func (sw *writer) send(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(sw.w, "data: %s\n\n", data)
	sw.flusher.Flush()
}
