package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// SSE event names used by the chat stream.
const (
	EventToken = "token"
	EventDone  = "done"
	EventError = "error"
)

// SSEWriter wraps an http.ResponseWriter for SSE streaming.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer, setting appropriate headers.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends a named SSE event.
func (s *SSEWriter) WriteEvent(event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteToken sends a streaming token event.
func (s *SSEWriter) WriteToken(token string) error {
	return s.WriteEvent(EventToken, map[string]string{"content": token})
}

// WriteDone sends the terminal event carrying the complete reply.
func (s *SSEWriter) WriteDone(reply chatResponse) error {
	return s.WriteEvent(EventDone, reply)
}

// WriteError sends the terminal error event.
func (s *SSEWriter) WriteError(code, message string) error {
	return s.WriteEvent(EventError, map[string]string{"error": code, "message": message})
}
