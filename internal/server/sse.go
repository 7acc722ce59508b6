package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/contentforge/orchestrator/internal/bus"
)

// eventStream frames the orchestrator's event feed as Server-Sent
// Events. Each frame is named by its bus topic, so clients can
// addEventListener per topic ("item.transitioned", "dependency.down")
// instead of filtering the payload.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newEventStream(w http.ResponseWriter) (*eventStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	return &eventStream{w: w, flusher: flusher}, nil
}

// WriteEvent frames one pipeline event under its topic name.
func (s *eventStream) WriteEvent(ev bus.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Topic, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComment emits an SSE comment line. Used as a keep-alive so idle
// streams survive proxies that reap quiet connections.
func (s *eventStream) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
