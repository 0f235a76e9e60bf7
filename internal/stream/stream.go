// Package stream writes relay protocol events as server-sent events.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

const (
	TypeTTS  = "response.tts"
	TypeEnd  = "response.end"
	TypeData = "response.data"
)

// Event is one outbound protocol message.
type Event struct {
	Type    string `json:"type"`
	Content any    `json:"content,omitempty"`
	TurnID  string `json:"turn_id"`
}

func TTS(turnID, text string) Event { return Event{Type: TypeTTS, Content: text, TurnID: turnID} }

func End(turnID string) Event { return Event{Type: TypeEnd, TurnID: turnID} }

// Data wraps an out-of-band UI payload. content is forwarded verbatim.
func Data(turnID string, content json.RawMessage) Event {
	return Event{Type: TypeData, Content: content, TurnID: turnID}
}

// Writer emits events on an HTTP response. Headers are sent with the first
// event, so an error can still be reported as plain JSON before that.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	started bool
}

func New(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &Writer{w: w, flusher: f}, nil
}

// Send writes ev as a single "data:" frame and flushes it.
func (sw *Writer) Send(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	if !sw.started {
		h := sw.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		sw.w.WriteHeader(http.StatusOK)
		sw.started = true
	}

	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", b); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Started reports whether any event has been written.
func (sw *Writer) Started() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.started
}
