package streaming

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
)

// Writer serializes events onto an HTTP response as newline-delimited
// JSON, flushing after every event so deltas reach the client
// immediately. Safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    bool
}

// NewWriter prepares the response for streaming. The ResponseWriter
// must support flushing.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, apperr.Permanent("response writer does not support streaming", nil)
	}
	h := w.Header()
	h.Set("Content-Type", "application/x-ndjson; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	return &Writer{w: w, flusher: flusher}, nil
}

// Send writes one event line. Events after a done event are dropped so
// a racing producer cannot corrupt the terminated stream.
func (sw *Writer) Send(ev Event) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.done {
		return nil
	}
	if ev.Type == EventDone {
		sw.done = true
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "event not marshalable", err)
	}
	if _, err := sw.w.Write(append(data, '\n')); err != nil {
		sw.done = true
		return apperr.Transient("client connection lost", err)
	}
	sw.flusher.Flush()
	return nil
}

// Closed reports whether the terminal event was sent.
func (sw *Writer) Closed() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.done
}
