// Package streaming emits conversation events as line-delimited JSON.
// Every response line is one {"type": ..., "data": ...} object; a stream
// always terminates with exactly one "done" event, preceded by an
// "error" event when it ended abnormally.
package streaming

import (
	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// Event types, in the order a well-formed answer emits them:
// knowledge, then text deltas, then done.
const (
	EventText      = "text"
	EventToolCall  = "tool_call"
	EventKnowledge = "knowledge"
	EventError     = "error"
	EventDone      = "done"
)

// Event is one line of a streamed response.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Text wraps one answer delta.
func Text(delta string) Event {
	return Event{Type: EventText, Data: map[string]string{"delta": delta}}
}

// Knowledge carries the retrieved sources backing the answer. It is
// always the first event of a message.
func Knowledge(sources []*models.SearchResult) Event {
	return Event{Type: EventKnowledge, Data: map[string]interface{}{"sources": sources}}
}

// ToolCall reports a workflow step or tool invocation.
func ToolCall(name string, detail interface{}) Event {
	return Event{Type: EventToolCall, Data: map[string]interface{}{"name": name, "detail": detail}}
}

// Error wraps a failure in its wire form. A done event still follows.
func Error(err error) Event {
	return Event{Type: EventError, Data: map[string]string{
		"kind":    string(apperr.KindOf(err)),
		"message": err.Error(),
	}}
}

// Done terminates the stream. Cancelled marks a client-abandoned
// answer; usage is included when the model reported it.
func Done(cancelled bool, usage *models.TokenUsage) Event {
	data := map[string]interface{}{"cancelled": cancelled}
	if usage != nil {
		data["usage"] = usage
	}
	return Event{Type: EventDone, Data: data}
}
