package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/agentic"
	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/llm"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
	"github.com/ruochenliao/ai-training-course-sub005/internal/streaming"
)

// EventSink receives the events of one streamed answer.
// streaming.Writer satisfies it.
type EventSink interface {
	Send(ev streaming.Event) error
}

// AskOptions tune workflow selection and retrieval for one question.
// An empty Workflow means the recommender picks one from the query.
type AskOptions struct {
	Workflow string `json:"workflow,omitempty"`
	Mode     string `json:"mode,omitempty"`
	TopK     int    `json:"top_k,omitempty"`
	Rerank   bool   `json:"rerank,omitempty"`
}

// historyCharBudget bounds how much history enters the prompt; oldest
// exchanges are dropped first.
const historyCharBudget = 4000

// Ask answers a question on a conversation by running an agentic
// workflow, streaming events to the sink: a tool_call per started step,
// knowledge when synthesis begins, then text deltas, then exactly one
// done event (preceded by error when the answer failed). A client
// cancellation stops the run and persists the partial answer with
// cancelled=true.
func (m *Manager) Ask(ctx context.Context, conversationID, query string, opts AskOptions, sink EventSink) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return apperr.InvalidInput("query is empty")
	}
	workflow := opts.Workflow
	if workflow != "" && !agentic.KnownWorkflow(workflow) {
		return apperr.InvalidInputf("unknown workflow %q", workflow)
	}

	s, err := m.sessionFor(ctx, conversationID)
	if err != nil {
		return err
	}
	conv, history := s.snapshot()

	if workflow == "" {
		rec := agentic.Recommend(query)
		workflow = rec.Workflow
		m.logger.WithFields(logrus.Fields{
			"conversation_id": conv.ID,
			"workflow":        rec.Workflow,
			"confidence":      rec.Confidence,
		}).Debug("Workflow recommended for conversation")
	}

	if err := m.store.AppendMessage(ctx, &models.ConversationMessage{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        query,
		CreatedAt:      time.Now(),
	}); err != nil {
		return err
	}

	var answer strings.Builder
	var usage *models.TokenUsage
	var sources []*models.SearchResult
	clientGone := false

	hooks := agentic.StreamHooks{
		StepStarted: func(stepID, kind string) {
			_ = sink.Send(streaming.ToolCall(stepID, map[string]string{"kind": kind}))
		},
		Synthesis: func(items []*models.SearchResult) {
			sources = items
			_ = sink.Send(streaming.Knowledge(items))
		},
		Delta: func(delta llm.StreamDelta) error {
			if delta.Content != "" {
				answer.WriteString(delta.Content)
				if err := sink.Send(streaming.Text(delta.Content)); err != nil {
					clientGone = true
					return err
				}
			}
			if delta.Usage != nil {
				usage = delta.Usage
			}
			return nil
		},
	}

	run, err := m.workflows.RunStream(ctx, agentic.RunRequest{
		Workflow:       workflow,
		Query:          query,
		KBIDs:          conv.KBIDs,
		ConversationID: conv.ID,
		History:        historyMessages(history),
		Mode:           opts.Mode,
		TopK:           opts.TopK,
		Rerank:         opts.Rerank,
	}, hooks)
	if err != nil {
		_ = sink.Send(streaming.Error(err))
		_ = sink.Send(streaming.Done(false, nil))
		return err
	}

	cancelled := clientGone || ctx.Err() != nil
	final := run.Answer
	if final == "" {
		final = answer.String()
	}
	var runErr error
	if run.Status == models.RunStatusFailed && !cancelled {
		runErr = runFailure(run)
	}

	// A run that failed before producing anything leaves no assistant
	// turn; a partial answer, even a cancelled one, is persisted.
	if runErr == nil || final != "" {
		m.finishExchange(s, &conv, history, query, final, sources, cancelled)
	}

	if runErr != nil {
		_ = sink.Send(streaming.Error(runErr))
		_ = sink.Send(streaming.Done(false, usage))
		return runErr
	}
	_ = sink.Send(streaming.Done(cancelled, usage))
	return nil
}

// AskSync answers without streaming and returns the persisted
// assistant message.
func (m *Manager) AskSync(ctx context.Context, conversationID, query string, opts AskOptions) (*models.ConversationMessage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.InvalidInput("query is empty")
	}
	workflow := opts.Workflow
	if workflow != "" && !agentic.KnownWorkflow(workflow) {
		return nil, apperr.InvalidInputf("unknown workflow %q", workflow)
	}

	s, err := m.sessionFor(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv, history := s.snapshot()

	if err := m.store.AppendMessage(ctx, &models.ConversationMessage{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        query,
		CreatedAt:      time.Now(),
	}); err != nil {
		return nil, err
	}

	var sources []*models.SearchResult
	run, err := m.workflows.RunStream(ctx, agentic.RunRequest{
		Workflow:       workflow,
		Query:          query,
		KBIDs:          conv.KBIDs,
		ConversationID: conv.ID,
		History:        historyMessages(history),
		Mode:           opts.Mode,
		TopK:           opts.TopK,
		Rerank:         opts.Rerank,
	}, agentic.StreamHooks{
		Synthesis: func(items []*models.SearchResult) { sources = items },
	})
	if err != nil {
		return nil, err
	}
	if run.Status == models.RunStatusFailed {
		return nil, runFailure(run)
	}

	msg := m.finishExchange(s, &conv, history, query, run.Answer, sources, false)
	return msg, nil
}

// runFailure turns a failed run's last step error into the error
// reported to the caller.
func runFailure(run *models.WorkflowRun) error {
	for i := len(run.Steps) - 1; i >= 0; i-- {
		step := run.Steps[i]
		if step.Status == agentic.StepStatusFailed && step.Error != "" {
			return apperr.DependencyFailuref("workflow step %s failed: %s", step.StepID, step.Error)
		}
	}
	return apperr.DependencyFailuref("workflow %s failed", run.Workflow)
}

// finishExchange persists the assistant turn, updates the history
// window, touches activity, and titles the conversation after its
// first exchange. Persistence uses a detached context so a cancelled
// request still records its partial answer.
func (m *Manager) finishExchange(s *session, conv *models.Conversation, history []exchange, query, answer string, sources []*models.SearchResult, cancelled bool) *models.ConversationMessage {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sourceValues := make([]models.SearchResult, len(sources))
	for i, src := range sources {
		sourceValues[i] = *src
	}
	msg := &models.ConversationMessage{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        answer,
		Sources:        sourceValues,
		Cancelled:      cancelled,
		CreatedAt:      time.Now(),
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		m.logger.WithError(err).WithField("conversation_id", conv.ID).Error("Failed to persist assistant message")
	}

	s.remember(m.cfg.HistoryWindow, query, answer)
	if err := m.store.TouchActivity(ctx, conv.ID, time.Now()); err != nil {
		m.logger.WithError(err).WithField("conversation_id", conv.ID).Warn("Failed to touch conversation activity")
	}

	if len(history) == 0 && conv.Title == "" {
		m.setTitle(ctx, s, conv.ID, query)
	}
	return msg
}

// setTitle asks the model for a short title, falling back to a query
// prefix.
func (m *Manager) setTitle(ctx context.Context, s *session, conversationID, query string) {
	title := ""
	completion, err := m.completer.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.ChatMessage{
			{Role: models.RoleSystem, Content: "Give this conversation a title of at most 10 words. Respond with the title only."},
			{Role: models.RoleUser, Content: query},
		},
		Temperature: 0.5,
		MaxTokens:   32,
	})
	if err == nil {
		title = strings.Trim(strings.TrimSpace(completion.Content), `"`)
	}
	if title == "" || len(strings.Fields(title)) > 12 {
		title = truncateRunes(query, 40)
	}

	if err := m.store.SetTitle(ctx, conversationID, title); err != nil {
		m.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Failed to set conversation title")
		return
	}
	s.mu.Lock()
	s.conv.Title = title
	s.mu.Unlock()
	m.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"title":           title,
	}).Debug("Conversation titled")
}

// historyMessages renders the history window as chat turns for the
// synthesis prompt, trimming the oldest exchanges past the budget.
func historyMessages(history []exchange) []llm.ChatMessage {
	budget := historyCharBudget
	kept := make([]exchange, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		cost := len(history[i].User) + len(history[i].Assistant)
		if cost > budget {
			break
		}
		budget -= cost
		kept = append(kept, history[i])
	}

	msgs := make([]llm.ChatMessage, 0, len(kept)*2)
	for i := len(kept) - 1; i >= 0; i-- {
		msgs = append(msgs,
			llm.ChatMessage{Role: models.RoleUser, Content: kept[i].User},
			llm.ChatMessage{Role: models.RoleAssistant, Content: kept[i].Assistant},
		)
	}
	return msgs
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
