package conversation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruochenliao/ai-training-course-sub005/internal/agentic"
	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/config"
	"github.com/ruochenliao/ai-training-course-sub005/internal/llm"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
	"github.com/ruochenliao/ai-training-course-sub005/internal/rag"
	"github.com/ruochenliao/ai-training-course-sub005/internal/streaming"
)

type memStore struct {
	mu       sync.Mutex
	convs    map[string]*models.Conversation
	messages map[string][]*models.ConversationMessage
}

func newMemStore() *memStore {
	return &memStore{
		convs:    make(map[string]*models.Conversation),
		messages: make(map[string][]*models.ConversationMessage),
	}
}

func (s *memStore) Create(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *conv
	s.convs[conv.ID] = &copied
	return nil
}

func (s *memStore) GetByID(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, apperr.NotFoundf("conversation %s not found", id)
	}
	copied := *conv
	return &copied, nil
}

func (s *memStore) SetTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[id]; ok {
		conv.Title = title
	}
	return nil
}

func (s *memStore) TouchActivity(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[id]; ok {
		conv.LastActiveAt = at
	}
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return apperr.NotFoundf("conversation %s not found", id)
	}
	delete(s.convs, id)
	delete(s.messages, id)
	return nil
}

func (s *memStore) AppendMessage(_ context.Context, msg *models.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &copied)
	return nil
}

func (s *memStore) ListMessages(_ context.Context, conversationID string, limit int) ([]*models.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.ConversationMessage, len(msgs))
	for i, m := range msgs {
		copied := *m
		out[i] = &copied
	}
	return out, nil
}

func (s *memStore) lastMessage(id string) *models.ConversationMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[id]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

type stubRetriever struct{ err error }

func (s *stubRetriever) Retrieve(_ context.Context, req rag.Request) (*rag.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &rag.Result{
		Items: []*models.SearchResult{
			{ChunkID: "c1", DocumentID: "d1", KBID: req.KBIDs[0], Content: "Acme builds widgets.", Score: 0.9},
		},
		Mode: req.Mode,
	}, nil
}

// streamCompleter streams its deltas, blocking on an optional gate
// before each one so tests can force mid-stream cancellation.
type streamCompleter struct {
	deltas []string
	gate   chan struct{}
	title  string
}

func (s *streamCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	prompt := ""
	for _, m := range req.Messages {
		prompt += m.Content
	}
	if strings.Contains(prompt, "title") {
		if s.title == "" {
			return nil, apperr.DependencyFailure("title model down", nil)
		}
		return &llm.Completion{Content: s.title}, nil
	}
	return &llm.Completion{Content: strings.Join(s.deltas, "")}, nil
}

func (s *streamCompleter) CompleteStream(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.StreamDelta, error) {
	ch := make(chan llm.StreamDelta)
	go func() {
		defer close(ch)
		for _, d := range s.deltas {
			if s.gate != nil {
				select {
				case <-s.gate:
				case <-ctx.Done():
					select {
					case ch <- llm.StreamDelta{Err: apperr.Cancelled("stream cancelled", ctx.Err())}:
					default:
					}
					return
				}
			}
			select {
			case ch <- llm.StreamDelta{Content: d}:
			case <-ctx.Done():
				return
			}
		}
		ch <- llm.StreamDelta{FinishReason: "stop", Usage: &models.TokenUsage{TotalTokens: 7}}
	}()
	return ch, nil
}

type collectSink struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (c *collectSink) Send(ev streaming.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collectSink) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func newTestManagerWith(t *testing.T, retriever agentic.Retriever, completer llm.Completer) (*Manager, *memStore) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	orch, err := agentic.NewOrchestrator(agentic.DefaultConfig(), retriever, completer, nil, logger, nil)
	require.NoError(t, err)
	store := newMemStore()
	m, err := NewManager(config.ConversationConfig{
		SessionTTL:    30 * time.Minute,
		GCInterval:    time.Minute,
		HistoryWindow: 3,
	}, store, orch, completer, logger, nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, store
}

func newTestManager(t *testing.T, completer llm.Completer) (*Manager, *memStore) {
	return newTestManagerWith(t, &stubRetriever{}, completer)
}

func TestAskStreamsEventsInOrder(t *testing.T) {
	completer := &streamCompleter{deltas: []string{"Acme ", "builds ", "widgets [1]."}, title: "Widgets"}
	m, store := newTestManager(t, completer)

	conv, err := m.Start(context.Background(), []string{"kb-1"})
	require.NoError(t, err)

	sink := &collectSink{}
	require.NoError(t, m.Ask(context.Background(), conv.ID, "What does Acme build?", AskOptions{}, sink))

	// simple_qa runs two steps; knowledge precedes the synthesized text.
	assert.Equal(t, []string{
		streaming.EventToolCall, streaming.EventToolCall,
		streaming.EventKnowledge,
		streaming.EventText, streaming.EventText, streaming.EventText,
		streaming.EventDone,
	}, sink.types())

	last := store.lastMessage(conv.ID)
	require.NotNil(t, last)
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Equal(t, "Acme builds widgets [1].", last.Content)
	assert.False(t, last.Cancelled)
	require.Len(t, last.Sources, 1)
}

func TestAskCancellationPersistsPartial(t *testing.T) {
	gate := make(chan struct{})
	completer := &streamCompleter{deltas: []string{"first ", "second ", "third"}, gate: gate, title: "T"}
	m, store := newTestManager(t, completer)

	conv, err := m.Start(context.Background(), []string{"kb-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sink := &collectSink{}
	done := make(chan error, 1)
	go func() { done <- m.Ask(ctx, conv.ID, "question", AskOptions{}, sink) }()

	gate <- struct{}{} // let the first delta through
	require.Eventually(t, func() bool {
		for _, typ := range sink.types() {
			if typ == streaming.EventText {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "first delta never reached the sink")
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Ask did not return after cancellation")
	}

	types := sink.types()
	assert.Equal(t, streaming.EventDone, types[len(types)-1])

	last := store.lastMessage(conv.ID)
	require.NotNil(t, last)
	assert.True(t, last.Cancelled)
	assert.Equal(t, "first ", last.Content)
}

func TestAskRetrievalFailureEmitsErrorThenDone(t *testing.T) {
	m, _ := newTestManagerWith(t, &stubRetriever{
		err: apperr.DependencyFailure("qdrant down", nil),
	}, &streamCompleter{deltas: []string{"x"}})

	conv, err := m.Start(context.Background(), []string{"kb-1"})
	require.NoError(t, err)

	sink := &collectSink{}
	err = m.Ask(context.Background(), conv.ID, "question", AskOptions{}, sink)
	require.Error(t, err)
	assert.Equal(t, apperr.KindDependencyFailure, apperr.KindOf(err))
	assert.Equal(t, []string{
		streaming.EventToolCall,
		streaming.EventError, streaming.EventDone,
	}, sink.types())
}

// recordingRunner captures the run request and plays a tiny scripted
// stream through the hooks.
type recordingRunner struct {
	mu   sync.Mutex
	reqs []agentic.RunRequest
}

func (r *recordingRunner) RunStream(_ context.Context, req agentic.RunRequest, hooks agentic.StreamHooks) (*models.WorkflowRun, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	if hooks.Synthesis != nil {
		hooks.Synthesis(nil)
	}
	if hooks.Delta != nil {
		_ = hooks.Delta(llm.StreamDelta{Content: "ok"})
	}
	return &models.WorkflowRun{
		Workflow: req.Workflow,
		Status:   models.RunStatusCompleted,
		Answer:   "ok",
	}, nil
}

func (r *recordingRunner) last() agentic.RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[len(r.reqs)-1]
}

func newRecordingManager(t *testing.T) (*Manager, *recordingRunner) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	runner := &recordingRunner{}
	m, err := NewManager(config.ConversationConfig{HistoryWindow: 3},
		newMemStore(), runner, &streamCompleter{deltas: []string{"ok"}, title: "T"}, logger, nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, runner
}

func TestAskForwardsRequestedWorkflow(t *testing.T) {
	m, runner := newRecordingManager(t)

	conv, err := m.Start(context.Background(), []string{"kb-1", "kb-2"})
	require.NoError(t, err)

	sink := &collectSink{}
	require.NoError(t, m.Ask(context.Background(), conv.ID, "check these claims",
		AskOptions{Workflow: agentic.WorkflowFactChecking}, sink))

	req := runner.last()
	assert.Equal(t, agentic.WorkflowFactChecking, req.Workflow)
	assert.Equal(t, conv.ID, req.ConversationID)
	assert.Equal(t, []string{"kb-1", "kb-2"}, req.KBIDs)
}

func TestAskRecommendsWorkflowWhenUnspecified(t *testing.T) {
	m, runner := newRecordingManager(t)

	conv, err := m.Start(context.Background(), []string{"kb-1"})
	require.NoError(t, err)

	require.NoError(t, m.Ask(context.Background(), conv.ID,
		"Compare widgets versus gadgets", AskOptions{}, &collectSink{}))
	assert.Equal(t, agentic.WorkflowComparativeAnalysis, runner.last().Workflow)

	require.NoError(t, m.Ask(context.Background(), conv.ID,
		"What is a widget?", AskOptions{}, &collectSink{}))
	assert.Equal(t, agentic.WorkflowSimpleQA, runner.last().Workflow)
}

func TestAskRejectsUnknownWorkflow(t *testing.T) {
	m, runner := newRecordingManager(t)

	conv, err := m.Start(context.Background(), []string{"kb-1"})
	require.NoError(t, err)

	sink := &collectSink{}
	err = m.Ask(context.Background(), conv.ID, "question",
		AskOptions{Workflow: "moonwalk"}, sink)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	assert.Empty(t, sink.types(), "nothing streams for a rejected request")
	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Empty(t, runner.reqs)
}

func TestAskCarriesHistoryIntoRun(t *testing.T) {
	m, runner := newRecordingManager(t)

	conv, err := m.Start(context.Background(), []string{"kb-1"})
	require.NoError(t, err)

	require.NoError(t, m.Ask(context.Background(), conv.ID, "first question", AskOptions{}, &collectSink{}))
	require.Empty(t, runner.last().History)

	require.NoError(t, m.Ask(context.Background(), conv.ID, "second question", AskOptions{}, &collectSink{}))
	history := runner.last().History
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, "first question", history[0].Content)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
	assert.Equal(t, "ok", history[1].Content)
}

func TestAskSyncReturnsAnswerWithSources(t *testing.T) {
	completer := &streamCompleter{deltas: []string{"Answer [1]."}, title: "Short title"}
	m, _ := newTestManager(t, completer)

	conv, err := m.Start(context.Background(), []string{"kb-1"})
	require.NoError(t, err)

	msg, err := m.AskSync(context.Background(), conv.ID, "What does Acme build?", AskOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Answer [1].", msg.Content)
	require.Len(t, msg.Sources, 1)
	assert.Equal(t, "c1", msg.Sources[0].ChunkID)

	// First exchange titles the conversation.
	got, err := m.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Short title", got.Title)
}

func TestTitleFallsBackToQueryPrefix(t *testing.T) {
	completer := &streamCompleter{deltas: []string{"Answer."}} // title model errors
	m, _ := newTestManager(t, completer)

	conv, err := m.Start(context.Background(), []string{"kb-1"})
	require.NoError(t, err)

	long := strings.Repeat("question ", 10)
	_, err = m.AskSync(context.Background(), conv.ID, long, AskOptions{})
	require.NoError(t, err)

	got, err := m.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, truncateRunes(strings.TrimSpace(long), 40), got.Title)
}

func TestHistoryWindowTrims(t *testing.T) {
	completer := &streamCompleter{deltas: []string{"ok"}, title: "T"}
	m, _ := newTestManager(t, completer)

	conv, err := m.Start(context.Background(), []string{"kb-1"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := m.AskSync(context.Background(), conv.ID, "question", AskOptions{})
		require.NoError(t, err)
	}

	s, err := m.sessionFor(context.Background(), conv.ID)
	require.NoError(t, err)
	_, history := s.snapshot()
	assert.Len(t, history, 3, "window keeps the last 3 exchanges")
}

func TestSessionRehydratesAfterEviction(t *testing.T) {
	completer := &streamCompleter{deltas: []string{"ok"}, title: "T"}
	m, _ := newTestManager(t, completer)

	conv, err := m.Start(context.Background(), []string{"kb-1"})
	require.NoError(t, err)
	_, err = m.AskSync(context.Background(), conv.ID, "first question", AskOptions{})
	require.NoError(t, err)

	// Force eviction.
	m.mu.Lock()
	delete(m.sessions, conv.ID)
	m.mu.Unlock()

	s, err := m.sessionFor(context.Background(), conv.ID)
	require.NoError(t, err)
	_, history := s.snapshot()
	require.Len(t, history, 1)
	assert.Equal(t, "first question", history[0].User)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	completer := &streamCompleter{deltas: []string{"ok"}}
	m, _ := newTestManager(t, completer)

	conv, err := m.Start(context.Background(), []string{"kb-1"})
	require.NoError(t, err)
	require.Equal(t, 1, m.ActiveSessions())

	m.mu.Lock()
	m.sessions[conv.ID].lastActive = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.sweep()
	assert.Zero(t, m.ActiveSessions())

	// The conversation itself survives eviction.
	_, err = m.Get(context.Background(), conv.ID)
	assert.NoError(t, err)
}

func TestDeleteRemovesConversation(t *testing.T) {
	completer := &streamCompleter{deltas: []string{"ok"}}
	m, _ := newTestManager(t, completer)

	conv, err := m.Start(context.Background(), []string{"kb-1"})
	require.NoError(t, err)
	require.NoError(t, m.Delete(context.Background(), conv.ID))

	_, err = m.Get(context.Background(), conv.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Zero(t, m.ActiveSessions())
}

func TestStartValidation(t *testing.T) {
	completer := &streamCompleter{deltas: []string{"ok"}}
	m, _ := newTestManager(t, completer)

	_, err := m.Start(context.Background(), nil)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}
