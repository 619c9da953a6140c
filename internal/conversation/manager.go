// Package conversation manages chat sessions over the workflow
// orchestrator: in-memory session state with a bounded history window,
// Postgres-backed message history, idle-session garbage collection, and
// streamed answers.
package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/agentic"
	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/config"
	"github.com/ruochenliao/ai-training-course-sub005/internal/llm"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// Store is the persistence surface for conversations and messages.
type Store interface {
	Create(ctx context.Context, conv *models.Conversation) error
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	SetTitle(ctx context.Context, id, title string) error
	TouchActivity(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, msg *models.ConversationMessage) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.ConversationMessage, error)
}

// WorkflowStreamer executes agentic workflows while reporting progress.
// The orchestrator satisfies it.
type WorkflowStreamer interface {
	RunStream(ctx context.Context, req agentic.RunRequest, hooks agentic.StreamHooks) (*models.WorkflowRun, error)
}

// Metrics tracks the in-memory session population. Optional.
type Metrics interface {
	SessionOpened()
	SessionClosed()
}

type nopMetrics struct{}

func (nopMetrics) SessionOpened() {}
func (nopMetrics) SessionClosed() {}

// exchange is one user/assistant turn kept in the history window.
type exchange struct {
	User      string
	Assistant string
}

// session is the in-memory state of one conversation.
type session struct {
	mu         sync.Mutex
	conv       *models.Conversation
	history    []exchange
	lastActive time.Time
}

// Manager owns the live sessions and the idle-session sweeper.
type Manager struct {
	cfg       config.ConversationConfig
	store     Store
	workflows WorkflowStreamer
	completer llm.Completer
	logger    *logrus.Logger
	metrics   Metrics

	mu       sync.RWMutex
	sessions map[string]*session

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds the manager and starts the GC sweeper. The
// completer is only used for titling; answers go through the workflow
// orchestrator.
func NewManager(cfg config.ConversationConfig, store Store, workflows WorkflowStreamer, completer llm.Completer, logger *logrus.Logger, metrics Metrics) (*Manager, error) {
	if store == nil {
		return nil, apperr.InvalidInput("conversation manager requires a store")
	}
	if workflows == nil {
		return nil, apperr.InvalidInput("conversation manager requires a workflow orchestrator")
	}
	if completer == nil {
		return nil, apperr.InvalidInput("conversation manager requires a completer")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = time.Minute
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}

	m := &Manager{
		cfg:       cfg,
		store:     store,
		workflows: workflows,
		completer: completer,
		logger:    logger,
		metrics:   metrics,
		sessions:  make(map[string]*session),
		stop:      make(chan struct{}),
	}
	m.wg.Add(1)
	go m.gcLoop()
	return m, nil
}

// Close stops the sweeper. Persisted history is unaffected.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// Start opens a conversation over the given knowledge bases.
func (m *Manager) Start(ctx context.Context, kbIDs []string) (*models.Conversation, error) {
	if len(kbIDs) == 0 {
		return nil, apperr.InvalidInput("at least one knowledge base id is required")
	}
	now := time.Now()
	conv := &models.Conversation{
		ID:           uuid.New().String(),
		KBIDs:        kbIDs,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActiveAt: now,
	}
	if err := m.store.Create(ctx, conv); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[conv.ID] = &session{conv: conv, lastActive: now}
	m.mu.Unlock()
	m.metrics.SessionOpened()

	m.logger.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"kb_count":        len(kbIDs),
	}).Info("Conversation started")
	return conv, nil
}

// Get returns the conversation record.
func (m *Manager) Get(ctx context.Context, id string) (*models.Conversation, error) {
	return m.store.GetByID(ctx, id)
}

// Delete removes the conversation and evicts its session.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		m.metrics.SessionClosed()
	}
	m.mu.Unlock()
	return nil
}

// Messages lists a conversation's persisted messages, oldest first.
func (m *Manager) Messages(ctx context.Context, id string, limit int) ([]*models.ConversationMessage, error) {
	if _, err := m.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListMessages(ctx, id, limit)
}

// ActiveSessions reports the in-memory session count.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// sessionFor returns the live session, rehydrating an evicted one from
// the store.
func (m *Manager) sessionFor(ctx context.Context, id string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	conv, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := m.loadHistory(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}
	s = &session{conv: conv, history: history, lastActive: time.Now()}
	m.sessions[id] = s
	m.metrics.SessionOpened()
	return s, nil
}

// loadHistory rebuilds the history window from the newest persisted
// messages, pairing user and assistant turns.
func (m *Manager) loadHistory(ctx context.Context, id string) ([]exchange, error) {
	msgs, err := m.store.ListMessages(ctx, id, m.cfg.HistoryWindow*2)
	if err != nil {
		return nil, err
	}
	var history []exchange
	var pending *exchange
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleUser:
			if pending != nil {
				history = append(history, *pending)
			}
			pending = &exchange{User: msg.Content}
		case models.RoleAssistant:
			if pending != nil {
				pending.Assistant = msg.Content
				history = append(history, *pending)
				pending = nil
			}
		}
	}
	if pending != nil {
		history = append(history, *pending)
	}
	if len(history) > m.cfg.HistoryWindow {
		history = history[len(history)-m.cfg.HistoryWindow:]
	}
	return history, nil
}

// remember appends a finished exchange, trimming to the window.
func (s *session) remember(window int, user, assistant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, exchange{User: user, Assistant: assistant})
	if len(s.history) > window {
		s.history = s.history[len(s.history)-window:]
	}
	s.lastActive = time.Now()
}

func (s *session) snapshot() (conv models.Conversation, history []exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history = make([]exchange, len(s.history))
	copy(history, s.history)
	return *s.conv, history
}

func (m *Manager) gcLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep evicts sessions idle past the TTL. Their history stays in
// Postgres and rehydrates on the next Ask.
func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.cfg.SessionTTL)
	var evicted int

	m.mu.Lock()
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := s.lastActive.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(m.sessions, id)
			evicted++
			m.metrics.SessionClosed()
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		m.logger.WithField("evicted", evicted).Debug("Idle conversation sessions evicted")
	}
}
