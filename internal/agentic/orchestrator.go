package agentic

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/llm"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
	"github.com/ruochenliao/ai-training-course-sub005/internal/rag"
)

// Retriever is the retrieval surface workflows use.
type Retriever interface {
	Retrieve(ctx context.Context, req rag.Request) (*rag.Result, error)
}

// RunStore persists workflow runs.
type RunStore interface {
	Create(ctx context.Context, run *models.WorkflowRun) error
	Finish(ctx context.Context, run *models.WorkflowRun) error
	GetByID(ctx context.Context, id string) (*models.WorkflowRun, error)
}

// Metrics receives run outcomes. Optional.
type Metrics interface {
	WorkflowFinished(workflow, status string)
}

type nopMetrics struct{}

func (nopMetrics) WorkflowFinished(string, string) {}

// Config bounds workflow execution.
type Config struct {
	// Workers caps parallel steps inside a wave.
	Workers int
	// StepTimeout applies to steps that set none of their own.
	StepTimeout time.Duration
	// RetrieveTopK is the per-step retrieval depth.
	RetrieveTopK int
}

// DefaultConfig returns the execution bounds used when unset.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		StepTimeout:  60 * time.Second,
		RetrieveTopK: 6,
	}
}

// RunRequest asks for one workflow execution. Workflow may be empty, in
// which case the recommender picks one. History and the retrieval
// overrides are set by the conversation layer, not the API.
type RunRequest struct {
	Workflow       string   `json:"workflow,omitempty"`
	Query          string   `json:"query"`
	KBIDs          []string `json:"kb_ids"`
	ConversationID string   `json:"conversation_id,omitempty"`

	History []llm.ChatMessage `json:"-"`
	Mode    string            `json:"mode,omitempty"`
	TopK    int               `json:"top_k,omitempty"`
	Rerank  bool              `json:"rerank,omitempty"`
}

// StreamHooks observe a run as it executes. All hooks are optional.
type StreamHooks struct {
	// StepStarted fires as each step begins.
	StepStarted func(stepID, kind string)
	// Synthesis fires once, with the accumulated sources, right
	// before the terminal step runs.
	Synthesis func(sources []*models.SearchResult)
	// Delta receives the terminal step's answer tokens as they
	// stream. A non-nil return stops the model stream.
	Delta func(delta llm.StreamDelta) error
}

// Orchestrator executes workflow DAGs.
type Orchestrator struct {
	cfg       Config
	retriever Retriever
	completer llm.Completer
	runs      RunStore
	logger    *logrus.Logger
	metrics   Metrics
}

// NewOrchestrator builds the orchestrator. The run store is optional;
// without it runs are not persisted and GetRun fails.
func NewOrchestrator(cfg Config, retriever Retriever, completer llm.Completer, runs RunStore, logger *logrus.Logger, metrics Metrics) (*Orchestrator, error) {
	if retriever == nil {
		return nil, apperr.InvalidInput("orchestrator requires a retriever")
	}
	if completer == nil {
		return nil, apperr.InvalidInput("orchestrator requires a completer")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.RetrieveTopK <= 0 {
		cfg.RetrieveTopK = def.RetrieveTopK
	}
	return &Orchestrator{
		cfg:       cfg,
		retriever: retriever,
		completer: completer,
		runs:      runs,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// Run executes the requested (or recommended) workflow and returns the
// finished run record.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*models.WorkflowRun, error) {
	return o.RunStream(ctx, req, StreamHooks{})
}

// RunStream executes a workflow while reporting progress through the
// hooks. The conversation layer uses it to relay step starts, sources,
// and the synthesized answer to the client as they happen.
func (o *Orchestrator) RunStream(ctx context.Context, req RunRequest, hooks StreamHooks) (*models.WorkflowRun, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, apperr.InvalidInput("query is empty")
	}
	if len(req.KBIDs) == 0 {
		return nil, apperr.InvalidInput("at least one knowledge base id is required")
	}

	name := req.Workflow
	if name == "" {
		rec := Recommend(req.Query)
		name = rec.Workflow
		o.logger.WithFields(logrus.Fields{
			"workflow":   rec.Workflow,
			"confidence": rec.Confidence,
			"reason":     rec.Reason,
		}).Debug("Workflow recommended")
	}
	builder, ok := builtinWorkflows[name]
	if !ok {
		return nil, apperr.InvalidInputf("unknown workflow %q", name)
	}
	wf, err := builder(o, &req)
	if err != nil {
		return nil, err
	}

	run := &models.WorkflowRun{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Workflow:       name,
		Query:          req.Query,
		Status:         models.RunStatusRunning,
		StartedAt:      time.Now(),
	}
	if o.runs != nil {
		if err := o.runs.Create(ctx, run); err != nil {
			return nil, err
		}
	}

	st := newState(req.Query, req.KBIDs)
	st.History = req.History
	st.Mode = req.Mode
	st.TopK = req.TopK
	st.Rerank = req.Rerank
	o.execute(ctx, wf, st, run, hooks)

	if terminal := wf.terminal(); terminal != nil {
		if answer, ok := st.Output(terminal.ID); ok {
			run.Answer = answer
		}
	}
	if run.Status == models.RunStatusRunning {
		run.Status = models.RunStatusCompleted
	}
	run.QualityScore = assessQuality(run, len(st.Sources()))
	now := time.Now()
	run.FinishedAt = &now

	if o.runs != nil {
		if err := o.runs.Finish(ctx, run); err != nil {
			o.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to persist workflow run")
		}
	}
	o.metrics.WorkflowFinished(run.Workflow, run.Status)
	o.logger.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"workflow": run.Workflow,
		"status":   run.Status,
		"steps":    len(run.Steps),
		"quality":  run.QualityScore,
	}).Info("Workflow run finished")
	return run, nil
}

// GetRun loads a persisted run.
func (o *Orchestrator) GetRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	if o.runs == nil {
		return nil, apperr.Permanent("workflow run persistence is disabled", nil)
	}
	return o.runs.GetByID(ctx, id)
}

// execute walks the waves. Abort cancels everything downstream; skip
// and continue_with_partial record and move on.
func (o *Orchestrator) execute(ctx context.Context, wf *Workflow, st *State, run *models.WorkflowRun, hooks StreamHooks) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	terminal := wf.terminal()

	var mu sync.Mutex
	aborted := false
	partial := false
	record := func(sr models.StepRun) {
		mu.Lock()
		defer mu.Unlock()
		run.Steps = append(run.Steps, sr)
	}

	for _, wave := range wf.waves {
		if aborted {
			break
		}
		g, gctx := errgroup.WithContext(runCtx)
		g.SetLimit(o.cfg.Workers)

		for _, step := range wave {
			step := step
			if reason, skip := o.shouldSkip(wf, st, step); skip {
				st.setResult(step.ID, StepStatusSkipped, "")
				record(models.StepRun{
					StepID:    step.ID,
					Name:      step.Name,
					Status:    StepStatusSkipped,
					Error:     reason,
					StartedAt: time.Now(),
				})
				continue
			}

			g.Go(func() error {
				if hooks.StepStarted != nil {
					hooks.StepStarted(step.ID, step.Kind)
				}
				if step == terminal {
					if hooks.Synthesis != nil {
						hooks.Synthesis(st.Sources())
					}
					if hooks.Delta != nil {
						st.setEmitter(hooks.Delta)
					}
				}

				sr := models.StepRun{StepID: step.ID, Name: step.Name, StartedAt: time.Now()}
				output, err := o.runStep(gctx, step, st)
				sr.DurationMS = time.Since(sr.StartedAt).Milliseconds()

				if err == nil {
					st.setResult(step.ID, StepStatusOK, output)
					sr.Status = StepStatusOK
					sr.Output = output
					record(sr)
					return nil
				}

				o.logger.WithError(err).WithFields(logrus.Fields{
					"step":     step.ID,
					"workflow": wf.Name,
					"policy":   step.OnFailure,
				}).Warn("Workflow step failed")

				switch step.OnFailure {
				case OnFailureSkip:
					st.setResult(step.ID, StepStatusSkipped, "")
					sr.Status = StepStatusSkipped
					sr.Error = err.Error()
					record(sr)
					return nil
				case OnFailurePartial:
					st.setResult(step.ID, StepStatusFailed, "")
					sr.Status = StepStatusFailed
					sr.Error = err.Error()
					record(sr)
					mu.Lock()
					partial = true
					mu.Unlock()
					return nil
				default: // abort
					st.setResult(step.ID, StepStatusFailed, "")
					sr.Status = StepStatusFailed
					sr.Error = err.Error()
					record(sr)
					return err
				}
			})
		}

		if err := g.Wait(); err != nil {
			aborted = true
			run.Status = models.RunStatusFailed
		}
	}

	if !aborted && partial {
		run.Status = models.RunStatusPartial
	}
}

// shouldSkip reports whether a step must be skipped because a
// dependency was skipped, or failed under the skip policy.
func (o *Orchestrator) shouldSkip(wf *Workflow, st *State, step *Step) (string, bool) {
	for _, dep := range step.DependsOn {
		switch st.stepStatus(dep) {
		case StepStatusSkipped:
			return "dependency " + dep + " was skipped", true
		case StepStatusFailed:
			if wf.byID[dep].OnFailure != OnFailurePartial {
				return "dependency " + dep + " failed", true
			}
		}
	}
	return "", false
}

func (o *Orchestrator) runStep(ctx context.Context, step *Step, st *State) (string, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.cfg.StepTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := step.Run(sctx, st)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return "", apperr.Cancelled("step "+step.ID+" timed out", err)
	}
	return output, err
}

// retrieve is the shared retrieval helper for workflow steps. The run
// state's overrides win over the orchestrator defaults.
func (o *Orchestrator) retrieve(ctx context.Context, st *State, query string) (*rag.Result, error) {
	mode := st.Mode
	if mode == "" {
		mode = rag.ModeHybrid
	}
	topK := st.TopK
	if topK <= 0 {
		topK = o.cfg.RetrieveTopK
	}
	result, err := o.retriever.Retrieve(ctx, rag.Request{
		KBIDs:  st.KBIDs,
		Query:  query,
		Mode:   mode,
		TopK:   topK,
		Rerank: st.Rerank,
	})
	if err != nil {
		return nil, err
	}
	st.AddSources(result.Items)
	return result, nil
}

// complete is the shared LLM helper for intermediate workflow steps.
func (o *Orchestrator) complete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	resp, err := o.completer.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.ChatMessage{
			{Role: models.RoleSystem, Content: system},
			{Role: models.RoleUser, Content: user},
		},
		Temperature: 0.2,
		JSONMode:    jsonMode,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// synthesize produces a workflow's final answer. It folds the
// conversation history into the prompt and, when an emitter is
// installed, streams the answer token by token while accumulating it
// for the run record.
func (o *Orchestrator) synthesize(ctx context.Context, st *State, system, user string) (string, error) {
	msgs := make([]llm.ChatMessage, 0, len(st.History)+2)
	msgs = append(msgs, llm.ChatMessage{Role: models.RoleSystem, Content: system})
	msgs = append(msgs, st.History...)
	msgs = append(msgs, llm.ChatMessage{Role: models.RoleUser, Content: user})
	req := llm.CompletionRequest{Messages: msgs, Temperature: 0.2}

	emit := st.emitter()
	if emit == nil {
		resp, err := o.completer.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Content), nil
	}

	stream, err := o.completer.CompleteStream(ctx, req)
	if err != nil {
		return "", err
	}
	var answer strings.Builder
	for delta := range stream {
		if delta.Err != nil {
			return strings.TrimSpace(answer.String()), delta.Err
		}
		if delta.Content != "" {
			answer.WriteString(delta.Content)
		}
		if err := emit(delta); err != nil {
			return strings.TrimSpace(answer.String()), err
		}
	}
	return strings.TrimSpace(answer.String()), nil
}
