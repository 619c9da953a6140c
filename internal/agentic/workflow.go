// Package agentic orchestrates multi-step retrieval-and-reasoning
// workflows as DAGs of steps executed in topological waves on a bounded
// worker pool.
package agentic

import (
	"context"
	"sync"
	"time"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/llm"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// Step kinds.
const (
	KindRetrieve = "retrieve"
	KindLLM      = "llm"
	KindRerank   = "rerank"
	KindGraph    = "graph"
	KindTool     = "tool"
)

// Failure policies.
const (
	OnFailureAbort   = "abort"
	OnFailureSkip    = "skip"
	OnFailurePartial = "continue_with_partial"
)

// Step statuses recorded in the run state.
const (
	StepStatusOK      = "ok"
	StepStatusFailed  = "failed"
	StepStatusSkipped = "skipped"
)

// StepFunc executes one step against the shared run state. It returns
// the step's output, visible to dependent steps.
type StepFunc func(ctx context.Context, st *State) (string, error)

// Step is one node of a workflow DAG.
type Step struct {
	ID        string
	Name      string
	Kind      string
	DependsOn []string
	Timeout   time.Duration
	OnFailure string
	Params    map[string]interface{}
	Run       StepFunc
}

// Workflow is a validated DAG of steps with its execution order
// precomputed as topological waves.
type Workflow struct {
	Name  string
	Steps []*Step

	byID  map[string]*Step
	waves [][]*Step
}

// NewWorkflow validates the step graph and computes its waves. A cycle,
// an unknown dependency, or a duplicate id is InvalidInput.
func NewWorkflow(name string, steps ...*Step) (*Workflow, error) {
	if name == "" {
		return nil, apperr.InvalidInput("workflow name is required")
	}
	if len(steps) == 0 {
		return nil, apperr.InvalidInput("workflow has no steps")
	}

	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return nil, apperr.InvalidInput("step id is required")
		}
		if _, dup := byID[s.ID]; dup {
			return nil, apperr.InvalidInputf("duplicate step id %q", s.ID)
		}
		switch s.Kind {
		case KindRetrieve, KindLLM, KindRerank, KindGraph, KindTool:
		default:
			return nil, apperr.InvalidInputf("step %q has unknown kind %q", s.ID, s.Kind)
		}
		switch s.OnFailure {
		case "":
			s.OnFailure = OnFailureAbort
		case OnFailureAbort, OnFailureSkip, OnFailurePartial:
		default:
			return nil, apperr.InvalidInputf("step %q has unknown failure policy %q", s.ID, s.OnFailure)
		}
		if s.Run == nil {
			return nil, apperr.InvalidInputf("step %q has no handler", s.ID)
		}
		if s.Name == "" {
			s.Name = s.ID
		}
		byID[s.ID] = s
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, apperr.InvalidInputf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	waves, err := topologicalWaves(steps, byID)
	if err != nil {
		return nil, err
	}
	return &Workflow{Name: name, Steps: steps, byID: byID, waves: waves}, nil
}

// topologicalWaves layers the DAG: wave n holds every step whose
// dependencies are all in earlier waves. Leftover steps mean a cycle.
func topologicalWaves(steps []*Step, byID map[string]*Step) ([][]*Step, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var waves [][]*Step
	placed := 0
	current := make([]*Step, 0)
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			current = append(current, s)
		}
	}
	for len(current) > 0 {
		waves = append(waves, current)
		placed += len(current)
		var next []*Step
		for _, s := range current {
			for _, depID := range dependents[s.ID] {
				indegree[depID]--
				if indegree[depID] == 0 {
					next = append(next, byID[depID])
				}
			}
		}
		current = next
	}
	if placed != len(steps) {
		return nil, apperr.InvalidInput("workflow graph contains a cycle")
	}
	return waves, nil
}

// terminal returns the step no other step depends on. With several
// candidates the last-declared wins; its output becomes the run answer.
func (w *Workflow) terminal() *Step {
	depended := make(map[string]bool)
	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			depended[dep] = true
		}
	}
	var last *Step
	for _, s := range w.Steps {
		if !depended[s.ID] {
			last = s
		}
	}
	return last
}

// State is the shared run state. Steps read their dependencies' outputs
// and append retrieved sources; all access is synchronized.
type State struct {
	Query string
	KBIDs []string

	// History carries prior conversation turns into the synthesis
	// prompt. Mode, TopK, and Rerank override the retrieval defaults
	// when set. All four are fixed before execution starts.
	History []llm.ChatMessage
	Mode    string
	TopK    int
	Rerank  bool

	mu      sync.RWMutex
	outputs map[string]string
	status  map[string]string
	sources []*models.SearchResult
	emit    func(llm.StreamDelta) error
}

func newState(query string, kbIDs []string) *State {
	return &State{
		Query:   query,
		KBIDs:   kbIDs,
		outputs: make(map[string]string),
		status:  make(map[string]string),
	}
}

// Output returns a finished step's output.
func (st *State) Output(stepID string) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out, ok := st.outputs[stepID]
	return out, ok
}

// AddSources records retrieved items for citation and quality checks.
func (st *State) AddSources(items []*models.SearchResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sources = append(st.sources, items...)
}

// Sources returns the accumulated retrieval items.
func (st *State) Sources() []*models.SearchResult {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*models.SearchResult, len(st.sources))
	copy(out, st.sources)
	return out
}

func (st *State) setResult(stepID, status, output string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status[stepID] = status
	if status == StepStatusOK {
		st.outputs[stepID] = output
	}
}

func (st *State) stepStatus(stepID string) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.status[stepID]
}

// setEmitter installs the delta callback the terminal step streams
// through.
func (st *State) setEmitter(emit func(llm.StreamDelta) error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.emit = emit
}

func (st *State) emitter() func(llm.StreamDelta) error {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.emit
}
