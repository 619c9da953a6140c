package agentic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
)

func noopStep(id string, deps ...string) *Step {
	return &Step{
		ID:        id,
		Kind:      KindTool,
		DependsOn: deps,
		Run: func(_ context.Context, _ *State) (string, error) {
			return id + "-output", nil
		},
	}
}

func TestNewWorkflowComputesWaves(t *testing.T) {
	wf, err := NewWorkflow("test",
		noopStep("a"),
		noopStep("b"),
		noopStep("c", "a", "b"),
		noopStep("d", "c"),
	)
	require.NoError(t, err)

	require.Len(t, wf.waves, 3)
	assert.Len(t, wf.waves[0], 2)
	assert.Equal(t, "c", wf.waves[1][0].ID)
	assert.Equal(t, "d", wf.waves[2][0].ID)
	assert.Equal(t, "d", wf.terminal().ID)
}

func TestNewWorkflowRejectsCycle(t *testing.T) {
	_, err := NewWorkflow("test",
		noopStep("a", "b"),
		noopStep("b", "a"),
	)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "cycle")
}

func TestNewWorkflowRejectsUnknownDependency(t *testing.T) {
	_, err := NewWorkflow("test", noopStep("a", "ghost"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestNewWorkflowRejectsDuplicateID(t *testing.T) {
	_, err := NewWorkflow("test", noopStep("a"), noopStep("a"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestNewWorkflowRejectsUnknownKind(t *testing.T) {
	step := noopStep("a")
	step.Kind = "teleport"
	_, err := NewWorkflow("test", step)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestNewWorkflowRejectsUnknownFailurePolicy(t *testing.T) {
	step := noopStep("a")
	step.OnFailure = "shrug"
	_, err := NewWorkflow("test", step)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestNewWorkflowDefaultsFailurePolicyToAbort(t *testing.T) {
	wf, err := NewWorkflow("test", noopStep("a"))
	require.NoError(t, err)
	assert.Equal(t, OnFailureAbort, wf.Steps[0].OnFailure)
}

func TestStateOutputsAreIsolated(t *testing.T) {
	st := newState("q", []string{"kb"})
	st.setResult("a", StepStatusOK, "out-a")
	st.setResult("b", StepStatusFailed, "ignored")

	out, ok := st.Output("a")
	assert.True(t, ok)
	assert.Equal(t, "out-a", out)

	_, ok = st.Output("b")
	assert.False(t, ok, "failed steps publish no output")
	assert.Equal(t, StepStatusFailed, st.stepStatus("b"))
}

func TestStepTimeoutMapsToCancelled(t *testing.T) {
	o := &Orchestrator{cfg: Config{StepTimeout: 10 * time.Millisecond}}
	step := &Step{
		ID:   "slow",
		Kind: KindTool,
		Run: func(ctx context.Context, _ *State) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}

	_, err := o.runStep(context.Background(), step, newState("q", nil))
	require.Error(t, err)
	assert.Equal(t, apperr.KindCancelled, apperr.KindOf(err))
}
