package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// WorkflowRunRepository persists orchestrator runs for auditing.
type WorkflowRunRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewWorkflowRunRepository creates a new WorkflowRunRepository.
func NewWorkflowRunRepository(pool *pgxpool.Pool, log *logrus.Logger) *WorkflowRunRepository {
	if log == nil {
		log = logrus.New()
	}
	return &WorkflowRunRepository{pool: pool, log: log}
}

// Create inserts a run in its initial state.
func (r *WorkflowRunRepository) Create(ctx context.Context, run *models.WorkflowRun) error {
	stepsJSON, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal run steps: %w", err)
	}
	if run.Steps == nil {
		stepsJSON = []byte("[]")
	}

	query := `
		INSERT INTO workflow_runs (id, conversation_id, workflow, query, status, steps, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID, run.ConversationID, run.Workflow, run.Query, run.Status, stepsJSON, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow run: %w", translateErr(err, ""))
	}
	return nil
}

// Finish records the terminal state of a run.
func (r *WorkflowRunRepository) Finish(ctx context.Context, run *models.WorkflowRun) error {
	stepsJSON, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal run steps: %w", err)
	}

	query := `
		UPDATE workflow_runs
		SET status = $2, steps = $3, answer = $4, quality_score = $5, finished_at = $6
		WHERE id = $1
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID, run.Status, stepsJSON, run.Answer, run.QualityScore, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to finish workflow run: %w", translateErr(err, ""))
	}
	return nil
}

// GetByID retrieves a run.
func (r *WorkflowRunRepository) GetByID(ctx context.Context, id string) (*models.WorkflowRun, error) {
	query := `
		SELECT id, conversation_id, workflow, query, status, steps, answer,
		       quality_score, started_at, finished_at
		FROM workflow_runs WHERE id = $1
	`
	run := &models.WorkflowRun{}
	var stepsJSON []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.ConversationID, &run.Workflow, &run.Query, &run.Status,
		&stepsJSON, &run.Answer, &run.QualityScore, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, translateErr(err, fmt.Sprintf("workflow run %s not found", id))
	}
	if len(stepsJSON) > 0 {
		_ = json.Unmarshal(stepsJSON, &run.Steps)
	}
	return run, nil
}

// DeleteFinishedBefore prunes terminal runs older than the cutoff and
// returns how many were removed.
func (r *WorkflowRunRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM workflow_runs WHERE finished_at IS NOT NULL AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune workflow runs: %w", translateErr(err, ""))
	}
	return tag.RowsAffected(), nil
}
