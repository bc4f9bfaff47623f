// Package queue implements the durable task queue of the Caliper engine.
// Tasks are rows in the same PostgreSQL database as the domain tables, so a
// state transition and the work it implies survive process restarts
// together. Dispatch uses row locking (FOR UPDATE SKIP LOCKED) so two
// workers never claim the same task; execution is at-least-once and
// handlers are required to be idempotent.
package queue

import (
	"context"
	"time"
)

// Status is the lifecycle of one task row.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusRunning         Status = "RUNNING"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusRetrying        Status = "RETRYING"
	StatusCancelRequested Status = "CANCELLED_REQUESTED"
	StatusCancelled       Status = "CANCELLED"
)

// Terminal reports whether a status has no successors.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Workflow task names. Handlers register under these at startup.
const (
	TaskValidateConfig   = "validate_config"
	TaskRunQualityCheck  = "run_quality_check"
	TaskRunEvaluation    = "run_evaluation"
	TaskSendNotification = "send_notification"
)

// Canonical args keys shared by enqueuers, handlers and the reconciler.
// Use-case level work carries an empty model id so args containment probes
// can tell the two scopes apart.
const (
	ArgUseCaseID = "use_case_id"
	ArgModelID   = "model_id"
)

// AggregateArgs builds the canonical args map for workflow tasks.
func AggregateArgs(useCaseID, modelID string) map[string]interface{} {
	return map[string]interface{}{
		ArgUseCaseID: useCaseID,
		ArgModelID:   modelID,
	}
}

// Task is one queued unit of background work.
type Task struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"task_name"`
	Args         map[string]interface{} `json:"args"`
	Status       Status                 `json:"status"`
	Priority     int                    `json:"priority"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// Handler executes one task. Returning nil completes the task; returning an
// error retries or fails it depending on the error kind and the retry
// budget. Handlers must be safe to run more than once with the same args.
type Handler func(ctx context.Context, args map[string]interface{}) error

type taskIDKey struct{}

// WithTaskID attaches the running task's id to the context. The worker sets
// it before invoking a handler; handlers use it for cooperative cancel
// checks and idempotent audit entries.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskIDFrom returns the running task's id, or empty outside a worker.
func TaskIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}
