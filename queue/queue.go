package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/caliperml/caliper/common"
	"github.com/caliperml/caliper/db"
	"github.com/caliperml/caliper/domain"
)

// TaskQueue is the durable FIFO-with-priority queue over the tasks table.
type TaskQueue struct {
	db       *db.PostgresDB
	registry *Registry
	logger   *logrus.Entry

	// DefaultMaxRetries applies when Enqueue is called with maxRetries < 0.
	DefaultMaxRetries int
}

// NewTaskQueue creates a queue bound to a handler registry.
func NewTaskQueue(pg *db.PostgresDB, registry *Registry, logger *logrus.Entry) *TaskQueue {
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}
	return &TaskQueue{
		db:                pg,
		registry:          registry,
		logger:            logger.WithField("component", "task-queue"),
		DefaultMaxRetries: 3,
	}
}

// Registry returns the queue's handler registry.
func (q *TaskQueue) Registry() *Registry { return q.registry }

const taskColumns = `id, task_name, args_json, status, priority, retry_count, max_retries,
	created_at, started_at, completed_at, error_message`

// Enqueue inserts a PENDING task. The name must be registered. Pass
// maxRetries < 0 to use the queue default. There is no deduplication;
// handlers are idempotent instead.
func (q *TaskQueue) Enqueue(ctx context.Context, name string, args map[string]interface{}, priority, maxRetries int) (string, error) {
	if !q.registry.Known(name) {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownTask, name)
	}
	if maxRetries < 0 {
		maxRetries = q.DefaultMaxRetries
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode task args: %w", err)
	}

	id := uuid.NewString()
	_, err = q.db.Exec(ctx, `
		INSERT INTO tasks (id, task_name, args_json, status, priority, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, name, rawArgs, string(StatusPending), priority, maxRetries)
	if err != nil {
		return "", fmt.Errorf("%w: failed to enqueue task %s: %v", domain.ErrTransient, name, err)
	}

	q.logger.WithFields(logrus.Fields{"task": name, "id": id, "priority": priority}).Debug("enqueued task")
	return id, nil
}

// PickNext atomically claims the highest-priority, oldest dispatchable task
// and marks it RUNNING. Returns nil when the queue is empty. The row lock
// with SKIP LOCKED guarantees no two workers claim the same task.
func (q *TaskQueue) PickNext(ctx context.Context) (*Task, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE tasks SET status = $1, started_at = NOW()
		WHERE id = (
			SELECT id FROM tasks
			WHERE status IN ($2, $3)
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+taskColumns,
		string(StatusRunning), string(StatusPending), string(StatusRetrying))

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to pick next task: %v", domain.ErrTransient, err)
	}
	return task, nil
}

// Complete marks a RUNNING task COMPLETED. A task whose cancel request
// arrived too late to be observed completes normally.
func (q *TaskQueue) Complete(ctx context.Context, id string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE tasks SET status = $1, completed_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)`,
		string(StatusCompleted), id, string(StatusRunning), string(StatusCancelRequested))
	if err != nil {
		return fmt.Errorf("%w: failed to complete task %s: %v", domain.ErrTransient, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: running task %s", domain.ErrNotFound, id)
	}
	return nil
}

// Fail records a handler failure on a RUNNING task. While the retry budget
// lasts the task moves to RETRYING with an incremented retry count;
// afterwards it moves to FAILED with completed_at set. A task with a
// pending cancel request does not re-enter the retry loop and is finalized
// as CANCELLED instead. Returns the resulting status.
func (q *TaskQueue) Fail(ctx context.Context, id string, cause error) (Status, error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	row := q.db.QueryRow(ctx, `
		UPDATE tasks SET
			status = CASE
				WHEN status = $6 THEN $7
				WHEN retry_count < max_retries THEN $1
				ELSE $2
			END,
			retry_count   = CASE WHEN status <> $6 AND retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
			completed_at  = CASE WHEN status <> $6 AND retry_count < max_retries THEN NULL ELSE NOW() END,
			error_message = $3
		WHERE id = $4 AND status IN ($5, $6)
		RETURNING status`,
		string(StatusRetrying), string(StatusFailed), message, id,
		string(StatusRunning), string(StatusCancelRequested), string(StatusCancelled))

	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: running task %s", domain.ErrNotFound, id)
		}
		return "", fmt.Errorf("%w: failed to record task failure %s: %v", domain.ErrTransient, id, err)
	}
	return Status(status), nil
}

// FailPermanent marks a RUNNING task FAILED without consuming retries.
// Used when the handler reported a non-retryable error.
func (q *TaskQueue) FailPermanent(ctx context.Context, id string, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE tasks SET status = $1, completed_at = NOW(), error_message = $2
		WHERE id = $3 AND status = $4`,
		string(StatusFailed), message, id, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("%w: failed to fail task %s: %v", domain.ErrTransient, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: running task %s", domain.ErrNotFound, id)
	}
	return nil
}

// RequestCancel stops a live task. A task no worker holds yet (PENDING or
// RETRYING) is finalized as CANCELLED on the spot; a RUNNING task moves to
// CANCELLED_REQUESTED and the worker honors the request at its next
// cooperative checkpoint.
func (q *TaskQueue) RequestCancel(ctx context.Context, id string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE tasks SET
			status       = CASE WHEN status = $1 THEN $2 ELSE $3 END,
			completed_at = CASE WHEN status = $1 THEN completed_at ELSE NOW() END
		WHERE id = $4 AND status IN ($5, $6, $1)`,
		string(StatusRunning), string(StatusCancelRequested), string(StatusCancelled),
		id, string(StatusPending), string(StatusRetrying))
	if err != nil {
		return fmt.Errorf("%w: failed to request cancel for task %s: %v", domain.ErrTransient, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: cancellable task %s", domain.ErrNotFound, id)
	}
	return nil
}

// IsCancelRequested reports whether a cancel has been requested for a task.
func (q *TaskQueue) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var status string
	err := q.db.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
		}
		return false, fmt.Errorf("%w: failed to read task status: %v", domain.ErrTransient, err)
	}
	return Status(status) == StatusCancelRequested, nil
}

// MarkCancelled finalizes a cancel-requested task.
func (q *TaskQueue) MarkCancelled(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE tasks SET status = $1, completed_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(StatusCancelled), id, string(StatusCancelRequested))
	if err != nil {
		return fmt.Errorf("%w: failed to mark task cancelled %s: %v", domain.ErrTransient, id, err)
	}
	return nil
}

// Get fetches one task by id.
func (q *TaskQueue) Get(ctx context.Context, id string) (*Task, error) {
	row := q.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: failed to get task: %v", domain.ErrTransient, err)
	}
	return task, nil
}

// CountByStatus returns the queue depth per status.
func (q *TaskQueue) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to count tasks: %v", domain.ErrTransient, err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("%w: failed to scan task count: %v", domain.ErrTransient, err)
		}
		out[Status(status)] = count
	}
	return out, rows.Err()
}

// HasLiveTask reports whether a non-terminal task with the given name and
// an args superset of argsSubset exists. The reconciler uses it to avoid
// duplicate re-enqueues.
func (q *TaskQueue) HasLiveTask(ctx context.Context, name string, argsSubset map[string]interface{}) (bool, error) {
	rawArgs, err := json.Marshal(argsSubset)
	if err != nil {
		return false, fmt.Errorf("failed to encode args filter: %w", err)
	}
	var exists bool
	err = q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tasks
			WHERE task_name = $1
			  AND status IN ($2, $3, $4, $5)
			  AND args_json @> $6::jsonb
		)`,
		name, string(StatusPending), string(StatusRetrying), string(StatusRunning),
		string(StatusCancelRequested), rawArgs).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: failed to probe live tasks: %v", domain.ErrTransient, err)
	}
	return exists, nil
}

// Cleanup deletes terminal tasks whose completion is older than the window.
// Returns the number of rows removed.
func (q *TaskQueue) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, domain.Validationf("cleanup window must be positive, got %d days", olderThanDays)
	}
	tag, err := q.db.Exec(ctx, `
		DELETE FROM tasks
		WHERE status IN ($1, $2, $3)
		  AND completed_at IS NOT NULL
		  AND completed_at < NOW() - ($4 * INTERVAL '1 day')`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to clean up tasks: %v", domain.ErrTransient, err)
	}
	if removed := tag.RowsAffected(); removed > 0 {
		q.logger.WithField("removed", removed).Info("cleaned up terminal tasks")
		return removed, nil
	}
	return 0, nil
}

func scanTask(row pgx.Row) (*Task, error) {
	var (
		task    Task
		rawArgs []byte
		status  string
	)
	err := row.Scan(&task.ID, &task.Name, &rawArgs, &status, &task.Priority,
		&task.RetryCount, &task.MaxRetries, &task.CreatedAt,
		&task.StartedAt, &task.CompletedAt, &task.ErrorMessage)
	if err != nil {
		return nil, err
	}
	task.Status = Status(status)
	if err := json.Unmarshal(rawArgs, &task.Args); err != nil {
		return nil, fmt.Errorf("failed to decode task args: %w", err)
	}
	return &task, nil
}

// WaitForTerminal polls until the task reaches a terminal status or the
// context expires. Test and CLI helper; production flows observe aggregates
// instead.
func (q *TaskQueue) WaitForTerminal(ctx context.Context, id string, pollEvery time.Duration) (*Task, error) {
	if pollEvery <= 0 {
		pollEvery = 200 * time.Millisecond
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		task, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}
