// Package tasks holds the registered workflow task handlers. Handlers are
// stateless: each run loads what it needs through the repository, invokes a
// collaborator, and persists the resulting state. Every handler is safe to
// execute more than once with the same args.
package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/caliperml/caliper/common"
	"github.com/caliperml/caliper/domain"
	"github.com/caliperml/caliper/evaluation"
	"github.com/caliperml/caliper/notification"
	"github.com/caliperml/caliper/queue"
	"github.com/caliperml/caliper/repository"
	"github.com/caliperml/caliper/worker"
)

// BlobGetter is the part of the blob store handlers read artifacts through.
type BlobGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// WorkflowQueue is the part of the queue handlers depend on.
type WorkflowQueue interface {
	Enqueue(ctx context.Context, name string, args map[string]interface{}, priority, maxRetries int) (string, error)
	IsCancelRequested(ctx context.Context, id string) (bool, error)
}

// Handlers bundles the collaborators the workflow handlers run against.
type Handlers struct {
	useCases  repository.UseCases
	models    repository.Models
	activity  repository.ActivityLog
	blobs     BlobGetter
	validator evaluation.ConfigValidator
	checker   evaluation.QualityChecker
	evaluator evaluation.Evaluator
	notifier  notification.Notifier
	queue     WorkflowQueue
	logger    *logrus.Entry
}

// New wires the workflow handlers.
func New(useCases repository.UseCases, models repository.Models, activity repository.ActivityLog,
	blobs BlobGetter, validator evaluation.ConfigValidator, checker evaluation.QualityChecker,
	evaluator evaluation.Evaluator, notifier notification.Notifier, q WorkflowQueue, logger *logrus.Entry) *Handlers {
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}
	return &Handlers{
		useCases:  useCases,
		models:    models,
		activity:  activity,
		blobs:     blobs,
		validator: validator,
		checker:   checker,
		evaluator: evaluator,
		notifier:  notifier,
		queue:     q,
		logger:    logger.WithField("component", "tasks"),
	}
}

// Register binds all workflow handlers to their task names.
func (h *Handlers) Register(r *queue.Registry) {
	r.Register(queue.TaskValidateConfig, h.ValidateConfig)
	r.Register(queue.TaskRunQualityCheck, h.RunQualityCheck)
	r.Register(queue.TaskRunEvaluation, h.RunEvaluation)
	r.Register(queue.TaskSendNotification, h.SendNotification)
}

// ReconcilerRules maps resting aggregate states to the tasks that must
// exist for them. The reconciler re-creates these after a crash between
// save and enqueue; the use case EVALUATION_QUEUED rule also starts
// use-case level evaluations, which nothing else enqueues.
func ReconcilerRules() []worker.Rule {
	return []worker.Rule{
		{Kind: domain.KindUseCase, State: domain.StateConfigValidationRunning, TaskName: queue.TaskValidateConfig},
		{Kind: domain.KindUseCase, State: domain.StateQualityCheckRunning, TaskName: queue.TaskRunQualityCheck},
		{Kind: domain.KindUseCase, State: domain.StateEvaluationQueued, TaskName: queue.TaskRunEvaluation},
		{Kind: domain.KindModel, State: domain.StateQualityCheckPending, TaskName: queue.TaskRunQualityCheck},
		{Kind: domain.KindModel, State: domain.StateEvaluationQueued, TaskName: queue.TaskRunEvaluation},
	}
}

// argString extracts a string arg, tolerating absent optional keys.
func argString(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

// requireArg extracts a mandatory string arg.
func requireArg(args map[string]interface{}, key string) (string, error) {
	v := argString(args, key)
	if v == "" {
		return "", domain.Permanentf("task args missing %s", key)
	}
	return v, nil
}

// checkpoint aborts when a cancel was requested for the running task.
func (h *Handlers) checkpoint(ctx context.Context) error {
	taskID := queue.TaskIDFrom(ctx)
	if taskID == "" {
		return nil
	}
	cancelled, err := h.queue.IsCancelRequested(ctx, taskID)
	if err != nil {
		// A probe failure must not kill the task; the next checkpoint or
		// the queue report path handles it.
		return nil
	}
	if cancelled {
		return worker.ErrCancelRequested
	}
	return nil
}

// saveMachine applies fn to a freshly loaded machine and saves, reloading
// on StaleWrite. fn returning false skips the save.
func saveMachine(ctx context.Context, store interface {
	LoadMachine(ctx context.Context, id string) (*domain.StateMachine, error)
	SaveMachine(ctx context.Context, sm *domain.StateMachine) error
}, id string, fn func(*domain.StateMachine) (bool, error)) (*domain.StateMachine, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		sm, err := store.LoadMachine(ctx, id)
		if err != nil {
			return nil, err
		}
		ok, err := fn(sm)
		if err != nil {
			return nil, err
		}
		if !ok {
			return sm, nil
		}
		if err := store.SaveMachine(ctx, sm); err != nil {
			if errors.Is(err, domain.ErrStaleWrite) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return sm, nil
	}
	return nil, lastErr
}

// auditOnce writes an idempotent audit entry keyed by the running task and
// step name.
func (h *Handlers) auditOnce(ctx context.Context, useCaseID, activityType, description, step string, meta map[string]interface{}) {
	entry := domain.ActivityEntry{
		UseCaseID:    useCaseID,
		ActivityType: activityType,
		Description:  description,
		Metadata:     meta,
		DedupeKey:    fmt.Sprintf("%s:%s", queue.TaskIDFrom(ctx), step),
	}
	if err := h.activity.AppendOnce(ctx, entry); err != nil {
		h.logger.WithError(err).WithField("use_case", useCaseID).Warn("failed to append activity entry")
	}
}

// notifyLater enqueues a send_notification task. Best effort.
func (h *Handlers) notifyLater(ctx context.Context, useCaseID, kind string, payload map[string]interface{}) {
	args := map[string]interface{}{
		queue.ArgUseCaseID: useCaseID,
		"kind":             kind,
		"payload":          payload,
	}
	if _, err := h.queue.Enqueue(ctx, queue.TaskSendNotification, args, 0, -1); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"use_case": useCaseID, "kind": kind,
		}).Warn("failed to enqueue notification")
	}
}
