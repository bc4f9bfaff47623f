package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caliperml/caliper/common"
	"github.com/caliperml/caliper/domain"
	"github.com/caliperml/caliper/queue"
	"github.com/caliperml/caliper/repository"
)

// UseCaseScanner finds use cases resting in a given state.
type UseCaseScanner interface {
	IDsInState(ctx context.Context, state domain.State) ([]string, error)
}

// ModelScanner finds model evaluations resting in a given state.
type ModelScanner interface {
	AllInState(ctx context.Context, state domain.State) ([]repository.ModelRef, error)
}

// ReconcilerQueue is the part of the queue the reconciler depends on.
type ReconcilerQueue interface {
	HasLiveTask(ctx context.Context, name string, argsSubset map[string]interface{}) (bool, error)
	Enqueue(ctx context.Context, name string, args map[string]interface{}, priority, maxRetries int) (string, error)
}

// Rule maps a resting aggregate state to the task that must exist for it.
type Rule struct {
	Kind     domain.AggregateKind
	State    domain.State
	TaskName string
}

// Reconciler re-enqueues tasks implied by persisted non-terminal states.
// A crash between SaveStateMachine and Enqueue leaves an aggregate parked in
// a state that promises follow-up work with no task to deliver it; the
// reconciler closes that gap at startup and, optionally, periodically.
type Reconciler struct {
	useCases UseCaseScanner
	models   ModelScanner
	queue    ReconcilerQueue
	rules    []Rule
	logger   *logrus.Entry
}

// NewReconciler creates a reconciler over the given rules.
func NewReconciler(useCases UseCaseScanner, models ModelScanner, q ReconcilerQueue, rules []Rule, logger *logrus.Entry) *Reconciler {
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}
	return &Reconciler{
		useCases: useCases,
		models:   models,
		queue:    q,
		rules:    rules,
		logger:   logger.WithField("component", "reconciler"),
	}
}

// Run performs one reconciliation pass and returns the number of tasks
// re-enqueued. Enqueue uses the queue's default retry budget.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	enqueued := 0
	for _, rule := range r.rules {
		n, err := r.apply(ctx, rule)
		if err != nil {
			return enqueued, err
		}
		enqueued += n
	}
	if enqueued > 0 {
		r.logger.WithField("enqueued", enqueued).Info("reconciled orphaned aggregate states")
	}
	return enqueued, nil
}

func (r *Reconciler) apply(ctx context.Context, rule Rule) (int, error) {
	var args []map[string]interface{}
	switch rule.Kind {
	case domain.KindUseCase:
		ids, err := r.useCases.IDsInState(ctx, rule.State)
		if err != nil {
			return 0, fmt.Errorf("failed to scan use cases in %s: %w", rule.State, err)
		}
		for _, id := range ids {
			args = append(args, queue.AggregateArgs(id, ""))
		}
	case domain.KindModel:
		refs, err := r.models.AllInState(ctx, rule.State)
		if err != nil {
			return 0, fmt.Errorf("failed to scan models in %s: %w", rule.State, err)
		}
		for _, ref := range refs {
			args = append(args, queue.AggregateArgs(ref.UseCaseID, ref.ID))
		}
	default:
		return 0, fmt.Errorf("unknown aggregate kind %q", rule.Kind)
	}

	enqueued := 0
	for _, taskArgs := range args {
		live, err := r.queue.HasLiveTask(ctx, rule.TaskName, taskArgs)
		if err != nil {
			return enqueued, err
		}
		if live {
			continue
		}
		id, err := r.queue.Enqueue(ctx, rule.TaskName, taskArgs, 0, -1)
		if err != nil {
			return enqueued, err
		}
		enqueued++
		r.logger.WithFields(logrus.Fields{
			"task":  rule.TaskName,
			"id":    id,
			"state": rule.State,
		}).Info("re-enqueued task for orphaned state")
	}
	return enqueued, nil
}

// RunPeriodically repeats reconciliation passes until the context ends.
// Pass errors are logged, not fatal; a transient DB hiccup should not stop
// future passes.
func (r *Reconciler) RunPeriodically(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				r.logger.WithError(err).Error("reconciliation pass failed")
			}
		}
	}
}
