package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caliperml/caliper/domain"
	"github.com/caliperml/caliper/queue"
	"github.com/caliperml/caliper/repository"
)

type fakeUseCaseScanner struct {
	byState map[domain.State][]string
}

func (f *fakeUseCaseScanner) IDsInState(ctx context.Context, state domain.State) ([]string, error) {
	return f.byState[state], nil
}

type fakeModelScanner struct {
	byState map[domain.State][]repository.ModelRef
}

func (f *fakeModelScanner) AllInState(ctx context.Context, state domain.State) ([]repository.ModelRef, error) {
	return f.byState[state], nil
}

type enqueued struct {
	name string
	args map[string]interface{}
}

type fakeReconcilerQueue struct {
	live     map[string]bool
	enqueues []enqueued
}

func liveKey(name string, args map[string]interface{}) string {
	uc, _ := args[queue.ArgUseCaseID].(string)
	model, _ := args[queue.ArgModelID].(string)
	return name + "/" + uc + "/" + model
}

func (f *fakeReconcilerQueue) HasLiveTask(ctx context.Context, name string, argsSubset map[string]interface{}) (bool, error) {
	return f.live[liveKey(name, argsSubset)], nil
}

func (f *fakeReconcilerQueue) Enqueue(ctx context.Context, name string, args map[string]interface{}, priority, maxRetries int) (string, error) {
	f.enqueues = append(f.enqueues, enqueued{name: name, args: args})
	return "task-id", nil
}

func TestReconcilerEnqueuesForOrphanedStates(t *testing.T) {
	useCases := &fakeUseCaseScanner{byState: map[domain.State][]string{
		domain.StateConfigValidationRunning: {"uc-1"},
	}}
	models := &fakeModelScanner{byState: map[domain.State][]repository.ModelRef{
		domain.StateQualityCheckPending: {{ID: "m-1", UseCaseID: "uc-1"}},
	}}
	q := &fakeReconcilerQueue{live: map[string]bool{}}

	rules := []Rule{
		{Kind: domain.KindUseCase, State: domain.StateConfigValidationRunning, TaskName: queue.TaskValidateConfig},
		{Kind: domain.KindModel, State: domain.StateQualityCheckPending, TaskName: queue.TaskRunQualityCheck},
	}

	n, err := NewReconciler(useCases, models, q, rules, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, q.enqueues, 2)

	assert.Equal(t, queue.TaskValidateConfig, q.enqueues[0].name)
	assert.Equal(t, "uc-1", q.enqueues[0].args[queue.ArgUseCaseID])
	assert.Equal(t, "", q.enqueues[0].args[queue.ArgModelID])

	assert.Equal(t, queue.TaskRunQualityCheck, q.enqueues[1].name)
	assert.Equal(t, "m-1", q.enqueues[1].args[queue.ArgModelID])
}

func TestReconcilerSkipsAggregatesWithLiveTasks(t *testing.T) {
	useCases := &fakeUseCaseScanner{byState: map[domain.State][]string{
		domain.StateEvaluationQueued: {"uc-1", "uc-2"},
	}}
	q := &fakeReconcilerQueue{live: map[string]bool{
		liveKey(queue.TaskRunEvaluation, queue.AggregateArgs("uc-1", "")): true,
	}}

	rules := []Rule{
		{Kind: domain.KindUseCase, State: domain.StateEvaluationQueued, TaskName: queue.TaskRunEvaluation},
	}

	n, err := NewReconciler(useCases, &fakeModelScanner{}, q, rules, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, q.enqueues, 1)
	assert.Equal(t, "uc-2", q.enqueues[0].args[queue.ArgUseCaseID])
}

func TestReconcilerDistinguishesScopesByModelID(t *testing.T) {
	// A live model-level run_evaluation must not suppress the use-case level
	// task for the same use case.
	useCases := &fakeUseCaseScanner{byState: map[domain.State][]string{
		domain.StateEvaluationQueued: {"uc-1"},
	}}
	q := &fakeReconcilerQueue{live: map[string]bool{
		liveKey(queue.TaskRunEvaluation, queue.AggregateArgs("uc-1", "m-1")): true,
	}}

	rules := []Rule{
		{Kind: domain.KindUseCase, State: domain.StateEvaluationQueued, TaskName: queue.TaskRunEvaluation},
	}

	n, err := NewReconciler(useCases, &fakeModelScanner{}, q, rules, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconcilerNoWorkIsQuiet(t *testing.T) {
	q := &fakeReconcilerQueue{live: map[string]bool{}}
	rules := []Rule{
		{Kind: domain.KindUseCase, State: domain.StateEvaluationQueued, TaskName: queue.TaskRunEvaluation},
	}
	n, err := NewReconciler(&fakeUseCaseScanner{}, &fakeModelScanner{}, q, rules, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, q.enqueues)
}
