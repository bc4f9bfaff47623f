package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caliperml/caliper/domain"
	"github.com/caliperml/caliper/repository"
)

type serviceFixture struct {
	useCases *fakeUseCases
	models   *fakeModels
	activity *fakeActivity
	enqueuer *fakeEnqueuer
	service  *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		useCases: newFakeUseCases(),
		models:   newFakeModels(),
		activity: newFakeActivity(),
		enqueuer: &fakeEnqueuer{},
	}
	f.service = NewService(f.useCases, f.models, f.activity, f.enqueuer, nil)
	return f
}

func (f *serviceFixture) createUseCase(t *testing.T) *domain.UseCase {
	t.Helper()
	uc, err := f.service.CreateUseCase(context.Background(), "fraud-scoring", "team@example.com")
	require.NoError(t, err)
	return uc
}

func (f *serviceFixture) createModel(t *testing.T, useCaseID string) *domain.ModelEvaluation {
	t.Helper()
	m, err := f.service.CreateModelEvaluation(context.Background(), useCaseID, "candidate-a", "1.0")
	require.NoError(t, err)
	return m
}

func TestCreateUseCaseStartsAtTemplateGeneration(t *testing.T) {
	f := newServiceFixture(t)
	uc := f.createUseCase(t)

	assert.NotEmpty(t, uc.ID)
	assert.Equal(t, domain.StateTemplateGeneration, uc.State)

	snapshot, err := f.service.GetStateMachine(context.Background(), domain.KindUseCase, uc.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StateTemplateGeneration), snapshot["current_state"])
	assert.Len(t, snapshot["history"], 1)
}

func TestCreateUseCaseRejectsBadInput(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.CreateUseCase(context.Background(), "", "team@example.com")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.service.CreateUseCase(context.Background(), "x", "not an email")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAdvanceUseCase(t *testing.T) {
	f := newServiceFixture(t)
	uc := f.createUseCase(t)

	sm, err := f.service.Advance(context.Background(), domain.KindUseCase, uc.ID, domain.StateTemplateSent, "operator", "template rendered")
	require.NoError(t, err)
	assert.Equal(t, domain.StateTemplateSent, sm.Current())

	got, err := f.service.GetUseCase(context.Background(), uc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTemplateSent, got.State)

	history := sm.History()
	require.Len(t, history, 2)
	assert.Equal(t, "operator", history[1].Meta.TriggeredBy)
	assert.Equal(t, "template rendered", history[1].Meta.Reason)
}

func TestAdvanceRejectsIllegalEdge(t *testing.T) {
	f := newServiceFixture(t)
	uc := f.createUseCase(t)

	_, err := f.service.Advance(context.Background(), domain.KindUseCase, uc.ID, domain.StateEvaluationRunning, "operator", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// The failed attempt must leave no trace.
	snapshot, err := f.service.GetStateMachine(context.Background(), domain.KindUseCase, uc.ID)
	require.NoError(t, err)
	assert.Len(t, snapshot["history"], 1)
}

func TestAdvanceUnknownAggregate(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.Advance(context.Background(), domain.KindUseCase, "missing", domain.StateTemplateSent, "op", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.service.Advance(context.Background(), "spaceship", "id", domain.StateTemplateSent, "op", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAdvanceRetriesOnStaleWrite(t *testing.T) {
	f := newServiceFixture(t)
	uc := f.createUseCase(t)

	// A concurrent writer bumps the version exactly once, between load and
	// save of the first attempt.
	interfered := false
	f.useCases.saveHook = func(id string) {
		if !interfered {
			interfered = true
			f.useCases.mu.Lock()
			f.useCases.machines[id].version++
			f.useCases.mu.Unlock()
		}
	}

	sm, err := f.service.Advance(context.Background(), domain.KindUseCase, uc.ID, domain.StateTemplateSent, "operator", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StateTemplateSent, sm.Current())
	assert.True(t, interfered)
}

func TestCancelUseCaseCascadesToModels(t *testing.T) {
	f := newServiceFixture(t)
	uc := f.createUseCase(t)
	active := f.createModel(t, uc.ID)
	done := f.createModel(t, uc.ID)
	f.models.forceState(done.ID, domain.StateCancelled)

	state, err := f.service.CancelUseCase(context.Background(), uc.ID, "operator", "campaign dropped")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, state)

	gotActive, err := f.service.GetModelEvaluation(context.Background(), active.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, gotActive.CurrentState)

	// The already-terminal model keeps its single history entry.
	snapshot, err := f.service.GetStateMachine(context.Background(), domain.KindModel, done.ID)
	require.NoError(t, err)
	assert.Len(t, snapshot["history"], 2)
}

func TestCancelIsRejectedOnTerminalAggregates(t *testing.T) {
	f := newServiceFixture(t)
	uc := f.createUseCase(t)
	f.useCases.forceState(uc.ID, domain.StateCancelled)

	_, err := f.service.CancelUseCase(context.Background(), uc.ID, "operator", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelModel(t *testing.T) {
	f := newServiceFixture(t)
	uc := f.createUseCase(t)
	m := f.createModel(t, uc.ID)

	state, err := f.service.CancelModel(context.Background(), m.ID, "operator", "wrong model")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, state)

	_, err = f.service.CancelModel(context.Background(), m.ID, "operator", "again")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStateSummaryAndNeedingAction(t *testing.T) {
	f := newServiceFixture(t)
	uc := f.createUseCase(t)
	m1 := f.createModel(t, uc.ID)
	m2 := f.createModel(t, uc.ID)
	f.createModel(t, uc.ID)

	f.models.forceState(m1.ID, domain.StateAwaitingDataFix)
	f.models.forceState(m2.ID, domain.StateEvaluationFailed)

	summary, err := f.service.StateSummary(context.Background(), uc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary[domain.StateRegistered])
	assert.Equal(t, 1, summary[domain.StateAwaitingDataFix])
	assert.Equal(t, 1, summary[domain.StateEvaluationFailed])

	needing, err := f.service.NeedingAction(context.Background(), uc.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{m1.ID}, needing[domain.StateAwaitingDataFix])
	assert.Equal(t, []string{m2.ID}, needing[domain.StateEvaluationFailed])

	_, err = f.service.StateSummary(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListUseCasesFiltersByState(t *testing.T) {
	f := newServiceFixture(t)
	a := f.createUseCase(t)
	f.createUseCase(t)
	f.useCases.forceState(a.ID, domain.StateAwaitingConfig)

	list, err := f.service.ListUseCases(context.Background(), repository.UseCaseFilter{State: domain.StateAwaitingConfig})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
}

func TestModelStateMachineSnapshot(t *testing.T) {
	f := newServiceFixture(t)
	uc := f.createUseCase(t)
	m := f.createModel(t, uc.ID)

	snapshot, err := f.service.GetStateMachine(context.Background(), domain.KindModel, m.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.KindModel), snapshot["kind"])
	assert.Equal(t, string(domain.StateRegistered), snapshot["current_state"])
}
