// Package repository is the single bridge between PostgreSQL and the
// in-memory state machines. It reconstructs machines with their full
// history, persists mutated machines atomically under optimistic
// concurrency, and answers the state queries the engine needs. SQL never
// leaks out of this package.
package repository

import (
	"context"

	"github.com/caliperml/caliper/domain"
)

// UseCaseFilter narrows ListUseCases.
type UseCaseFilter struct {
	State  domain.State // empty = all states
	Limit  int          // 0 = default (100)
	Offset int
}

// UseCases persists use case aggregates and their state machines.
type UseCases interface {
	Create(ctx context.Context, uc *domain.UseCase) error
	Get(ctx context.Context, id string) (*domain.UseCase, error)
	List(ctx context.Context, filter UseCaseFilter) ([]domain.UseCase, error)
	Delete(ctx context.Context, id string) error

	// SetConfigFileKey records the storage key of the latest config upload.
	SetConfigFileKey(ctx context.Context, id, key string) error
	// SetDatasetFileKey records the storage key of the golden dataset.
	SetDatasetFileKey(ctx context.Context, id, key string) error
	// AttachQualityIssues replaces the stored issue list.
	AttachQualityIssues(ctx context.Context, id string, issues []domain.QualityIssue) error
	// AttachEvaluationResults replaces the stored evaluation results.
	AttachEvaluationResults(ctx context.Context, id string, results map[string]interface{}) error

	// LoadMachine reconstructs the use case state machine with its full
	// history. Returns domain.ErrNotFound for a missing aggregate and
	// domain.ErrCorruption when the history tail disagrees with the row.
	LoadMachine(ctx context.Context, id string) (*domain.StateMachine, error)
	// SaveMachine persists the machine's current state and any new history
	// entries in one transaction. Returns domain.ErrStaleWrite when the
	// aggregate changed since load.
	SaveMachine(ctx context.Context, sm *domain.StateMachine) error
}

// Models persists model evaluation aggregates and their state machines.
type Models interface {
	Create(ctx context.Context, m *domain.ModelEvaluation) error
	Get(ctx context.Context, id string) (*domain.ModelEvaluation, error)
	ListByUseCase(ctx context.Context, useCaseID string) ([]domain.ModelEvaluation, error)
	Delete(ctx context.Context, id string) error

	SetDatasetFileKey(ctx context.Context, id, key string) error
	SetPredictionsFileKey(ctx context.Context, id, key string) error
	AttachQualityIssues(ctx context.Context, id string, issues []domain.QualityIssue) error

	// FindByState returns ids of a use case's models in a given state.
	FindByState(ctx context.Context, useCaseID string, state domain.State) ([]string, error)
	// StateSummary counts a use case's models per state.
	StateSummary(ctx context.Context, useCaseID string) (map[domain.State]int, error)
	// NeedingAction groups model ids by the states that require outside
	// intervention: AWAITING_DATA_FIX, QUALITY_CHECK_FAILED,
	// EVALUATION_FAILED.
	NeedingAction(ctx context.Context, useCaseID string) (map[domain.State][]string, error)

	LoadMachine(ctx context.Context, id string) (*domain.StateMachine, error)
	SaveMachine(ctx context.Context, sm *domain.StateMachine) error
}

// ActivityLog persists audit entries that do not move an aggregate.
type ActivityLog interface {
	Append(ctx context.Context, entry domain.ActivityEntry) error
	AppendOnce(ctx context.Context, entry domain.ActivityEntry) error
	ForUseCase(ctx context.Context, useCaseID string, limit int) ([]domain.ActivityEntry, error)
}
