// Package engine exposes the core operations of the Caliper orchestration
// backend. The Service drives aggregate lifecycles through the repository;
// the Uploader binds incoming artifacts to state transitions. Both are
// transport-agnostic; HTTP and CLI adapters call into them.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/caliperml/caliper/common"
	"github.com/caliperml/caliper/domain"
	"github.com/caliperml/caliper/repository"
)

// TaskEnqueuer is the part of the queue the engine depends on.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, name string, args map[string]interface{}, priority, maxRetries int) (string, error)
}

// staleRetries bounds the reload-and-retry loop on optimistic concurrency
// conflicts.
const staleRetries = 3

// Service implements the aggregate-level operations of the engine.
type Service struct {
	useCases repository.UseCases
	models   repository.Models
	activity repository.ActivityLog
	tasks    TaskEnqueuer
	logger   *logrus.Entry
}

// NewService wires the engine facade.
func NewService(useCases repository.UseCases, models repository.Models, activity repository.ActivityLog, tasks TaskEnqueuer, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}
	return &Service{
		useCases: useCases,
		models:   models,
		activity: activity,
		tasks:    tasks,
		logger:   logger.WithField("component", "engine"),
	}
}

// CreateUseCase registers a new use case in TEMPLATE_GENERATION.
func (s *Service) CreateUseCase(ctx context.Context, name, teamEmail string) (*domain.UseCase, error) {
	uc := &domain.UseCase{
		ID:        uuid.NewString(),
		Name:      name,
		TeamEmail: teamEmail,
	}
	if err := s.useCases.Create(ctx, uc); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"use_case": uc.ID, "name": name}).Info("use case created")
	return uc, nil
}

// GetUseCase fetches one use case.
func (s *Service) GetUseCase(ctx context.Context, id string) (*domain.UseCase, error) {
	return s.useCases.Get(ctx, id)
}

// ListUseCases returns use cases matching the filter.
func (s *Service) ListUseCases(ctx context.Context, filter repository.UseCaseFilter) ([]domain.UseCase, error) {
	return s.useCases.List(ctx, filter)
}

// CreateModelEvaluation registers a candidate model under a use case.
func (s *Service) CreateModelEvaluation(ctx context.Context, useCaseID, modelName, modelVersion string) (*domain.ModelEvaluation, error) {
	m := &domain.ModelEvaluation{
		ID:           uuid.NewString(),
		UseCaseID:    useCaseID,
		ModelName:    modelName,
		ModelVersion: modelVersion,
	}
	if err := s.models.Create(ctx, m); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"use_case": useCaseID, "model": m.ID, "name": modelName}).Info("model evaluation registered")
	return m, nil
}

// GetModelEvaluation fetches one model evaluation.
func (s *Service) GetModelEvaluation(ctx context.Context, id string) (*domain.ModelEvaluation, error) {
	return s.models.Get(ctx, id)
}

// ListModelEvaluations returns a use case's models, oldest first.
func (s *Service) ListModelEvaluations(ctx context.Context, useCaseID string) ([]domain.ModelEvaluation, error) {
	return s.models.ListByUseCase(ctx, useCaseID)
}

// machineStore is the load/save subset both repositories share.
type machineStore interface {
	LoadMachine(ctx context.Context, id string) (*domain.StateMachine, error)
	SaveMachine(ctx context.Context, sm *domain.StateMachine) error
}

func (s *Service) storeFor(kind domain.AggregateKind) (machineStore, error) {
	switch kind {
	case domain.KindUseCase:
		return s.useCases, nil
	case domain.KindModel:
		return s.models, nil
	default:
		return nil, domain.Validationf("unknown aggregate kind %q", kind)
	}
}

// transition loads the aggregate's machine, applies fn and saves, reloading
// on StaleWrite up to staleRetries times. fn returns false to stop without
// saving.
func (s *Service) transition(ctx context.Context, store machineStore, id string, fn func(*domain.StateMachine) (bool, error)) (*domain.StateMachine, error) {
	var lastErr error
	for attempt := 0; attempt < staleRetries; attempt++ {
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

// Advance performs an operator transition on an aggregate, e.g. moving a
// use case from TEMPLATE_SENT to AWAITING_CONFIG once delivery is confirmed.
func (s *Service) Advance(ctx context.Context, kind domain.AggregateKind, id string, to domain.State, triggeredBy, reason string) (*domain.StateMachine, error) {
	store, err := s.storeFor(kind)
	if err != nil {
		return nil, err
	}
	meta := &domain.TransitionMeta{TriggeredBy: triggeredBy, Reason: reason}
	sm, err := s.transition(ctx, store, id, func(sm *domain.StateMachine) (bool, error) {
		return sm.TransitionTo(to, meta, false)
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"kind": kind, "aggregate": id, "state": sm.Current(), "by": triggeredBy,
	}).Info("aggregate advanced")
	return sm, nil
}

// CancelUseCase cancels a use case and all of its non-terminal models.
func (s *Service) CancelUseCase(ctx context.Context, id, triggeredBy, reason string) (domain.State, error) {
	sm, err := s.transition(ctx, s.useCases, id, func(sm *domain.StateMachine) (bool, error) {
		if sm.IsTerminal() {
			return false, fmt.Errorf("%w: use case %s is already %s", domain.ErrInvalidTransition, id, sm.Current())
		}
		return sm.TransitionTo(domain.StateCancelled, &domain.TransitionMeta{TriggeredBy: triggeredBy, Reason: reason}, false)
	})
	if err != nil {
		return "", err
	}

	models, err := s.models.ListByUseCase(ctx, id)
	if err != nil {
		return "", err
	}
	for _, m := range models {
		if domain.ModelDefinition.Terminal(m.CurrentState) {
			continue
		}
		if _, err := s.CancelModel(ctx, m.ID, triggeredBy, "use case cancelled"); err != nil {
			return "", err
		}
	}

	s.logger.WithFields(logrus.Fields{"use_case": id, "by": triggeredBy}).Info("use case cancelled")
	return sm.Current(), nil
}

// CancelModel cancels one model evaluation.
func (s *Service) CancelModel(ctx context.Context, id, triggeredBy, reason string) (domain.State, error) {
	sm, err := s.transition(ctx, s.models, id, func(sm *domain.StateMachine) (bool, error) {
		if sm.IsTerminal() {
			return false, fmt.Errorf("%w: model %s is already %s", domain.ErrInvalidTransition, id, sm.Current())
		}
		return sm.TransitionTo(domain.StateCancelled, &domain.TransitionMeta{TriggeredBy: triggeredBy, Reason: reason}, false)
	})
	if err != nil {
		return "", err
	}
	s.logger.WithFields(logrus.Fields{"model": id, "by": triggeredBy}).Info("model evaluation cancelled")
	return sm.Current(), nil
}

// GetStateMachine returns the serialized machine of an aggregate.
func (s *Service) GetStateMachine(ctx context.Context, kind domain.AggregateKind, id string) (map[string]interface{}, error) {
	store, err := s.storeFor(kind)
	if err != nil {
		return nil, err
	}
	sm, err := store.LoadMachine(ctx, id)
	if err != nil {
		return nil, err
	}
	return sm.Snapshot(), nil
}

// StateSummary counts a use case's models per state.
func (s *Service) StateSummary(ctx context.Context, useCaseID string) (map[domain.State]int, error) {
	if _, err := s.useCases.Get(ctx, useCaseID); err != nil {
		return nil, err
	}
	return s.models.StateSummary(ctx, useCaseID)
}

// NeedingAction groups a use case's model ids by states that require a
// human.
func (s *Service) NeedingAction(ctx context.Context, useCaseID string) (map[domain.State][]string, error) {
	if _, err := s.useCases.Get(ctx, useCaseID); err != nil {
		return nil, err
	}
	return s.models.NeedingAction(ctx, useCaseID)
}

// ActivityLog returns a use case's recent audit entries, newest first.
func (s *Service) ActivityLog(ctx context.Context, useCaseID string, limit int) ([]domain.ActivityEntry, error) {
	return s.activity.ForUseCase(ctx, useCaseID, limit)
}

// EnqueueTask exposes the queue to adapters. Unregistered names are
// rejected by the queue itself.
func (s *Service) EnqueueTask(ctx context.Context, name string, args map[string]interface{}, priority int) (string, error) {
	return s.tasks.Enqueue(ctx, name, args, priority, -1)
}
