package tasks

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/caliperml/caliper/domain"
	"github.com/caliperml/caliper/queue"
)

// ValidateConfig checks an uploaded configuration and routes the use case
// to QUALITY_CHECK_RUNNING or CONFIG_INVALID.
func (h *Handlers) ValidateConfig(ctx context.Context, args map[string]interface{}) error {
	useCaseID, err := requireArg(args, queue.ArgUseCaseID)
	if err != nil {
		return err
	}
	if err := h.checkpoint(ctx); err != nil {
		return err
	}

	sm, err := h.useCases.LoadMachine(ctx, useCaseID)
	if err != nil {
		return err
	}
	// Already routed by an earlier run, or the use case moved on.
	if sm.Current() != domain.StateConfigValidationRunning {
		return nil
	}

	uc, err := h.useCases.Get(ctx, useCaseID)
	if err != nil {
		return err
	}

	var validationErr error
	if uc.ConfigFileKey == "" {
		validationErr = domain.Permanentf("use case %s has no config on file", useCaseID)
	} else {
		config, err := h.blobs.Get(ctx, uc.ConfigFileKey)
		if err != nil {
			if domain.IsRetryable(err) {
				return err
			}
			validationErr = err
		} else {
			validationErr = h.validator.Validate(ctx, config)
		}
	}

	if validationErr != nil && domain.IsRetryable(validationErr) {
		return validationErr
	}

	if validationErr != nil {
		_, err = saveMachine(ctx, h.useCases, useCaseID, func(sm *domain.StateMachine) (bool, error) {
			if sm.Current() != domain.StateConfigValidationRunning {
				return false, nil
			}
			meta := domain.SystemMeta("config validation failed")
			meta.ErrorMessage = validationErr.Error()
			return sm.TransitionTo(domain.StateConfigInvalid, meta, false)
		})
		if err != nil {
			return err
		}
		h.auditOnce(ctx, useCaseID, "config_invalid", validationErr.Error(), "validate_config", nil)
		h.notifyLater(ctx, useCaseID, "config_invalid", map[string]interface{}{
			"error": validationErr.Error(),
		})
		h.logger.WithField("use_case", useCaseID).WithError(validationErr).Info("config rejected")
		return nil
	}

	_, err = saveMachine(ctx, h.useCases, useCaseID, func(sm *domain.StateMachine) (bool, error) {
		if sm.Current() != domain.StateConfigValidationRunning {
			return false, nil
		}
		return sm.TransitionTo(domain.StateQualityCheckRunning, domain.SystemMeta("config validated"), false)
	})
	if err != nil {
		return err
	}

	if _, err := h.queue.Enqueue(ctx, queue.TaskRunQualityCheck, queue.AggregateArgs(useCaseID, ""), 0, -1); err != nil {
		h.logger.WithError(err).WithField("use_case", useCaseID).Error("failed to enqueue quality check, reconciler will recover")
	}
	h.auditOnce(ctx, useCaseID, "config_validated", "configuration accepted", "validate_config", nil)
	h.logger.WithField("use_case", useCaseID).Info("config validated")
	return nil
}

// RunQualityCheck runs the quality-rule collaborator against a dataset. For
// a model the outcome is QUALITY_CHECK_PASSED or QUALITY_CHECK_FAILED plus
// AWAITING_DATA_FIX; a use case without models or dataset skips straight
// through to EVALUATION_QUEUED.
func (h *Handlers) RunQualityCheck(ctx context.Context, args map[string]interface{}) error {
	useCaseID, err := requireArg(args, queue.ArgUseCaseID)
	if err != nil {
		return err
	}
	modelID := argString(args, queue.ArgModelID)
	if err := h.checkpoint(ctx); err != nil {
		return err
	}

	if modelID == "" {
		return h.useCaseQualityCheck(ctx, useCaseID)
	}
	return h.modelQualityCheck(ctx, useCaseID, modelID)
}

func (h *Handlers) modelQualityCheck(ctx context.Context, useCaseID, modelID string) error {
	sm, err := h.models.LoadMachine(ctx, modelID)
	if err != nil {
		return err
	}
	switch sm.Current() {
	case domain.StateQualityCheckPending:
		if _, err := saveMachine(ctx, h.models, modelID, func(sm *domain.StateMachine) (bool, error) {
			if sm.Current() != domain.StateQualityCheckPending {
				return false, nil
			}
			return sm.TransitionTo(domain.StateQualityCheckRunning, domain.SystemMeta("quality check started"), false)
		}); err != nil {
			return err
		}
	case domain.StateQualityCheckRunning:
		// A previous run claimed the check and died; finish it.
	default:
		return nil
	}

	m, err := h.models.Get(ctx, modelID)
	if err != nil {
		return err
	}
	fieldConfig, err := h.configFor(ctx, useCaseID)
	if err != nil {
		return err
	}

	var (
		issues   []domain.QualityIssue
		checkErr error
	)
	if m.DatasetFileKey == "" {
		checkErr = domain.Permanentf("model %s has no dataset on file", modelID)
	} else {
		dataset, err := h.blobs.Get(ctx, m.DatasetFileKey)
		if err != nil {
			if domain.IsRetryable(err) {
				return err
			}
			checkErr = err
		} else {
			issues, checkErr = h.checker.Run(ctx, dataset, fieldConfig)
		}
	}
	if checkErr != nil && domain.IsRetryable(checkErr) {
		return checkErr
	}

	if checkErr == nil {
		if err := h.models.AttachQualityIssues(ctx, modelID, issues); err != nil {
			return err
		}
	}

	count := len(issues)
	blocking := domain.CountBlocking(issues)
	passed := checkErr == nil && blocking == 0

	_, err = saveMachine(ctx, h.models, modelID, func(sm *domain.StateMachine) (bool, error) {
		if sm.Current() != domain.StateQualityCheckRunning {
			return false, nil
		}
		meta := domain.SystemMeta("quality check finished")
		meta.QualityIssuesCount = &count
		if checkErr != nil {
			meta.ErrorMessage = checkErr.Error()
		}
		if passed {
			return sm.TransitionTo(domain.StateQualityCheckPassed, meta, false)
		}
		if _, err := sm.TransitionTo(domain.StateQualityCheckFailed, meta, false); err != nil {
			return false, err
		}
		return sm.TransitionTo(domain.StateAwaitingDataFix, domain.SystemMeta("awaiting corrected dataset"), false)
	})
	if err != nil {
		return err
	}

	h.auditOnce(ctx, useCaseID, "quality_check_finished",
		fmt.Sprintf("model %s: %d issues, %d blocking", modelID, count, blocking),
		"quality_check", map[string]interface{}{
			"model_id": modelID,
			"issues":   count,
			"blocking": blocking,
			"passed":   passed,
		})

	if !passed {
		h.notifyLater(ctx, useCaseID, "quality_check_failed", map[string]interface{}{
			"model_id": modelID,
			"issues":   count,
			"blocking": blocking,
		})
	}
	h.logger.WithFields(logrus.Fields{
		"model": modelID, "issues": count, "blocking": blocking, "passed": passed,
	}).Info("quality check finished")
	return nil
}

func (h *Handlers) useCaseQualityCheck(ctx context.Context, useCaseID string) error {
	sm, err := h.useCases.LoadMachine(ctx, useCaseID)
	if err != nil {
		return err
	}
	if sm.Current() != domain.StateQualityCheckRunning {
		return nil
	}

	uc, err := h.useCases.Get(ctx, useCaseID)
	if err != nil {
		return err
	}

	var issues []domain.QualityIssue
	if uc.DatasetFileKey != "" {
		dataset, err := h.blobs.Get(ctx, uc.DatasetFileKey)
		if err != nil {
			return err
		}
		fieldConfig, err := h.configFor(ctx, useCaseID)
		if err != nil {
			return err
		}
		issues, err = h.checker.Run(ctx, dataset, fieldConfig)
		if err != nil {
			if domain.IsRetryable(err) {
				return err
			}
			issues = append(issues, domain.QualityIssue{
				IssueType: "check_error",
				Message:   err.Error(),
				Severity:  domain.SeverityError,
			})
		}
		if err := h.useCases.AttachQualityIssues(ctx, useCaseID, issues); err != nil {
			return err
		}
	}

	count := len(issues)
	blocking := domain.CountBlocking(issues)

	_, err = saveMachine(ctx, h.useCases, useCaseID, func(sm *domain.StateMachine) (bool, error) {
		if sm.Current() != domain.StateQualityCheckRunning {
			return false, nil
		}
		meta := domain.SystemMeta("quality check finished")
		meta.QualityIssuesCount = &count
		if blocking > 0 {
			if _, err := sm.TransitionTo(domain.StateQualityCheckFailed, meta, false); err != nil {
				return false, err
			}
			return sm.TransitionTo(domain.StateAwaitingDataFix, domain.SystemMeta("awaiting corrected dataset"), false)
		}
		if _, err := sm.TransitionTo(domain.StateQualityCheckPassed, meta, false); err != nil {
			return false, err
		}
		return sm.TransitionTo(domain.StateEvaluationQueued, domain.SystemMeta("ready for evaluation"), false)
	})
	if err != nil {
		return err
	}

	if blocking > 0 {
		h.notifyLater(ctx, useCaseID, "quality_check_failed", map[string]interface{}{
			"issues":   count,
			"blocking": blocking,
		})
	}
	h.auditOnce(ctx, useCaseID, "quality_check_finished",
		fmt.Sprintf("%d issues, %d blocking", count, blocking),
		"quality_check", map[string]interface{}{"issues": count, "blocking": blocking})
	h.logger.WithFields(logrus.Fields{
		"use_case": useCaseID, "issues": count, "blocking": blocking,
	}).Info("use case quality check finished")
	return nil
}

// RunEvaluation drives an aggregate from EVALUATION_QUEUED through
// EVALUATION_RUNNING to EVALUATION_COMPLETED or EVALUATION_FAILED. A rerun
// after a failure walks the retry edge back through EVALUATION_QUEUED.
func (h *Handlers) RunEvaluation(ctx context.Context, args map[string]interface{}) error {
	useCaseID, err := requireArg(args, queue.ArgUseCaseID)
	if err != nil {
		return err
	}
	modelID := argString(args, queue.ArgModelID)
	if err := h.checkpoint(ctx); err != nil {
		return err
	}

	if modelID == "" {
		return h.evaluate(ctx, h.useCases, useCaseID, useCaseID, "")
	}
	if err := h.claimOwnership(ctx, useCaseID, modelID); err != nil {
		return err
	}
	return h.evaluate(ctx, h.models, modelID, useCaseID, modelID)
}

func (h *Handlers) claimOwnership(ctx context.Context, useCaseID, modelID string) error {
	m, err := h.models.Get(ctx, modelID)
	if err != nil {
		return err
	}
	if m.UseCaseID != useCaseID {
		return domain.Permanentf("model %s does not belong to use case %s", modelID, useCaseID)
	}
	return nil
}

type evalStore interface {
	LoadMachine(ctx context.Context, id string) (*domain.StateMachine, error)
	SaveMachine(ctx context.Context, sm *domain.StateMachine) error
}

func (h *Handlers) evaluate(ctx context.Context, store evalStore, aggregateID, useCaseID, modelID string) error {
	sm, err := store.LoadMachine(ctx, aggregateID)
	if err != nil {
		return err
	}
	switch sm.Current() {
	case domain.StateEvaluationQueued, domain.StateEvaluationFailed:
		if _, err := saveMachine(ctx, store, aggregateID, func(sm *domain.StateMachine) (bool, error) {
			if sm.Current() == domain.StateEvaluationFailed {
				if _, err := sm.TransitionTo(domain.StateEvaluationQueued, domain.SystemMeta("evaluation retry"), false); err != nil {
					return false, err
				}
			}
			if sm.Current() != domain.StateEvaluationQueued {
				return false, nil
			}
			return sm.TransitionTo(domain.StateEvaluationRunning, domain.SystemMeta("evaluation started"), false)
		}); err != nil {
			return err
		}
	case domain.StateEvaluationRunning:
		// A previous run claimed the evaluation and died; finish it.
	default:
		return nil
	}

	if err := h.checkpoint(ctx); err != nil {
		return err
	}

	input, config, err := h.evaluationInputs(ctx, useCaseID, modelID)
	if err != nil {
		if domain.IsRetryable(err) {
			return err
		}
		return h.failEvaluation(ctx, store, aggregateID, useCaseID, modelID, err)
	}

	summary, evalErr := h.evaluator.Evaluate(ctx, input, config)
	if evalErr != nil {
		if failErr := h.failEvaluation(ctx, store, aggregateID, useCaseID, modelID, evalErr); failErr != nil {
			return failErr
		}
		if domain.IsRetryable(evalErr) {
			// The aggregate records the failure; the task retry walks the
			// EVALUATION_FAILED -> EVALUATION_QUEUED edge on the next run.
			return evalErr
		}
		return nil
	}

	_, err = saveMachine(ctx, store, aggregateID, func(sm *domain.StateMachine) (bool, error) {
		if sm.Current() != domain.StateEvaluationRunning {
			return false, nil
		}
		meta := domain.SystemMeta("evaluation completed")
		meta.Additional = map[string]interface{}{"metrics": map[string]interface{}(summary)}
		return sm.TransitionTo(domain.StateEvaluationCompleted, meta, false)
	})
	if err != nil {
		return err
	}

	if modelID == "" {
		if err := h.useCases.AttachEvaluationResults(ctx, useCaseID, summary); err != nil {
			return err
		}
	}

	h.auditOnce(ctx, useCaseID, "evaluation_completed",
		fmt.Sprintf("evaluation of %s finished", aggregateID),
		"evaluation", map[string]interface{}{"model_id": modelID})
	h.notifyLater(ctx, useCaseID, "evaluation_completed", map[string]interface{}{
		"model_id": modelID,
	})
	h.logger.WithFields(logrus.Fields{"use_case": useCaseID, "model": modelID}).Info("evaluation completed")
	return nil
}

// evaluationInputs loads the bytes the evaluator consumes: the model's
// predictions, or the use case's golden dataset, plus the field config.
func (h *Handlers) evaluationInputs(ctx context.Context, useCaseID, modelID string) (input, config []byte, err error) {
	config, err = h.configFor(ctx, useCaseID)
	if err != nil {
		return nil, nil, err
	}

	if modelID == "" {
		uc, err := h.useCases.Get(ctx, useCaseID)
		if err != nil {
			return nil, nil, err
		}
		if uc.DatasetFileKey == "" {
			return nil, config, nil
		}
		input, err = h.blobs.Get(ctx, uc.DatasetFileKey)
		return input, config, err
	}

	m, err := h.models.Get(ctx, modelID)
	if err != nil {
		return nil, nil, err
	}
	if m.PredictionsFileKey == "" {
		return nil, nil, domain.Permanentf("model %s has no predictions on file", modelID)
	}
	input, err = h.blobs.Get(ctx, m.PredictionsFileKey)
	return input, config, err
}

func (h *Handlers) configFor(ctx context.Context, useCaseID string) ([]byte, error) {
	uc, err := h.useCases.Get(ctx, useCaseID)
	if err != nil {
		return nil, err
	}
	if uc.ConfigFileKey == "" {
		return nil, nil
	}
	return h.blobs.Get(ctx, uc.ConfigFileKey)
}

func (h *Handlers) failEvaluation(ctx context.Context, store evalStore, aggregateID, useCaseID, modelID string, cause error) error {
	_, err := saveMachine(ctx, store, aggregateID, func(sm *domain.StateMachine) (bool, error) {
		if sm.Current() != domain.StateEvaluationRunning {
			return false, nil
		}
		meta := domain.SystemMeta("evaluation failed")
		meta.ErrorMessage = cause.Error()
		return sm.TransitionTo(domain.StateEvaluationFailed, meta, false)
	})
	if err != nil {
		return err
	}
	h.auditOnce(ctx, useCaseID, "evaluation_failed", cause.Error(),
		"evaluation_failed", map[string]interface{}{"model_id": modelID})
	if !domain.IsRetryable(cause) {
		h.notifyLater(ctx, useCaseID, "evaluation_failed", map[string]interface{}{
			"model_id": modelID,
			"error":    cause.Error(),
		})
	}
	h.logger.WithFields(logrus.Fields{"use_case": useCaseID, "model": modelID}).WithError(cause).Warn("evaluation failed")
	return nil
}
