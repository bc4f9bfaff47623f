package engine

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/caliperml/caliper/common"
	"github.com/caliperml/caliper/domain"
	"github.com/caliperml/caliper/queue"
	"github.com/caliperml/caliper/repository"
	"github.com/caliperml/caliper/storage"
)

// BlobPutter is the part of the blob store the uploader depends on.
type BlobPutter interface {
	Put(ctx context.Context, key string, data []byte) error
}

// UploadResult reports the outcome of an accepted upload.
type UploadResult struct {
	Status        string       `json:"status"` // "accepted" or "updated"
	TaskID        string       `json:"task_id,omitempty"`
	PreviousState domain.State `json:"previous_state"`
	NewState      domain.State `json:"new_state"`
	FileKey       string       `json:"file_key"`
}

// UploadRequirement describes one upload the engine expects next.
type UploadRequirement struct {
	Kind        string `json:"kind"` // "config", "dataset", "predictions"
	ModelID     string `json:"model_id,omitempty"`
	Endpoint    string `json:"endpoint"`
	Description string `json:"description"`
}

// Uploader binds incoming artifacts to state transitions. Every upload
// follows the same shape: check state, sanity-check bytes, store the blob at
// its deterministic key, record the key, transition, save, then enqueue the
// follow-up task and append an audit entry.
type Uploader struct {
	useCases repository.UseCases
	models   repository.Models
	activity repository.ActivityLog
	tasks    TaskEnqueuer
	blobs    BlobPutter
	logger   *logrus.Entry

	// RequiredDatasetColumns are header names every dataset upload must
	// carry. Empty means any non-empty header passes.
	RequiredDatasetColumns []string
	// RequiredPredictionColumns are header names every predictions upload
	// must carry.
	RequiredPredictionColumns []string
}

// NewUploader wires the upload orchestrator.
func NewUploader(useCases repository.UseCases, models repository.Models, activity repository.ActivityLog, tasks TaskEnqueuer, blobs BlobPutter, logger *logrus.Entry) *Uploader {
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}
	return &Uploader{
		useCases: useCases,
		models:   models,
		activity: activity,
		tasks:    tasks,
		blobs:    blobs,
		logger:   logger.WithField("component", "uploader"),
	}
}

// UploadConfig accepts a configuration upload for a use case in
// AWAITING_CONFIG. The use case moves to CONFIG_RECEIVED, then automatically
// to CONFIG_VALIDATION_RUNNING, and a validate_config task is enqueued.
func (u *Uploader) UploadConfig(ctx context.Context, useCaseID string, data []byte, filename, user string) (*UploadResult, error) {
	sm, err := u.useCases.LoadMachine(ctx, useCaseID)
	if err != nil {
		return nil, err
	}
	previous := sm.Current()
	if previous != domain.StateAwaitingConfig {
		return nil, fmt.Errorf("%w: use case %s is %s, config uploads are accepted in %s",
			domain.ErrInvalidStateForUpload, useCaseID, previous, domain.StateAwaitingConfig)
	}
	if !json.Valid(data) {
		return nil, domain.Validationf("config %s is not valid JSON", filename)
	}

	key := storage.ConfigKey(useCaseID)
	if err := u.blobs.Put(ctx, key, data); err != nil {
		return nil, err
	}
	if err := u.useCases.SetConfigFileKey(ctx, useCaseID, key); err != nil {
		return nil, err
	}

	sm, err = u.saveTransitions(ctx, u.useCases, useCaseID, func(sm *domain.StateMachine) error {
		if sm.Current() != domain.StateAwaitingConfig {
			return fmt.Errorf("%w: use case %s moved to %s during upload",
				domain.ErrInvalidStateForUpload, useCaseID, sm.Current())
		}
		meta := &domain.TransitionMeta{TriggeredBy: user, Reason: "config upload", FileUploaded: filename}
		if _, err := sm.TransitionTo(domain.StateConfigReceived, meta, false); err != nil {
			return err
		}
		_, err := sm.TransitionTo(domain.StateConfigValidationRunning, domain.SystemMeta("automatic after config upload"), false)
		return err
	})
	if err != nil {
		return nil, err
	}

	taskID := u.enqueue(ctx, queue.TaskValidateConfig, useCaseID, "")
	u.logUpload(ctx, useCaseID, "config_uploaded", filename, user, previous, sm.Current(), taskID)

	return &UploadResult{
		Status:        "accepted",
		TaskID:        taskID,
		PreviousState: previous,
		NewState:      sm.Current(),
		FileKey:       key,
	}, nil
}

// UploadDataset accepts a dataset upload for a model in REGISTERED or
// AWAITING_DATA_FIX, moving it to QUALITY_CHECK_PENDING and enqueueing a
// quality check. A re-upload while QUALITY_CHECK_PENDING replaces the file
// without a transition or a new task.
func (u *Uploader) UploadDataset(ctx context.Context, useCaseID, modelID string, data []byte, filename, user string) (*UploadResult, error) {
	if err := u.checkOwnership(ctx, useCaseID, modelID); err != nil {
		return nil, err
	}
	sm, err := u.models.LoadMachine(ctx, modelID)
	if err != nil {
		return nil, err
	}
	previous := sm.Current()

	switch previous {
	case domain.StateRegistered, domain.StateAwaitingDataFix, domain.StateQualityCheckPending:
	default:
		return nil, fmt.Errorf("%w: model %s is %s, dataset uploads are accepted in %s, %s or %s",
			domain.ErrInvalidStateForUpload, modelID, previous,
			domain.StateRegistered, domain.StateAwaitingDataFix, domain.StateQualityCheckPending)
	}
	if err := checkTabular(data, filename, u.RequiredDatasetColumns); err != nil {
		return nil, err
	}

	key := storage.DatasetKey(useCaseID, modelID)
	if err := u.blobs.Put(ctx, key, data); err != nil {
		return nil, err
	}
	if err := u.models.SetDatasetFileKey(ctx, modelID, key); err != nil {
		return nil, err
	}

	// Re-upload while a check is already pending: the queued task will pick
	// up the newest blob, nothing else to do.
	if previous == domain.StateQualityCheckPending {
		u.logUpload(ctx, useCaseID, "dataset_replaced", filename, user, previous, previous, "")
		return &UploadResult{
			Status:        "updated",
			PreviousState: previous,
			NewState:      previous,
			FileKey:       key,
		}, nil
	}

	sm, err = u.saveTransitions(ctx, u.models, modelID, func(sm *domain.StateMachine) error {
		if sm.Current() == domain.StateQualityCheckPending {
			return nil
		}
		meta := &domain.TransitionMeta{TriggeredBy: user, Reason: "dataset upload", FileUploaded: filename}
		_, err := sm.TransitionTo(domain.StateQualityCheckPending, meta, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	taskID := u.enqueue(ctx, queue.TaskRunQualityCheck, useCaseID, modelID)
	u.logUpload(ctx, useCaseID, "dataset_uploaded", filename, user, previous, sm.Current(), taskID)

	return &UploadResult{
		Status:        "accepted",
		TaskID:        taskID,
		PreviousState: previous,
		NewState:      sm.Current(),
		FileKey:       key,
	}, nil
}

// UploadPredictions accepts a predictions upload for a model in
// QUALITY_CHECK_PASSED, moving it to EVALUATION_QUEUED and enqueueing the
// evaluation.
func (u *Uploader) UploadPredictions(ctx context.Context, useCaseID, modelID string, data []byte, filename, user string) (*UploadResult, error) {
	if err := u.checkOwnership(ctx, useCaseID, modelID); err != nil {
		return nil, err
	}
	sm, err := u.models.LoadMachine(ctx, modelID)
	if err != nil {
		return nil, err
	}
	previous := sm.Current()
	if previous != domain.StateQualityCheckPassed {
		return nil, fmt.Errorf("%w: model %s is %s, predictions uploads are accepted in %s",
			domain.ErrInvalidStateForUpload, modelID, previous, domain.StateQualityCheckPassed)
	}
	if err := checkTabular(data, filename, u.RequiredPredictionColumns); err != nil {
		return nil, err
	}

	key := storage.PredictionsKey(useCaseID, modelID)
	if err := u.blobs.Put(ctx, key, data); err != nil {
		return nil, err
	}
	if err := u.models.SetPredictionsFileKey(ctx, modelID, key); err != nil {
		return nil, err
	}

	sm, err = u.saveTransitions(ctx, u.models, modelID, func(sm *domain.StateMachine) error {
		if sm.Current() != domain.StateQualityCheckPassed {
			return fmt.Errorf("%w: model %s moved to %s during upload",
				domain.ErrInvalidStateForUpload, modelID, sm.Current())
		}
		meta := &domain.TransitionMeta{TriggeredBy: user, Reason: "predictions upload", FileUploaded: filename}
		_, err := sm.TransitionTo(domain.StateEvaluationQueued, meta, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	taskID := u.enqueue(ctx, queue.TaskRunEvaluation, useCaseID, modelID)
	u.logUpload(ctx, useCaseID, "predictions_uploaded", filename, user, previous, sm.Current(), taskID)

	return &UploadResult{
		Status:        "accepted",
		TaskID:        taskID,
		PreviousState: previous,
		NewState:      sm.Current(),
		FileKey:       key,
	}, nil
}

// GetUploadRequirements inspects current states and returns the uploads the
// engine expects next. Adapters surface these to guide users.
func (u *Uploader) GetUploadRequirements(ctx context.Context, useCaseID, modelID string) ([]UploadRequirement, error) {
	uc, err := u.useCases.Get(ctx, useCaseID)
	if err != nil {
		return nil, err
	}

	var reqs []UploadRequirement
	if uc.State == domain.StateAwaitingConfig || uc.State == domain.StateConfigInvalid {
		reqs = append(reqs, UploadRequirement{
			Kind:        "config",
			Endpoint:    fmt.Sprintf("/v1/use-cases/%s/config", useCaseID),
			Description: "JSON field configuration for the evaluation campaign",
		})
	}

	models, err := u.requirementModels(ctx, useCaseID, modelID)
	if err != nil {
		return nil, err
	}
	for _, m := range models {
		switch m.CurrentState {
		case domain.StateRegistered, domain.StateAwaitingDataFix:
			reqs = append(reqs, UploadRequirement{
				Kind:        "dataset",
				ModelID:     m.ID,
				Endpoint:    fmt.Sprintf("/v1/use-cases/%s/models/%s/dataset", useCaseID, m.ID),
				Description: fmt.Sprintf("CSV dataset for model %s", m.ModelName),
			})
		case domain.StateQualityCheckPassed:
			reqs = append(reqs, UploadRequirement{
				Kind:        "predictions",
				ModelID:     m.ID,
				Endpoint:    fmt.Sprintf("/v1/use-cases/%s/models/%s/predictions", useCaseID, m.ID),
				Description: fmt.Sprintf("CSV predictions for model %s", m.ModelName),
			})
		}
	}
	return reqs, nil
}

func (u *Uploader) requirementModels(ctx context.Context, useCaseID, modelID string) ([]domain.ModelEvaluation, error) {
	if modelID == "" {
		return u.models.ListByUseCase(ctx, useCaseID)
	}
	m, err := u.models.Get(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if m.UseCaseID != useCaseID {
		return nil, fmt.Errorf("%w: model %s does not belong to use case %s", domain.ErrNotFound, modelID, useCaseID)
	}
	return []domain.ModelEvaluation{*m}, nil
}

func (u *Uploader) checkOwnership(ctx context.Context, useCaseID, modelID string) error {
	m, err := u.models.Get(ctx, modelID)
	if err != nil {
		return err
	}
	if m.UseCaseID != useCaseID {
		return fmt.Errorf("%w: model %s does not belong to use case %s", domain.ErrNotFound, modelID, useCaseID)
	}
	return nil
}

// saveTransitions loads the machine, applies fn and saves, reloading on
// StaleWrite up to staleRetries times.
func (u *Uploader) saveTransitions(ctx context.Context, store machineStore, id string, fn func(*domain.StateMachine) error) (*domain.StateMachine, error) {
	var lastErr error
	for attempt := 0; attempt < staleRetries; attempt++ {
		sm, err := store.LoadMachine(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(sm); err != nil {
			return nil, err
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

// enqueue creates the follow-up task after a successful save. A failure
// here is recoverable: the state is durable and the reconciler re-creates
// the task, so it is logged and an empty id returned.
func (u *Uploader) enqueue(ctx context.Context, name, useCaseID, modelID string) string {
	taskID, err := u.tasks.Enqueue(ctx, name, queue.AggregateArgs(useCaseID, modelID), 0, -1)
	if err != nil {
		u.logger.WithError(err).WithFields(logrus.Fields{
			"task": name, "use_case": useCaseID, "model": modelID,
		}).Error("failed to enqueue follow-up task, reconciler will recover")
		return ""
	}
	return taskID
}

func (u *Uploader) logUpload(ctx context.Context, useCaseID, activityType, filename, user string, previous, current domain.State, taskID string) {
	entry := domain.ActivityEntry{
		UseCaseID:    useCaseID,
		ActivityType: activityType,
		Description:  fmt.Sprintf("%s by %s", filename, user),
		Metadata: map[string]interface{}{
			"filename":       filename,
			"user":           user,
			"previous_state": string(previous),
			"new_state":      string(current),
			"task_id":        taskID,
		},
	}
	if err := u.activity.Append(ctx, entry); err != nil {
		u.logger.WithError(err).WithField("use_case", useCaseID).Warn("failed to append activity entry")
	}
}

// checkTabular verifies that data parses as CSV with a non-empty header and
// that all required columns are present.
func checkTabular(data []byte, filename string, required []string) error {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return domain.Validationf("%s is empty", filename)
		}
		return domain.Validationf("%s is not readable CSV: %v", filename, err)
	}
	if len(header) == 0 || (len(header) == 1 && strings.TrimSpace(header[0]) == "") {
		return domain.Validationf("%s has no header row", filename)
	}

	if len(required) == 0 {
		return nil
	}
	present := make(map[string]bool, len(header))
	for _, col := range header {
		present[strings.ToLower(strings.TrimSpace(col))] = true
	}
	var missing []string
	for _, col := range required {
		if !present[strings.ToLower(col)] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return domain.Validationf("%s is missing required columns: %s", filename, strings.Join(missing, ", "))
	}
	return nil
}
