package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/caliperml/caliper/common"
	"github.com/caliperml/caliper/db"
	"github.com/caliperml/caliper/domain"
)

// PostgresModels implements Models on top of the shared pgx pool.
type PostgresModels struct {
	db     *db.PostgresDB
	logger *logrus.Entry
}

// NewPostgresModels creates the model evaluation repository.
func NewPostgresModels(pg *db.PostgresDB, logger *logrus.Entry) *PostgresModels {
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}
	return &PostgresModels{db: pg, logger: logger.WithField("component", "model-repository")}
}

const modelColumns = `id, use_case_id, model_name, model_version, current_state,
	dataset_file_key, predictions_file_key, quality_issues_json, metadata_json,
	created_at, updated_at, version`

// Create inserts a model evaluation in the REGISTERED state. The owning use
// case must exist.
func (r *PostgresModels) Create(ctx context.Context, m *domain.ModelEvaluation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.CurrentState == "" {
		m.CurrentState = domain.ModelDefinition.Initial
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.Version = 1

	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM use_cases WHERE id = $1)`, m.UseCaseID).Scan(&exists)
	if err != nil {
		return classify(err, "failed to check owning use case")
	}
	if !exists {
		return fmt.Errorf("%w: use case %s", domain.ErrNotFound, m.UseCaseID)
	}

	issues, err := json.Marshal(ensureIssues(m.QualityIssues))
	if err != nil {
		return fmt.Errorf("failed to encode quality issues: %w", err)
	}
	if m.Metadata == nil {
		m.Metadata = map[string]interface{}{}
	}
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO model_evaluations (`+modelColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.UseCaseID, m.ModelName, m.ModelVersion, m.CurrentState,
		m.DatasetFileKey, m.PredictionsFileKey, issues, metadata,
		m.CreatedAt, m.UpdatedAt, m.Version)
	if err != nil {
		return classify(err, "failed to create model evaluation")
	}
	return nil
}

// Get fetches one model evaluation by id.
func (r *PostgresModels) Get(ctx context.Context, id string) (*domain.ModelEvaluation, error) {
	row := r.db.QueryRow(ctx, `SELECT `+modelColumns+` FROM model_evaluations WHERE id = $1`, id)
	m, err := scanModel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: model evaluation %s", domain.ErrNotFound, id)
		}
		return nil, classify(err, "failed to get model evaluation")
	}
	return m, nil
}

// ListByUseCase returns all model evaluations of a use case, oldest first.
func (r *PostgresModels) ListByUseCase(ctx context.Context, useCaseID string) ([]domain.ModelEvaluation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+modelColumns+` FROM model_evaluations WHERE use_case_id = $1 ORDER BY created_at ASC`,
		useCaseID)
	if err != nil {
		return nil, classify(err, "failed to list model evaluations")
	}
	defer rows.Close()

	var out []domain.ModelEvaluation
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, classify(err, "failed to scan model evaluation")
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Delete removes a model evaluation and its history.
func (r *PostgresModels) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM model_evaluations WHERE id = $1`, id)
	if err != nil {
		return classify(err, "failed to delete model evaluation")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: model evaluation %s", domain.ErrNotFound, id)
	}
	return nil
}

// SetDatasetFileKey records the storage key of the latest dataset upload.
func (r *PostgresModels) SetDatasetFileKey(ctx context.Context, id, key string) error {
	return r.updateColumn(ctx, id, "dataset_file_key", key)
}

// SetPredictionsFileKey records the storage key of the predictions upload.
func (r *PostgresModels) SetPredictionsFileKey(ctx context.Context, id, key string) error {
	return r.updateColumn(ctx, id, "predictions_file_key", key)
}

func (r *PostgresModels) updateColumn(ctx context.Context, id, column, value string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE model_evaluations SET `+column+` = $1, updated_at = NOW() WHERE id = $2`, value, id)
	if err != nil {
		return classify(err, "failed to update "+column)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: model evaluation %s", domain.ErrNotFound, id)
	}
	return nil
}

// AttachQualityIssues replaces the stored issue list.
func (r *PostgresModels) AttachQualityIssues(ctx context.Context, id string, issues []domain.QualityIssue) error {
	raw, err := json.Marshal(ensureIssues(issues))
	if err != nil {
		return fmt.Errorf("failed to encode quality issues: %w", err)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE model_evaluations SET quality_issues_json = $1, updated_at = NOW() WHERE id = $2`, raw, id)
	if err != nil {
		return classify(err, "failed to update quality issues")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: model evaluation %s", domain.ErrNotFound, id)
	}
	return nil
}

// FindByState returns ids of a use case's models in a given state.
func (r *PostgresModels) FindByState(ctx context.Context, useCaseID string, state domain.State) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM model_evaluations
		WHERE use_case_id = $1 AND current_state = $2
		ORDER BY created_at ASC`, useCaseID, string(state))
	if err != nil {
		return nil, classify(err, "failed to find models by state")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "failed to scan model id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StateSummary counts a use case's models per state.
func (r *PostgresModels) StateSummary(ctx context.Context, useCaseID string) (map[domain.State]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT current_state, COUNT(*) FROM model_evaluations
		WHERE use_case_id = $1 GROUP BY current_state`, useCaseID)
	if err != nil {
		return nil, classify(err, "failed to summarize model states")
	}
	defer rows.Close()

	summary := make(map[domain.State]int)
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, classify(err, "failed to scan state summary")
		}
		summary[domain.State(state)] = count
	}
	return summary, rows.Err()
}

// actionStates are the model states that require outside intervention.
var actionStates = []domain.State{
	domain.StateAwaitingDataFix,
	domain.StateQualityCheckFailed,
	domain.StateEvaluationFailed,
}

// NeedingAction groups model ids by the states that need a human.
func (r *PostgresModels) NeedingAction(ctx context.Context, useCaseID string) (map[domain.State][]string, error) {
	out := make(map[domain.State][]string, len(actionStates))
	for _, state := range actionStates {
		ids, err := r.FindByState(ctx, useCaseID, state)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			out[state] = ids
		}
	}
	return out, nil
}

// ModelRef identifies a model evaluation together with its owning use case.
type ModelRef struct {
	ID        string
	UseCaseID string
}

// AllInState returns all model evaluations currently in a state, across use
// cases, oldest first. The reconciler scans follow-up states with it.
func (r *PostgresModels) AllInState(ctx context.Context, state domain.State) ([]ModelRef, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, use_case_id FROM model_evaluations
		WHERE current_state = $1 ORDER BY created_at ASC`, string(state))
	if err != nil {
		return nil, classify(err, "failed to find models by state")
	}
	defer rows.Close()

	var refs []ModelRef
	for rows.Next() {
		var ref ModelRef
		if err := rows.Scan(&ref.ID, &ref.UseCaseID); err != nil {
			return nil, classify(err, "failed to scan model ref")
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func scanModel(row pgx.Row) (*domain.ModelEvaluation, error) {
	var (
		m      domain.ModelEvaluation
		issues []byte
		meta   []byte
	)
	err := row.Scan(&m.ID, &m.UseCaseID, &m.ModelName, &m.ModelVersion, &m.CurrentState,
		&m.DatasetFileKey, &m.PredictionsFileKey, &issues, &meta,
		&m.CreatedAt, &m.UpdatedAt, &m.Version)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(issues, &m.QualityIssues); err != nil {
		return nil, fmt.Errorf("failed to decode quality issues: %w", err)
	}
	if err := json.Unmarshal(meta, &m.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &m, nil
}
