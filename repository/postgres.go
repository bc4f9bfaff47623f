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

// PostgresUseCases implements UseCases on top of the shared pgx pool.
type PostgresUseCases struct {
	db     *db.PostgresDB
	logger *logrus.Entry
}

// NewPostgresUseCases creates the use case repository.
func NewPostgresUseCases(pg *db.PostgresDB, logger *logrus.Entry) *PostgresUseCases {
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}
	return &PostgresUseCases{db: pg, logger: logger.WithField("component", "usecase-repository")}
}

const useCaseColumns = `id, name, team_email, state, config_file_key, dataset_file_key,
	quality_issues_json, evaluation_results_json, metadata_json, created_at, updated_at, version`

// Create inserts a new use case in the machine's initial state.
func (r *PostgresUseCases) Create(ctx context.Context, uc *domain.UseCase) error {
	if err := uc.Validate(); err != nil {
		return err
	}
	if uc.State == "" {
		uc.State = domain.UseCaseDefinition.Initial
	}
	now := time.Now().UTC()
	uc.CreatedAt = now
	uc.UpdatedAt = now
	uc.Version = 1

	issues, results, metadata, err := encodeUseCaseJSON(uc)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO use_cases (`+useCaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		uc.ID, uc.Name, uc.TeamEmail, uc.State, uc.ConfigFileKey, uc.DatasetFileKey,
		issues, results, metadata, uc.CreatedAt, uc.UpdatedAt, uc.Version)
	if err != nil {
		return classify(err, "failed to create use case")
	}
	return nil
}

// Get fetches one use case by id.
func (r *PostgresUseCases) Get(ctx context.Context, id string) (*domain.UseCase, error) {
	row := r.db.QueryRow(ctx, `SELECT `+useCaseColumns+` FROM use_cases WHERE id = $1`, id)
	uc, err := scanUseCase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: use case %s", domain.ErrNotFound, id)
		}
		return nil, classify(err, "failed to get use case")
	}
	return uc, nil
}

// List returns use cases matching the filter, newest first.
func (r *PostgresUseCases) List(ctx context.Context, filter UseCaseFilter) ([]domain.UseCase, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + useCaseColumns + ` FROM use_cases`
	args := []interface{}{}
	if filter.State != "" {
		query += ` WHERE state = $1`
		args = append(args, string(filter.State))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "failed to list use cases")
	}
	defer rows.Close()

	var out []domain.UseCase
	for rows.Next() {
		uc, err := scanUseCase(rows)
		if err != nil {
			return nil, classify(err, "failed to scan use case")
		}
		out = append(out, *uc)
	}
	return out, rows.Err()
}

// Delete removes a use case. Model evaluations and history cascade.
func (r *PostgresUseCases) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM use_cases WHERE id = $1`, id)
	if err != nil {
		return classify(err, "failed to delete use case")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: use case %s", domain.ErrNotFound, id)
	}
	return nil
}

// SetConfigFileKey records the storage key of the latest config upload.
func (r *PostgresUseCases) SetConfigFileKey(ctx context.Context, id, key string) error {
	return r.updateColumn(ctx, id, "config_file_key", key)
}

// SetDatasetFileKey records the storage key of the golden dataset.
func (r *PostgresUseCases) SetDatasetFileKey(ctx context.Context, id, key string) error {
	return r.updateColumn(ctx, id, "dataset_file_key", key)
}

func (r *PostgresUseCases) updateColumn(ctx context.Context, id, column, value string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE use_cases SET `+column+` = $1, updated_at = NOW() WHERE id = $2`, value, id)
	if err != nil {
		return classify(err, "failed to update "+column)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: use case %s", domain.ErrNotFound, id)
	}
	return nil
}

// AttachQualityIssues replaces the stored issue list.
func (r *PostgresUseCases) AttachQualityIssues(ctx context.Context, id string, issues []domain.QualityIssue) error {
	raw, err := json.Marshal(ensureIssues(issues))
	if err != nil {
		return fmt.Errorf("failed to encode quality issues: %w", err)
	}
	return r.updateJSON(ctx, id, "quality_issues_json", raw)
}

// AttachEvaluationResults replaces the stored evaluation results.
func (r *PostgresUseCases) AttachEvaluationResults(ctx context.Context, id string, results map[string]interface{}) error {
	if results == nil {
		results = map[string]interface{}{}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to encode evaluation results: %w", err)
	}
	return r.updateJSON(ctx, id, "evaluation_results_json", raw)
}

func (r *PostgresUseCases) updateJSON(ctx context.Context, id, column string, raw []byte) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE use_cases SET `+column+` = $1, updated_at = NOW() WHERE id = $2`, raw, id)
	if err != nil {
		return classify(err, "failed to update "+column)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: use case %s", domain.ErrNotFound, id)
	}
	return nil
}

// IDsInState returns ids of all use cases currently in a state, oldest
// first. The reconciler scans follow-up states with it.
func (r *PostgresUseCases) IDsInState(ctx context.Context, state domain.State) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM use_cases WHERE state = $1 ORDER BY created_at ASC`, string(state))
	if err != nil {
		return nil, classify(err, "failed to find use cases by state")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "failed to scan use case id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanUseCase(row pgx.Row) (*domain.UseCase, error) {
	var (
		uc      domain.UseCase
		issues  []byte
		results []byte
		meta    []byte
	)
	err := row.Scan(&uc.ID, &uc.Name, &uc.TeamEmail, &uc.State, &uc.ConfigFileKey, &uc.DatasetFileKey,
		&issues, &results, &meta, &uc.CreatedAt, &uc.UpdatedAt, &uc.Version)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(issues, &uc.QualityIssues); err != nil {
		return nil, fmt.Errorf("failed to decode quality issues: %w", err)
	}
	if err := json.Unmarshal(results, &uc.EvaluationResults); err != nil {
		return nil, fmt.Errorf("failed to decode evaluation results: %w", err)
	}
	if err := json.Unmarshal(meta, &uc.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &uc, nil
}

func encodeUseCaseJSON(uc *domain.UseCase) (issues, results, metadata []byte, err error) {
	issues, err = json.Marshal(ensureIssues(uc.QualityIssues))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode quality issues: %w", err)
	}
	if uc.EvaluationResults == nil {
		uc.EvaluationResults = map[string]interface{}{}
	}
	results, err = json.Marshal(uc.EvaluationResults)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode evaluation results: %w", err)
	}
	if uc.Metadata == nil {
		uc.Metadata = map[string]interface{}{}
	}
	metadata, err = json.Marshal(uc.Metadata)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return issues, results, metadata, nil
}

func ensureIssues(issues []domain.QualityIssue) []domain.QualityIssue {
	if issues == nil {
		return []domain.QualityIssue{}
	}
	return issues
}

// classify wraps infrastructure errors as transient so callers and task
// handlers can retry them.
func classify(err error, msg string) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrTransient, msg, err)
}
