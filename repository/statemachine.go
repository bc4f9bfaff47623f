package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/caliperml/caliper/domain"
)

// LoadMachine reconstructs the use case state machine with its full history.
func (r *PostgresUseCases) LoadMachine(ctx context.Context, id string) (*domain.StateMachine, error) {
	var (
		current   string
		createdAt time.Time
		version   int64
	)
	err := r.db.QueryRow(ctx,
		`SELECT state, created_at, version FROM use_cases WHERE id = $1`, id).
		Scan(&current, &createdAt, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: use case %s", domain.ErrNotFound, id)
		}
		return nil, classify(err, "failed to load use case row")
	}

	rows, err := r.db.Query(ctx, `
		SELECT to_state, triggered_by, trigger_reason, additional_data_json, timestamp
		FROM use_case_state_history
		WHERE use_case_id = $1
		ORDER BY timestamp ASC, id ASC`, id)
	if err != nil {
		return nil, classify(err, "failed to load use case history")
	}
	defer rows.Close()

	history := []domain.HistoryEntry{
		{State: domain.UseCaseDefinition.Initial, Timestamp: createdAt},
	}
	for rows.Next() {
		var (
			toState     string
			triggeredBy string
			reason      string
			additional  []byte
			ts          time.Time
		)
		if err := rows.Scan(&toState, &triggeredBy, &reason, &additional, &ts); err != nil {
			return nil, classify(err, "failed to scan use case history row")
		}
		meta, err := decodePackedMeta(triggeredBy, reason, additional)
		if err != nil {
			return nil, err
		}
		history = append(history, domain.HistoryEntry{State: domain.State(toState), Timestamp: ts, Meta: meta})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "failed to read use case history")
	}

	sm, err := domain.RestoreStateMachine(domain.UseCaseDefinition, id, domain.State(current), history)
	if err != nil {
		return nil, err
	}
	sm.SetVersion(version)
	return sm, nil
}

// SaveMachine persists the use case machine's current state and the history
// entries appended since load, in one transaction under optimistic
// concurrency.
func (r *PostgresUseCases) SaveMachine(ctx context.Context, sm *domain.StateMachine) error {
	pending := sm.PendingHistory()
	full := sm.History()
	if len(pending) > len(full) {
		return fmt.Errorf("%w: pending history longer than history", domain.ErrCorruption)
	}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE use_cases
			SET state = $1, updated_at = NOW(), version = version + 1
			WHERE id = $2 AND version = $3`,
			string(sm.Current()), sm.AggregateID(), sm.Version())
		if err != nil {
			return classify(err, "failed to update use case row")
		}
		if tag.RowsAffected() == 0 {
			return r.saveConflict(ctx, tx, sm.AggregateID())
		}

		from := full[len(full)-len(pending)-1].State
		for _, entry := range pending {
			triggeredBy, reason, additional, err := encodePackedMeta(entry.Meta)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO use_case_state_history
					(use_case_id, from_state, to_state, triggered_by, trigger_reason, additional_data_json, timestamp)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				sm.AggregateID(), string(from), string(entry.State), triggeredBy, reason, additional, entry.Timestamp)
			if err != nil {
				return classify(err, "failed to insert use case history row")
			}
			from = entry.State
		}
		return nil
	})
	if err != nil {
		return err
	}

	sm.MarkPersisted()
	sm.SetVersion(sm.Version() + 1)
	return nil
}

func (r *PostgresUseCases) saveConflict(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM use_cases WHERE id = $1)`, id).Scan(&exists); err != nil {
		return classify(err, "failed to check use case existence")
	}
	if !exists {
		return fmt.Errorf("%w: use case %s", domain.ErrNotFound, id)
	}
	return fmt.Errorf("%w: use case %s", domain.ErrStaleWrite, id)
}

// LoadMachine reconstructs a model evaluation state machine with its full
// history.
func (r *PostgresModels) LoadMachine(ctx context.Context, id string) (*domain.StateMachine, error) {
	var (
		current   string
		createdAt time.Time
		version   int64
	)
	err := r.db.QueryRow(ctx,
		`SELECT current_state, created_at, version FROM model_evaluations WHERE id = $1`, id).
		Scan(&current, &createdAt, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: model evaluation %s", domain.ErrNotFound, id)
		}
		return nil, classify(err, "failed to load model row")
	}

	rows, err := r.db.Query(ctx, `
		SELECT to_state, triggered_by, trigger_reason, file_uploaded, quality_issues_count,
		       error_message, additional_data_json, timestamp
		FROM model_state_history
		WHERE model_id = $1
		ORDER BY timestamp ASC, id ASC`, id)
	if err != nil {
		return nil, classify(err, "failed to load model history")
	}
	defer rows.Close()

	history := []domain.HistoryEntry{
		{State: domain.ModelDefinition.Initial, Timestamp: createdAt},
	}
	for rows.Next() {
		var (
			toState      string
			triggeredBy  string
			reason       string
			fileUploaded string
			issuesCount  *int
			errorMessage string
			additional   []byte
			ts           time.Time
		)
		if err := rows.Scan(&toState, &triggeredBy, &reason, &fileUploaded, &issuesCount,
			&errorMessage, &additional, &ts); err != nil {
			return nil, classify(err, "failed to scan model history row")
		}

		meta := &domain.TransitionMeta{
			TriggeredBy:        triggeredBy,
			Reason:             reason,
			FileUploaded:       fileUploaded,
			QualityIssuesCount: issuesCount,
			ErrorMessage:       errorMessage,
		}
		if err := unpackAdditional(additional, meta); err != nil {
			return nil, err
		}
		history = append(history, domain.HistoryEntry{State: domain.State(toState), Timestamp: ts, Meta: meta})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "failed to read model history")
	}

	sm, err := domain.RestoreStateMachine(domain.ModelDefinition, id, domain.State(current), history)
	if err != nil {
		return nil, err
	}
	sm.SetVersion(version)
	return sm, nil
}

// SaveMachine persists the model machine's current state and the history
// entries appended since load.
func (r *PostgresModels) SaveMachine(ctx context.Context, sm *domain.StateMachine) error {
	pending := sm.PendingHistory()
	full := sm.History()
	if len(pending) > len(full) {
		return fmt.Errorf("%w: pending history longer than history", domain.ErrCorruption)
	}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE model_evaluations
			SET current_state = $1, updated_at = NOW(), version = version + 1
			WHERE id = $2 AND version = $3`,
			string(sm.Current()), sm.AggregateID(), sm.Version())
		if err != nil {
			return classify(err, "failed to update model row")
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM model_evaluations WHERE id = $1)`,
				sm.AggregateID()).Scan(&exists); err != nil {
				return classify(err, "failed to check model existence")
			}
			if !exists {
				return fmt.Errorf("%w: model evaluation %s", domain.ErrNotFound, sm.AggregateID())
			}
			return fmt.Errorf("%w: model evaluation %s", domain.ErrStaleWrite, sm.AggregateID())
		}

		from := full[len(full)-len(pending)-1].State
		for _, entry := range pending {
			meta := entry.Meta
			if meta == nil {
				meta = domain.SystemMeta("")
			}
			additional, err := packAdditional(meta)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO model_state_history
					(model_id, from_state, to_state, triggered_by, trigger_reason, file_uploaded,
					 quality_issues_count, error_message, additional_data_json, timestamp)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				sm.AggregateID(), string(from), string(entry.State), meta.TriggeredBy, meta.Reason,
				meta.FileUploaded, meta.QualityIssuesCount, meta.ErrorMessage, additional, entry.Timestamp)
			if err != nil {
				return classify(err, "failed to insert model history row")
			}
			from = entry.State
		}
		return nil
	})
	if err != nil {
		return err
	}

	sm.MarkPersisted()
	sm.SetVersion(sm.Version() + 1)
	return nil
}

// Reserved keys used when packing meta fields into additional_data_json.
const (
	packedFileUploaded = "_file_uploaded"
	packedIssuesCount  = "_quality_issues_count"
	packedErrorMessage = "_error_message"
	packedForced       = "_forced"
)

// encodePackedMeta flattens a TransitionMeta into the three columns of the
// use case history table. Fields without a dedicated column ride along in
// additional_data_json under reserved keys.
func encodePackedMeta(meta *domain.TransitionMeta) (triggeredBy, reason string, additional []byte, err error) {
	if meta == nil {
		meta = domain.SystemMeta("")
	}
	payload := make(map[string]interface{}, len(meta.Additional)+4)
	for k, v := range meta.Additional {
		payload[k] = v
	}
	if meta.FileUploaded != "" {
		payload[packedFileUploaded] = meta.FileUploaded
	}
	if meta.QualityIssuesCount != nil {
		payload[packedIssuesCount] = *meta.QualityIssuesCount
	}
	if meta.ErrorMessage != "" {
		payload[packedErrorMessage] = meta.ErrorMessage
	}
	if meta.Forced {
		payload[packedForced] = true
	}
	additional, err = json.Marshal(payload)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to encode transition meta: %w", err)
	}
	return meta.TriggeredBy, meta.Reason, additional, nil
}

func decodePackedMeta(triggeredBy, reason string, additional []byte) (*domain.TransitionMeta, error) {
	meta := &domain.TransitionMeta{TriggeredBy: triggeredBy, Reason: reason}
	payload := map[string]interface{}{}
	if len(additional) > 0 {
		if err := json.Unmarshal(additional, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode transition meta: %w", err)
		}
	}
	if v, ok := payload[packedFileUploaded].(string); ok {
		meta.FileUploaded = v
		delete(payload, packedFileUploaded)
	}
	if v, ok := payload[packedIssuesCount].(float64); ok {
		count := int(v)
		meta.QualityIssuesCount = &count
		delete(payload, packedIssuesCount)
	}
	if v, ok := payload[packedErrorMessage].(string); ok {
		meta.ErrorMessage = v
		delete(payload, packedErrorMessage)
	}
	if v, ok := payload[packedForced].(bool); ok {
		meta.Forced = v
		delete(payload, packedForced)
	}
	if len(payload) > 0 {
		meta.Additional = payload
	}
	return meta, nil
}

// packAdditional serializes the free-form additional map plus the forced
// flag for the model history table, which has dedicated columns for the
// other meta fields.
func packAdditional(meta *domain.TransitionMeta) ([]byte, error) {
	payload := make(map[string]interface{}, len(meta.Additional)+1)
	for k, v := range meta.Additional {
		payload[k] = v
	}
	if meta.Forced {
		payload[packedForced] = true
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transition meta: %w", err)
	}
	return raw, nil
}

func unpackAdditional(raw []byte, meta *domain.TransitionMeta) error {
	if len(raw) == 0 {
		return nil
	}
	payload := map[string]interface{}{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("failed to decode transition meta: %w", err)
	}
	if v, ok := payload[packedForced].(bool); ok {
		meta.Forced = v
		delete(payload, packedForced)
	}
	if len(payload) > 0 {
		meta.Additional = payload
	}
	return nil
}
