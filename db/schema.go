package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// schemaDDL creates every table and index the engine needs. All statements
// use IF NOT EXISTS so AutoInitialize is safe at every startup.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS use_cases (
	id                      TEXT PRIMARY KEY,
	name                    TEXT NOT NULL,
	team_email              TEXT NOT NULL,
	state                   TEXT NOT NULL,
	config_file_key         TEXT NOT NULL DEFAULT '',
	dataset_file_key        TEXT NOT NULL DEFAULT '',
	quality_issues_json     JSONB NOT NULL DEFAULT '[]',
	evaluation_results_json JSONB NOT NULL DEFAULT '{}',
	metadata_json           JSONB NOT NULL DEFAULT '{}',
	created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	version                 BIGINT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS model_evaluations (
	id                   TEXT PRIMARY KEY,
	use_case_id          TEXT NOT NULL REFERENCES use_cases(id) ON DELETE CASCADE,
	model_name           TEXT NOT NULL,
	model_version        TEXT NOT NULL DEFAULT '',
	current_state        TEXT NOT NULL,
	dataset_file_key     TEXT NOT NULL DEFAULT '',
	predictions_file_key TEXT NOT NULL DEFAULT '',
	quality_issues_json  JSONB NOT NULL DEFAULT '[]',
	metadata_json        JSONB NOT NULL DEFAULT '{}',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	version              BIGINT NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_model_evaluations_use_case_state
	ON model_evaluations (use_case_id, current_state);

CREATE TABLE IF NOT EXISTS use_case_state_history (
	id                   BIGSERIAL PRIMARY KEY,
	use_case_id          TEXT NOT NULL REFERENCES use_cases(id) ON DELETE CASCADE,
	from_state           TEXT NOT NULL,
	to_state             TEXT NOT NULL,
	triggered_by         TEXT NOT NULL DEFAULT 'system',
	trigger_reason       TEXT NOT NULL DEFAULT '',
	additional_data_json JSONB NOT NULL DEFAULT '{}',
	timestamp            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_use_case_state_history_aggregate
	ON use_case_state_history (use_case_id, timestamp);

CREATE TABLE IF NOT EXISTS model_state_history (
	id                   BIGSERIAL PRIMARY KEY,
	model_id             TEXT NOT NULL REFERENCES model_evaluations(id) ON DELETE CASCADE,
	from_state           TEXT NOT NULL,
	to_state             TEXT NOT NULL,
	triggered_by         TEXT NOT NULL DEFAULT 'system',
	trigger_reason       TEXT NOT NULL DEFAULT '',
	file_uploaded        TEXT NOT NULL DEFAULT '',
	quality_issues_count INT,
	error_message        TEXT NOT NULL DEFAULT '',
	additional_data_json JSONB NOT NULL DEFAULT '{}',
	timestamp            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_model_state_history_aggregate
	ON model_state_history (model_id, timestamp);

CREATE TABLE IF NOT EXISTS activity_log (
	id            BIGSERIAL PRIMARY KEY,
	use_case_id   TEXT NOT NULL,
	activity_type TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	metadata_json JSONB NOT NULL DEFAULT '{}',
	dedupe_key    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_activity_log_dedupe
	ON activity_log (dedupe_key) WHERE dedupe_key <> '';

CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	task_name        TEXT NOT NULL,
	args_json        JSONB NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL DEFAULT 'PENDING',
	priority         INT NOT NULL DEFAULT 0,
	retry_count      INT NOT NULL DEFAULT 0,
	max_retries      INT NOT NULL DEFAULT 3,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	error_message    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_dispatch
	ON tasks (status, priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS schema_migrations (
	id                BIGSERIAL PRIMARY KEY,
	version           INT NOT NULL UNIQUE,
	name              TEXT NOT NULL,
	checksum          TEXT NOT NULL,
	applied_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
	description       TEXT NOT NULL DEFAULT ''
);
`

// baselineVersion is the schema_migrations row recorded when the schema is
// created by the bootstrap path rather than by a migration file. Migration
// files start at version 1.
const baselineVersion = 0

// AutoInitialize creates all tables and indexes if they do not exist yet.
// It is idempotent and safe to run at every startup. On first creation it
// records a baseline row in schema_migrations.
func (db *PostgresDB) AutoInitialize(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	checksum := sha256.Sum256([]byte(schemaDDL))
	_, err := db.pool.Exec(ctx, `
		INSERT INTO schema_migrations (version, name, checksum, description)
		VALUES ($1, 'baseline', $2, 'schema created by auto-initialize')
		ON CONFLICT (version) DO NOTHING`,
		baselineVersion, hex.EncodeToString(checksum[:]))
	if err != nil {
		return fmt.Errorf("failed to record baseline version: %w", err)
	}
	return nil
}

// InitializeOnce creates the schema exactly once. It fails when the schema
// already exists unless force is set, in which case all engine tables are
// dropped and recreated.
func (db *PostgresDB) InitializeOnce(ctx context.Context, force bool) error {
	exists, err := db.schemaExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		if !force {
			return fmt.Errorf("schema already initialized; use force to recreate")
		}
		if err := db.dropAll(ctx); err != nil {
			return err
		}
	}
	return db.AutoInitialize(ctx)
}

func (db *PostgresDB) schemaExists(ctx context.Context) (bool, error) {
	var regclass *string
	err := db.pool.QueryRow(ctx, `SELECT to_regclass('use_cases')::text`).Scan(&regclass)
	if err != nil {
		return false, fmt.Errorf("failed to probe schema: %w", err)
	}
	return regclass != nil, nil
}

func (db *PostgresDB) dropAll(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		DROP TABLE IF EXISTS
			model_state_history,
			use_case_state_history,
			model_evaluations,
			activity_log,
			tasks,
			schema_migrations,
			use_cases
		CASCADE`)
	if err != nil {
		return fmt.Errorf("failed to drop schema: %w", err)
	}
	return nil
}
