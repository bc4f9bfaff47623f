package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/caliperml/caliper/common"
)

// migrationFilePattern matches NNN_name.sql migration files.
var migrationFilePattern = regexp.MustCompile(`^(\d{3})_([A-Za-z0-9_-]+)\.sql$`)

// MigrationFile is one SQL migration discovered on disk.
type MigrationFile struct {
	Version  int
	Name     string
	Path     string
	Checksum string
	SQL      string
}

// AppliedMigration is one row of the schema_migrations table.
type AppliedMigration struct {
	Version         int
	Name            string
	Checksum        string
	AppliedAt       time.Time
	ExecutionTimeMS int64
}

// DiscoverMigrations scans dir for NNN_name.sql files, reads them, and
// returns them ordered by version.
func DiscoverMigrations(dir string) ([]MigrationFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory %s: %w", dir, err)
	}

	var files []MigrationFile
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := migrationFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("bad migration version in %s: %w", entry.Name(), err)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %03d: %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", path, err)
		}
		sum := sha256.Sum256(raw)
		files = append(files, MigrationFile{
			Version:  version,
			Name:     m[2],
			Path:     path,
			Checksum: hex.EncodeToString(sum[:]),
			SQL:      string(raw),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
	return files, nil
}

// ApplyMigrations applies every migration in dir whose version is not yet
// recorded. Each migration runs in its own transaction together with its
// bookkeeping row, so a failure leaves no partial record. An already-applied
// version whose file checksum differs is reported as an integrity error.
func (db *PostgresDB) ApplyMigrations(ctx context.Context, dir string, logger *logrus.Entry) (int, error) {
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}

	files, err := DiscoverMigrations(dir)
	if err != nil {
		return 0, err
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	appliedCount := 0
	for _, file := range files {
		if prev, ok := applied[file.Version]; ok {
			if prev.Checksum != file.Checksum {
				return appliedCount, fmt.Errorf(
					"migration integrity error: version %03d (%s) was applied with checksum %s but file %s has checksum %s",
					file.Version, prev.Name, prev.Checksum, file.Path, file.Checksum)
			}
			continue
		}

		start := time.Now()
		err := db.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, file.SQL); err != nil {
				return fmt.Errorf("migration %03d_%s failed: %w", file.Version, file.Name, err)
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO schema_migrations (version, name, checksum, execution_time_ms, description)
				VALUES ($1, $2, $3, $4, $5)`,
				file.Version, file.Name, file.Checksum,
				time.Since(start).Milliseconds(), filepath.Base(file.Path))
			return err
		})
		if err != nil {
			return appliedCount, err
		}

		logger.WithFields(logrus.Fields{
			"version":  fmt.Sprintf("%03d", file.Version),
			"name":     file.Name,
			"duration": time.Since(start).String(),
		}).Info("applied migration")
		appliedCount++
	}

	return appliedCount, nil
}

// AppliedMigrations returns the recorded migration rows ordered by version.
func (db *PostgresDB) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT version, name, checksum, applied_at, execution_time_ms
		FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.Version, &m.Name, &m.Checksum, &m.AppliedAt, &m.ExecutionTimeMS); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (db *PostgresDB) appliedMigrations(ctx context.Context) (map[int]AppliedMigration, error) {
	list, err := db.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int]AppliedMigration, len(list))
	for _, m := range list {
		byVersion[m.Version] = m
	}
	return byVersion, nil
}
