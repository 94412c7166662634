package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/epic1st/optionstream/backend/internal/apperr"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migration is one parsed, ordered schema change.
type migration struct {
	version     int
	description string
	sql         string
}

// Migrator applies schema migrations tracked in a schema_migrations table,
// the way the teacher's Migrator does, translated from database/sql+lib/pq
// to pgx/v5's pool/Exec idiom.
type Migrator struct {
	store *Store
}

// NewMigrator wraps an open Store.
func NewMigrator(s *Store) *Migrator { return &Migrator{store: s} }

// Initialize creates the schema_migrations bookkeeping table if absent.
func (m *Migrator) Initialize(ctx context.Context) error {
	_, err := m.store.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return apperr.Store(err, "create schema_migrations table")
	}
	return nil
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		var version int
		var description string
		if _, err := fmt.Sscanf(e.Name(), "%04d_", &version); err != nil {
			continue
		}
		description = strings.TrimSuffix(strings.SplitN(e.Name(), "_", 2)[1], ".sql")

		body, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, migration{version: version, description: description, sql: string(body)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// AppliedVersions returns the set of migration versions already recorded.
func (m *Migrator) AppliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.store.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, apperr.Store(err, "query applied migrations")
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, apperr.Store(err, "scan applied migration")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Up applies every migration not yet recorded, in version order, each
// inside its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	applied, err := m.AppliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, mg := range migrations {
		if applied[mg.version] {
			continue
		}
		if err := m.runMigration(ctx, mg); err != nil {
			return fmt.Errorf("migration %d (%s): %w", mg.version, mg.description, err)
		}
	}
	return nil
}

func (m *Migrator) runMigration(ctx context.Context, mg migration) error {
	tx, err := m.store.Pool.Begin(ctx)
	if err != nil {
		return apperr.Store(err, "begin migration tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, mg.sql); err != nil {
		return apperr.Store(err, "apply migration sql")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`,
		mg.version, mg.description); err != nil {
		return apperr.Store(err, "record migration")
	}

	return tx.Commit(ctx)
}

// Status reports each known migration's version/description and whether
// it has been applied, for an operator diagnostic endpoint.
type Status struct {
	Version     int
	Description string
	Applied     bool
}

func (m *Migrator) Status(ctx context.Context) ([]Status, error) {
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	applied, err := m.AppliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(migrations))
	for _, mg := range migrations {
		out = append(out, Status{Version: mg.version, Description: mg.description, Applied: applied[mg.version]})
	}
	return out, nil
}
