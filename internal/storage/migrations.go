package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration is a single versioned schema change.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// MigrationManager applies migrations to a DuckDB database and records them
// in schema_migrations.
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// MigrationStatus represents the current state of database migrations.
type MigrationStatus struct {
	CurrentVersion    int                `json:"current_version"`
	LatestVersion     int                `json:"latest_version"`
	AppliedMigrations []AppliedMigration `json:"applied_migrations"`
	PendingMigrations int                `json:"pending_migrations"`
}

// AppliedMigration represents a migration that has been applied.
type AppliedMigration struct {
	Version       int           `json:"version"`
	Description   string        `json:"description"`
	AppliedAt     time.Time     `json:"applied_at"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// NewMigrationManager creates a migration manager over db.
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: allMigrations(),
	}
}

// LatestVersion returns the highest known migration version.
func (m *MigrationManager) LatestVersion() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// MigrateToLatest applies every pending migration.
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	return m.Migrate(ctx, m.LatestVersion())
}

// Migrate applies pending migrations up to and including targetVersion.
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if targetVersion > m.LatestVersion() {
		return fmt.Errorf("unknown migration version: %d", targetVersion)
	}
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}
	if current >= targetVersion {
		m.logger.Debug("schema up to date", "version", current)
		return nil
	}

	for _, migration := range m.migrations {
		if migration.Version <= current || migration.Version > targetVersion {
			continue
		}
		if err := m.run(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
	}

	m.logger.Info("migrations applied", "from_version", current, "to_version", targetVersion)
	return nil
}

// Rollback reverts migrations above targetVersion, newest first.
func (m *MigrationManager) Rollback(ctx context.Context, targetVersion int) error {
	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		migration := m.migrations[i]
		if migration.Version <= targetVersion || migration.Version > current {
			continue
		}
		if err := m.rollback(ctx, migration); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
		}
	}
	return nil
}

// GetStatus reports applied and pending migrations.
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	current, err := m.currentVersion(ctx)
	if err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	pending := 0
	for _, migration := range m.migrations {
		if migration.Version > current {
			pending++
		}
	}

	return &MigrationStatus{
		CurrentVersion:    current,
		LatestVersion:     m.LatestVersion(),
		AppliedMigrations: applied,
		PendingMigrations: pending,
	}, nil
}

func (m *MigrationManager) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *MigrationManager) run(ctx context.Context, migration Migration) error {
	start := time.Now()
	m.logger.Info("applying migration", "version", migration.Version, "description", migration.Description)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	insert := `INSERT INTO schema_migrations (version, description, applied_at, execution_time) VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, insert, migration.Version, migration.Description, start, time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

func (m *MigrationManager) rollback(ctx context.Context, migration Migration) error {
	if migration.Down == nil {
		return fmt.Errorf("migration %d has no rollback function", migration.Version)
	}
	m.logger.Info("rolling back migration", "version", migration.Version)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Down(ctx, tx); err != nil {
		return fmt.Errorf("rollback execution failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	return tx.Commit()
}

func (m *MigrationManager) currentVersion(ctx context.Context) (int, error) {
	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

func (m *MigrationManager) applied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT version, description, applied_at, execution_time
		FROM schema_migrations
		ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var am AppliedMigration
		var executionTime int64
		if err := rows.Scan(&am.Version, &am.Description, &am.AppliedAt, &executionTime); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		am.ExecutionTime = time.Duration(executionTime)
		out = append(out, am)
	}
	return out, rows.Err()
}

func allMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create trades table",
			Up: execAll(
				`CREATE TABLE IF NOT EXISTS trades (
					symbol VARCHAR NOT NULL,
					timestamp BIGINT NOT NULL,
					seq INTEGER NOT NULL,
					side VARCHAR,
					payload VARCHAR NOT NULL,
					stored_at TIMESTAMPTZ NOT NULL,
					CONSTRAINT trades_pk PRIMARY KEY (symbol, timestamp, seq),
					CONSTRAINT trades_timestamp_positive CHECK (timestamp > 0),
					CONSTRAINT trades_seq_non_negative CHECK (seq >= 0)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades (timestamp)`,
			),
			Down: execAll(`DROP TABLE IF EXISTS trades`),
		},
		{
			Version:     2,
			Description: "create gaps table",
			Up: execAll(
				`CREATE TABLE IF NOT EXISTS gaps (
					id VARCHAR PRIMARY KEY,
					symbol VARCHAR NOT NULL,
					start_time TIMESTAMPTZ NOT NULL,
					end_time TIMESTAMPTZ NOT NULL,
					interval VARCHAR NOT NULL,
					kind VARCHAR NOT NULL CHECK (kind IN ('empty', 'partial')),
					created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
					CONSTRAINT gaps_time_order CHECK (end_time > start_time)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_gaps_symbol_interval ON gaps (symbol, interval)`,
			),
			Down: execAll(`DROP TABLE IF EXISTS gaps`),
		},
		{
			Version:     3,
			Description: "create trades staging table for appender loads",
			Up: execAll(
				`CREATE TABLE IF NOT EXISTS trades_staging (
					symbol VARCHAR NOT NULL,
					timestamp BIGINT NOT NULL,
					seq INTEGER NOT NULL,
					side VARCHAR,
					payload VARCHAR NOT NULL,
					stored_at TIMESTAMPTZ NOT NULL
				)`,
			),
			Down: execAll(`DROP TABLE IF EXISTS trades_staging`),
		},
	}
}

func execAll(statements ...string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}
}
