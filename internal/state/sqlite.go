package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/apollo-bridge/internal/infrastructure/database"
	"github.com/nerrad567/apollo-bridge/migrations"
)

// SQLiteStore keeps State in the single-row bridge_state table.
type SQLiteStore struct {
	db     *database.DB
	logger Logger
}

// OpenSQLiteStore opens the database described by cfg and applies the
// embedded migrations.
//
// Returns:
//   - *SQLiteStore: Ready store; Close releases the database
//   - error: If opening or migrating fails
func OpenSQLiteStore(ctx context.Context, cfg database.Config, logger Logger) (*SQLiteStore, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("migrating state database: %w", err)
	}
	return &SQLiteStore{db: db, logger: loggerOrNoop(logger)}, nil
}

// Load reads the state row. A missing row yields the zero State.
func (s *SQLiteStore) Load(ctx context.Context) (State, error) {
	var (
		st      State
		isSetup int
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT is_setup, superadmin_token FROM bridge_state WHERE id = 1",
	).Scan(&isSetup, &st.SuperadminToken)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("loading state: %w", err)
	}
	st.IsSetup = isSetup != 0
	return st, nil
}

// Save upserts the state row.
func (s *SQLiteStore) Save(ctx context.Context, st State) error {
	isSetup := 0
	if st.IsSetup {
		isSetup = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridge_state (id, is_setup, superadmin_token, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_setup = excluded.is_setup,
			superadmin_token = excluded.superadmin_token,
			updated_at = excluded.updated_at`,
		isSetup, st.SuperadminToken, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	s.logger.Debug("state saved", "backend", "sqlite", "is_setup", st.IsSetup)
	return nil
}

// HealthCheck reports whether the database answers.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
