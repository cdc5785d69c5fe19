package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/dess-bridge/dess-bridge-pro/internal/config"
	"github.com/dess-bridge/dess-bridge-pro/internal/models"
)

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store and ensures the schema
func NewPostgresStore(cfg *config.DatabaseConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
        CREATE TABLE IF NOT EXISTS devices (
            pn TEXT PRIMARY KEY,
            sn TEXT NOT NULL DEFAULT '',
            devcode INTEGER NOT NULL,
            devaddr INTEGER NOT NULL,
            alias TEXT NOT NULL DEFAULT '',
            plant TEXT NOT NULL DEFAULT '',
            status INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS poll_states (
            pn TEXT PRIMARY KEY,
            phase TEXT NOT NULL,
            last_success TIMESTAMPTZ,
            last_attempt TIMESTAMPTZ,
            last_error TEXT NOT NULL DEFAULT '',
            failures INTEGER NOT NULL DEFAULT 0,
            next_eligible TIMESTAMPTZ,
            unsupported BOOLEAN NOT NULL DEFAULT FALSE,
            excluded BOOLEAN NOT NULL DEFAULT FALSE
        );

        CREATE TABLE IF NOT EXISTS raw_snapshots (
            pn TEXT PRIMARY KEY,
            devcode INTEGER NOT NULL,
            captured_at TIMESTAMPTZ NOT NULL,
            payload JSONB NOT NULL
        );

        CREATE TABLE IF NOT EXISTS measurement_batches (
            pn TEXT PRIMARY KEY,
            id UUID NOT NULL,
            devcode INTEGER NOT NULL,
            plant TEXT NOT NULL DEFAULT '',
            captured_at TIMESTAMPTZ NOT NULL,
            batch JSONB NOT NULL
        );`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveDevice creates or replaces a device registration
func (s *PostgresStore) SaveDevice(ctx context.Context, device *models.Device) error {
	now := time.Now()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
        INSERT INTO devices (pn, sn, devcode, devaddr, alias, plant, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (pn) DO UPDATE SET
            sn = EXCLUDED.sn,
            devcode = EXCLUDED.devcode,
            devaddr = EXCLUDED.devaddr,
            alias = EXCLUDED.alias,
            plant = EXCLUDED.plant,
            status = EXCLUDED.status,
            updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		device.PN, device.SN, device.Devcode, device.Devaddr,
		device.Alias, device.Plant, device.Status,
		device.CreatedAt, device.UpdatedAt,
	)
	return err
}

// GetDevice gets a device by PN
func (s *PostgresStore) GetDevice(ctx context.Context, pn string) (*models.Device, error) {
	query := `
        SELECT pn, sn, devcode, devaddr, alias, plant, status, created_at, updated_at
        FROM devices
        WHERE pn = $1`

	device := &models.Device{}
	err := s.db.QueryRowContext(ctx, query, pn).Scan(
		&device.PN, &device.SN, &device.Devcode, &device.Devaddr,
		&device.Alias, &device.Plant, &device.Status,
		&device.CreatedAt, &device.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

// ListDevices lists all device registrations sorted by PN
func (s *PostgresStore) ListDevices(ctx context.Context) ([]*models.Device, error) {
	query := `
        SELECT pn, sn, devcode, devaddr, alias, plant, status, created_at, updated_at
        FROM devices
        ORDER BY pn`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device := &models.Device{}
		if err := rows.Scan(
			&device.PN, &device.SN, &device.Devcode, &device.Devaddr,
			&device.Alias, &device.Plant, &device.Status,
			&device.CreatedAt, &device.UpdatedAt,
		); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// DeleteDevice removes a device registration and its snapshots
func (s *PostgresStore) DeleteDevice(ctx context.Context, pn string) error {
	for _, query := range []string{
		`DELETE FROM measurement_batches WHERE pn = $1`,
		`DELETE FROM raw_snapshots WHERE pn = $1`,
		`DELETE FROM poll_states WHERE pn = $1`,
		`DELETE FROM devices WHERE pn = $1`,
	} {
		if _, err := s.db.ExecContext(ctx, query, pn); err != nil {
			return err
		}
	}
	return nil
}

// SavePollState creates or replaces a device poll state
func (s *PostgresStore) SavePollState(ctx context.Context, state *models.PollState) error {
	query := `
        INSERT INTO poll_states (pn, phase, last_success, last_attempt, last_error, failures, next_eligible, unsupported, excluded)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (pn) DO UPDATE SET
            phase = EXCLUDED.phase,
            last_success = EXCLUDED.last_success,
            last_attempt = EXCLUDED.last_attempt,
            last_error = EXCLUDED.last_error,
            failures = EXCLUDED.failures,
            next_eligible = EXCLUDED.next_eligible,
            unsupported = EXCLUDED.unsupported,
            excluded = EXCLUDED.excluded`

	_, err := s.db.ExecContext(ctx, query,
		state.PN, state.Phase,
		nullTime(state.LastSuccess), nullTime(state.LastAttempt),
		state.LastError, state.Failures, nullTime(state.NextEligible),
		state.Unsupported, state.Excluded,
	)
	return err
}

// GetPollState gets a poll state by PN
func (s *PostgresStore) GetPollState(ctx context.Context, pn string) (*models.PollState, error) {
	query := `
        SELECT pn, phase, last_success, last_attempt, last_error, failures, next_eligible, unsupported, excluded
        FROM poll_states
        WHERE pn = $1`

	state := &models.PollState{}
	var lastSuccess, lastAttempt, nextEligible sql.NullTime
	err := s.db.QueryRowContext(ctx, query, pn).Scan(
		&state.PN, &state.Phase, &lastSuccess, &lastAttempt,
		&state.LastError, &state.Failures, &nextEligible,
		&state.Unsupported, &state.Excluded,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	state.LastSuccess = lastSuccess.Time
	state.LastAttempt = lastAttempt.Time
	state.NextEligible = nextEligible.Time
	return state, nil
}

// SaveRawSnapshot replaces the last raw payload for a device
func (s *PostgresStore) SaveRawSnapshot(ctx context.Context, snapshot *models.RawSnapshot) error {
	payload, err := json.Marshal(snapshot.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
        INSERT INTO raw_snapshots (pn, devcode, captured_at, payload)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (pn) DO UPDATE SET
            devcode = EXCLUDED.devcode,
            captured_at = EXCLUDED.captured_at,
            payload = EXCLUDED.payload`

	_, err = s.db.ExecContext(ctx, query, snapshot.PN, snapshot.Devcode, snapshot.CapturedAt, payload)
	return err
}

// GetRawSnapshot gets the last raw payload for a device
func (s *PostgresStore) GetRawSnapshot(ctx context.Context, pn string) (*models.RawSnapshot, error) {
	query := `
        SELECT pn, devcode, captured_at, payload
        FROM raw_snapshots
        WHERE pn = $1`

	snapshot := &models.RawSnapshot{}
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, pn).Scan(
		&snapshot.PN, &snapshot.Devcode, &snapshot.CapturedAt, &payload,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &snapshot.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return snapshot, nil
}

// SaveBatch replaces the last normalized batch for a device
func (s *PostgresStore) SaveBatch(ctx context.Context, batch *models.MeasurementBatch) error {
	encoded, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	query := `
        INSERT INTO measurement_batches (pn, id, devcode, plant, captured_at, batch)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (pn) DO UPDATE SET
            id = EXCLUDED.id,
            devcode = EXCLUDED.devcode,
            plant = EXCLUDED.plant,
            captured_at = EXCLUDED.captured_at,
            batch = EXCLUDED.batch`

	_, err = s.db.ExecContext(ctx, query, batch.PN, batch.ID, batch.Devcode, batch.Plant, batch.CapturedAt, encoded)
	return err
}

// GetLastBatch gets the last normalized batch for a device
func (s *PostgresStore) GetLastBatch(ctx context.Context, pn string) (*models.MeasurementBatch, error) {
	query := `
        SELECT batch
        FROM measurement_batches
        WHERE pn = $1`

	var encoded []byte
	err := s.db.QueryRowContext(ctx, query, pn).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	batch := &models.MeasurementBatch{}
	if err := json.Unmarshal(encoded, batch); err != nil {
		return nil, fmt.Errorf("unmarshal batch: %w", err)
	}
	return batch, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
