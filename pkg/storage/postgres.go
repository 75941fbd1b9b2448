// Package storage persists devices and readings to PostgreSQL, the store
// shared with the query API. Both write paths are idempotent: the device
// upsert is keyed on the external id's uniqueness constraint and the reading
// insert treats a dedup-key conflict as success, which is what absorbs
// at-least-once broker redelivery.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/harvco/sensor-ingest/pkg/types"
)

// Schema is the DDL this service expects. Migrations are owned by the API
// repository (alembic); this copy exists so tests can provision a database
// and so the contract is visible next to the queries that depend on it.
const Schema = `
CREATE TABLE IF NOT EXISTS devices (
    id                 BIGSERIAL PRIMARY KEY,
    device_id          TEXT NOT NULL UNIQUE,
    name               TEXT,
    is_active          BOOLEAN NOT NULL DEFAULT TRUE,
    temperature_offset DOUBLE PRECISION DEFAULT 0.0,
    humidity_offset    DOUBLE PRECISION DEFAULT 0.0
);

CREATE TABLE IF NOT EXISTS readings (
    id           BIGSERIAL PRIMARY KEY,
    device_id    BIGINT NOT NULL REFERENCES devices (id),
    reading_type TEXT NOT NULL,
    value        DOUBLE PRECISION NOT NULL,
    timestamp    TIMESTAMPTZ NOT NULL,
    CONSTRAINT readings_device_type_ts_key UNIQUE (device_id, reading_type, timestamp)
);
`

// upsertDeviceQuery creates the device row on first sighting. The no-op
// DO UPDATE makes RETURNING yield the existing row on conflict, so concurrent
// first sightings all receive the same surrogate id.
const upsertDeviceQuery = `
INSERT INTO devices (device_id)
VALUES ($1)
ON CONFLICT (device_id) DO UPDATE SET device_id = EXCLUDED.device_id
RETURNING id, device_id, name, is_active`

// insertReadingQuery inserts a reading using (device_id, reading_type,
// timestamp) as the dedup key. ON CONFLICT DO NOTHING makes it idempotent;
// RETURNING true lets us distinguish inserts from no-ops.
const insertReadingQuery = `
INSERT INTO readings (device_id, reading_type, value, timestamp)
VALUES ($1, $2, $3, $4)
ON CONFLICT ON CONSTRAINT readings_device_type_ts_key DO NOTHING
RETURNING true`

// Config holds PostgreSQL connection settings.
type Config struct {
	DatabaseURL    string
	ConnectTimeout time.Duration
}

// LoadConfigFromEnv loads storage configuration from the environment.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		ConnectTimeout: 10 * time.Second,
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL environment variable not set")
	}
	return cfg, nil
}

// Store persists devices and readings through a pgx connection pool. It is
// safe for concurrent use by multiple pipeline workers.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore opens a connection pool and verifies connectivity.
func NewStore(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Store, error) {
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.New(pingCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	logger.Info().Msg("Connected to PostgreSQL")
	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "PostgresStore").Logger(),
	}, nil
}

// UpsertDevice returns the device row for externalID, creating it if absent.
// Implements devices.DeviceStore.
func (s *Store) UpsertDevice(ctx context.Context, externalID string) (types.Device, error) {
	var device types.Device
	err := s.pool.QueryRow(ctx, upsertDeviceQuery, externalID).
		Scan(&device.ID, &device.ExternalID, &device.Name, &device.IsActive)
	if err != nil {
		return types.Device{}, fmt.Errorf("upsert device %q: %w", externalID, err)
	}
	return device, nil
}

// InsertReading writes a reading row. A conflict on the dedup key is a
// success with inserted=false, not an error: duplicate broker deliveries are
// expected, not exceptional.
func (s *Store) InsertReading(ctx context.Context, reading *types.Reading) (bool, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, insertReadingQuery,
		reading.DeviceID,
		string(reading.Type),
		reading.Value,
		reading.Timestamp,
	).Scan(&inserted)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("insert reading for device %d: %w", reading.DeviceID, err)
	}
	return true, nil
}

// EnsureSchema applies the expected DDL. Production schemas are managed by
// the API repository's migrations; this exists for tests and local runs.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
