// Package postgres persists backend settings in PostgreSQL. Each backend is a
// row holding its settings as JSONB.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"chatbridge/internal/provider"
)

var _ provider.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS backend_settings (
	backend    TEXT PRIMARY KEY,
	settings   JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store is a PostgreSQL-backed provider.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the settings table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (map[string]map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT backend, settings FROM backend_settings`)
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]string)
	for rows.Next() {
		var backend string
		var raw []byte
		if err := rows.Scan(&backend, &raw); err != nil {
			return nil, fmt.Errorf("scanning settings: %w", err)
		}
		values := map[string]string{}
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("decoding settings of backend %q: %w", backend, err)
		}
		out[backend] = values
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating settings: %w", err)
	}
	return out, nil
}

func (s *Store) Save(ctx context.Context, backend string, values map[string]string) error {
	if values == nil {
		values = map[string]string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO backend_settings (backend, settings, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (backend) DO UPDATE SET settings = EXCLUDED.settings, updated_at = now()
	`, backend, raw)
	if err != nil {
		return fmt.Errorf("upserting settings of backend %q: %w", backend, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
