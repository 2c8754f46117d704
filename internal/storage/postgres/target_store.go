// Package postgres provides Postgres-backed persistence for the dispatcher.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlfleet/internal/fleet"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// TargetStoreConfig controls the Postgres connection pool used for crawl targets.
type TargetStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// TargetStore implements fleet.TargetStore on a Postgres table.
type TargetStore struct {
	pool  pgxPool
	table string
}

// NewTargetStore connects to Postgres and ensures the targets table exists.
func NewTargetStore(ctx context.Context, cfg TargetStoreConfig) (*TargetStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewTargetStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewTargetStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTargetStoreWithPool(pool pgxPool, table string) (*TargetStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_targets"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TargetStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the targets table when it is missing.
func (s *TargetStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	frequency_ms BIGINT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	last_dispatched_at TIMESTAMPTZ,
	last_worker TEXT NOT NULL DEFAULT ''
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *TargetStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// LoadTargets returns every stored target in insertion order.
func (s *TargetStore) LoadTargets(ctx context.Context) ([]fleet.CrawlTarget, error) {
	query := fmt.Sprintf(
		`SELECT url, frequency_ms, payload, last_dispatched_at, last_worker FROM %s ORDER BY id`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var out []fleet.CrawlTarget
	for rows.Next() {
		var (
			t           fleet.CrawlTarget
			frequencyMS int64
			payload     []byte
			last        *time.Time
		)
		if err := rows.Scan(&t.URL, &frequencyMS, &payload, &last, &t.LastWorker); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		t.Frequency = time.Duration(frequencyMS) * time.Millisecond
		if last != nil {
			t.LastDispatchedAt = last.UTC()
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of %s: %w", t.URL, err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return out, nil
}

// UpsertTarget stores the frequency and payload of a target, keeping any
// recorded dispatch.
func (s *TargetStore) UpsertTarget(ctx context.Context, target fleet.CrawlTarget) error {
	payload := target.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (url, frequency_ms, payload) VALUES ($1, $2, $3)
ON CONFLICT (url) DO UPDATE SET frequency_ms = EXCLUDED.frequency_ms, payload = EXCLUDED.payload`, s.table)
	if _, err := s.pool.Exec(ctx, query, target.URL, target.Frequency.Milliseconds(), payloadJSON); err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	return nil
}

// RecordDispatch stores the dispatch stamp of a target.
func (s *TargetStore) RecordDispatch(ctx context.Context, url string, at time.Time, workerID string) error {
	query := fmt.Sprintf(`UPDATE %s SET last_dispatched_at = $2, last_worker = $3 WHERE url = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, url, at.UTC(), workerID); err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}
