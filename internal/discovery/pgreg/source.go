// Package pgreg discovers instances from a PostgreSQL registration table.
package pgreg

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pingsantohq/hostsync/internal/discovery"
)

const sourceName = "postgres"

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Config struct {
	DSN   string
	Table string
}

// Source implements discovery.Source over a table with columns
// (role, instance_id, address, expires_at).
type Source struct {
	q      Querier
	pool   *pgxpool.Pool
	table  string
	query  string
	logger log.Logger
}

// New opens a connection pool. Connections are established on demand, so an
// unreachable database is reported by FetchInstances rather than here.
func New(ctx context.Context, cfg Config, logger log.Logger) (*Source, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	src, err := NewFromQuerier(pool, cfg.Table, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	src.pool = pool
	if err := pool.Ping(ctx); err != nil {
		level.Warn(src.logger).Log("msg", "postgres not reachable yet", "err", err)
	}
	return src, nil
}

// NewFromQuerier builds a source over an existing pool or connection. The
// table name is quoted as an identifier.
func NewFromQuerier(q Querier, table string, logger log.Logger) (*Source, error) {
	if table == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ident := pgx.Identifier{table}.Sanitize()
	return &Source{
		q:      q,
		table:  ident,
		query:  listQuery(ident),
		logger: logger,
	}, nil
}

func listQuery(table string) string {
	return `
SELECT instance_id, address
  FROM ` + table + `
 WHERE role = $1
   AND (expires_at IS NULL OR expires_at > now())
 ORDER BY instance_id;
`
}

// FetchInstances implements discovery.Source.
func (s *Source) FetchInstances(ctx context.Context, role string) ([]discovery.Instance, error) {
	if role == "" {
		return nil, discovery.Unavailable(sourceName, fmt.Errorf("role is required"))
	}
	rows, err := s.q.Query(ctx, s.query, role)
	if err != nil {
		return nil, discovery.Unavailable(sourceName, fmt.Errorf("query %s: %w", s.table, err))
	}
	instances, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (discovery.Instance, error) {
		var inst discovery.Instance
		err := row.Scan(&inst.ID, &inst.Address)
		return inst, err
	})
	if err != nil {
		return nil, discovery.Unavailable(sourceName, fmt.Errorf("read %s: %w", s.table, err))
	}
	level.Debug(s.logger).Log("msg", "listed postgres instances", "role", role, "count", len(instances))
	return instances, nil
}

// EnsureSchema creates the registration table when it does not exist.
func (s *Source) EnsureSchema(ctx context.Context) error {
	stmt := `
CREATE TABLE IF NOT EXISTS ` + s.table + ` (
    role        TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    address     TEXT NOT NULL,
    expires_at  TIMESTAMPTZ,
    PRIMARY KEY (role, instance_id)
);
`
	if _, err := s.q.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the pool created by New.
func (s *Source) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

var _ discovery.Source = (*Source)(nil)
