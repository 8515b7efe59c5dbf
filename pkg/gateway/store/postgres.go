package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vango-go/evalroom/pkg/core"
	"github.com/vango-go/evalroom/pkg/core/session"
)

// Postgres stores each session as a JSONB record with a few indexed columns.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, databaseURL string, cfg PoolConfig) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		config.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		config.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Create(ctx context.Context, s *session.Session) error {
	if s == nil || strings.TrimSpace(s.ID) == "" {
		return core.NewInvalidRequestError("session id is required")
	}
	s.Version = 1
	record, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO evaluation_sessions (id, state, roll_no, name, record, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		s.ID, string(s.State), s.Subject.RollNo, s.Subject.Name, record, s.Version, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrVersionConflict.Withf("session %q already exists", s.ID)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*session.Session, error) {
	row := p.pool.QueryRow(ctx, `SELECT record, version FROM evaluation_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrSessionNotFound.Withf("session %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (p *Postgres) Update(ctx context.Context, s *session.Session) error {
	if s == nil {
		return core.NewInvalidRequestError("session is required")
	}
	next := s.Version + 1
	candidate := *s
	candidate.Version = next
	record, err := json.Marshal(&candidate)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE evaluation_sessions
		   SET state = $2, record = $3, version = $4, updated_at = $5
		 WHERE id = $1 AND version = $6`,
		s.ID, string(s.State), record, next, s.UpdatedAt, s.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM evaluation_sessions WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if !exists {
			return core.ErrSessionNotFound.Withf("session %q not found", s.ID)
		}
		return core.ErrVersionConflict.Withf("session %q was modified concurrently", s.ID)
	}
	s.Version = next
	return nil
}

func (p *Postgres) List(ctx context.Context, opts ListOptions) ([]*session.Session, error) {
	opts = opts.normalized()
	rows, err := p.pool.Query(ctx, `
		SELECT record, version FROM evaluation_sessions
		 WHERE ($1 = '' OR state = $1) AND ($2 = '' OR roll_no = $2)
		 ORDER BY created_at DESC, id
		 LIMIT $3`,
		string(opts.State), opts.RollNo, opts.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanSession(row pgx.Row) (*session.Session, error) {
	var (
		record  []byte
		version int64
	)
	if err := row.Scan(&record, &version); err != nil {
		return nil, err
	}
	var s session.Session
	if err := json.Unmarshal(record, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	s.Version = version
	if s.Scores == nil {
		s.Scores = map[string]float64{}
	}
	if s.Signals == nil {
		s.Signals = map[string]session.SignalTally{}
	}
	if s.Transcript == nil {
		s.Transcript = []session.TranscriptEntry{}
	}
	return &s, nil
}
