// Package postgres stores run history in a single runs table. The full run
// lives in a JSONB payload column; the listing reads only summary columns.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"dnspick/internal/domain"
	"dnspick/internal/repo"
)

var _ repo.RunStore = (*Store)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
  id            TEXT PRIMARY KEY,
  started_at    TIMESTAMPTZ NOT NULL,
  elapsed_ms    BIGINT NOT NULL,
  domain_count  INTEGER NOT NULL,
  ranked_count  INTEGER NOT NULL,
  failure_count INTEGER NOT NULL,
  payload       JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs (started_at DESC);
`

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New connects, pings and bootstraps the runs table so a fresh database
// works without an external migration step.
func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxBoot, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxBoot); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctxBoot, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Save(ctx context.Context, r *domain.Run) error {
	if r.ID == "" {
		r.ID = domain.RunID(makeID())
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, started_at, elapsed_ms, domain_count, ranked_count, failure_count, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		string(r.ID), r.StartedAt, r.Elapsed.Milliseconds(),
		len(r.Domains), len(r.Results), len(r.Failures), payload,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id domain.RunID) (*domain.Run, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM runs WHERE id = $1`, string(id),
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	var r domain.Run
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &r, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]repo.RunSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, started_at, elapsed_ms, domain_count, ranked_count, failure_count
		   FROM runs
		  ORDER BY started_at DESC, id DESC
		  LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []repo.RunSummary
	for rows.Next() {
		var (
			id        string
			startedAt time.Time
			elapsedMS int64
			domains   int
			ranked    int
			failures  int
		)
		if err := rows.Scan(&id, &startedAt, &elapsedMS, &domains, &ranked, &failures); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, repo.RunSummary{
			ID:        domain.RunID(id),
			Domains:   domains,
			Ranked:    ranked,
			Failures:  failures,
			StartedAt: startedAt,
			Elapsed:   time.Duration(elapsedMS) * time.Millisecond,
		})
	}
	return out, rows.Err()
}

// ID format matches the memory store: 20060102Thhmmss.nnnnnnnnn
func makeID() string {
	now := time.Now().UTC()
	return now.Format("20060102T150405.") + fmt.Sprintf("%09d", now.Nanosecond())
}
