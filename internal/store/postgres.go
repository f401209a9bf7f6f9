package store

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/batch"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
	_ "github.com/dnobori/DN-SuperBook-PDF-Converter/internal/store/migrations"
)

const (
	kindJob   = "job"
	kindBatch = "batch"
)

// Postgres stores records in a single table keyed by (kind, id) with the
// JSON body next to the columns history queries filter on.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, wrapStore(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapStore(err, "ping postgres")
	}
	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func migrate(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	if err := goose.SetDialect("postgres"); err != nil {
		return wrapStore(err, "goose dialect")
	}
	// The migrations are compiled in; goose still scans a directory for
	// SQL files, so give it an empty one.
	dir, err := os.MkdirTemp("", "superbook-migrations")
	if err != nil {
		return wrapStore(err, "migrations dir")
	}
	defer os.RemoveAll(dir)
	return wrapStore(goose.Up(db, dir), "migrate postgres")
}

const upsertRecord = `
INSERT INTO records (kind, id, status, created_at, completed_at, body)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (kind, id) DO UPDATE
SET status = EXCLUDED.status, completed_at = EXCLUDED.completed_at, body = EXCLUDED.body`

func (p *Postgres) upsert(ctx context.Context, kind, id, status string, created time.Time, completed *time.Time, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return wrapStore(err, "encode %s %s", kind, id)
	}
	_, err = p.pool.Exec(ctx, upsertRecord, kind, id, status, created, completed, body)
	return wrapStore(err, "upsert %s %s", kind, id)
}

func (p *Postgres) SaveJob(ctx context.Context, j job.Job) error {
	return p.upsert(ctx, kindJob, j.ID, string(j.Status), j.CreatedAt, j.CompletedAt, j)
}

func (p *Postgres) SaveBatch(ctx context.Context, b batch.Batch) error {
	return p.upsert(ctx, kindBatch, b.ID, string(b.Status), b.CreatedAt, b.CompletedAt, b)
}

func loadPostgres[T any](ctx context.Context, pool *pgxpool.Pool, kind string) ([]T, error) {
	rows, err := pool.Query(ctx, `SELECT body FROM records WHERE kind = $1 ORDER BY created_at, id`, kind)
	if err != nil {
		return nil, wrapStore(err, "query %s records", kind)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, wrapStore(err, "scan %s record", kind)
		}
		var rec T
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, wrapStore(err, "decode %s record", kind)
		}
		out = append(out, rec)
	}
	return out, wrapStore(rows.Err(), "read %s records", kind)
}

func (p *Postgres) LoadJobs(ctx context.Context) ([]job.Job, error) {
	return loadPostgres[job.Job](ctx, p.pool, kindJob)
}

func (p *Postgres) LoadBatches(ctx context.Context) ([]batch.Batch, error) {
	return loadPostgres[batch.Batch](ctx, p.pool, kindBatch)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
