// Copyright 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgJobs is a JobStore in PostgreSQL.
type PgJobs struct {
	pool *pgxpool.Pool
}

var _ JobStore = (*PgJobs)(nil)

const pgJobsSchema = `CREATE TABLE IF NOT EXISTS img2pdf_jobs (
  id TEXT PRIMARY KEY,
  input TEXT NOT NULL,
  pages INTEGER NOT NULL,
  status TEXT NOT NULL,
  ref TEXT,
  code TEXT,
  error TEXT,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`

// NewPgJobs connects to the database and creates the jobs table if needed.
func NewPgJobs(ctx context.Context, databaseURL string) (*PgJobs, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err = pool.Exec(ctx, pgJobsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}
	return &PgJobs{pool: pool}, nil
}

func (p *PgJobs) Close() { p.pool.Close() }

func (p *PgJobs) Save(ctx context.Context, job Job) error {
	const qry = `INSERT INTO img2pdf_jobs (id, input, pages, status, ref, code, error, created_at, updated_at)
  VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9)
  ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status, ref = EXCLUDED.ref, code = EXCLUDED.code,
    error = EXCLUDED.error, updated_at = EXCLUDED.updated_at`
	_, err := p.pool.Exec(ctx, qry,
		job.ID, job.Input, job.Pages, string(job.Status),
		string(job.Ref), string(job.Code), job.Error,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

const pgJobsColumns = `id, input, pages, status, COALESCE(ref, ''), COALESCE(code, ''), COALESCE(error, ''), created_at, updated_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	var status, ref, code string
	err := row.Scan(&j.ID, &j.Input, &j.Pages, &status, &ref, &code, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	j.Status, j.Ref, j.Code = Status(status), Ref(ref), Code(code)
	return j, err
}

func (p *PgJobs) Get(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(p.pool.QueryRow(ctx, `SELECT `+pgJobsColumns+` FROM img2pdf_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	return j, err
}

func (p *PgJobs) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `SELECT `+pgJobsColumns+` FROM img2pdf_jobs ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
