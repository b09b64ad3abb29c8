// Copyright 2025 ByteDance Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_records (
	job_id  TEXT        NOT NULL,
	seq     BIGINT      NOT NULL,
	kind    TEXT        NOT NULL,
	stage   TEXT        NOT NULL DEFAULT '',
	payload JSONB       NOT NULL,
	at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, seq)
)`

// PostgresSink stores records in the job_records table.
type PostgresSink struct {
	db *sql.DB
}

// OpenPostgres connects with lib/pq and creates the table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	s := NewPostgres(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgres(db *sql.DB) *PostgresSink { return &PostgresSink{db: db} }

func (s *PostgresSink) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return errors.Wrap(err, "create job_records")
}

func (s *PostgresSink) Close() error { return s.db.Close() }

// Append computes the next sequence number in the insert itself; the primary
// key rejects a concurrent writer that raced to the same number.
func (s *PostgresSink) Append(ctx context.Context, r Record) error {
	query := `
		INSERT INTO job_records (job_id, seq, kind, stage, payload, at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5
		FROM job_records WHERE job_id = $1
	`
	_, err := s.db.ExecContext(ctx, query, r.JobID, string(r.Kind), r.Stage, []byte(r.Payload), r.At)
	return errors.Wrapf(err, "insert record of job %s", r.JobID)
}

func (s *PostgresSink) Get(ctx context.Context, jobID string) ([]Record, error) {
	query := `
		SELECT job_id, seq, kind, stage, payload, at
		FROM job_records
		WHERE job_id = $1
		ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "query records of job %s", jobID)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			kind    string
			payload []byte
		)
		if err := rows.Scan(&r.JobID, &r.Seq, &kind, &r.Stage, &payload, &r.At); err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		r.Kind = RecordKind(kind)
		r.Payload = payload
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate records")
}
