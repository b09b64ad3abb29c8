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

// Package store persists job records. Every sink is append-only.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/cloudwego/transmute/internal/config"
)

type RecordKind string

const (
	RecordArtifact   RecordKind = "artifact"
	RecordAttempt    RecordKind = "attempt"
	RecordTransition RecordKind = "transition"
)

// Record is one persisted event of a job. Seq is assigned by the sink and
// starts at 1 for every job.
type Record struct {
	JobID   string          `json:"job_id"`
	Seq     int64           `json:"seq"`
	Kind    RecordKind      `json:"kind"`
	Stage   string          `json:"stage,omitempty"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// NewRecord marshals payload into a record.
func NewRecord(jobID string, kind RecordKind, stage string, payload any) (Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, errors.Wrapf(err, "marshal %s record", kind)
	}
	return Record{JobID: jobID, Kind: kind, Stage: stage, Payload: raw, At: time.Now().UTC()}, nil
}

// Sink is the persistence collaborator. Implementations are safe for
// concurrent use.
type Sink interface {
	Append(ctx context.Context, r Record) error
	// Get returns the records of a job in append order.
	Get(ctx context.Context, jobID string) ([]Record, error)
}

// Memory keeps records in process. Readers never take a lock: every append
// publishes a new map version.
type Memory struct {
	mu   sync.Mutex // serializes writers
	data atomic.Pointer[map[string][]Record]
}

func NewMemory() *Memory {
	m := &Memory{}
	empty := map[string][]Record{}
	m.data.Store(&empty)
	return m
}

func (m *Memory) Append(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := *m.data.Load()
	next := make(map[string][]Record, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	old := cur[r.JobID]
	r.Seq = int64(len(old) + 1)
	recs := make([]Record, len(old), len(old)+1)
	copy(recs, old)
	next[r.JobID] = append(recs, r)
	m.data.Store(&next)
	return nil
}

func (m *Memory) Get(ctx context.Context, jobID string) ([]Record, error) {
	recs := (*m.data.Load())[jobID]
	return append([]Record(nil), recs...), nil
}

// Open builds the sink named by the store configuration.
func Open(ctx context.Context, c config.StoreConfig) (Sink, error) {
	switch c.Kind {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		fs, err := NewFileSink(c.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "postgres":
		pg, err := OpenPostgres(ctx, c.DSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	return nil, fmt.Errorf("unknown store kind %q", c.Kind)
}
