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

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/stage"
	"github.com/cloudwego/transmute/knowledge"
)

// record is the Coordinator's mutable job. Its mutex guards single updates
// and is never held while a stage executes.
type record struct {
	mu  sync.Mutex
	job Job

	gateway knowledge.Gateway
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func newRecord(id string, src artifact.Source) *record {
	now := time.Now().UTC()
	return &record{
		job: Job{
			ID:        id,
			State:     StatePending,
			Source:    src,
			History:   []Attempt{},
			Latest:    map[artifact.Kind]*artifact.Artifact{},
			CreatedAt: now,
			UpdatedAt: now,
		},
		done: make(chan struct{}),
	}
}

// snapshot copies the job for readers. Artifacts are immutable once
// committed and are shared.
func (r *record) snapshot() Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.job
	j.History = append([]Attempt(nil), r.job.History...)
	j.Latest = make(map[artifact.Kind]*artifact.Artifact, len(r.job.Latest))
	for k, v := range r.job.Latest {
		j.Latest[k] = v
	}
	if r.job.Diagnostics != nil {
		d := *r.job.Diagnostics
		d.Errors = append([]AttemptError(nil), d.Errors...)
		j.Diagnostics = &d
	}
	return j
}

func (r *record) latest(kind artifact.Kind) *artifact.Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Latest[kind]
}

func (r *record) state() JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.State
}

// commit stores a as the latest artifact of its kind. Terminal jobs are
// immutable.
func (r *record) commit(a *artifact.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.State.Terminal() {
		return ErrTerminal
	}
	r.job.Latest[a.Kind] = a
	r.job.UpdatedAt = time.Now().UTC()
	return nil
}

// advance moves the job to state to. The caller holds r.mu. Moving to the
// current state is a no-op.
func (r *record) advance(to JobState, reason string, diag *DiagnosticBundle) (JobState, error) {
	from := r.job.State
	if from == to {
		return from, nil
	}
	if !CanTransition(from, to) {
		if from.Terminal() {
			return from, ErrTerminal
		}
		return from, fmt.Errorf("pipeline: illegal transition %s -> %s", from, to)
	}
	r.job.State = to
	r.job.UpdatedAt = time.Now().UTC()
	if to.Terminal() {
		r.job.Reason = reason
		r.job.Diagnostics = diag
		close(r.done)
	}
	return from, nil
}

func (r *record) appendAttempt(a Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.History = append(r.job.History, a)
	r.job.UpdatedAt = time.Now().UTC()
}

// diagnostics builds the bundle of a terminal failure.
func (r *record) diagnostics(s stage.Name, reason string, input, last *artifact.Artifact) *DiagnosticBundle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.diagnosticsLocked(s, reason, input, last)
}

func (r *record) diagnosticsLocked(s stage.Name, reason string, input, last *artifact.Artifact) *DiagnosticBundle {
	if last == nil {
		last = r.job.Latest[s.Output()]
	}
	return &DiagnosticBundle{
		JobID:        r.job.ID,
		Stage:        s,
		Reason:       reason,
		Input:        input,
		LastArtifact: last,
		Errors:       r.job.Errors(),
	}
}
