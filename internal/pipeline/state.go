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
	"time"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/stage"
)

// JobState is the Coordinator's view of a job.
type JobState string

const (
	StatePending      JobState = "pending"
	StateAnalyzing    JobState = "analyzing"
	StateDesigning    JobState = "designing"
	StateImplementing JobState = "implementing"
	StateVerifying    JobState = "verifying"
	StateCompleted    JobState = "completed"
	StateFailed       JobState = "failed"
	StateEscalated    JobState = "escalated"
)

// Terminal states are immutable.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateEscalated
}

// stateOf is the state a job is in while stage runs.
func stateOf(s stage.Name) JobState {
	switch s {
	case stage.Analyze:
		return StateAnalyzing
	case stage.Design:
		return StateDesigning
	case stage.Implement:
		return StateImplementing
	case stage.Verify:
		return StateVerifying
	}
	return ""
}

// transitions lists the legal moves. Backward moves re-run a predecessor whose
// artifact turned out malformed.
var transitions = map[JobState][]JobState{
	StatePending:      {StateAnalyzing},
	StateAnalyzing:    {StateDesigning},
	StateDesigning:    {StateImplementing, StateAnalyzing},
	StateImplementing: {StateVerifying, StateDesigning, StateAnalyzing},
	StateVerifying:    {StateCompleted, StateImplementing, StateDesigning, StateAnalyzing},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to JobState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateEscalated {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Attempt is an immutable log entry for one stage execution.
type Attempt struct {
	Stage stage.Name `json:"stage"`
	// Number counts attempts of Stage since it was last (re)entered.
	Number       int               `json:"number"`
	Round        int               `json:"round"`
	Status       AttemptStatus     `json:"status"`
	FailureKind  stage.FailureKind `json:"failure_kind,omitempty"`
	Decision     Decision          `json:"decision,omitempty"`
	Error        string            `json:"error,omitempty"`
	ArtifactHash string            `json:"artifact_hash,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      time.Time         `json:"ended_at"`
}

type AttemptStatus string

const (
	AttemptOK     AttemptStatus = "ok"
	AttemptFailed AttemptStatus = "failed"
)

type AttemptError struct {
	Stage   stage.Name        `json:"stage"`
	Attempt int               `json:"attempt"`
	Kind    stage.FailureKind `json:"kind,omitempty"`
	Error   string            `json:"error"`
}

// DiagnosticBundle is attached to every terminal failure. It holds enough to
// reproduce the failing attempt.
type DiagnosticBundle struct {
	JobID        string             `json:"job_id"`
	Stage        stage.Name         `json:"stage"`
	Reason       string             `json:"reason"`
	Input        *artifact.Artifact `json:"input,omitempty"`
	LastArtifact *artifact.Artifact `json:"last_artifact,omitempty"`
	Errors       []AttemptError     `json:"errors"`
}

// Job is a read-only copy of a job handed out by the Coordinator.
type Job struct {
	ID               string                               `json:"id"`
	State            JobState                             `json:"state"`
	Reason           string                               `json:"reason,omitempty"`
	Source           artifact.Source                      `json:"source"`
	KnowledgeVersion string                               `json:"knowledge_version,omitempty"`
	History          []Attempt                            `json:"history"`
	Latest           map[artifact.Kind]*artifact.Artifact `json:"latest"`
	Diagnostics      *DiagnosticBundle                    `json:"diagnostics,omitempty"`
	CreatedAt        time.Time                            `json:"created_at"`
	UpdatedAt        time.Time                            `json:"updated_at"`
}

// Artifact returns the latest committed artifact of kind, or nil.
func (j *Job) Artifact(kind artifact.Kind) *artifact.Artifact {
	return j.Latest[kind]
}

// Errors collects the errors of every failed attempt, oldest first.
func (j *Job) Errors() []AttemptError {
	var out []AttemptError
	for _, a := range j.History {
		if a.Status == AttemptFailed {
			out = append(out, AttemptError{Stage: a.Stage, Attempt: a.Number, Kind: a.FailureKind, Error: a.Error})
		}
	}
	return out
}
