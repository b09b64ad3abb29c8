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

// Package stage defines the Stage Executor contract and its four variants.
package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/knowledge"
)

type Name string

const (
	Analyze   Name = "analyze"
	Design    Name = "design"
	Implement Name = "implement"
	Verify    Name = "verify"
)

// Order is the fixed stage sequence of a job.
var Order = []Name{Analyze, Design, Implement, Verify}

// Output is the artifact kind the stage produces.
func (n Name) Output() artifact.Kind {
	switch n {
	case Analyze:
		return artifact.KindAnalysis
	case Design:
		return artifact.KindDesign
	case Implement:
		return artifact.KindImplementation
	case Verify:
		return artifact.KindVerification
	}
	return ""
}

// Predecessor returns the stage whose artifact n consumes.
func (n Name) Predecessor() (Name, bool) {
	for i, s := range Order {
		if s == n && i > 0 {
			return Order[i-1], true
		}
	}
	return "", false
}

// Executor is one stage variant. Analyze receives a nil input and reads the
// job source instead.
type Executor interface {
	Stage() Name
	Execute(ctx context.Context, in *artifact.Artifact, jc *JobContext) (*artifact.Artifact, error)
}

// JobContext is the read-only view of a job handed to executors.
type JobContext struct {
	JobID            string
	Source           artifact.Source
	Knowledge        knowledge.Gateway
	KnowledgeVersion string
	Attempt          int
	latest           func(artifact.Kind) *artifact.Artifact
}

func NewJobContext(jobID string, src artifact.Source, gw knowledge.Gateway, version string, attempt int,
	latest func(artifact.Kind) *artifact.Artifact) *JobContext {
	return &JobContext{
		JobID:            jobID,
		Source:           src,
		Knowledge:        gw,
		KnowledgeVersion: version,
		Attempt:          attempt,
		latest:           latest,
	}
}

// Artifact returns the latest committed artifact of kind, or nil.
func (jc *JobContext) Artifact(kind artifact.Kind) *artifact.Artifact {
	if jc.latest == nil {
		return nil
	}
	return jc.latest(kind)
}

type FailureKind string

const (
	FailureTransient       FailureKind = "transient"
	FailureSchemaViolation FailureKind = "schema_violation"
	FailureUnverified      FailureKind = "unverified"
)

// Failure is the classified failure of a stage attempt. Blame names the stage
// whose artifact is malformed for schema violations.
type Failure struct {
	Kind     FailureKind
	Stage    Name
	Blame    Name
	Err      error
	Artifact *artifact.Artifact
}

func (f *Failure) Error() string {
	if f.Kind == FailureSchemaViolation && f.Blame != f.Stage {
		return fmt.Sprintf("%s: %s (artifact of %s): %v", f.Stage, f.Kind, f.Blame, f.Err)
	}
	return fmt.Sprintf("%s: %s: %v", f.Stage, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func Transient(stage Name, err error) *Failure {
	return &Failure{Kind: FailureTransient, Stage: stage, Blame: stage, Err: err}
}

func SchemaViolation(stage, blame Name, err error) *Failure {
	return &Failure{Kind: FailureSchemaViolation, Stage: stage, Blame: blame, Err: err}
}

func Unverified(stage Name, err error, a *artifact.Artifact) *Failure {
	return &Failure{Kind: FailureUnverified, Stage: stage, Blame: stage, Err: err, Artifact: a}
}

// Rejected is an Unverified failure of blame's output found by a later stage.
func Rejected(stage, blame Name, err error, a *artifact.Artifact) *Failure {
	return &Failure{Kind: FailureUnverified, Stage: stage, Blame: blame, Err: err, Artifact: a}
}

func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func IsTransient(err error) bool {
	f, ok := AsFailure(err)
	return ok && f.Kind == FailureTransient
}

// requireInput checks the artifact handed to stage against the schema of its
// predecessor's output.
func requireInput(stage Name, in *artifact.Artifact) error {
	prev, _ := stage.Predecessor()
	if in == nil {
		return SchemaViolation(stage, prev, errors.New("missing input artifact"))
	}
	if want := prev.Output(); in.Kind != want {
		return SchemaViolation(stage, prev, fmt.Errorf("input is %s, want %s", in.Kind, want))
	}
	if err := artifact.Check(in); err != nil {
		return SchemaViolation(stage, prev, err)
	}
	return nil
}

// checkOutput validates what stage produced; a fatal problem is blamed on
// the stage itself.
func checkOutput(stage Name, a *artifact.Artifact) (*artifact.Artifact, error) {
	if err := artifact.Check(a); err != nil {
		return nil, SchemaViolation(stage, stage, err)
	}
	return a, nil
}

// generationFailure classifies an error of the generation capability.
// Cancellation passes through unclassified.
func generationFailure(ctx context.Context, stage Name, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return Transient(stage, err)
}

// knowledgeFailure classifies a gateway error.
func knowledgeFailure(ctx context.Context, stage Name, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return Transient(stage, fmt.Errorf("knowledge gateway: %w", err))
}
