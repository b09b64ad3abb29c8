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

package stage

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/iteration"
	"github.com/cloudwego/transmute/internal/log"
	"github.com/cloudwego/transmute/internal/scheduler"
	"github.com/cloudwego/transmute/internal/verify"
)

// Implementer drives the iteration controller over the design.
type Implementer struct {
	ctrl *iteration.Controller
	log  log.Entry
}

func NewImplementer(ctrl *iteration.Controller) *Implementer {
	return &Implementer{ctrl: ctrl, log: log.Named("implement")}
}

func (m *Implementer) Stage() Name { return Implement }

func (m *Implementer) Execute(ctx context.Context, in *artifact.Artifact, jc *JobContext) (*artifact.Artifact, error) {
	if err := requireInput(Implement, in); err != nil {
		return nil, err
	}
	plan := iteration.Plan{
		Design:   in.Design,
		Gateway:  jc.Knowledge,
		Language: jc.Source.TargetLanguage,
	}
	if an := jc.Artifact(artifact.KindAnalysis); an != nil {
		plan.Analysis = an.Analysis
	}

	res, runErr := m.ctrl.Run(ctx, plan)
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(runErr, scheduler.ErrInvalidGraph):
		return nil, SchemaViolation(Implement, Design, runErr)
	case errors.Is(runErr, iteration.ErrFailureBudget):
		impl, _ := res.Artifact()
		return nil, Unverified(Implement, runErr, artifact.NewImplementation(impl))
	case errors.Is(runErr, verify.ErrToleranceRequired):
		// configuration problem, retrying cannot help
		return nil, runErr
	default:
		return nil, Transient(Implement, runErr)
	}

	impl, err := res.Artifact()
	if err != nil {
		return nil, Unverified(Implement, err, artifact.NewImplementation(impl))
	}
	m.log.Info("implementation finished",
		zap.String("job", jc.JobID),
		zap.Int("verified", res.Verified()),
		zap.Int("failed", res.Failed()))
	return checkOutput(Implement, artifact.NewImplementation(impl))
}
