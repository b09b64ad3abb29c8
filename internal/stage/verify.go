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
	"fmt"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/verify"
)

// WholeVerifier is the whole-artifact mode of the harness.
type WholeVerifier interface {
	Whole(ctx context.Context, c verify.WholeCheck) (*artifact.VerificationResult, error)
}

// Verifier runs the assembled implementation against the job's reference
// observables.
type Verifier struct {
	harness WholeVerifier
}

func NewVerifier(h WholeVerifier) *Verifier { return &Verifier{harness: h} }

func (v *Verifier) Stage() Name { return Verify }

func (v *Verifier) Execute(ctx context.Context, in *artifact.Artifact, jc *JobContext) (*artifact.Artifact, error) {
	if err := requireInput(Verify, in); err != nil {
		return nil, err
	}
	res, err := v.harness.Whole(ctx, verify.WholeCheck{
		Language:  jc.Source.TargetLanguage,
		Content:   in.Implementation.Assembled,
		Reference: jc.Source.Reference,
		Tolerance: jc.Source.Tolerance,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	a, err := checkOutput(Verify, artifact.NewVerification(res))
	if err != nil {
		return nil, err
	}
	if !res.Passed() {
		reason := string(res.Outcome)
		if res.Reason != "" {
			reason += " (" + res.Reason + ")"
		}
		// the harness is deterministic: only a new implementation can change the outcome
		return nil, Rejected(Verify, Implement, fmt.Errorf("whole-artifact verification: %s", reason), a)
	}
	return a, nil
}
