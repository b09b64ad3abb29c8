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
	"time"

	"github.com/cloudwego/transmute/internal/config"
	"github.com/cloudwego/transmute/internal/stage"
)

// Agent decides what to do when a stage attempt fails.
// The Agent only schedules; it never touches artifacts or job state.
type Agent interface {
	// failure is nil for errors no stage classified.
	OnFailure(ctx context.Context, s stage.Name, failure *stage.Failure, b Budget) Decision
}

// Decision is the action to take after a stage failure.
type Decision string

const (
	DecisionRetry            Decision = "retry"
	DecisionRerunPredecessor Decision = "rerun_predecessor"
	DecisionFail             Decision = "fail"
	DecisionEscalate         Decision = "escalate"
)

// Budget is what is left to spend when a failure is decided.
type Budget struct {
	Attempt     int
	MaxAttempts int
	Reruns      int
	MaxReruns   int
}

// DefaultAgent retries self-blamed failures while attempts remain and re-runs
// the blamed predecessor while re-runs remain. It escalates anything it
// cannot classify.
type DefaultAgent struct{}

func (DefaultAgent) OnFailure(ctx context.Context, s stage.Name, f *stage.Failure, b Budget) Decision {
	if f == nil {
		return DecisionEscalate
	}
	switch f.Kind {
	case stage.FailureTransient:
		if b.Attempt < b.MaxAttempts {
			return DecisionRetry
		}
		return DecisionFail
	case stage.FailureUnverified:
		if f.Blame != "" && f.Blame != s {
			if b.Reruns < b.MaxReruns {
				return DecisionRerunPredecessor
			}
			return DecisionFail
		}
		if b.Attempt < b.MaxAttempts {
			return DecisionRetry
		}
		return DecisionFail
	case stage.FailureSchemaViolation:
		if f.Blame == "" {
			return DecisionEscalate
		}
		if f.Blame == s {
			if b.Attempt < b.MaxAttempts {
				return DecisionRetry
			}
			return DecisionFail
		}
		if b.Reruns < b.MaxReruns {
			return DecisionRerunPredecessor
		}
		return DecisionFail
	}
	return DecisionEscalate
}

// RetryPolicy bounds the attempts of one stage.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Multiplier  float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	return p
}

// Delay is the wait before attempt+1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Backoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if time.Duration(d) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// PoliciesFrom builds per-stage policies from the pipeline configuration.
func PoliciesFrom(c config.PipelineConfig) map[stage.Name]RetryPolicy {
	out := make(map[stage.Name]RetryPolicy, len(stage.Order))
	for _, s := range stage.Order {
		rc := c.ForStage(string(s))
		out[s] = RetryPolicy{MaxAttempts: rc.MaxAttempts, Backoff: rc.Backoff, MaxBackoff: rc.MaxBackoff}
	}
	return out
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
