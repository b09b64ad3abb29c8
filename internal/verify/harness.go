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

// Package verify executes candidate artifacts and checks them against
// reference observables.
package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/log"
	"github.com/cloudwego/transmute/internal/metrics"
)

type Mode string

const (
	ModeUnit  Mode = "unit"
	ModeWhole Mode = "whole"
)

// ErrToleranceRequired is returned when a unit has reference values but
// neither the unit nor the configuration names a tolerance.
var ErrToleranceRequired = errors.New("verify: unit has a reference but no tolerance is configured")

// ErrReferenceRequired is returned by Whole when there is nothing to compare.
var ErrReferenceRequired = errors.New("verify: whole-artifact verification needs reference observables")

type Config struct {
	Tolerance     float64
	UnitTolerance *float64
	Timeout       time.Duration
	UnitTimeout   time.Duration
	// WorkDir is the parent of per-run temporary workspaces; empty uses os.TempDir.
	WorkDir string
}

type Harness struct {
	runner Runner
	cfg    Config
	log    log.Entry
}

func New(runner Runner, cfg Config) *Harness {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.UnitTimeout <= 0 {
		cfg.UnitTimeout = 30 * time.Second
	}
	return &Harness{runner: runner, cfg: cfg, log: log.Named("verify")}
}

// UnitCheck is the input of per-unit verification.
type UnitCheck struct {
	Language string
	TaskID   string
	Content  string
	// Dependencies are the verified units this one builds on, in order.
	Dependencies []string
	Invariant    string
	Params       map[string]string
	Reference    map[string][]float64
	Tolerance    *float64
}

// Unit checks one candidate: structure, then the optional invariant, then the
// optional reference comparison. The unit is executed only when it has an
// invariant or a reference.
func (h *Harness) Unit(ctx context.Context, c UnitCheck) (res *artifact.VerificationResult, err error) {
	ctx, span := metrics.Tracer.Start(ctx, "verify.unit")
	span.SetAttributes(attribute.String("task", c.TaskID))
	defer func() {
		if res != nil {
			metrics.VerifyOutcomes.WithLabelValues(string(ModeUnit), string(res.Outcome)).Inc()
			span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
		}
		span.End()
	}()

	var eps float64
	if len(c.Reference) > 0 {
		switch {
		case c.Tolerance != nil:
			eps = *c.Tolerance
		case h.cfg.UnitTolerance != nil:
			eps = *h.cfg.UnitTolerance
		default:
			return nil, errors.Wrapf(ErrToleranceRequired, "task %s", c.TaskID)
		}
	}

	base := &artifact.VerificationResult{
		Outcome:   artifact.OutcomePass,
		Measured:  map[string][]float64{},
		Reference: copyObs(c.Reference),
		Tolerance: eps,
		Trace:     []string{},
	}
	if err := CheckStructure(ctx, c.Language, c.Content); err != nil {
		return runtimeFailure(base, artifact.ReasonStructure, fmt.Sprintf("%s: %v", c.TaskID, err)), nil
	}
	base.Trace = append(base.Trace, "structure ok")
	if c.Invariant == "" && len(c.Reference) == 0 {
		return base, nil
	}

	program, err := Assemble(c.Language, append(append([]string(nil), c.Dependencies...), c.Content))
	if err != nil {
		return runtimeFailure(base, artifact.ReasonStructure, err.Error()), nil
	}
	measured, failed, err := h.execute(ctx, c.Language, program, h.cfg.UnitTimeout, base)
	if err != nil || failed != nil {
		return failed, err
	}
	base.Measured = measured

	if c.Invariant != "" {
		ok, err := evalInvariant(c.Invariant, c.Params, measured)
		if err != nil {
			return runtimeFailure(base, artifact.ReasonInvariant, fmt.Sprintf("invariant %q: %v", c.Invariant, err)), nil
		}
		if !ok {
			base.Outcome = artifact.OutcomeToleranceFailure
			base.Reason = artifact.ReasonInvariant
			base.Trace = append(base.Trace, fmt.Sprintf("invariant %q does not hold", c.Invariant))
			return base, nil
		}
		base.Trace = append(base.Trace, fmt.Sprintf("invariant %q holds", c.Invariant))
	}
	if len(c.Reference) == 0 {
		return base, nil
	}
	cmp := Compare(measured, c.Reference, eps)
	cmp.Trace = append(base.Trace, cmp.Trace...)
	return cmp, nil
}

// WholeCheck is the input of whole-artifact verification.
type WholeCheck struct {
	Language  string
	Content   string
	Reference map[string][]float64
	// Tolerance overrides the configured whole-artifact tolerance.
	Tolerance *float64
}

// Whole runs the assembled artifact and compares its observables.
func (h *Harness) Whole(ctx context.Context, c WholeCheck) (res *artifact.VerificationResult, err error) {
	ctx, span := metrics.Tracer.Start(ctx, "verify.whole")
	defer func() {
		if res != nil {
			metrics.VerifyOutcomes.WithLabelValues(string(ModeWhole), string(res.Outcome)).Inc()
			span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
		}
		span.End()
	}()

	if len(c.Reference) == 0 {
		return nil, ErrReferenceRequired
	}
	eps := h.cfg.Tolerance
	if c.Tolerance != nil {
		eps = *c.Tolerance
	}
	base := &artifact.VerificationResult{
		Outcome:   artifact.OutcomePass,
		Measured:  map[string][]float64{},
		Reference: copyObs(c.Reference),
		Tolerance: eps,
		Trace:     []string{},
	}
	if err := CheckStructure(ctx, c.Language, c.Content); err != nil {
		return runtimeFailure(base, artifact.ReasonStructure, err.Error()), nil
	}
	measured, failed, err := h.execute(ctx, c.Language, c.Content, h.cfg.Timeout, base)
	if err != nil || failed != nil {
		return failed, err
	}
	res = Compare(measured, c.Reference, eps)
	h.log.Info("whole-artifact verification", zap.String("outcome", string(res.Outcome)), zap.Strings("trace", res.Trace))
	return res, nil
}

// execute writes program to a fresh workspace and runs it. A non-nil failed
// result means the run did not produce observables.
func (h *Harness) execute(ctx context.Context, lang, program string, timeout time.Duration, base *artifact.VerificationResult) (map[string][]float64, *artifact.VerificationResult, error) {
	if h.runner == nil {
		return nil, nil, errors.New("verify: no runner configured")
	}
	dir, err := os.MkdirTemp(h.cfg.WorkDir, "transmute-run-")
	if err != nil {
		return nil, nil, errors.Wrap(err, "create workspace")
	}
	defer os.RemoveAll(dir)

	entry := EntryFile(lang)
	if err := os.WriteFile(filepath.Join(dir, entry), []byte(program), 0o644); err != nil {
		return nil, nil, errors.Wrap(err, "write entry file")
	}
	if isGo(lang) {
		mod, err := goMod()
		if err != nil {
			return nil, nil, errors.Wrap(err, "render go.mod")
		}
		if err := os.WriteFile(filepath.Join(dir, "go.mod"), mod, 0o644); err != nil {
			return nil, nil, errors.Wrap(err, "write go.mod")
		}
	}

	out, err := h.runner.Run(ctx, RunRequest{Language: lang, Dir: dir, File: entry, Timeout: timeout})
	if err != nil {
		if ctx.Err() != nil {
			return nil, runtimeFailure(base, artifact.ReasonCancelled, "run cancelled"), ctx.Err()
		}
		return nil, nil, err
	}
	scrub := func(s string) string { return strings.ReplaceAll(s, dir, "$WORK") }
	if out.TimedOut {
		return nil, runtimeFailure(base, artifact.ReasonTimeout, fmt.Sprintf("no result within %s", timeout)), nil
	}
	if out.ExitCode != 0 {
		return nil, runtimeFailure(base, artifact.ReasonExitStatus,
			fmt.Sprintf("exit status %d: %s", out.ExitCode, tail(scrub(out.Stderr), 20))), nil
	}
	return ParseObservables(out.Stdout), nil, nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// evalInvariant evaluates expr over numeric params and scalar observables.
// Observables shadow parameters of the same name.
func evalInvariant(expr string, params map[string]string, measured map[string][]float64) (bool, error) {
	e, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return false, err
	}
	vars := map[string]interface{}{}
	for k, v := range params {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			vars[k] = f
		}
	}
	for k, v := range measured {
		if len(v) == 1 {
			vars[k] = v[0]
		}
	}
	out, err := e.Evaluate(vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("evaluates to %v, not a boolean", out)
	}
	return b, nil
}
