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

// Package iteration drives the per-unit read, query, produce, verify loop of
// the Implement stage.
package iteration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	perrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/log"
	"github.com/cloudwego/transmute/internal/metrics"
	"github.com/cloudwego/transmute/internal/scheduler"
	"github.com/cloudwego/transmute/internal/verify"
	"github.com/cloudwego/transmute/knowledge"
)

// ErrFailureBudget is returned when failed units exceed the configured
// fraction of all units.
var ErrFailureBudget = errors.New("iteration: failed units exceed the allowed fraction")

// Suspension names the points where a unit waits on an external call.
type Suspension string

const (
	SuspendQuery   Suspension = "query"
	SuspendProduce Suspension = "produce"
	SuspendVerify  Suspension = "verify"
)

// Observer receives unit progress. Calls may come from several goroutines
// when branches run concurrently.
type Observer interface {
	OnTransition(taskID string, from, to artifact.UnitStatus)
	OnSuspend(taskID string, point Suspension, attempt int)
}

// Verifier is the per-unit verification harness.
type Verifier interface {
	Unit(ctx context.Context, c verify.UnitCheck) (*artifact.VerificationResult, error)
}

type Config struct {
	UnitMaxRetries     int
	MaxFailureFraction float64
	// MaxParallel > 1 runs units of one scheduler layer concurrently.
	MaxParallel   int
	RefineQueries bool
}

type Controller struct {
	producer Producer
	verifier Verifier
	planner  Planner
	observer Observer
	cfg      Config
}

type Option func(*Controller)

func WithPlanner(p Planner) Option   { return func(c *Controller) { c.planner = p } }
func WithObserver(o Observer) Option { return func(c *Controller) { c.observer = o } }

func New(p Producer, v Verifier, cfg Config, opts ...Option) *Controller {
	if cfg.UnitMaxRetries <= 0 {
		cfg.UnitMaxRetries = 3
	}
	c := &Controller{producer: p, verifier: v, planner: DefaultPlanner{}, cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Plan is what one Implement attempt works on.
type Plan struct {
	Design   *artifact.DesignBlueprint
	Analysis *artifact.AnalysisReport
	Gateway  knowledge.Gateway
	Language string
}

// Unit is the runtime state of one task.
type Unit struct {
	TaskID     string
	Status     artifact.UnitStatus
	Content    string
	Retries    int
	Errors     []string
	Blocked    bool
	Confidence artifact.Confidence
	Queries    int
}

// Result holds every unit in scheduler order, including unfinished ones.
type Result struct {
	Language string
	Units    []*Unit
}

func (r *Result) count(s artifact.UnitStatus) int {
	n := 0
	for _, u := range r.Units {
		if u.Status == s {
			n++
		}
	}
	return n
}

func (r *Result) Verified() int { return r.count(artifact.UnitVerified) }
func (r *Result) Failed() int   { return r.count(artifact.UnitFailed) }

// Fraction is failed units over all units.
func (r *Result) Fraction() float64 {
	if len(r.Units) == 0 {
		return 0
	}
	return float64(r.Failed()) / float64(len(r.Units))
}

func (r *Result) Unit(id string) *Unit {
	for _, u := range r.Units {
		if u.TaskID == id {
			return u
		}
	}
	return nil
}

// Artifact promotes the result into an ImplementationArtifact. Only verified
// units contribute to Assembled.
func (r *Result) Artifact() (*artifact.ImplementationArtifact, error) {
	out := &artifact.ImplementationArtifact{Language: r.Language, Units: make([]artifact.Unit, 0, len(r.Units))}
	var parts []string
	for _, u := range r.Units {
		out.Units = append(out.Units, artifact.Unit{
			TaskID:  u.TaskID,
			Status:  u.Status,
			Content: u.Content,
			Retries: u.Retries,
			Errors:  append([]string(nil), u.Errors...),
		})
		if u.Status == artifact.UnitVerified {
			parts = append(parts, u.Content)
		}
	}
	assembled, err := verify.Assemble(r.Language, parts)
	if err != nil {
		return out, err
	}
	out.Assembled = assembled
	return out, nil
}

type run struct {
	c     *Controller
	plan  Plan
	graph *scheduler.Graph
	order []string
	mu    sync.Mutex
	units map[string]*Unit
	res   *Result
	log   log.Entry
}

// Run implements every task of plan.Design in dependency order. The result
// is returned even on error so partial progress stays inspectable. Graph
// errors wrap scheduler.ErrInvalidGraph.
func (c *Controller) Run(ctx context.Context, plan Plan) (*Result, error) {
	res := &Result{Language: plan.Language}
	if plan.Gateway == nil {
		return res, errors.New("iteration: plan has no knowledge gateway")
	}
	g, err := scheduler.New(plan.Design)
	if err != nil {
		return res, err
	}
	order, err := g.Order()
	if err != nil {
		return res, err
	}
	r := &run{
		c:     c,
		plan:  plan,
		graph: g,
		order: order,
		units: make(map[string]*Unit, len(order)),
		res:   res,
		log:   log.Named("iteration"),
	}
	for _, id := range order {
		u := &Unit{TaskID: id, Status: artifact.UnitPending, Confidence: artifact.ConfidenceHigh}
		r.units[id] = u
		res.Units = append(res.Units, u)
	}
	ctx = knowledge.WithGateway(ctx, plan.Gateway)

	if c.cfg.MaxParallel > 1 {
		layers, err := g.Layers()
		if err != nil {
			return res, err
		}
		for _, layer := range layers {
			eg, ectx := errgroup.WithContext(ctx)
			eg.SetLimit(c.cfg.MaxParallel)
			for _, id := range layer {
				id := id
				eg.Go(func() error { return r.unit(ectx, id) })
			}
			if err := eg.Wait(); err != nil {
				return res, err
			}
			if err := r.budget(); err != nil {
				return res, err
			}
		}
		return res, nil
	}

	for _, id := range order {
		if err := r.unit(ctx, id); err != nil {
			return res, err
		}
		if err := r.budget(); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *run) budget() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f := r.res.Fraction(); f > r.c.cfg.MaxFailureFraction {
		return perrors.Wrapf(ErrFailureBudget, "%d of %d units failed (%.2f > %.2f)",
			r.res.Failed(), len(r.res.Units), f, r.c.cfg.MaxFailureFraction)
	}
	return nil
}

func (r *run) transition(u *Unit, to artifact.UnitStatus) {
	r.mu.Lock()
	from := u.Status
	u.Status = to
	r.mu.Unlock()
	if r.c.observer != nil {
		r.c.observer.OnTransition(u.TaskID, from, to)
	}
	if to == artifact.UnitVerified || to == artifact.UnitFailed {
		metrics.UnitOutcomes.WithLabelValues(string(to)).Inc()
	}
}

func (r *run) suspend(id string, point Suspension, attempt int) {
	if r.c.observer != nil {
		r.c.observer.OnSuspend(id, point, attempt)
	}
}

func (r *run) status(id string) artifact.UnitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.units[id].Status
}

// upstream returns the verified content of every transitive dependency of
// id in scheduler order.
func (r *run) upstream(id string) []string {
	seen := map[string]bool{}
	var visit func(string)
	visit = func(n string) {
		for _, d := range r.graph.Dependencies(n) {
			if !seen[d] {
				seen[d] = true
				visit(d)
			}
		}
	}
	visit(id)
	out := make([]string, 0, len(seen))
	for _, n := range r.order {
		if seen[n] {
			out = append(out, r.units[n].Content)
		}
	}
	return out
}

// unit runs the loop for one task. Only infrastructure problems and
// cancellation are returned as errors; verification failures are unit state.
func (r *run) unit(ctx context.Context, id string) error {
	u := r.units[id]
	task, _ := r.plan.Design.Task(id)
	l := r.log.With(zap.String("task", id))

	ctx, span := metrics.Tracer.Start(ctx, "iteration.unit")
	span.SetAttributes(attribute.String("task", id))
	defer span.End()

	// dependencies are finished by now; anything not verified blocks the unit
	for _, d := range r.graph.Dependencies(id) {
		if r.status(d) != artifact.UnitVerified {
			u.Blocked = true
			u.Errors = append(u.Errors, fmt.Sprintf("dependency %s did not verify", d))
			r.transition(u, artifact.UnitFailed)
			l.Warn("unit blocked", zap.String("dependency", d))
			return nil
		}
	}
	r.transition(u, artifact.UnitInProgress)

	// read
	req := UnitRequest{
		TargetLanguage: r.plan.Language,
		Task:           task,
		Params:         r.params(task, l),
	}
	for _, d := range r.graph.Dependencies(id) {
		du := r.units[d]
		req.Dependencies = append(req.Dependencies, artifact.Unit{TaskID: d, Status: du.Status, Content: du.Content})
	}
	check := verify.UnitCheck{
		Language:     r.plan.Language,
		TaskID:       id,
		Dependencies: r.upstream(id),
		Invariant:    task.Invariant,
		Params:       req.Params,
		Reference:    task.Reference,
		Tolerance:    task.Tolerance,
	}

	queries := r.c.planner.Initial(task)
	issued := map[knowledge.Query]bool{}
	facts := map[string]bool{}

	for attempt := 1; attempt <= r.c.cfg.UnitMaxRetries; attempt++ {
		req.Attempt = attempt

		// query
		r.suspend(id, SuspendQuery, attempt)
		for _, q := range queries {
			if issued[q] {
				continue
			}
			issued[q] = true
			u.Queries++
			ans, err := r.plan.Gateway.Query(ctx, q)
			if err != nil {
				return queryError(ctx, id, err)
			}
			if ans.Empty() {
				u.Confidence = artifact.ConfidenceReduced
				l.Info("knowledge miss", zap.String("query", q.Text))
				continue
			}
			for _, f := range ans.Answers {
				if !facts[f.CapabilityName] {
					facts[f.CapabilityName] = true
					req.Facts = append(req.Facts, f)
				}
			}
		}

		// produce
		r.suspend(id, SuspendProduce, attempt)
		content, err := r.c.producer.Produce(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return perrors.Wrapf(err, "produce unit %s", id)
		}

		// verify
		r.suspend(id, SuspendVerify, attempt)
		check.Content = content
		res, err := r.c.verifier.Unit(ctx, check)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return perrors.Wrapf(err, "verify unit %s", id)
		}
		if res.Passed() {
			u.Content = content
			r.transition(u, artifact.UnitVerified)
			l.Info("unit verified", zap.Int("attempt", attempt))
			return nil
		}

		u.Retries = attempt
		u.Content = content
		msg := describe(attempt, res)
		u.Errors = append(u.Errors, msg)
		metrics.UnitRetries.Inc()
		l.Info("unit attempt failed", zap.Int("attempt", attempt), zap.String("outcome", string(res.Outcome)))

		req.Previous = content
		req.Errors = append(req.Errors, msg)
		if r.c.cfg.RefineQueries {
			queries = r.c.planner.Refine(task, queries, res)
		}
	}

	r.transition(u, artifact.UnitFailed)
	l.Warn("unit retry budget exhausted", zap.Int("retries", u.Retries))
	return nil
}

// params resolves the task's required parameters from the analysis.
func (r *run) params(task artifact.Task, l log.Entry) map[string]string {
	out := map[string]string{}
	if r.plan.Analysis == nil {
		return out
	}
	for _, name := range task.RequiredParams {
		if v, ok := r.plan.Analysis.Parameters.Lookup(name); ok {
			out[name] = v
		} else {
			l.Debug("required parameter not found", zap.String("param", name))
		}
	}
	return out
}

func describe(attempt int, res *artifact.VerificationResult) string {
	msg := fmt.Sprintf("attempt %d: %s", attempt, res.Outcome)
	if res.Reason != "" {
		msg += " (" + res.Reason + ")"
	}
	if n := len(res.Trace); n > 0 {
		msg += ": " + res.Trace[n-1]
	}
	return msg
}

func queryError(ctx context.Context, id string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return perrors.Wrapf(err, "unit %s: knowledge query", id)
}
