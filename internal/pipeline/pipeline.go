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

// Package pipeline is the Coordinator: it owns the job state machine, runs
// the stages in order and applies the retry and escalation policy.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	perrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/log"
	"github.com/cloudwego/transmute/internal/metrics"
	"github.com/cloudwego/transmute/internal/scheduler"
	"github.com/cloudwego/transmute/internal/stage"
	"github.com/cloudwego/transmute/internal/store"
	"github.com/cloudwego/transmute/knowledge"
)

var (
	ErrJobNotFound          = errors.New("pipeline: job not found")
	ErrTerminal             = errors.New("pipeline: job is in a terminal state")
	ErrRunning              = errors.New("pipeline: job is already running")
	ErrInvalidSource        = errors.New("pipeline: invalid source")
	ErrRetryBudgetExhausted = errors.New("pipeline: retry budget exhausted")
	ErrEscalated            = errors.New("pipeline: job escalated")
)

// ReasonCancelled is the terminal reason of a cancelled job.
const ReasonCancelled = "cancelled"

// Pinner hands out the knowledge snapshot a job is bound to for its lifetime.
type Pinner interface {
	Pin() (knowledge.Gateway, string, error)
}

// Consumer receives every completed job.
type Consumer interface {
	Consume(ctx context.Context, job Job) error
}

type ConsumerFunc func(ctx context.Context, job Job) error

func (f ConsumerFunc) Consume(ctx context.Context, job Job) error { return f(ctx, job) }

type Option func(*Coordinator)

func WithAgent(a Agent) Option         { return func(c *Coordinator) { c.agent = a } }
func WithSink(s store.Sink) Option     { return func(c *Coordinator) { c.sink = s } }
func WithConsumer(cs Consumer) Option  { return func(c *Coordinator) { c.consumer = cs } }
func WithMaxSchemaReruns(n int) Option { return func(c *Coordinator) { c.maxReruns = n } }

// WithWorkers bounds the number of jobs started with Start that run at once.
// Jobs waiting for a slot stay pending and can still be cancelled.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.slots = semaphore.NewWeighted(int64(n))
		}
	}
}
func WithPolicy(s stage.Name, p RetryPolicy) Option {
	return func(c *Coordinator) { c.policies[s] = p.withDefaults() }
}

// WithPolicies sets the retry policy of every stage listed.
func WithPolicies(ps map[stage.Name]RetryPolicy) Option {
	return func(c *Coordinator) {
		for s, p := range ps {
			c.policies[s] = p.withDefaults()
		}
	}
}

// Coordinator is the sole writer of job state. Executors report through
// return values only.
type Coordinator struct {
	executors map[stage.Name]stage.Executor
	knowledge Pinner
	agent     Agent
	sink      store.Sink
	consumer  Consumer
	policies  map[stage.Name]RetryPolicy
	maxReruns int
	slots     *semaphore.Weighted
	log       log.Entry

	mu   sync.RWMutex
	jobs map[string]*record
}

func New(kn Pinner, executors []stage.Executor, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		executors: make(map[stage.Name]stage.Executor, len(executors)),
		knowledge: kn,
		agent:     DefaultAgent{},
		policies:  map[stage.Name]RetryPolicy{},
		maxReruns: 2,
		log:       log.Named("pipeline"),
		jobs:      map[string]*record{},
	}
	for _, e := range executors {
		c.executors[e.Stage()] = e
	}
	for _, s := range stage.Order {
		if c.executors[s] == nil {
			return nil, fmt.Errorf("pipeline: no executor for stage %s", s)
		}
	}
	for _, o := range opts {
		o(c)
	}
	if c.sink == nil {
		c.sink = store.NewMemory()
	}
	if kn == nil {
		return nil, errors.New("pipeline: knowledge gateway is required")
	}
	return c, nil
}

func (c *Coordinator) policy(s stage.Name) RetryPolicy {
	if p, ok := c.policies[s]; ok {
		return p
	}
	return RetryPolicy{}.withDefaults()
}

// Submit registers a job in the pending state.
func (c *Coordinator) Submit(ctx context.Context, src artifact.Source) (Job, error) {
	var missing []string
	if strings.TrimSpace(src.Content) == "" {
		missing = append(missing, "content")
	}
	if src.Language == "" {
		missing = append(missing, "language")
	}
	if src.TargetLanguage == "" {
		missing = append(missing, "target_language")
	}
	if len(src.Reference) == 0 {
		missing = append(missing, "reference")
	}
	if len(missing) > 0 {
		return Job{}, perrors.Wrapf(ErrInvalidSource, "missing %s", strings.Join(missing, ", "))
	}
	if src.Tolerance != nil && *src.Tolerance < 0 {
		return Job{}, perrors.Wrap(ErrInvalidSource, "tolerance must not be negative")
	}

	rec := newRecord(uuid.NewString(), src)
	c.mu.Lock()
	c.jobs[rec.job.ID] = rec
	c.mu.Unlock()

	c.persist(ctx, rec.job.ID, store.RecordTransition, "", transitionPayload{To: StatePending})
	c.log.Info("job submitted", zap.String("job", rec.job.ID),
		zap.String("from", src.Language), zap.String("to", src.TargetLanguage))
	return rec.snapshot(), nil
}

func (c *Coordinator) lookup(id string) (*record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.jobs[id]
	if !ok {
		return nil, perrors.Wrapf(ErrJobNotFound, "job %s", id)
	}
	return rec, nil
}

func (c *Coordinator) Get(id string) (Job, error) {
	rec, err := c.lookup(id)
	if err != nil {
		return Job{}, err
	}
	return rec.snapshot(), nil
}

// List returns every job, oldest first.
func (c *Coordinator) List() []Job {
	c.mu.RLock()
	recs := make([]*record, 0, len(c.jobs))
	for _, r := range c.jobs {
		recs = append(recs, r)
	}
	c.mu.RUnlock()

	out := make([]Job, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Records returns what the sink holds for a job.
func (c *Coordinator) Records(ctx context.Context, id string) ([]store.Record, error) {
	if _, err := c.lookup(id); err != nil {
		return nil, err
	}
	return c.sink.Get(ctx, id)
}

// Start runs the job in the background. The job outlives ctx; use Cancel to
// stop it.
func (c *Coordinator) Start(ctx context.Context, id string) error {
	rec, err := c.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	terminal, running := rec.job.State.Terminal(), rec.running
	rec.mu.Unlock()
	if terminal {
		return ErrTerminal
	}
	if running {
		return ErrRunning
	}
	go func() {
		ctx := context.WithoutCancel(ctx)
		if c.slots != nil {
			_ = c.slots.Acquire(ctx, 1)
			defer c.slots.Release(1)
		}
		if err := c.Run(ctx, id); err != nil {
			c.log.Warn("job ended with error", zap.String("job", id), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until the job reaches a terminal state or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, id string) (Job, error) {
	rec, err := c.lookup(id)
	if err != nil {
		return Job{}, err
	}
	select {
	case <-rec.done:
		return rec.snapshot(), nil
	case <-ctx.Done():
		return rec.snapshot(), ctx.Err()
	}
}

// Cancel stops a running job, or fails a job that never started. Either way
// the job ends failed with the artifacts committed so far.
func (c *Coordinator) Cancel(id string) error {
	rec, err := c.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	if rec.job.State.Terminal() {
		rec.mu.Unlock()
		return ErrTerminal
	}
	if rec.running {
		cancel := rec.cancel
		rec.mu.Unlock()
		cancel()
		return nil
	}
	// decided and applied under one lock so a Run starting now sees a terminal job
	diag := rec.diagnosticsLocked(stage.Analyze, ReasonCancelled, nil, nil)
	from, err := rec.advance(StateFailed, ReasonCancelled, diag)
	id = rec.job.ID
	rec.mu.Unlock()
	if err != nil {
		return err
	}
	c.announce(context.Background(), id, from, StateFailed, ReasonCancelled)
	return nil
}

// Run drives the job to a terminal state and returns nil only when it
// completed.
func (c *Coordinator) Run(ctx context.Context, id string) error {
	rec, err := c.lookup(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec.mu.Lock()
	switch {
	case rec.job.State.Terminal():
		rec.mu.Unlock()
		return ErrTerminal
	case rec.running:
		rec.mu.Unlock()
		return ErrRunning
	}
	rec.running, rec.cancel = true, cancel
	rec.mu.Unlock()
	defer func() {
		rec.mu.Lock()
		rec.running, rec.cancel = false, nil
		rec.mu.Unlock()
	}()

	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()
	return c.drive(ctx, rec)
}

func (c *Coordinator) drive(ctx context.Context, rec *record) error {
	id := rec.job.ID
	l := c.log.With(zap.String("job", id))

	if rec.gateway == nil {
		gw, version, err := c.knowledge.Pin()
		if err != nil {
			reason := "knowledge snapshot unavailable: " + err.Error()
			c.finish(ctx, rec, StateEscalated, reason, rec.diagnostics(stage.Analyze, reason, nil, nil))
			return perrors.Wrap(ErrEscalated, reason)
		}
		rec.mu.Lock()
		rec.gateway = gw
		rec.job.KnowledgeVersion = version
		rec.mu.Unlock()
	}

	attempts := map[stage.Name]int{}
	reruns := 0
	for i := 0; i < len(stage.Order); {
		s := stage.Order[i]
		if err := c.transition(ctx, rec, stateOf(s), ""); err != nil {
			return err
		}
		attempts[s]++
		in := c.input(rec, s)

		att, out, err := c.attempt(ctx, rec, s, in, attempts[s], reruns)
		if err == nil {
			if err := rec.commit(out); err != nil {
				return err
			}
			c.record(ctx, rec, att)
			i++
			continue
		}
		if ctx.Err() != nil {
			c.record(ctx, rec, att)
			return c.cancelled(rec, s, in, ctx.Err())
		}

		f, _ := stage.AsFailure(err)
		pol := c.policy(s)
		d := c.agent.OnFailure(ctx, s, f, Budget{
			Attempt:     attempts[s],
			MaxAttempts: pol.MaxAttempts,
			Reruns:      reruns,
			MaxReruns:   c.maxReruns,
		})
		back := -1
		if d == DecisionRerunPredecessor {
			back = indexOf(f.Blame)
			if back < 0 || back >= i {
				d = DecisionEscalate
			}
		}
		att.Decision = d
		c.record(ctx, rec, att)
		l.Warn("stage attempt failed", zap.String("stage", string(s)), zap.Int("attempt", attempts[s]),
			zap.String("decision", string(d)), zap.Error(err))

		var last *artifact.Artifact
		if f != nil {
			last = f.Artifact
		}
		switch d {
		case DecisionRetry:
			if err := sleep(ctx, pol.Delay(attempts[s])); err != nil {
				return c.cancelled(rec, s, in, err)
			}
		case DecisionRerunPredecessor:
			reruns++
			for k := back; k <= i; k++ {
				attempts[stage.Order[k]] = 0
			}
			i = back
		case DecisionFail:
			reason := fmt.Sprintf("%s: retry budget exhausted after %d attempts: %v", s, attempts[s], err)
			c.finish(ctx, rec, StateFailed, reason, rec.diagnostics(s, reason, in, last))
			return perrors.Wrapf(ErrRetryBudgetExhausted, "stage %s: %v", s, err)
		default:
			reason := fmt.Sprintf("%s: %v", s, err)
			c.finish(ctx, rec, StateEscalated, reason, rec.diagnostics(s, reason, in, last))
			return perrors.Wrapf(ErrEscalated, "stage %s: %v", s, err)
		}
	}

	if err := c.finish(ctx, rec, StateCompleted, "", nil); err != nil {
		return err
	}
	if c.consumer != nil {
		if err := c.consumer.Consume(ctx, rec.snapshot()); err != nil {
			l.Warn("consumer rejected completed job", zap.Error(err))
		}
	}
	l.Info("job completed")
	return nil
}

func indexOf(s stage.Name) int {
	for i, n := range stage.Order {
		if n == s {
			return i
		}
	}
	return -1
}

func (c *Coordinator) input(rec *record, s stage.Name) *artifact.Artifact {
	prev, ok := s.Predecessor()
	if !ok {
		return nil
	}
	return rec.latest(prev.Output())
}

// attempt runs one stage execution. The artifact is returned only when it
// validates and was persisted.
func (c *Coordinator) attempt(ctx context.Context, rec *record, s stage.Name, in *artifact.Artifact, n, round int) (Attempt, *artifact.Artifact, error) {
	snap := rec.snapshot()
	ctx, span := metrics.Tracer.Start(ctx, "stage."+string(s), trace.WithAttributes(
		attribute.String("job.id", snap.ID),
		attribute.Int("attempt", n),
		attribute.Int("round", round),
	))
	defer span.End()

	att := Attempt{Stage: s, Number: n, Round: round, StartedAt: time.Now().UTC()}
	jc := stage.NewJobContext(snap.ID, snap.Source, rec.gateway, snap.KnowledgeVersion, n, rec.latest)
	out, err := c.executors[s].Execute(ctx, in, jc)
	if err == nil {
		err = validateOutput(s, out)
	}
	if err == nil {
		if perr := c.sink.Append(ctx, mustRecord(snap.ID, store.RecordArtifact, string(s), out)); perr != nil {
			err = stage.Transient(s, perrors.Wrap(perr, "persist artifact"))
		}
	}
	att.EndedAt = time.Now().UTC()
	metrics.StageDuration.WithLabelValues(string(s)).Observe(att.EndedAt.Sub(att.StartedAt).Seconds())

	result := "ok"
	if err != nil {
		att.Status = AttemptFailed
		att.Error = err.Error()
		result = "error"
		if f, ok := stage.AsFailure(err); ok {
			att.FailureKind = f.Kind
			result = string(f.Kind)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		metrics.StageAttempts.WithLabelValues(string(s), result).Inc()
		return att, nil, err
	}
	att.Status = AttemptOK
	att.ArtifactHash = out.Hash
	metrics.StageAttempts.WithLabelValues(string(s), result).Inc()
	return att, out, nil
}

// validateOutput gates every stage transition on the produced artifact.
func validateOutput(s stage.Name, out *artifact.Artifact) error {
	if out == nil {
		return stage.SchemaViolation(s, s, errors.New("stage produced no artifact"))
	}
	if out.Kind != s.Output() {
		return stage.SchemaViolation(s, s, fmt.Errorf("stage produced %s, want %s", out.Kind, s.Output()))
	}
	if err := artifact.Check(out); err != nil {
		return stage.SchemaViolation(s, s, err)
	}
	if s == stage.Design {
		if _, err := scheduler.Order(out.Design); err != nil {
			return stage.SchemaViolation(s, s, err)
		}
	}
	return nil
}

func (c *Coordinator) record(ctx context.Context, rec *record, att Attempt) {
	rec.appendAttempt(att)
	c.persist(ctx, rec.job.ID, store.RecordAttempt, string(att.Stage), att)
}

func (c *Coordinator) cancelled(rec *record, s stage.Name, in *artifact.Artifact, cause error) error {
	c.finish(context.Background(), rec, StateFailed, ReasonCancelled, rec.diagnostics(s, ReasonCancelled, in, nil))
	return cause
}

type transitionPayload struct {
	From   JobState `json:"from,omitempty"`
	To     JobState `json:"to"`
	Reason string   `json:"reason,omitempty"`
}

// transition moves the job to state. Moving to the current state is a no-op.
func (c *Coordinator) transition(ctx context.Context, rec *record, to JobState, reason string) error {
	return c.move(ctx, rec, to, reason, nil)
}

// finish moves the job to a terminal state and attaches the diagnostics.
func (c *Coordinator) finish(ctx context.Context, rec *record, to JobState, reason string, diag *DiagnosticBundle) error {
	return c.move(ctx, rec, to, reason, diag)
}

func (c *Coordinator) move(ctx context.Context, rec *record, to JobState, reason string, diag *DiagnosticBundle) error {
	rec.mu.Lock()
	from, err := rec.advance(to, reason, diag)
	id := rec.job.ID
	rec.mu.Unlock()
	if err != nil || from == to {
		return err
	}
	c.announce(ctx, id, from, to, reason)
	return nil
}

// announce publishes a transition that already happened.
func (c *Coordinator) announce(ctx context.Context, id string, from, to JobState, reason string) {
	metrics.JobTransitions.WithLabelValues(string(from), string(to)).Inc()
	c.log.Debug("job transition", zap.String("job", id), zap.String("from", string(from)), zap.String("to", string(to)))
	c.persist(ctx, id, store.RecordTransition, "", transitionPayload{From: from, To: to, Reason: reason})
}

// persist appends a record. Records of a cancelled job are still written.
func (c *Coordinator) persist(ctx context.Context, id string, kind store.RecordKind, s string, payload any) {
	r, err := store.NewRecord(id, kind, s, payload)
	if err == nil {
		err = c.sink.Append(context.WithoutCancel(ctx), r)
	}
	if err != nil {
		c.log.Error("persist record", zap.String("job", id), zap.String("kind", string(kind)), zap.Error(err))
	}
}

func mustRecord(id string, kind store.RecordKind, s string, payload any) store.Record {
	r, err := store.NewRecord(id, kind, s, payload)
	if err != nil {
		// artifacts are sealed, so they always marshal
		panic(err)
	}
	return r
}
