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

package iteration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/scheduler"
	"github.com/cloudwego/transmute/internal/verify"
	"github.com/cloudwego/transmute/knowledge"
)

type fakeGateway struct {
	mu      sync.Mutex
	queries []knowledge.Query
	facts   map[string][]knowledge.Fact
	err     error
}

func (g *fakeGateway) Query(ctx context.Context, q knowledge.Query) (knowledge.Answer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries = append(g.queries, q)
	if g.err != nil {
		return knowledge.Answer{}, g.err
	}
	return knowledge.Answer{Answers: g.facts[q.Text]}, nil
}

// scripted passes a unit on the attempt listed in passOn; 0 never passes.
type scripted struct {
	mu       sync.Mutex
	passOn   map[string]int
	attempts map[string]int
}

func newScripted(passOn map[string]int) *scripted {
	return &scripted{passOn: passOn, attempts: map[string]int{}}
}

func (s *scripted) Unit(ctx context.Context, c verify.UnitCheck) (*artifact.VerificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[c.TaskID]++
	want, ok := s.passOn[c.TaskID]
	if !ok {
		want = 1
	}
	if want != 0 && s.attempts[c.TaskID] >= want {
		return &artifact.VerificationResult{Outcome: artifact.OutcomePass}, nil
	}
	return &artifact.VerificationResult{
		Outcome: artifact.OutcomeToleranceFailure,
		Trace:   []string{fmt.Sprintf("%s off by 0.1", c.TaskID)},
	}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) OnTransition(id string, from, to artifact.UnitStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, id+":"+string(to))
}

func (r *recorder) OnSuspend(id string, p Suspension, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s@%s#%d", id, p, attempt))
}

func (r *recorder) index(event string) int {
	for i, e := range r.events {
		if e == event {
			return i
		}
	}
	return -1
}

func echoProducer(calls *sync.Map) Producer {
	return ProducerFunc(func(ctx context.Context, req UnitRequest) (string, error) {
		n, _ := calls.LoadOrStore(req.Task.ID, new(int))
		*n.(*int)++
		return fmt.Sprintf("# %s attempt %d", req.Task.ID, req.Attempt), nil
	})
}

func calls(m *sync.Map, id string) int {
	n, ok := m.Load(id)
	if !ok {
		return 0
	}
	return *n.(*int)
}

func blueprintPQR() *artifact.DesignBlueprint {
	return &artifact.DesignBlueprint{
		Tasks: []artifact.Task{
			{ID: "P", Strategy: "build lattice", DependsOn: []string{}},
			{ID: "Q", Strategy: "build hamiltonian", DependsOn: []string{}},
			{ID: "R", Strategy: "observe energy", DependsOn: []string{"P", "Q"}},
		},
		DependencyGraph: map[string][]string{"P": {}, "Q": {}, "R": {"P", "Q"}},
	}
}

func plan(b *artifact.DesignBlueprint, gw knowledge.Gateway) Plan {
	return Plan{Design: b, Gateway: gw, Language: "python"}
}

func TestDependencyRespect(t *testing.T) {
	for _, parallel := range []int{1, 4} {
		t.Run(fmt.Sprintf("parallel=%d", parallel), func(t *testing.T) {
			rec := &recorder{}
			var produced sync.Map
			c := New(echoProducer(&produced), newScripted(nil), Config{UnitMaxRetries: 3, MaxParallel: parallel}, WithObserver(rec))

			res, err := c.Run(context.Background(), plan(blueprintPQR(), &fakeGateway{}))
			require.NoError(t, err)
			assert.Equal(t, 3, res.Verified())

			start := rec.index("R:in_progress")
			require.GreaterOrEqual(t, start, 0)
			assert.Less(t, rec.index("P:verified"), start)
			assert.Less(t, rec.index("Q:verified"), start)
		})
	}
}

func TestUnitFailsAfterRetryBudget(t *testing.T) {
	var produced sync.Map
	v := newScripted(map[string]int{"P": 4})
	c := New(echoProducer(&produced), v, Config{UnitMaxRetries: 3, MaxFailureFraction: 1})

	b := &artifact.DesignBlueprint{
		Tasks:           []artifact.Task{{ID: "P", Strategy: "s"}, {ID: "Q", Strategy: "t"}},
		DependencyGraph: map[string][]string{},
	}
	res, err := c.Run(context.Background(), plan(b, &fakeGateway{}))
	require.NoError(t, err)

	p := res.Unit("P")
	assert.Equal(t, artifact.UnitFailed, p.Status)
	assert.Equal(t, 3, p.Retries)
	assert.Len(t, p.Errors, 3)
	assert.Equal(t, 3, calls(&produced, "P"), "attempt 4 never happens")
	assert.Equal(t, 3, v.attempts["P"])
	assert.Equal(t, 0.5, res.Fraction())
}

func TestFailureBudget(t *testing.T) {
	var produced sync.Map
	c := New(echoProducer(&produced), newScripted(map[string]int{"P": 0}), Config{UnitMaxRetries: 2, MaxFailureFraction: 0.2})

	res, err := c.Run(context.Background(), plan(blueprintPQR(), &fakeGateway{}))
	require.ErrorIs(t, err, ErrFailureBudget)
	assert.Equal(t, artifact.UnitFailed, res.Unit("P").Status)
	assert.Equal(t, artifact.UnitPending, res.Unit("Q").Status, "work stops once the budget is exceeded")
	assert.Equal(t, artifact.UnitPending, res.Unit("R").Status)
}

func TestBlockedDependents(t *testing.T) {
	var produced sync.Map
	rec := &recorder{}
	c := New(echoProducer(&produced), newScripted(map[string]int{"P": 0}),
		Config{UnitMaxRetries: 2, MaxFailureFraction: 1}, WithObserver(rec))

	res, err := c.Run(context.Background(), plan(blueprintPQR(), &fakeGateway{}))
	require.NoError(t, err)

	r := res.Unit("R")
	assert.Equal(t, artifact.UnitFailed, r.Status)
	assert.True(t, r.Blocked)
	assert.Zero(t, calls(&produced, "R"))
	assert.Equal(t, -1, rec.index("R:in_progress"), "a blocked unit never enters step 1")
	assert.Equal(t, artifact.UnitVerified, res.Unit("Q").Status)

	impl, err := res.Artifact()
	require.NoError(t, err)
	assert.Equal(t, "# Q attempt 1", impl.Assembled)
	require.Len(t, impl.Units, 3)
	assert.Equal(t, "# P attempt 2", impl.Units[0].Content, "failed units keep their last candidate")
}

func TestSuspensionPointsAndQueries(t *testing.T) {
	gw := &fakeGateway{facts: map[string][]knowledge.Fact{
		"observe energy": {{CapabilityName: "cudaq.observe"}},
	}}
	rec := &recorder{}
	var seen []UnitRequest
	prod := ProducerFunc(func(ctx context.Context, req UnitRequest) (string, error) {
		seen = append(seen, req)
		_, ok := knowledge.GatewayFrom(ctx)
		assert.True(t, ok, "producer context carries the job gateway")
		return "x = 1", nil
	})
	c := New(prod, newScripted(map[string]int{"R": 2}), Config{UnitMaxRetries: 3, RefineQueries: true}, WithObserver(rec))

	b := &artifact.DesignBlueprint{
		Tasks: []artifact.Task{{ID: "R", Strategy: "observe energy", Description: "energy of the lattice", RequiredParams: []string{"n_qubits", "missing"}}},
	}
	p := plan(b, gw)
	p.Analysis = &artifact.AnalysisReport{Parameters: artifact.Parameters{Main: map[string]string{"n_qubits": "7"}}}
	res, err := c.Run(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"R:in_progress",
		"R@query#1", "R@produce#1", "R@verify#1",
		"R@query#2", "R@produce#2", "R@verify#2",
		"R:verified",
	}, rec.events)

	u := res.Unit("R")
	assert.Equal(t, artifact.ConfidenceReduced, u.Confidence, "the description query missed")
	// two initial queries, one refined query on retry, none repeated
	assert.Equal(t, 3, u.Queries)
	assert.Len(t, gw.queries, 3)
	assert.Equal(t, "observe energy R off by 0.1", gw.queries[2].Text)
	for _, q := range gw.queries {
		assert.Equal(t, knowledge.Tactical, q.Granularity)
	}

	require.Len(t, seen, 2)
	assert.Equal(t, map[string]string{"n_qubits": "7"}, seen[0].Params)
	assert.Equal(t, "cudaq.observe", seen[0].Facts[0].CapabilityName)
	assert.Equal(t, "x = 1", seen[1].Previous)
	assert.Len(t, seen[1].Errors, 1)
}

func TestInvalidGraph(t *testing.T) {
	b := &artifact.DesignBlueprint{
		Tasks:           []artifact.Task{{ID: "A", DependsOn: []string{"B"}}, {ID: "B", DependsOn: []string{"A"}}},
		DependencyGraph: map[string][]string{"A": {"B"}, "B": {"A"}},
	}
	var produced sync.Map
	_, err := New(echoProducer(&produced), newScripted(nil), Config{}).Run(context.Background(), plan(b, &fakeGateway{}))
	assert.ErrorIs(t, err, scheduler.ErrInvalidGraph)
}

func TestInfrastructureErrors(t *testing.T) {
	var produced sync.Map
	boom := errors.New("connection refused")

	_, err := New(echoProducer(&produced), newScripted(nil), Config{}).Run(context.Background(), plan(blueprintPQR(), &fakeGateway{err: boom}))
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	prod := ProducerFunc(func(ctx context.Context, req UnitRequest) (string, error) {
		cancel()
		return "", ctx.Err()
	})
	res, err := New(prod, newScripted(nil), Config{}).Run(ctx, plan(blueprintPQR(), &fakeGateway{}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, artifact.UnitInProgress, res.Unit("P").Status)
}

func TestDefaultPlanner(t *testing.T) {
	p := DefaultPlanner{}
	task := artifact.Task{ID: "t", Strategy: "observe", Description: "observe"}
	qs := p.Initial(task)
	require.Len(t, qs, 1)

	qs = p.Refine(task, qs, &artifact.VerificationResult{Trace: []string{"structure ok", "energy off"}})
	require.Len(t, qs, 2)
	assert.Equal(t, "observe energy off", qs[1].Text)
	assert.Len(t, p.Refine(task, qs, &artifact.VerificationResult{Trace: []string{"energy off"}}), 2)
}
