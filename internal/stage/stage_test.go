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
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/iteration"
	"github.com/cloudwego/transmute/internal/verify"
	"github.com/cloudwego/transmute/knowledge"
	"github.com/cloudwego/transmute/llm"
)

const circle = `import math

def area(r):
    return math.pow(r, 2) * math.pi

def main():
    radius = 2.0
    print(area(radius))

main()
`

type gateway struct {
	mu      sync.Mutex
	queries []knowledge.Query
	hit     string
}

func (g *gateway) Query(ctx context.Context, q knowledge.Query) (knowledge.Answer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries = append(g.queries, q)
	if g.hit != "" && strings.Contains(q.Text, g.hit) {
		return knowledge.Answer{Answers: []knowledge.Fact{{CapabilityName: "math.pi", Description: "pi"}}}, nil
	}
	return knowledge.Answer{}, nil
}

func job(src artifact.Source, gw knowledge.Gateway, latest ...*artifact.Artifact) *JobContext {
	return NewJobContext("job-1", src, gw, "v1", 1, func(k artifact.Kind) *artifact.Artifact {
		for _, a := range latest {
			if a.Kind == k {
				return a
			}
		}
		return nil
	})
}

func reply(s string) llm.Generator {
	return llm.GeneratorFunc(func(ctx context.Context, input string) (string, error) { return s, nil })
}

func TestStageOrder(t *testing.T) {
	assert.Equal(t, []Name{Analyze, Design, Implement, Verify}, Order)
	_, ok := Analyze.Predecessor()
	assert.False(t, ok)
	prev, ok := Verify.Predecessor()
	require.True(t, ok)
	assert.Equal(t, Implement, prev)
	assert.Equal(t, artifact.KindDesign, Design.Output())
}

func TestAnalyzer(t *testing.T) {
	var prompts []string
	var mu sync.Mutex
	gen := llm.GeneratorFunc(func(ctx context.Context, input string) (string, error) {
		mu.Lock()
		prompts = append(prompts, input)
		mu.Unlock()
		return "Here you go:\n```json\n" + `{"semantics": {
			"area": {"purpose": "area of a circle", "method": "pi r^2", "algorithm": "multiply"},
			"main": {"purpose": "print the area", "method": "calls area", "algorithm": "call"}}}` + "\n```", nil
	})
	src := artifact.Source{Language: "python", TargetLanguage: "go", Content: circle}

	out, err := NewAnalyzer(gen).Execute(context.Background(), nil, job(src, &gateway{}))
	require.NoError(t, err)
	require.Equal(t, artifact.KindAnalysis, out.Kind)
	r := out.Analysis

	assert.Contains(t, r.FunctionsFound, "area")
	assert.Contains(t, r.FunctionsFound, "main")
	assert.Equal(t, []string{"math.pow"}, r.ExternalAPIs)
	assert.Contains(t, r.CallChain["main"], "area")
	assert.Equal(t, "area of a circle", r.Semantics["area"].Purpose)
	assert.Equal(t, "2.0", r.Parameters.Main["radius"])

	require.Len(t, prompts, 1, "structure and parameters come from the parser")
	assert.Contains(t, prompts[0], "area, main")
}

func TestAnalyzerFailures(t *testing.T) {
	src := artifact.Source{Language: "python", TargetLanguage: "go", Content: circle}

	_, err := NewAnalyzer(reply("I cannot help with that")).Execute(context.Background(), nil, job(src, &gateway{}))
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, FailureTransient, f.Kind, "malformed generator output is retryable")

	_, err = NewAnalyzer(reply(`{"semantics": {"area": {"purpose": "x"}}}`)).Execute(context.Background(), nil, job(src, &gateway{}))
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "main")

	_, err = NewAnalyzer(reply("{}")).Execute(context.Background(), nil, job(artifact.Source{Language: "python"}, &gateway{}))
	f, ok = AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, FailureSchemaViolation, f.Kind)

	boom := errors.New("connection reset by peer")
	gen := llm.GeneratorFunc(func(ctx context.Context, input string) (string, error) { return "", boom })
	_, err = NewAnalyzer(gen).Execute(context.Background(), nil, job(src, &gateway{}))
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, boom)
}

func TestAnalyzerUnsupportedLanguage(t *testing.T) {
	gen := llm.GeneratorFunc(func(ctx context.Context, input string) (string, error) {
		return `{"functions_found": {"f": {"params": [], "returns": "", "location": "line 1"}},
			"external_apis": ["fmt.Println"], "call_chain": {"f": ["fmt.Println"]},
			"semantics": {"f": {"purpose": "greet"}}}`, nil
	})
	src := artifact.Source{Language: "cobol", TargetLanguage: "go", Content: "DISPLAY 'HI'."}

	out, err := NewAnalyzer(gen).Execute(context.Background(), nil, job(src, &gateway{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"fmt.Println"}, out.Analysis.ExternalAPIs)
	assert.Equal(t, "greet", out.Analysis.Semantics["f"].Purpose)
	assert.NotNil(t, out.Analysis.Parameters.Main)
}

func analysis() *artifact.Artifact {
	return artifact.NewAnalysis(&artifact.AnalysisReport{
		FunctionsFound: map[string]artifact.Function{"area": {}, "main": {}, "helper": {}},
		ExternalAPIs:   []string{"math.pi", "numpy.linalg.eigh"},
		CallChain:      map[string][]string{"main": {"area"}},
		NestedFunctions: map[string]string{
			"helper": "area",
		},
		Semantics: map[string]artifact.Semantics{
			"area":   {Purpose: "area of a circle"},
			"main":   {Purpose: "print"},
			"helper": {Purpose: "square", Method: "r*r"},
		},
		Parameters: artifact.Parameters{Main: map[string]string{}, Derived: map[string]string{}, Constants: map[string]string{}},
	})
}

func TestStrategicQueries(t *testing.T) {
	qs := StrategicQueries(analysis().Analysis, "go")
	require.Len(t, qs, 3)
	assert.Equal(t, "go pi", qs[0].Text)
	assert.Equal(t, "go eigh", qs[1].Text)
	assert.Equal(t, "go area of a circle square print", qs[2].Text)
	for _, q := range qs {
		assert.Equal(t, knowledge.Strategic, q.Granularity)
	}
}

func TestStrategicQueriesTruncateOnRunes(t *testing.T) {
	r := &artifact.AnalysisReport{Semantics: map[string]artifact.Semantics{
		"f": {Purpose: strings.Repeat("é", 400)},
	}}
	qs := StrategicQueries(r, "go")
	require.NotEmpty(t, qs)
	last := qs[len(qs)-1].Text
	assert.True(t, utf8.ValidString(last))
	assert.Equal(t, "go "+strings.Repeat("é", 300), last)
}

func TestDesigner(t *testing.T) {
	gw := &gateway{hit: "pi"}
	gen := reply(`{"core_representations": ["float64"], "tasks": [
		{"id": "area", "description": "compute area", "strategy": "math.Pi", "function": "area", "depends_on": []},
		{"id": "main", "description": "print", "strategy": "fmt", "depends_on": ["area"]}]}`)

	out, err := NewDesigner(gen).Execute(context.Background(), analysis(), job(artifact.Source{TargetLanguage: "go"}, gw))
	require.NoError(t, err)
	b := out.Design

	assert.Equal(t, "v1", b.KnowledgeVersion)
	assert.Equal(t, artifact.ConfidenceReduced, b.Confidence, "two of three strategic queries missed")
	assert.Len(t, gw.queries, 3)

	// the nested helper became its own task ahead of its host
	require.Len(t, b.Tasks, 3)
	assert.Equal(t, "area.helper", b.Tasks[0].ID)
	assert.Contains(t, b.DependencyGraph["area"], "area.helper")
	assert.Equal(t, []string{"area"}, b.DependencyGraph["main"])
}

func TestDesignerAcceptsEmptyRepresentations(t *testing.T) {
	gen := reply(`{"core_representations": [], "tasks": [
		{"id": "area", "description": "compute area", "function": "area", "depends_on": []},
		{"id": "main", "description": "print", "depends_on": ["area"]}]}`)

	out, err := NewDesigner(gen).Execute(context.Background(), analysis(), job(artifact.Source{TargetLanguage: "go"}, &gateway{}))
	require.NoError(t, err)
	assert.Equal(t, []string{}, out.Design.CoreRepresentations)
	assert.Len(t, out.Design.Tasks, 3)
}

func TestDesignerRejectsCycle(t *testing.T) {
	gen := reply(`{"core_representations": [], "tasks": [
		{"id": "a", "description": "a", "depends_on": ["b"]},
		{"id": "b", "description": "b", "depends_on": ["a"]}]}`)

	_, err := NewDesigner(gen).Execute(context.Background(), analysis(), job(artifact.Source{TargetLanguage: "go"}, &gateway{}))
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, FailureSchemaViolation, f.Kind)
	assert.Equal(t, Design, f.Blame)
}

func TestDesignerRejectsWrongInput(t *testing.T) {
	impl := artifact.NewImplementation(&artifact.ImplementationArtifact{Units: []artifact.Unit{}})
	_, err := NewDesigner(reply("{}")).Execute(context.Background(), impl, job(artifact.Source{}, &gateway{}))
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, FailureSchemaViolation, f.Kind)
	assert.Equal(t, Analyze, f.Blame, "a bad input blames the producing stage")
}

type unitVerifier struct{ fail string }

func (v unitVerifier) Unit(ctx context.Context, c verify.UnitCheck) (*artifact.VerificationResult, error) {
	if c.TaskID == v.fail {
		return &artifact.VerificationResult{Outcome: artifact.OutcomeRuntimeFailure, Reason: artifact.ReasonStructure, Trace: []string{"bad"}}, nil
	}
	return &artifact.VerificationResult{Outcome: artifact.OutcomePass, Trace: []string{}}, nil
}

func design() *artifact.Artifact {
	return artifact.NewDesign(&artifact.DesignBlueprint{
		CoreRepresentations: []string{},
		Tasks: []artifact.Task{
			{ID: "a", Description: "a", DependsOn: []string{}},
			{ID: "b", Description: "b", DependsOn: []string{"a"}},
		},
		DependencyGraph: map[string][]string{"a": {}, "b": {"a"}},
	})
}

func producer() iteration.Producer {
	return iteration.ProducerFunc(func(ctx context.Context, req iteration.UnitRequest) (string, error) {
		return "# unit " + req.Task.ID, nil
	})
}

func TestImplementer(t *testing.T) {
	ctrl := iteration.New(producer(), unitVerifier{}, iteration.Config{UnitMaxRetries: 2})
	src := artifact.Source{TargetLanguage: "python"}

	out, err := NewImplementer(ctrl).Execute(context.Background(), design(), job(src, &gateway{}, analysis()))
	require.NoError(t, err)
	assert.True(t, out.Implementation.Verified())
	assert.Equal(t, "# unit a\n\n# unit b", out.Implementation.Assembled)
}

func TestImplementerFailureBudget(t *testing.T) {
	ctrl := iteration.New(producer(), unitVerifier{fail: "a"}, iteration.Config{UnitMaxRetries: 2, MaxFailureFraction: 0.1})
	src := artifact.Source{TargetLanguage: "python"}

	_, err := NewImplementer(ctrl).Execute(context.Background(), design(), job(src, &gateway{}))
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, FailureUnverified, f.Kind)
	assert.ErrorIs(t, err, iteration.ErrFailureBudget)
	require.NotNil(t, f.Artifact, "the partial implementation travels with the failure")
	assert.Equal(t, artifact.UnitFailed, f.Artifact.Implementation.Units[0].Status)
}

type wholeFunc func(ctx context.Context, c verify.WholeCheck) (*artifact.VerificationResult, error)

func (f wholeFunc) Whole(ctx context.Context, c verify.WholeCheck) (*artifact.VerificationResult, error) {
	return f(ctx, c)
}

func implementation() *artifact.Artifact {
	return artifact.NewImplementation(&artifact.ImplementationArtifact{
		Language:  "python",
		Units:     []artifact.Unit{{TaskID: "a", Status: artifact.UnitVerified, Content: "print(1)"}},
		Assembled: "print(1)",
	})
}

func TestVerifier(t *testing.T) {
	tol := 0.01
	src := artifact.Source{TargetLanguage: "python", Reference: map[string][]float64{"x": {1}}, Tolerance: &tol}

	var got verify.WholeCheck
	pass := wholeFunc(func(ctx context.Context, c verify.WholeCheck) (*artifact.VerificationResult, error) {
		got = c
		return verify.Compare(map[string][]float64{"x": {1.001}}, c.Reference, *c.Tolerance), nil
	})
	out, err := NewVerifier(pass).Execute(context.Background(), implementation(), job(src, &gateway{}))
	require.NoError(t, err)
	assert.True(t, out.Verification.Passed())
	assert.Equal(t, "print(1)", got.Content)

	fail := wholeFunc(func(ctx context.Context, c verify.WholeCheck) (*artifact.VerificationResult, error) {
		return verify.Compare(map[string][]float64{"x": {1.5}}, c.Reference, *c.Tolerance), nil
	})
	_, err = NewVerifier(fail).Execute(context.Background(), implementation(), job(src, &gateway{}))
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, FailureUnverified, f.Kind)
	assert.Equal(t, Implement, f.Blame)
	require.NotNil(t, f.Artifact)
	assert.Equal(t, artifact.OutcomeToleranceFailure, f.Artifact.Verification.Outcome)

	missing := wholeFunc(func(ctx context.Context, c verify.WholeCheck) (*artifact.VerificationResult, error) {
		return nil, verify.ErrToleranceRequired
	})
	_, err = NewVerifier(missing).Execute(context.Background(), implementation(), job(src, &gateway{}))
	assert.ErrorIs(t, err, verify.ErrToleranceRequired)
	_, classified := AsFailure(err)
	assert.False(t, classified, "configuration errors are not retried")
}
