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
	"strings"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/knowledge"
	"github.com/cloudwego/transmute/llm"
	"github.com/cloudwego/transmute/llm/prompt"
)

// UnitRequest is everything the producer sees for one attempt.
type UnitRequest struct {
	TargetLanguage string
	Task           artifact.Task
	Params         map[string]string
	Dependencies   []artifact.Unit
	Facts          []knowledge.Fact
	Attempt        int
	Errors         []string
	Previous       string
}

// Producer generates the candidate fragment of a unit.
type Producer interface {
	Produce(ctx context.Context, req UnitRequest) (string, error)
}

type ProducerFunc func(ctx context.Context, req UnitRequest) (string, error)

func (f ProducerFunc) Produce(ctx context.Context, req UnitRequest) (string, error) { return f(ctx, req) }

// GeneratorProducer renders the implement prompt and strips the code fence
// from the reply.
type GeneratorProducer struct {
	Gen llm.Generator
}

func (p GeneratorProducer) Produce(ctx context.Context, req UnitRequest) (string, error) {
	in, err := prompt.Render(prompt.Implement, req)
	if err != nil {
		return "", err
	}
	out, err := p.Gen.Call(ctx, in)
	if err != nil {
		return "", err
	}
	return llm.StripCodeFence(out), nil
}

// Planner decides which tactical queries a unit issues.
type Planner interface {
	Initial(task artifact.Task) []knowledge.Query
	// Refine returns the query set for the next attempt after res failed.
	Refine(task artifact.Task, prev []knowledge.Query, res *artifact.VerificationResult) []knowledge.Query
}

// DefaultPlanner queries the task strategy and description, and on failure
// the last line of the verification trace.
type DefaultPlanner struct{}

func tactical(text string) knowledge.Query {
	return knowledge.Query{Text: strings.TrimSpace(text), Granularity: knowledge.Tactical}
}

func (DefaultPlanner) Initial(task artifact.Task) []knowledge.Query {
	var out []knowledge.Query
	for _, text := range []string{task.Strategy, task.Description} {
		if strings.TrimSpace(text) == "" {
			continue
		}
		q := tactical(text)
		if !containsQuery(out, q) {
			out = append(out, q)
		}
	}
	return out
}

func (DefaultPlanner) Refine(task artifact.Task, prev []knowledge.Query, res *artifact.VerificationResult) []knowledge.Query {
	out := append([]knowledge.Query(nil), prev...)
	if res == nil || len(res.Trace) == 0 {
		return out
	}
	q := tactical(task.Strategy + " " + res.Trace[len(res.Trace)-1])
	if !containsQuery(out, q) {
		out = append(out, q)
	}
	return out
}

func containsQuery(qs []knowledge.Query, q knowledge.Query) bool {
	for _, x := range qs {
		if x == q {
			return true
		}
	}
	return false
}
