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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/log"
	"github.com/cloudwego/transmute/internal/stage/source"
	"github.com/cloudwego/transmute/llm"
	"github.com/cloudwego/transmute/llm/prompt"
)

// Analyzer builds the AnalysisReport from three independent legs run
// concurrently: structure, semantics and parameters. The legs share only the
// read-only source.
type Analyzer struct {
	gen llm.Generator
	log log.Entry
}

func NewAnalyzer(gen llm.Generator) *Analyzer {
	return &Analyzer{gen: gen, log: log.Named("analyze")}
}

func (a *Analyzer) Stage() Name { return Analyze }

type structureReply struct {
	FunctionsFound  map[string]artifact.Function `json:"functions_found"`
	ExternalAPIs    []string                     `json:"external_apis"`
	CallChain       map[string][]string          `json:"call_chain"`
	NestedFunctions map[string]string            `json:"nested_functions"`
}

type semanticsReply struct {
	Semantics map[string]artifact.Semantics `json:"semantics"`
}

type analyzePrompt struct {
	Language    string
	Path        string
	Content     string
	Functions   []string
	Structural  bool
	ModuleScope string
	Schema      string
}

func (a *Analyzer) Execute(ctx context.Context, _ *artifact.Artifact, jc *JobContext) (*artifact.Artifact, error) {
	src := jc.Source
	if strings.TrimSpace(src.Content) == "" {
		return nil, SchemaViolation(Analyze, Analyze, errors.New("source content is empty"))
	}

	var (
		structure *structureReply
		semantics map[string]artifact.Semantics
		params    artifact.Parameters
	)
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		structure, err = a.structure(ectx, src)
		return err
	})
	eg.Go(func() (err error) {
		semantics, err = a.semantics(ectx, src)
		return err
	})
	eg.Go(func() (err error) {
		params, err = a.parameters(ectx, src)
		return err
	})
	if err := eg.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	report := &artifact.AnalysisReport{
		FunctionsFound:  structure.FunctionsFound,
		ExternalAPIs:    structure.ExternalAPIs,
		CallChain:       structure.CallChain,
		NestedFunctions: structure.NestedFunctions,
		Semantics:       semantics,
		Parameters:      params,
	}
	a.log.Info("analysis assembled",
		zap.String("job", jc.JobID),
		zap.Int("functions", len(report.FunctionsFound)),
		zap.Int("external_apis", len(report.ExternalAPIs)))
	return checkOutput(Analyze, artifact.NewAnalysis(report))
}

func (a *Analyzer) structure(ctx context.Context, src artifact.Source) (*structureReply, error) {
	if source.Supported(src.Language) {
		p, err := source.Parse(ctx, src.Language, src.Content)
		if err != nil {
			return nil, Transient(Analyze, err)
		}
		defer p.Close()
		s := p.Structure()
		return &structureReply{
			FunctionsFound:  s.Functions,
			ExternalAPIs:    s.ExternalAPIs,
			CallChain:       s.CallChain,
			NestedFunctions: s.Nested,
		}, nil
	}

	var reply structureReply
	if err := a.ask(ctx, src, nil, true, &reply); err != nil {
		return nil, err
	}
	if reply.ExternalAPIs == nil {
		reply.ExternalAPIs = []string{}
	}
	return &reply, nil
}

func (a *Analyzer) semantics(ctx context.Context, src artifact.Source) (map[string]artifact.Semantics, error) {
	var names []string
	if source.Supported(src.Language) {
		p, err := source.Parse(ctx, src.Language, src.Content)
		if err != nil {
			return nil, Transient(Analyze, err)
		}
		for _, f := range p.Functions() {
			names = append(names, f.Name)
		}
		p.Close()
		if len(names) == 0 {
			return map[string]artifact.Semantics{}, nil
		}
	}

	var reply semanticsReply
	if err := a.ask(ctx, src, names, false, &reply); err != nil {
		return nil, err
	}
	if reply.Semantics == nil {
		return nil, Transient(Analyze, errors.New("generator reply has no semantics"))
	}
	var missing []string
	for _, n := range names {
		if _, ok := reply.Semantics[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return nil, Transient(Analyze, fmt.Errorf("generator reply lacks semantics for %s", strings.Join(missing, ", ")))
	}
	return reply.Semantics, nil
}

func (a *Analyzer) parameters(ctx context.Context, src artifact.Source) (artifact.Parameters, error) {
	if !source.Supported(src.Language) {
		return artifact.Parameters{Main: map[string]string{}, Derived: map[string]string{}, Constants: map[string]string{}}, nil
	}
	p, err := source.Parse(ctx, src.Language, src.Content)
	if err != nil {
		return artifact.Parameters{}, Transient(Analyze, err)
	}
	defer p.Close()
	return p.Parameters(), nil
}

// ask renders the analysis prompt and decodes the JSON reply into out.
func (a *Analyzer) ask(ctx context.Context, src artifact.Source, names []string, structural bool, out any) error {
	var schemaOf any = &semanticsReply{}
	if structural {
		schemaOf = &structureReply{}
	}
	schema, err := prompt.SchemaOf(schemaOf)
	if err != nil {
		return err
	}
	in, err := prompt.Render(prompt.AnalyzeSemantics, analyzePrompt{
		Language:    src.Language,
		Path:        src.Path,
		Content:     src.Content,
		Functions:   names,
		Structural:  structural,
		ModuleScope: artifact.ModuleScope,
		Schema:      schema,
	})
	if err != nil {
		return err
	}
	reply, err := a.gen.Call(ctx, in)
	if err != nil {
		return generationFailure(ctx, Analyze, err)
	}
	raw, err := llm.ExtractJSON(reply)
	if err != nil {
		return Transient(Analyze, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return Transient(Analyze, fmt.Errorf("decode analysis reply: %w", err))
	}
	return nil
}
