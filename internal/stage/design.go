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
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/log"
	"github.com/cloudwego/transmute/internal/scheduler"
	"github.com/cloudwego/transmute/knowledge"
	"github.com/cloudwego/transmute/llm"
	"github.com/cloudwego/transmute/llm/prompt"
)

// Designer plans the implementation from the analysis and a few strategic
// knowledge queries.
type Designer struct {
	gen llm.Generator
	log log.Entry
}

func NewDesigner(gen llm.Generator) *Designer {
	return &Designer{gen: gen, log: log.Named("design")}
}

func (d *Designer) Stage() Name { return Design }

type designPrompt struct {
	SourceLanguage string
	TargetLanguage string
	Report         *artifact.AnalysisReport
	Facts          []knowledge.Fact
	Schema         string
}

func (d *Designer) Execute(ctx context.Context, in *artifact.Artifact, jc *JobContext) (*artifact.Artifact, error) {
	if err := requireInput(Design, in); err != nil {
		return nil, err
	}
	report := in.Analysis
	l := d.log.With(zap.String("job", jc.JobID))

	confidence := artifact.ConfidenceHigh
	var facts []knowledge.Fact
	seen := map[string]bool{}
	for _, q := range StrategicQueries(report, jc.Source.TargetLanguage) {
		ans, err := jc.Knowledge.Query(ctx, q)
		if err != nil {
			return nil, knowledgeFailure(ctx, Design, err)
		}
		if ans.Empty() {
			confidence = artifact.ConfidenceReduced
			l.Info("strategic query missed", zap.String("query", q.Text))
			continue
		}
		for _, f := range ans.Answers {
			if !seen[f.CapabilityName] {
				seen[f.CapabilityName] = true
				facts = append(facts, f)
			}
		}
	}

	schema, err := prompt.SchemaOf(&artifact.DesignBlueprint{})
	if err != nil {
		return nil, err
	}
	input, err := prompt.Render(prompt.Design, designPrompt{
		SourceLanguage: jc.Source.Language,
		TargetLanguage: jc.Source.TargetLanguage,
		Report:         report,
		Facts:          facts,
		Schema:         schema,
	})
	if err != nil {
		return nil, err
	}
	reply, err := d.gen.Call(ctx, input)
	if err != nil {
		return nil, generationFailure(ctx, Design, err)
	}
	raw, err := llm.ExtractJSON(reply)
	if err != nil {
		return nil, Transient(Design, err)
	}
	var bp artifact.DesignBlueprint
	if err := json.Unmarshal(raw, &bp); err != nil {
		return nil, Transient(Design, fmt.Errorf("decode blueprint: %w", err))
	}

	if bp.DependencyGraph == nil {
		bp.DependencyGraph = map[string][]string{}
		for _, t := range bp.Tasks {
			bp.DependencyGraph[t.ID] = append([]string{}, t.DependsOn...)
		}
	}
	if bp.Confidence != artifact.ConfidenceReduced {
		bp.Confidence = confidence
	}
	bp.KnowledgeVersion = jc.KnowledgeVersion
	flat := artifact.FlattenNested(report, &bp)

	a, err := checkOutput(Design, artifact.NewDesign(flat))
	if err != nil {
		return nil, err
	}
	if _, err := scheduler.Order(flat); err != nil {
		return nil, SchemaViolation(Design, Design, err)
	}
	l.Info("blueprint ready", zap.Int("tasks", len(flat.Tasks)), zap.String("confidence", string(flat.Confidence)))
	return a, nil
}

// StrategicQueries returns one broad query per external API family, plus one
// for the program as a whole.
func StrategicQueries(r *artifact.AnalysisReport, target string) []knowledge.Query {
	families := map[string][]string{}
	for _, api := range r.ExternalAPIs {
		parts := strings.Split(api, ".")
		fam := parts[0]
		families[fam] = append(families[fam], parts[len(parts)-1])
	}
	names := make([]string, 0, len(families))
	for f := range families {
		names = append(names, f)
	}
	sort.Strings(names)

	out := make([]knowledge.Query, 0, len(names)+1)
	for _, f := range names {
		out = append(out, knowledge.Query{
			Text:        strings.TrimSpace(target + " " + strings.Join(families[f], " ")),
			Granularity: knowledge.Strategic,
		})
	}

	const maxPurposeRunes = 300
	fns := make([]string, 0, len(r.Semantics))
	for name := range r.Semantics {
		fns = append(fns, name)
	}
	sort.Strings(fns)
	var purposes []string
	for _, name := range fns {
		if p := strings.TrimSpace(r.Semantics[name].Purpose); p != "" {
			purposes = append(purposes, p)
		}
	}
	overall := strings.Join(purposes, " ")
	if r := []rune(overall); len(r) > maxPurposeRunes {
		overall = string(r[:maxPurposeRunes])
	}
	if overall = strings.TrimSpace(target + " " + overall); overall != "" {
		out = append(out, knowledge.Query{Text: overall, Granularity: knowledge.Strategic})
	}
	return out
}
