/**
 * Copyright 2025 ByteDance Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package llm

import (
	"context"

	etool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/pkg/errors"

	"github.com/cloudwego/transmute/knowledge"
)

const (
	ToolQueryKnowledge = "query_knowledge"
	DescQueryKnowledge = "Look up facts about target-ecosystem capabilities (signature, parameters, returns, pitfalls). Use a short, specific description of the capability you need."
)

type QueryKnowledgeReq struct {
	Text string `json:"text" jsonschema:"description=what capability to look up"`
}

type QueryKnowledgeResp struct {
	Answers []knowledge.Fact `json:"answers" jsonschema:"description=matching capability facts, empty when nothing matched"`
}

// NewKnowledgeTool exposes tactical gateway queries to an agent.
func NewKnowledgeTool(gw knowledge.Gateway) (etool.InvokableTool, error) {
	t, err := utils.InferTool(ToolQueryKnowledge, DescQueryKnowledge,
		func(ctx context.Context, req QueryKnowledgeReq) (*QueryKnowledgeResp, error) {
			ans, err := gw.Query(ctx, knowledge.Query{Text: req.Text, Granularity: knowledge.Tactical})
			if err != nil {
				return nil, err
			}
			return &QueryKnowledgeResp{Answers: ans.Answers}, nil
		})
	if err != nil {
		return nil, errors.Wrap(err, "infer query_knowledge tool")
	}
	return t, nil
}
