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
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	etool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"

	"github.com/cloudwego/transmute/llm/prompt"
)

type ModelConfig struct {
	Name        string        `json:"name"` // alias of the config, not endpoint!
	APIType     ModelType     `json:"type"`
	BaseURL     string        `json:"base_url"`
	APIKey      string        `json:"api_key"`
	ModelName   string        `json:"model_name"` // the endpoint of the model, like `claude-opus-4-20250514`
	Temperature *float32      `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Timeout     time.Duration `json:"timeout"` // HTTP request timeout, default: 600s
	Retries     int           `json:"retries"` // Number of retries on failure, default: 3
}

type ModelType string

func NewModelType(t string) ModelType {
	switch strings.ToLower(t) {
	case "ollama":
		return ModelTypeOllama
	case "ark", "doubao":
		return ModelTypeARK
	case "openai", "gpt":
		return ModelTypeOpenAI
	case "claude", "anthropic":
		return ModelTypeClaude
	case "dashscope", "qwen", "tongyi":
		return ModelTypeDashScope
	case "deepseek":
		return ModelTypeDeepSeek
	}
	return ModelTypeUnknown
}

const (
	ModelTypeUnknown   ModelType = ""
	ModelTypeOllama    ModelType = "ollama"
	ModelTypeARK       ModelType = "ark"
	ModelTypeOpenAI    ModelType = "openai"
	ModelTypeClaude    ModelType = "claude"
	ModelTypeDashScope ModelType = "dashscope"
	ModelTypeDeepSeek  ModelType = "deepseek"
)

// Generator is the opaque generation capability every stage calls.
type Generator interface {
	// Call calls the LLM with the input.
	Call(ctx context.Context, input string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, input string) (string, error)

func (f GeneratorFunc) Call(ctx context.Context, input string) (string, error) { return f(ctx, input) }

// ChatModel is the interface for making LLM backend.
type ChatModel interface {
	model.ToolCallingChatModel
}

// Tool is any eino tool the agent may call.
type Tool = etool.BaseTool

type AgentConfig struct {
	MaxSteps int           `json:"max_steps"`
	Retries  int           `json:"retries"`
	Timeout  time.Duration `json:"timeout"`
}

// MakeAgent builds a ReAct agent over chat with the given tools.
func MakeAgent(name string, chat ChatModel, sysPrompt prompt.Prompt, tools []Tool, cfg AgentConfig) (*ReactAgent, error) {
	tcfg := compose.ToolsNodeConfig{Tools: tools}
	return NewReactAgent(name, ReactAgentOptions{
		SysPrompt: sysPrompt,
		AgentConfig: &react.AgentConfig{
			ToolCallingModel: chat,
			ToolsConfig:      tcfg,
			MaxStep:          cfg.MaxSteps,
			MessageModifier:  newMessageModifier(sysPrompt.String(), name, cfg.MaxSteps),
		},
		Retries: cfg.Retries,
		Timeout: cfg.Timeout,
	})
}
