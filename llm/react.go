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
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"

	"github.com/cloudwego/transmute/internal/log"
	"github.com/cloudwego/transmute/llm/prompt"
)

var _ Generator = (*ReactAgent)(nil)

type ReactAgent struct {
	name string
	*react.Agent
	retry RetryPolicy
}

type ReactAgentOptions struct {
	SysPrompt prompt.Prompt `json:"-"`
	*react.AgentConfig
	Retries int           `json:"retries"` // Number of retries, default: 3
	Timeout time.Duration `json:"timeout"` // Request timeout, default: 600s
}

func NewReactAgent(name string, opts ReactAgentOptions) (*ReactAgent, error) {
	if opts.AgentConfig.MessageModifier == nil {
		opts.AgentConfig.MessageModifier = newMessageModifier(opts.SysPrompt.String(), name, opts.AgentConfig.MaxStep)
	}
	a, err := react.NewAgent(context.Background(), opts.AgentConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "create react agent %s", name)
	}
	return &ReactAgent{
		name:  name,
		Agent: a,
		retry: RetryPolicy{Retries: opts.Retries, Timeout: opts.Timeout}.withDefaults(),
	}, nil
}

func newMessageModifier(sysPrompt string, name string, limit int) func(ctx context.Context, input []*schema.Message) []*schema.Message {
	return func(ctx context.Context, input []*schema.Message) []*schema.Message {
		log.Debug("agent %s: %d messages, step limit %d", name, len(input), limit)
		if limit > 0 && len(input) >= limit-1 {
			input = append(input, schema.UserMessage("The step limit is reached. Output the final answer now without calling any more tools."))
		}
		return appendSysPrompt(sysPrompt, input)
	}
}

func appendSysPrompt(sysPrompt string, input []*schema.Message) []*schema.Message {
	res := make([]*schema.Message, 0, len(input)+1)
	res = append(res, schema.SystemMessage(sysPrompt))
	res = append(res, input...)
	return res
}

func (p *ReactAgent) Call(ctx context.Context, input string) (string, error) {
	log.Debug("[User] %s", input)
	msgs := []*schema.Message{schema.UserMessage(input)}
	return p.retry.Do(ctx, p.name, func(ctx context.Context) (string, error) {
		out, err := p.Generate(ctx, msgs, agent.WithComposeOptions(compose.WithCallbacks(CallbackHandler{})))
		if err != nil {
			return "", err
		}
		return out.Content, nil
	})
}

// CallbackHandler logs agent graph events at debug level.
type CallbackHandler struct{}

var _ callbacks.Handler = (*CallbackHandler)(nil)

func (h CallbackHandler) OnStart(ctx context.Context, info *callbacks.RunInfo, input callbacks.CallbackInput) context.Context {
	log.Debug("<OnStart> %+v", info)
	return ctx
}

func (h CallbackHandler) OnEnd(ctx context.Context, info *callbacks.RunInfo, output callbacks.CallbackOutput) context.Context {
	log.Debug("<OnEnd> %+v: %v", info, output)
	return ctx
}

func (h CallbackHandler) OnError(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
	log.Error("<OnError> %+v: %v", info, err)
	return ctx
}

func (h CallbackHandler) OnStartWithStreamInput(ctx context.Context, info *callbacks.RunInfo,
	input *schema.StreamReader[callbacks.CallbackInput]) context.Context {
	input.Close()
	return ctx
}

func (h CallbackHandler) OnEndWithStreamOutput(ctx context.Context, info *callbacks.RunInfo,
	output *schema.StreamReader[callbacks.CallbackOutput]) context.Context {
	output.Close()
	return ctx
}
