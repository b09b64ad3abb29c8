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
	"encoding/json"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ChatGenerator is a single-turn Generator without tools.
type ChatGenerator struct {
	name  string
	chat  ChatModel
	sys   string
	retry RetryPolicy
}

func NewChatGenerator(name string, chat ChatModel, sysPrompt string, retry RetryPolicy) *ChatGenerator {
	return &ChatGenerator{name: name, chat: chat, sys: sysPrompt, retry: retry}
}

func (g *ChatGenerator) Call(ctx context.Context, input string) (string, error) {
	msgs := []*schema.Message{schema.UserMessage(input)}
	if g.sys != "" {
		msgs = appendSysPrompt(g.sys, msgs)
	}
	return g.retry.Do(ctx, g.name, func(ctx context.Context) (string, error) {
		out, err := g.chat.Generate(ctx, msgs)
		if err != nil {
			return "", err
		}
		return out.Content, nil
	})
}

// Limited throttles calls to the wrapped generator. Waiting honours ctx.
type Limited struct {
	next    Generator
	limiter *rate.Limiter
}

func NewLimited(next Generator, rps float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *Limited) Call(ctx context.Context, input string) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", errors.Wrap(err, "rate limiter")
	}
	return l.next.Call(ctx, input)
}

// ExtractJSON returns the first balanced JSON object in text. Markdown code
// fences and surrounding prose are ignored.
func ExtractJSON(text string) (json.RawMessage, error) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			c := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						return json.RawMessage(candidate), nil
					}
					i = len(text)
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, errors.New("no JSON object in model output")
}

// StripCodeFence returns the body of the first fenced code block, or text
// unchanged when there is none.
func StripCodeFence(text string) string {
	open := strings.Index(text, "```")
	if open < 0 {
		return strings.TrimSpace(text)
	}
	body := text[open+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
