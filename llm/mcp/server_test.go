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

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/pipeline"
	"github.com/cloudwego/transmute/knowledge"
)

type gatewayFunc func(ctx context.Context, q knowledge.Query) (knowledge.Answer, error)

func (f gatewayFunc) Query(ctx context.Context, q knowledge.Query) (knowledge.Answer, error) {
	return f(ctx, q)
}

// jobs is a Coordinator holding one job per id.
type jobs struct {
	byID    map[string]pipeline.Job
	started []string
}

func (j *jobs) Submit(ctx context.Context, src artifact.Source) (pipeline.Job, error) {
	if src.Content == "" {
		return pipeline.Job{}, pipeline.ErrInvalidSource
	}
	job := pipeline.Job{ID: "j2", State: pipeline.StatePending, Source: src}
	j.byID[job.ID] = job
	return job, nil
}

func (j *jobs) Start(ctx context.Context, id string) error {
	j.started = append(j.started, id)
	return nil
}

func (j *jobs) Get(id string) (pipeline.Job, error) {
	job, ok := j.byID[id]
	if !ok {
		return pipeline.Job{}, pipeline.ErrJobNotFound
	}
	return job, nil
}

func facts(ctx context.Context, q knowledge.Query) (knowledge.Answer, error) {
	if q.Text == "" {
		return knowledge.Answer{}, knowledge.ErrEmptyQuery
	}
	if q.Granularity == knowledge.Strategic {
		return knowledge.Answer{Version: "v1"}, nil
	}
	return knowledge.Answer{Answers: []knowledge.Fact{{CapabilityName: "cudaq.observe"}}, Version: "v1"}, nil
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestQueryKnowledgeTool(t *testing.T) {
	s := NewServer(ServerOptions{ServerName: "transmute", ServerVersion: "test", Knowledge: gatewayFunc(facts)})
	ctx := context.Background()

	res, err := s.queryKnowledge(ctx, call("query_knowledge", map[string]any{"text": "expectation value"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var ans knowledge.Answer
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &ans))
	assert.Equal(t, []string{"cudaq.observe"}, ans.Names())

	res, err = s.queryKnowledge(ctx, call("query_knowledge", map[string]any{"text": "survey", "granularity": "strategic"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"answers":[],"version":"v1"}`, text(t, res))

	for name, args := range map[string]map[string]any{
		"missing text":    {},
		"bad granularity": {"text": "x", "granularity": "cosmic"},
		"empty text":      {"text": ""},
	} {
		t.Run(name, func(t *testing.T) {
			res, err := s.queryKnowledge(ctx, call("query_knowledge", args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
		})
	}
}

func TestJobStatusTool(t *testing.T) {
	a := artifact.NewAnalysis(&artifact.AnalysisReport{})
	js := &jobs{byID: map[string]pipeline.Job{"j1": {
		ID:     "j1",
		State:  pipeline.StateFailed,
		Reason: pipeline.ReasonCancelled,
		History: []pipeline.Attempt{
			{Stage: "analyze", Number: 1, Status: pipeline.AttemptOK},
			{Stage: "design", Number: 1, Status: pipeline.AttemptFailed, Error: "boom"},
		},
		Latest: map[artifact.Kind]*artifact.Artifact{artifact.KindAnalysis: a},
	}}}
	s := NewServer(ServerOptions{Knowledge: gatewayFunc(facts), Jobs: js})

	res, err := s.jobStatus(context.Background(), call("job_status", map[string]any{"job_id": "j1"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &got))
	assert.Equal(t, "failed", got["state"])
	assert.Equal(t, a.Hash, got["artifacts"].(map[string]any)[string(artifact.KindAnalysis)])
	assert.Len(t, got["errors"], 1)

	res, err = s.jobStatus(context.Background(), call("job_status", map[string]any{"job_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestSubmitJobTool(t *testing.T) {
	js := &jobs{byID: map[string]pipeline.Job{}}
	s := NewServer(ServerOptions{Knowledge: gatewayFunc(facts), Jobs: js})
	ctx := context.Background()

	res, err := s.submitJob(ctx, call("submit_job", map[string]any{
		"language": "python", "target_language": "go", "content": "print(1)", "path": "one.py",
		"reference": `{"energy": [-5.226561]}`, "tolerance": 0.001,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.JSONEq(t, `{"job_id":"j2","state":"pending"}`, text(t, res))
	assert.Equal(t, []string{"j2"}, js.started)
	assert.Equal(t, "one.py", js.byID["j2"].Source.Path)
	assert.Equal(t, map[string][]float64{"energy": {-5.226561}}, js.byID["j2"].Source.Reference)
	require.NotNil(t, js.byID["j2"].Source.Tolerance)
	assert.Equal(t, 0.001, *js.byID["j2"].Source.Tolerance)

	res, err = s.submitJob(ctx, call("submit_job", map[string]any{
		"language": "python", "target_language": "go", "content": "print(1)", "reference": "[1, 2]",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.submitJob(ctx, call("submit_job", map[string]any{"language": "python", "target_language": "go"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Len(t, js.started, 1)
}

type rpc struct {
	in  *io.PipeWriter
	out *bufio.Scanner
}

func (c *rpc) roundTrip(t *testing.T, id int, method string, params any) map[string]any {
	req, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
	require.NoError(t, err)
	_, err = c.in.Write(append(req, '\n'))
	require.NoError(t, err)
	require.True(t, c.out.Scan(), "failed to read response")
	var resp map[string]any
	require.NoError(t, json.Unmarshal(c.out.Bytes(), &resp))
	require.Nil(t, resp["error"], "rpc error: %v", resp["error"])
	return resp["result"].(map[string]any)
}

func TestStdioServer(t *testing.T) {
	svr := NewServer(ServerOptions{ServerName: "transmute", ServerVersion: "1.0.0", Knowledge: gatewayFunc(facts)})

	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()
	stdio := server.NewStdioServer(svr.MCPServer)
	stdio.SetErrorLogger(log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = stdio.Listen(ctx, stdinReader, stdoutWriter)
		stdoutWriter.Close()
		close(done)
	}()

	c := &rpc{in: stdinWriter, out: bufio.NewScanner(stdoutReader)}
	c.out.Buffer(make([]byte, 0, 64*1024), 1<<20)

	res := c.roundTrip(t, 1, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "test-client", "version": "1.0.0"},
	})
	assert.Equal(t, "transmute", res["serverInfo"].(map[string]any)["name"])

	res = c.roundTrip(t, 2, "tools/list", map[string]any{})
	var names []string
	for _, tl := range res["tools"].([]any) {
		names = append(names, tl.(map[string]any)["name"].(string))
	}
	assert.Equal(t, []string{"query_knowledge"}, names)

	res = c.roundTrip(t, 3, "tools/call", map[string]any{
		"name":      "query_knowledge",
		"arguments": map[string]any{"text": "expectation value"},
	})
	content := res["content"].([]any)
	require.Len(t, content, 1)
	assert.Contains(t, content[0].(map[string]any)["text"], "cudaq.observe")

	cancel()
	stdinWriter.Close()
	<-done
}
