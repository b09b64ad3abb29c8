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

// Package mcp serves knowledge lookups and job status to MCP clients over stdio.
package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/pipeline"
	"github.com/cloudwego/transmute/knowledge"
	"github.com/cloudwego/transmute/llm"
)

const (
	ToolSubmitJob = "submit_job"
	DescSubmitJob = "Start translating a source program. Returns the job id to poll with job_status."
	ToolJobStatus = "job_status"
	DescJobStatus = "Report the state, attempt history and latest artifacts of a translation job."
)

// Jobs is the part of the Coordinator exposed as tools.
type Jobs interface {
	Submit(ctx context.Context, src artifact.Source) (pipeline.Job, error)
	Start(ctx context.Context, id string) error
	Get(id string) (pipeline.Job, error)
}

type ServerOptions struct {
	ServerName    string
	ServerVersion string
	Knowledge     knowledge.Gateway
	// Jobs is optional; the job tools are only registered when set.
	Jobs Jobs
}

type Server struct {
	*server.MCPServer
	opts ServerOptions
}

func NewServer(opts ServerOptions) *Server {
	s := &Server{
		MCPServer: server.NewMCPServer(opts.ServerName, opts.ServerVersion, server.WithToolCapabilities(true)),
		opts:      opts,
	}

	s.AddTool(mcp.NewTool(llm.ToolQueryKnowledge,
		mcp.WithDescription(llm.DescQueryKnowledge),
		mcp.WithString("text", mcp.Required(), mcp.Description("what capability to look up")),
		mcp.WithString("granularity",
			mcp.Description("strategic for broad surveys, tactical for one capability"),
			mcp.Enum(string(knowledge.Strategic), string(knowledge.Tactical))),
	), s.queryKnowledge)

	if opts.Jobs != nil {
		s.AddTool(mcp.NewTool(ToolSubmitJob,
			mcp.WithDescription(DescSubmitJob),
			mcp.WithString("language", mcp.Required(), mcp.Description("source language")),
			mcp.WithString("target_language", mcp.Required(), mcp.Description("target language")),
			mcp.WithString("content", mcp.Required(), mcp.Description("source program text")),
			mcp.WithString("reference", mcp.Required(),
				mcp.Description(`reference observables as a JSON object, e.g. {"energy": [-5.226561]}`)),
			mcp.WithNumber("tolerance", mcp.Description("absolute tolerance for the whole program")),
			mcp.WithString("path", mcp.Description("source file name, for diagnostics")),
		), s.submitJob)
		s.AddTool(mcp.NewTool(ToolJobStatus,
			mcp.WithDescription(DescJobStatus),
			mcp.WithString("job_id", mcp.Required(), mcp.Description("id returned when the job was submitted")),
		), s.jobStatus)
	}
	return s
}

// ServeStdio blocks until stdin is closed or the process is signalled.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.MCPServer)
}

func (s *Server) queryKnowledge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	g, err := knowledge.ParseGranularity(req.GetString("granularity", string(knowledge.Tactical)))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if s.opts.Knowledge == nil {
		return mcp.NewToolResultError(knowledge.ErrNoSnapshot.Error()), nil
	}
	ans, err := s.opts.Knowledge.Query(ctx, knowledge.Query{Text: text, Granularity: g})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if ans.Answers == nil {
		ans.Answers = []knowledge.Fact{}
	}
	return jsonResult(ans)
}

func (s *Server) submitJob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var src artifact.Source
	var err error
	if src.Language, err = req.RequireString("language"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if src.TargetLanguage, err = req.RequireString("target_language"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if src.Content, err = req.RequireString("content"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ref, err := req.RequireString("reference")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := json.Unmarshal([]byte(ref), &src.Reference); err != nil {
		return mcp.NewToolResultError("reference: " + err.Error()), nil
	}
	if tol := req.GetFloat("tolerance", -1); tol >= 0 {
		src.Tolerance = &tol
	}
	src.Path = req.GetString("path", "")

	job, err := s.opts.Jobs.Submit(ctx, src)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	// the job outlives the tool call
	if err := s.opts.Jobs.Start(context.WithoutCancel(ctx), job.ID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]string{"job_id": job.ID, "state": string(job.State)})
}

// jobStatus reports artifacts by kind and hash only; full bodies are served
// over HTTP.
func (s *Server) jobStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.opts.Jobs.Get(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	type status struct {
		ID        string                  `json:"id"`
		State     pipeline.JobState       `json:"state"`
		Reason    string                  `json:"reason,omitempty"`
		Knowledge string                  `json:"knowledge_version,omitempty"`
		History   []pipeline.Attempt      `json:"history"`
		Artifacts map[string]string       `json:"artifacts"`
		Errors    []pipeline.AttemptError `json:"errors,omitempty"`
	}
	out := status{
		ID:        job.ID,
		State:     job.State,
		Reason:    job.Reason,
		Knowledge: job.KnowledgeVersion,
		History:   job.History,
		Artifacts: make(map[string]string, len(job.Latest)),
		Errors:    job.Errors(),
	}
	for k, a := range job.Latest {
		out.Artifacts[string(k)] = a.Hash
	}
	return jsonResult(out)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	js, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(js)), nil
}
