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

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/pipeline"
	"github.com/cloudwego/transmute/internal/store"
	"github.com/cloudwego/transmute/knowledge"
)

type mockCoordinator struct{ mock.Mock }

func (m *mockCoordinator) Submit(ctx context.Context, src artifact.Source) (pipeline.Job, error) {
	args := m.Called(src)
	return args.Get(0).(pipeline.Job), args.Error(1)
}

func (m *mockCoordinator) Start(ctx context.Context, id string) error { return m.Called(id).Error(0) }
func (m *mockCoordinator) Cancel(id string) error                     { return m.Called(id).Error(0) }

func (m *mockCoordinator) Get(id string) (pipeline.Job, error) {
	args := m.Called(id)
	return args.Get(0).(pipeline.Job), args.Error(1)
}

func (m *mockCoordinator) List() []pipeline.Job { return m.Called().Get(0).([]pipeline.Job) }

func (m *mockCoordinator) Records(ctx context.Context, id string) ([]store.Record, error) {
	args := m.Called(id)
	return args.Get(0).([]store.Record), args.Error(1)
}

type gatewayFunc func(ctx context.Context, q knowledge.Query) (knowledge.Answer, error)

func (f gatewayFunc) Query(ctx context.Context, q knowledge.Query) (knowledge.Answer, error) {
	return f(ctx, q)
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestSubmitJob(t *testing.T) {
	c := &mockCoordinator{}
	src := artifact.Source{Language: "python", TargetLanguage: "go", Content: "print(1)"}
	c.On("Submit", src).Return(pipeline.Job{ID: "j1", State: pipeline.StatePending}, nil)
	c.On("Start", "j1").Return(nil)
	s := New(c, nil)

	rec, body := do(t, s, "POST", "/v1/jobs", `{"language":"python","target_language":"go","content":"print(1)"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "j1", body["id"])
	assert.Equal(t, "pending", body["state"])
	c.AssertExpectations(t)
}

func TestSubmitJobWithoutStart(t *testing.T) {
	c := &mockCoordinator{}
	c.On("Submit", mock.Anything).Return(pipeline.Job{ID: "j1"}, nil)
	s := New(c, nil)

	rec, _ := do(t, s, "POST", "/v1/jobs", `{"language":"python","target_language":"go","content":"x","start":false}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	c.AssertNotCalled(t, "Start", mock.Anything)
}

func TestErrorMapping(t *testing.T) {
	c := &mockCoordinator{}
	c.On("Submit", mock.Anything).Return(pipeline.Job{}, pipeline.ErrInvalidSource)
	c.On("Get", "missing").Return(pipeline.Job{}, pipeline.ErrJobNotFound)
	c.On("Cancel", "done").Return(pipeline.ErrTerminal)
	s := New(c, nil)

	cases := []struct {
		method, path, body string
		want               int
	}{
		{"POST", "/v1/jobs", `{"language":"python"}`, http.StatusBadRequest},
		{"POST", "/v1/jobs", `not json`, http.StatusBadRequest},
		{"GET", "/v1/jobs/missing", "", http.StatusNotFound},
		{"POST", "/v1/jobs/done/cancel", "", http.StatusConflict},
		{"DELETE", "/v1/jobs/done", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec, _ := do(t, s, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestListAndRecords(t *testing.T) {
	c := &mockCoordinator{}
	c.On("List").Return([]pipeline.Job{
		{ID: "a", State: pipeline.StateCompleted, History: []pipeline.Attempt{{}, {}}},
		{ID: "b", State: pipeline.StateFailed, Reason: pipeline.ReasonCancelled},
	})
	c.On("Records", "a").Return([]store.Record(nil), nil)
	c.On("Cancel", "b").Return(nil)
	s := New(c, nil)

	rec, body := do(t, s, "GET", "/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := body["jobs"].([]any)
	require.Len(t, jobs, 2)
	assert.Equal(t, float64(2), jobs[0].(map[string]any)["attempts"])
	assert.Equal(t, "cancelled", jobs[1].(map[string]any)["reason"])

	rec, body = do(t, s, "GET", "/v1/jobs/a/records", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, body["records"])

	rec, _ = do(t, s, "POST", "/v1/jobs/b/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestQueryKnowledge(t *testing.T) {
	var got knowledge.Query
	gw := gatewayFunc(func(ctx context.Context, q knowledge.Query) (knowledge.Answer, error) {
		got = q
		if q.Text == "" {
			return knowledge.Answer{}, knowledge.ErrEmptyQuery
		}
		return knowledge.Answer{Answers: []knowledge.Fact{{CapabilityName: "cudaq.observe"}}, Version: "v1"}, nil
	})
	s := New(&mockCoordinator{}, gw)

	rec, body := do(t, s, "POST", "/v1/knowledge/query", `{"text":"expectation value"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, knowledge.Tactical, got.Granularity)
	assert.Equal(t, "v1", body["version"])
	assert.Len(t, body["answers"], 1)

	rec, _ = do(t, s, "POST", "/v1/knowledge/query", `{"text":"x","granularity":"cosmic"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, "POST", "/v1/knowledge/query", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsAndHealth(t *testing.T) {
	s := New(&mockCoordinator{}, nil)
	rec, _ := do(t, s, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, s, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "transmute_pipeline_jobs_active")
}
