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

// Package server exposes the Coordinator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/log"
	"github.com/cloudwego/transmute/internal/pipeline"
	"github.com/cloudwego/transmute/internal/store"
	"github.com/cloudwego/transmute/knowledge"
)

// Coordinator is the part of the pipeline the HTTP API drives.
type Coordinator interface {
	Submit(ctx context.Context, src artifact.Source) (pipeline.Job, error)
	Start(ctx context.Context, id string) error
	Cancel(id string) error
	Get(id string) (pipeline.Job, error)
	List() []pipeline.Job
	Records(ctx context.Context, id string) ([]store.Record, error)
}

type Server struct {
	coord     Coordinator
	knowledge knowledge.Gateway
	router    *mux.Router
	log       log.Entry
}

func New(coord Coordinator, gw knowledge.Gateway) *Server {
	s := &Server{coord: coord, knowledge: gw, router: mux.NewRouter(), log: log.Named("server")}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/jobs", s.submitJob).Methods("POST")
	api.HandleFunc("/jobs", s.listJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.getJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", s.cancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/records", s.jobRecords).Methods("GET")
	api.HandleFunc("/knowledge/query", s.queryKnowledge).Methods("POST")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// ListenAndServe serves until ctx is done, then drains for at most grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// SubmitRequest is a job source. Start defaults to true.
type SubmitRequest struct {
	artifact.Source
	Start *bool `json:"start,omitempty"`
}

// JobSummary is the list view of a job.
type JobSummary struct {
	ID        string            `json:"id"`
	State     pipeline.JobState `json:"state"`
	Reason    string            `json:"reason,omitempty"`
	Attempts  int               `json:"attempts"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func summarize(j pipeline.Job) JobSummary {
	return JobSummary{
		ID:        j.ID,
		State:     j.State,
		Reason:    j.Reason,
		Attempts:  len(j.History),
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// submitJob handles POST /v1/jobs
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	job, err := s.coord.Submit(r.Context(), req.Source)
	if err != nil {
		s.fail(w, err)
		return
	}
	if req.Start == nil || *req.Start {
		if err := s.coord.Start(r.Context(), job.ID); err != nil {
			s.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, summarize(job))
}

// listJobs handles GET /v1/jobs
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.coord.List()
	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, summarize(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// getJob handles GET /v1/jobs/{id}
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.coord.Get(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// cancelJob handles POST /v1/jobs/{id}/cancel
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.coord.Cancel(id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

// jobRecords handles GET /v1/jobs/{id}/records
func (s *Server) jobRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := s.coord.Records(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// queryKnowledge handles POST /v1/knowledge/query
func (s *Server) queryKnowledge(w http.ResponseWriter, r *http.Request) {
	var q knowledge.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if q.Granularity == "" {
		q.Granularity = knowledge.Tactical
	}
	if _, err := knowledge.ParseGranularity(string(q.Granularity)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.knowledge == nil {
		s.fail(w, knowledge.ErrNoSnapshot)
		return
	}
	ans, err := s.knowledge.Query(r.Context(), q)
	if err != nil {
		s.fail(w, err)
		return
	}
	if ans.Answers == nil {
		ans.Answers = []knowledge.Fact{}
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidSource), errors.Is(err, knowledge.ErrEmptyQuery):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrTerminal), errors.Is(err, pipeline.ErrRunning):
		status = http.StatusConflict
	case errors.Is(err, knowledge.ErrNoSnapshot):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
