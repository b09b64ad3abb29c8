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

package main

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/config"
	"github.com/cloudwego/transmute/internal/iteration"
	"github.com/cloudwego/transmute/internal/log"
	"github.com/cloudwego/transmute/internal/pipeline"
	"github.com/cloudwego/transmute/internal/stage"
	"github.com/cloudwego/transmute/internal/store"
	"github.com/cloudwego/transmute/internal/verify"
	"github.com/cloudwego/transmute/knowledge"
	"github.com/cloudwego/transmute/llm"
	"github.com/cloudwego/transmute/llm/prompt"
)

// app is the wired Coordinator with everything it owns.
type app struct {
	coord   *pipeline.Coordinator
	library *knowledge.Library
	closers []io.Closer
	stop    context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	ctx, stop := context.WithCancel(ctx)
	a := &app{stop: stop}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.library, err = loadLibrary(ctx, cfg.Knowledge); err != nil {
		return nil, err
	}

	chat, err := llm.NewChatModel(ctx, modelConfig(cfg.Model))
	if err != nil {
		return nil, err
	}
	retry := llm.RetryPolicy{Retries: cfg.Model.Retries, Timeout: cfg.Model.Timeout}
	limit := func(g llm.Generator) llm.Generator {
		return llm.NewLimited(g, cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	// implement units look up capabilities themselves, from the job's pinned snapshot
	kt, err := llm.NewKnowledgeTool(knowledge.Contextual{Fallback: a.library})
	if err != nil {
		return nil, err
	}
	coder, err := llm.MakeAgent("implement", chat, prompt.SystemImplement, []llm.Tool{kt}, llm.AgentConfig{
		MaxSteps: cfg.Model.MaxSteps,
		Retries:  cfg.Model.Retries,
		Timeout:  cfg.Model.Timeout,
	})
	if err != nil {
		return nil, err
	}

	harness := verify.New(&verify.CommandRunner{Commands: cfg.Verify.Commands}, verify.Config{
		Tolerance:     cfg.Verify.Tolerance,
		UnitTolerance: cfg.Verify.UnitTolerance,
		Timeout:       cfg.Verify.Timeout,
		UnitTimeout:   cfg.Verify.UnitTimeout,
		WorkDir:       cfg.Verify.WorkDir,
	})
	ctrl := iteration.New(iteration.GeneratorProducer{Gen: limit(coder)}, harness, iteration.Config{
		UnitMaxRetries:     cfg.Iteration.UnitMaxRetries,
		MaxFailureFraction: cfg.Iteration.MaxFailureFraction,
		MaxParallel:        cfg.Iteration.MaxParallel,
		RefineQueries:      cfg.Iteration.RefineQueries,
	})
	executors := []stage.Executor{
		stage.NewAnalyzer(limit(llm.NewChatGenerator("analyze", chat, prompt.SystemAnalyze.String(), retry))),
		stage.NewDesigner(limit(llm.NewChatGenerator("design", chat, prompt.SystemDesign.String(), retry))),
		stage.NewImplementer(ctrl),
		stage.NewVerifier(harness),
	}

	sink, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if c, ok := sink.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	opts := []pipeline.Option{
		pipeline.WithSink(sink),
		pipeline.WithPolicies(pipeline.PoliciesFrom(cfg.Pipeline)),
		pipeline.WithMaxSchemaReruns(cfg.Pipeline.MaxSchemaReruns),
		pipeline.WithWorkers(cfg.Pipeline.Workers),
	}
	if cfg.Server.OutputDir != "" {
		opts = append(opts, pipeline.WithConsumer(outputConsumer{dir: cfg.Server.OutputDir}))
	}
	if a.coord, err = pipeline.New(a.library, executors, opts...); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	a.stop()
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			log.Warn("close: %v", err)
		}
	}
	log.Sync()
}

func knowledgeOptions(kc config.KnowledgeConfig) knowledge.Options {
	opts := knowledge.DefaultOptions()
	opts.Strategic = knowledge.SearchOptions{TopK: kc.StrategicTopK, MinSimilarity: kc.StrategicMinSimilarity}
	opts.Tactical = knowledge.SearchOptions{TopK: kc.TacticalTopK, MinSimilarity: kc.TacticalMinSimilarity}
	return opts
}

// loadLibrary builds the first snapshot and, if configured, keeps it fresh
// until ctx is done. Without a directory every query is a miss.
func loadLibrary(ctx context.Context, kc config.KnowledgeConfig) (*knowledge.Library, error) {
	opts := knowledgeOptions(kc)
	if kc.Dir == "" {
		log.Warn("knowledge.dir is not set; every knowledge query will miss")
		snap, err := knowledge.NewSnapshot(ctx, nil, opts)
		if err != nil {
			return nil, err
		}
		return knowledge.NewLibrary(snap), nil
	}
	snap, err := knowledge.Build(ctx, kc.Dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "load knowledge from %s", kc.Dir)
	}
	lib := knowledge.NewLibrary(snap)
	log.Logger().Info("knowledge loaded",
		zap.String("dir", kc.Dir), zap.String("version", snap.Version()), zap.Int("facts", snap.Len()))
	if kc.Watch {
		go func() {
			if err := knowledge.Watch(ctx, kc.Dir, lib, opts); err != nil {
				log.Error("knowledge watcher stopped: %v", err)
			}
		}()
	}
	return lib, nil
}

func modelConfig(m config.ModelConfig) llm.ModelConfig {
	mc := llm.ModelConfig{
		Name:      "default",
		APIType:   llm.NewModelType(m.Type),
		BaseURL:   m.BaseURL,
		APIKey:    m.APIKey,
		ModelName: m.ModelName,
		MaxTokens: m.MaxTokens,
		Timeout:   m.Timeout,
		Retries:   m.Retries,
	}
	if m.Temperature != 0 {
		t := m.Temperature
		mc.Temperature = &t
	}
	return mc
}

// outputConsumer writes the assembled program of each completed job to
// <dir>/<job id>/<entry file>.
type outputConsumer struct {
	dir string
}

func (o outputConsumer) Consume(ctx context.Context, job pipeline.Job) error {
	impl := job.Artifact(artifact.KindImplementation)
	if impl == nil || impl.Implementation == nil {
		return errors.Errorf("job %s has no implementation", job.ID)
	}
	dir := filepath.Join(o.dir, job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	path := filepath.Join(dir, verify.EntryFile(impl.Implementation.Language))
	if err := os.WriteFile(path, []byte(impl.Implementation.Assembled), 0o644); err != nil {
		return errors.WithStack(err)
	}
	log.Logger().Info("translation written", zap.String("job", job.ID), zap.String("path", path))
	return nil
}
