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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/config"
	"github.com/cloudwego/transmute/internal/pipeline"
	"github.com/cloudwego/transmute/llm"
)

func TestReadSource(t *testing.T) {
	dir := t.TempDir()
	py := filepath.Join(dir, "vqe.py")
	require.NoError(t, os.WriteFile(py, []byte("print(1)\n"), 0o644))

	src, err := readSource(py, "", "go")
	require.NoError(t, err)
	assert.Equal(t, artifact.Source{Language: "python", TargetLanguage: "go", Path: py, Content: "print(1)\n"}, src)

	src, err = readSource(py, "python3", "go")
	require.NoError(t, err)
	assert.Equal(t, "python3", src.Language)

	odd := filepath.Join(dir, "prog.qasm")
	require.NoError(t, os.WriteFile(odd, []byte("x"), 0o644))
	_, err = readSource(odd, "", "go")
	assert.ErrorContains(t, err, "--from")

	_, err = readSource(filepath.Join(dir, "missing.py"), "", "go")
	assert.Error(t, err)
}

func TestLoadReference(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ref.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"energy": [-1.137], "probs": [0.5, 0.5]}`), 0o644))
	ref, err := loadReference(path)
	require.NoError(t, err)
	assert.Equal(t, map[string][]float64{"energy": {-1.137}, "probs": {0.5, 0.5}}, ref)

	require.NoError(t, os.WriteFile(path, []byte(`{"energy": "low"}`), 0o644))
	_, err = loadReference(path)
	assert.ErrorContains(t, err, "ref.json")
}

func TestOutputConsumer(t *testing.T) {
	dir := t.TempDir()
	c := outputConsumer{dir: dir}
	job := pipeline.Job{
		ID: "j1",
		Latest: map[artifact.Kind]*artifact.Artifact{
			artifact.KindImplementation: artifact.NewImplementation(&artifact.ImplementationArtifact{
				Language:  "go",
				Assembled: "package main\n",
			}),
		},
	}
	require.NoError(t, c.Consume(context.Background(), job))
	bs, err := os.ReadFile(filepath.Join(dir, "j1", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(bs))

	assert.Error(t, c.Consume(context.Background(), pipeline.Job{ID: "j2"}))
}

func TestModelConfig(t *testing.T) {
	mc := modelConfig(config.ModelConfig{Type: "anthropic", ModelName: "m", Retries: 2})
	assert.Equal(t, llm.ModelTypeClaude, mc.APIType)
	assert.Nil(t, mc.Temperature)
	assert.Equal(t, 2, mc.Retries)

	mc = modelConfig(config.ModelConfig{Type: "qwen", Temperature: 0.2})
	assert.Equal(t, llm.ModelTypeDashScope, mc.APIType)
	require.NotNil(t, mc.Temperature)
	assert.InDelta(t, 0.2, *mc.Temperature, 1e-6)
}

func TestLoadLibraryWithoutDir(t *testing.T) {
	cfg := config.Default()
	lib, err := loadLibrary(context.Background(), cfg.Knowledge)
	require.NoError(t, err)
	_, version, err := lib.Pin()
	require.NoError(t, err)
	assert.NotEmpty(t, version)
	assert.Equal(t, 10, knowledgeOptions(cfg.Knowledge).Strategic.TopK)
}
