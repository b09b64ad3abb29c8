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

// Package config loads runtime configuration from a YAML file overlaid with
// TRANSMUTE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "TRANSMUTE_"

type Config struct {
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Iteration IterationConfig `koanf:"iteration"`
	Verify    VerifyConfig    `koanf:"verify"`
	Knowledge KnowledgeConfig `koanf:"knowledge"`
	Model     ModelConfig     `koanf:"model"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Store     StoreConfig     `koanf:"store"`
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
}

// RetryConfig bounds the attempts of one stage.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	Backoff     time.Duration `koanf:"backoff"`
	MaxBackoff  time.Duration `koanf:"max_backoff"`
}

type PipelineConfig struct {
	RetryConfig     `koanf:",squash"`
	MaxSchemaReruns int                    `koanf:"max_schema_reruns"`
	Stages          map[string]RetryConfig `koanf:"stages"` // per-stage overrides keyed by stage name
	Workers         int                    `koanf:"workers"`
}

// ForStage returns the retry policy of a stage, falling back to the pipeline default.
func (p PipelineConfig) ForStage(name string) RetryConfig {
	rc := p.RetryConfig
	if o, ok := p.Stages[name]; ok {
		if o.MaxAttempts > 0 {
			rc.MaxAttempts = o.MaxAttempts
		}
		if o.Backoff > 0 {
			rc.Backoff = o.Backoff
		}
		if o.MaxBackoff > 0 {
			rc.MaxBackoff = o.MaxBackoff
		}
	}
	return rc
}

type IterationConfig struct {
	UnitMaxRetries     int     `koanf:"unit_max_retries"`
	MaxFailureFraction float64 `koanf:"max_failure_fraction"`
	MaxParallel        int     `koanf:"max_parallel"`
	RefineQueries      bool    `koanf:"refine_queries"`
}

type VerifyConfig struct {
	Tolerance float64 `koanf:"tolerance"`
	// UnitTolerance has no default: it must be set whenever a unit carries a
	// reference value without a tolerance of its own.
	UnitTolerance *float64            `koanf:"unit_tolerance"`
	Timeout       time.Duration       `koanf:"timeout"`
	UnitTimeout   time.Duration       `koanf:"unit_timeout"`
	Commands      map[string][]string `koanf:"commands"` // language -> argv, "{file}" is replaced by the entry file
	WorkDir       string              `koanf:"work_dir"`
}

type KnowledgeConfig struct {
	Dir                    string  `koanf:"dir"`
	Watch                  bool    `koanf:"watch"`
	StrategicTopK          int     `koanf:"strategic_top_k"`
	StrategicMinSimilarity float64 `koanf:"strategic_min_similarity"`
	TacticalTopK           int     `koanf:"tactical_top_k"`
	TacticalMinSimilarity  float64 `koanf:"tactical_min_similarity"`
}

type ModelConfig struct {
	Type        string        `koanf:"type"`
	BaseURL     string        `koanf:"base_url"`
	APIKey      string        `koanf:"api_key"`
	ModelName   string        `koanf:"model_name"`
	Temperature float32       `koanf:"temperature"`
	MaxTokens   int           `koanf:"max_tokens"`
	MaxSteps    int           `koanf:"max_steps"`
	Timeout     time.Duration `koanf:"timeout"`
	Retries     int           `koanf:"retries"`
}

type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

type StoreConfig struct {
	Kind string `koanf:"kind"` // memory | file | postgres
	Dir  string `koanf:"dir"`
	DSN  string `koanf:"dsn"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// OutputDir receives the assembled program of every completed job; empty disables it.
	OutputDir       string        `koanf:"output_dir"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads path (optional) then applies environment overrides.
//
//	TRANSMUTE_ITERATION_UNIT_MAX_RETRIES=5 -> iteration.unit_max_retries
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Pipeline.MaxAttempts == 0 {
		cfg.Pipeline.MaxAttempts = 3
	}
	if cfg.Pipeline.Backoff == 0 {
		cfg.Pipeline.Backoff = time.Second
	}
	if cfg.Pipeline.MaxBackoff == 0 {
		cfg.Pipeline.MaxBackoff = 30 * time.Second
	}
	if cfg.Pipeline.MaxSchemaReruns == 0 {
		cfg.Pipeline.MaxSchemaReruns = 2
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 4
	}

	if cfg.Iteration.UnitMaxRetries == 0 {
		cfg.Iteration.UnitMaxRetries = 3
	}
	if cfg.Iteration.MaxFailureFraction == 0 {
		cfg.Iteration.MaxFailureFraction = 0.2
	}
	if cfg.Iteration.MaxParallel == 0 {
		cfg.Iteration.MaxParallel = 1
	}

	if cfg.Verify.Tolerance == 0 {
		cfg.Verify.Tolerance = 1e-6
	}
	if cfg.Verify.Timeout == 0 {
		cfg.Verify.Timeout = 5 * time.Minute
	}
	if cfg.Verify.UnitTimeout == 0 {
		cfg.Verify.UnitTimeout = 30 * time.Second
	}
	if cfg.Verify.Commands == nil {
		cfg.Verify.Commands = map[string][]string{
			"python": {"python3", "{file}"},
			"go":     {"go", "run", "{file}"},
		}
	}

	if cfg.Knowledge.StrategicTopK == 0 {
		cfg.Knowledge.StrategicTopK = 10
	}
	if cfg.Knowledge.StrategicMinSimilarity == 0 {
		cfg.Knowledge.StrategicMinSimilarity = 0.2
	}
	if cfg.Knowledge.TacticalTopK == 0 {
		cfg.Knowledge.TacticalTopK = 5
	}
	if cfg.Knowledge.TacticalMinSimilarity == 0 {
		cfg.Knowledge.TacticalMinSimilarity = 0.3
	}

	if cfg.Model.MaxSteps == 0 {
		cfg.Model.MaxSteps = 20
	}
	if cfg.RateLimit.RPS == 0 {
		cfg.RateLimit.RPS = 2
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 4
	}

	if cfg.Store.Kind == "" {
		cfg.Store.Kind = "memory"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Pipeline.MaxAttempts < 1 {
		return errors.New("pipeline.max_attempts must be >= 1")
	}
	for name, rc := range c.Pipeline.Stages {
		if rc.MaxAttempts < 0 {
			return fmt.Errorf("pipeline.stages.%s.max_attempts must not be negative", name)
		}
	}
	if c.Pipeline.MaxSchemaReruns < 0 {
		return errors.New("pipeline.max_schema_reruns must not be negative")
	}
	if c.Iteration.UnitMaxRetries < 1 {
		return errors.New("iteration.unit_max_retries must be >= 1")
	}
	if c.Iteration.MaxFailureFraction < 0 || c.Iteration.MaxFailureFraction > 1 {
		return fmt.Errorf("iteration.max_failure_fraction %v out of [0,1]", c.Iteration.MaxFailureFraction)
	}
	if c.Verify.Tolerance < 0 {
		return errors.New("verify.tolerance must not be negative")
	}
	if c.Verify.UnitTolerance != nil && *c.Verify.UnitTolerance < 0 {
		return errors.New("verify.unit_tolerance must not be negative")
	}
	switch c.Store.Kind {
	case "memory":
	case "file":
		if c.Store.Dir == "" {
			return errors.New("store.dir required for file store")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn required for postgres store")
		}
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	return nil
}
