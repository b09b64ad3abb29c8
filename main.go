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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cloudwego/transmute/artifact"
	"github.com/cloudwego/transmute/internal/config"
	"github.com/cloudwego/transmute/internal/log"
	"github.com/cloudwego/transmute/internal/server"
	"github.com/cloudwego/transmute/knowledge"
	"github.com/cloudwego/transmute/llm/mcp"
)

var (
	version = "dev"

	cfgPath string
	verbose bool
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "transmute",
	Short: "Translate a source program into a target language in verified stages",
	Long: `transmute runs a source program through Analyze, Design, Implement and
Verify. Every stage output is validated, and the translated program must
reproduce the reference observables of the source within tolerance.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			return err
		}
		lvl := cfg.Log.Level
		if verbose {
			lvl = "debug"
		}
		return log.Configure(cfg.Log.Format, lvl)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (yaml); TRANSMUTE_* environment variables override it")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "debug logging")

	translateCmd.Flags().StringVar(&translateOpts.from, "from", "", "source language (default: inferred from the file extension)")
	translateCmd.Flags().StringVar(&translateOpts.to, "to", "", "target language")
	translateCmd.Flags().StringVar(&translateOpts.reference, "reference", "", "JSON file of reference observables, {\"name\": [values]}")
	translateCmd.Flags().Float64Var(&translateOpts.tolerance, "tolerance", -1, "absolute tolerance for the whole program (default: verify.tolerance)")
	translateCmd.Flags().StringVarP(&translateOpts.output, "output", "o", "", "write the translated program here instead of stdout")
	translateCmd.Flags().StringVar(&translateOpts.report, "report", "", "write the final job as JSON here")
	_ = translateCmd.MarkFlagRequired("to")
	_ = translateCmd.MarkFlagRequired("reference")

	knowledgeQueryCmd.Flags().StringVar(&queryGranularity, "granularity", string(knowledge.Tactical), "strategic or tactical")
	knowledgeCmd.AddCommand(knowledgeQueryCmd, knowledgeStatsCmd)

	rootCmd.AddCommand(translateCmd, serveCmd, knowledgeCmd, mcpCmd)
}

var translateOpts struct {
	from, to, reference string
	tolerance           float64
	output, report      string
}

var translateCmd = &cobra.Command{
	Use:   "translate <source-file>",
	Short: "Translate one source file and wait for the result",
	Example: `  transmute translate vqe.py --to go --reference ref.json -o vqe.go
  transmute translate area.py --from python --to go --tolerance 1e-9`,
	Args: cobra.ExactArgs(1),
	RunE: runTranslate,
}

func runTranslate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := readSource(args[0], translateOpts.from, translateOpts.to)
	if err != nil {
		return err
	}
	if src.Reference, err = loadReference(translateOpts.reference); err != nil {
		return err
	}
	if translateOpts.tolerance >= 0 {
		tol := translateOpts.tolerance
		src.Tolerance = &tol
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.coord.Submit(ctx, src)
	if err != nil {
		return err
	}
	log.Info("job %s submitted (%s -> %s)", job.ID, src.Language, src.TargetLanguage)
	runErr := a.coord.Run(ctx, job.ID)
	if job, err = a.coord.Get(job.ID); err != nil {
		return err
	}
	if translateOpts.report != "" {
		if err := writeJSONFile(translateOpts.report, job); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("job %s %s: %w", job.ID, job.State, runErr)
	}

	impl := job.Artifact(artifact.KindImplementation)
	if impl == nil || impl.Implementation == nil {
		return errors.New("completed job has no implementation artifact")
	}
	if translateOpts.output == "" {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), impl.Implementation.Assembled)
		return err
	}
	return os.WriteFile(translateOpts.output, []byte(impl.Implementation.Assembled), 0o644)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job API over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return server.New(a.coord, a.library).ListenAndServe(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)
	},
}

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Inspect the knowledge base",
}

var queryGranularity string

var knowledgeQueryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Query the knowledge base the way a stage would",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := knowledge.ParseGranularity(queryGranularity)
		if err != nil {
			return err
		}
		snap, err := knowledge.Build(cmd.Context(), cfg.Knowledge.Dir, knowledgeOptions(cfg.Knowledge))
		if err != nil {
			return err
		}
		ans, err := snap.Query(cmd.Context(), knowledge.Query{Text: strings.Join(args, " "), Granularity: g})
		if err != nil {
			return err
		}
		return printJSON(cmd, ans)
	},
}

var knowledgeStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Load the knowledge base and report what was indexed and rejected",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := knowledge.Build(cmd.Context(), cfg.Knowledge.Dir, knowledgeOptions(cfg.Knowledge))
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{
			"version":  snap.Version(),
			"stats":    snap.Stats(),
			"rejected": snap.Rejected(),
		})
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve knowledge lookups and translation jobs to MCP clients over stdio",
	Long: `Serve knowledge lookups to MCP clients over stdio. When a model is
configured the submit_job and job_status tools are served as well.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := mcp.ServerOptions{ServerName: "transmute", ServerVersion: version}
		if cfg.Model.Type == "" {
			lib, err := loadLibrary(ctx, cfg.Knowledge)
			if err != nil {
				return err
			}
			opts.Knowledge = lib
		} else {
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			opts.Knowledge, opts.Jobs = a.library, a.coord
		}
		return mcp.NewServer(opts).ServeStdio()
	},
}

// sourceLanguages maps file extensions to source language names.
var sourceLanguages = map[string]string{
	".py":   "python",
	".go":   "go",
	".js":   "javascript",
	".ts":   "typescript",
	".rs":   "rust",
	".java": "java",
	".c":    "c",
	".cc":   "cpp",
	".cpp":  "cpp",
}

func readSource(path, from, to string) (artifact.Source, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return artifact.Source{}, err
	}
	if from == "" {
		from = sourceLanguages[strings.ToLower(filepath.Ext(path))]
	}
	if from == "" {
		return artifact.Source{}, fmt.Errorf("cannot infer the language of %s, pass --from", path)
	}
	return artifact.Source{
		Language:       from,
		TargetLanguage: to,
		Path:           path,
		Content:        string(content),
	}, nil
}

func loadReference(path string) (map[string][]float64, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ref map[string][]float64
	if err := json.Unmarshal(bs, &ref); err != nil {
		return nil, fmt.Errorf("reference %s: %w", path, err)
	}
	return ref, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONFile(path string, v any) error {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, bs, 0o644); err != nil {
		return err
	}
	log.Logger().Debug("report written", zap.String("path", path))
	return nil
}
