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

package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrNoCommand is returned when no command is configured for a language.
var ErrNoCommand = errors.New("verify: no run command for language")

type RunRequest struct {
	Language string
	Dir      string
	File     string
	Timeout  time.Duration
}

type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Runner executes an entry file. Implementations must stop the program when
// the timeout elapses or ctx is done.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// CommandRunner runs a configured interpreter per language. "{file}" in the
// argv is replaced by the entry file.
type CommandRunner struct {
	Commands map[string][]string
}

func (r *CommandRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	argv, ok := r.Commands[strings.ToLower(req.Language)]
	if !ok || len(argv) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoCommand, req.Language)
	}
	args := make([]string, len(argv))
	for i, a := range argv {
		args[i] = strings.ReplaceAll(a, "{file}", req.File)
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = req.Dir
	// pipes of orphaned grandchildren must not keep Wait blocked
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}
	return res, nil
}
