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
	"errors"
	"fmt"
	"strings"
	"time"

	perrors "github.com/pkg/errors"

	"github.com/cloudwego/transmute/internal/log"
)

// ErrTransient marks failures of the generation backend that may succeed on
// a later attempt: timeouts, dropped connections, rate limits.
var ErrTransient = errors.New("transient generation failure")

type transientError struct{ err error }

func (e *transientError) Error() string        { return e.err.Error() }
func (e *transientError) Unwrap() error        { return e.err }
func (e *transientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err so errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

var retryableMarkers = []string{
	"timeout",
	"connection reset",
	"connection refused",
	"operation timed out",
	"context deadline exceeded",
	"read tcp",
	"write tcp",
	"429",
	"rate limit",
	"503",
	"502",
	"eof",
}

// IsRetryable reports whether err looks like an infrastructure hiccup.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// RetryPolicy retries one backend round trip with exponential backoff capped
// at MaxBackoff, each attempt bounded by Timeout.
type RetryPolicy struct {
	Retries    int
	Timeout    time.Duration
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.Retries == 0 {
		r.Retries = 3
	}
	if r.Timeout == 0 {
		r.Timeout = 600 * time.Second
	}
	if r.Backoff == 0 {
		r.Backoff = time.Second
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = 10 * time.Second
	}
	return r
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. The final retryable failure is returned as Transient.
func (r RetryPolicy) Do(ctx context.Context, name string, fn func(ctx context.Context) (string, error)) (string, error) {
	r = r.withDefaults()
	var lastErr error
	for attempt := 0; attempt <= r.Retries; attempt++ {
		if attempt > 0 {
			wait := r.Backoff << uint(attempt-1)
			if wait > r.MaxBackoff {
				wait = r.MaxBackoff
			}
			log.Info("%s: retrying LLM call (attempt %d/%d) in %s", name, attempt+1, r.Retries+1, wait)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.Timeout)
		out, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		if !IsRetryable(err) {
			log.Error("%s: non-retryable error: %v", name, err)
			return "", perrors.Wrapf(err, "%s round trip", name)
		}
		log.Warn("%s: retryable error (attempt %d/%d): %v", name, attempt+1, r.Retries+1, err)
	}
	return "", Transient(perrors.Wrapf(fmt.Errorf("failed after %d attempts: %w", r.Retries+1, lastErr), "%s round trip", name))
}
