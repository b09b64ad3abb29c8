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
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cloudwego/transmute/artifact"
)

// Compare checks measured observables against reference within eps. Every
// reference observable must be present with the same length; each element
// passes iff |m - r| <= eps. Observables not in reference are ignored.
func Compare(measured, reference map[string][]float64, eps float64) *artifact.VerificationResult {
	res := &artifact.VerificationResult{
		Outcome:   artifact.OutcomePass,
		Measured:  copyObs(measured),
		Reference: copyObs(reference),
		Tolerance: eps,
		Trace:     []string{},
	}
	names := make([]string, 0, len(reference))
	for name := range reference {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ref := reference[name]
		got, ok := measured[name]
		if !ok {
			return runtimeFailure(res, artifact.ReasonMalformedOutput, fmt.Sprintf("observable %q missing from output", name))
		}
		if len(got) != len(ref) {
			return runtimeFailure(res, artifact.ReasonMalformedOutput,
				fmt.Sprintf("observable %q has %d values, reference has %d", name, len(got), len(ref)))
		}
		for i := range ref {
			if math.IsNaN(got[i]) || math.IsInf(got[i], 0) {
				return runtimeFailure(res, artifact.ReasonMalformedOutput, fmt.Sprintf("observable %q[%d] is %v", name, i, got[i]))
			}
			if d := math.Abs(got[i] - ref[i]); !within(got[i], ref[i], eps) {
				res.Outcome = artifact.OutcomeToleranceFailure
				res.Trace = append(res.Trace, fmt.Sprintf("%s[%d]: |%g - %g| = %g > %g", name, i, got[i], ref[i], d, eps))
			}
		}
	}
	if res.Outcome == artifact.OutcomePass {
		res.Trace = append(res.Trace, fmt.Sprintf("%d observable(s) within %g", len(names), eps))
	}
	return res
}

// within reports |m - r| <= eps, allowing the rounding error of the
// subtraction so that a difference of exactly eps in decimal passes.
func within(m, r, eps float64) bool {
	d := math.Abs(m - r)
	if d <= eps {
		return true
	}
	scale := math.Max(math.Abs(m), math.Abs(r))
	ulp := math.Nextafter(scale, math.Inf(1)) - scale
	return d-eps <= 4*ulp
}

func runtimeFailure(res *artifact.VerificationResult, reason, msg string) *artifact.VerificationResult {
	res.Outcome = artifact.OutcomeRuntimeFailure
	res.Reason = reason
	res.Trace = append(res.Trace, msg)
	return res
}

func copyObs(in map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(in))
	for k, v := range in {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// ParseObservables reads observables printed by an artifact. Two line forms
// are understood: a JSON object of numbers or number arrays, and
// `name = value` with a number or a bracketed list. Later lines win.
func ParseObservables(output string) map[string][]float64 {
	obs := map[string][]float64{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var m map[string]json.RawMessage
			if json.Unmarshal([]byte(line), &m) == nil {
				for k, raw := range m {
					if v, ok := jsonNumbers(raw); ok {
						obs[k] = v
					}
				}
			}
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" || strings.ContainsAny(name, " \t()[]{}") {
			continue
		}
		if v, ok := parseValue(strings.TrimSpace(value)); ok {
			obs[name] = v
		}
	}
	return obs
}

func jsonNumbers(raw json.RawMessage) ([]float64, bool) {
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return []float64{f}, true
	}
	var fs []float64
	if json.Unmarshal(raw, &fs) == nil {
		return fs, true
	}
	return nil, false
}

func parseValue(s string) ([]float64, bool) {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		body := strings.TrimSpace(s[1 : len(s)-1])
		if body == "" {
			return []float64{}, true
		}
		fields := strings.FieldsFunc(body, func(r rune) bool { return r == ',' || r == ' ' })
		out := make([]float64, 0, len(fields))
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, false
			}
			out = append(out, v)
		}
		return out, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, false
	}
	return []float64{v}, true
}
