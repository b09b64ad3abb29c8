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

package artifact

import (
	"fmt"
	"sort"
	"strings"
)

// Severity tells the coordinator whether a bad artifact can simply be
// regenerated (recoverable) or is structurally broken (fatal).
type Severity string

const (
	SeverityFatal       Severity = "fatal"
	SeverityRecoverable Severity = "recoverable"
)

type ValidationErrorItem struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Field    string   `json:"field,omitempty"`
}

type ValidationResult struct {
	Ok       bool                  `json:"ok"`
	Errors   []ValidationErrorItem `json:"errors,omitempty"`
	Severity Severity              `json:"severity,omitempty"` // fatal if any item is fatal
}

// SchemaError is returned by Check when an artifact fails validation.
type SchemaError struct {
	Kind   Kind
	Result ValidationResult
}

func (e *SchemaError) Error() string {
	msgs := make([]string, 0, len(e.Result.Errors))
	for _, it := range e.Result.Errors {
		msgs = append(msgs, it.Message)
	}
	if len(msgs) == 1 {
		return fmt.Sprintf("invalid %s artifact: %s", e.Kind, msgs[0])
	}
	return fmt.Sprintf("invalid %s artifact (%d errors): %s", e.Kind, len(msgs), strings.Join(msgs, "; "))
}

// Check validates a and returns a *SchemaError when it is not Ok.
func Check(a *Artifact) error {
	res := Validate(a)
	if res.Ok {
		return nil
	}
	kind := Kind("")
	if a != nil {
		kind = a.Kind
	}
	return &SchemaError{Kind: kind, Result: res}
}

func Validate(a *Artifact) ValidationResult {
	if a == nil {
		return fatal("artifact is nil")
	}
	var res ValidationResult
	switch a.Kind {
	case KindAnalysis:
		res = ValidateAnalysis(a.Analysis)
	case KindDesign:
		res = ValidateDesign(a.Design)
	case KindImplementation:
		res = ValidateImplementation(a.Implementation)
	case KindVerification:
		res = ValidateVerification(a.Verification)
	default:
		return fatal(fmt.Sprintf("unknown artifact kind %q", a.Kind))
	}
	if res.Ok && a.Hash == "" {
		return fatal("artifact is not sealed")
	}
	return res
}

// ValidateAnalysis enforces required fields and that every function the
// call graph references has a semantics entry.
func ValidateAnalysis(r *AnalysisReport) ValidationResult {
	if r == nil {
		return fatal("analysis report is nil")
	}
	var items []ValidationErrorItem
	if r.FunctionsFound == nil {
		items = append(items, item(SeverityFatal, "functions_found", "functions_found is required"))
	}
	if r.ExternalAPIs == nil {
		items = append(items, item(SeverityFatal, "external_apis", "external_apis is required"))
	}
	if r.CallChain == nil {
		items = append(items, item(SeverityFatal, "call_chain", "call_chain is required"))
	}
	if r.Semantics == nil {
		items = append(items, item(SeverityFatal, "semantics", "semantics is required"))
	}
	if r.Parameters.Main == nil || r.Parameters.Derived == nil || r.Parameters.Constants == nil {
		items = append(items, item(SeverityFatal, "parameters", "parameters requires main, derived and constants"))
	}

	for _, name := range referencedFunctions(r) {
		s, ok := r.Semantics[name]
		if !ok {
			items = append(items, item(SeverityFatal, "semantics."+name,
				fmt.Sprintf("function %q is in the call graph but has no semantics entry", name)))
			continue
		}
		if strings.TrimSpace(s.Purpose) == "" {
			items = append(items, item(SeverityRecoverable, "semantics."+name+".purpose",
				fmt.Sprintf("semantics of %q has an empty purpose", name)))
		}
	}
	for inner, outer := range r.NestedFunctions {
		if _, ok := r.FunctionsFound[inner]; !ok {
			items = append(items, item(SeverityFatal, "nested_functions."+inner,
				fmt.Sprintf("nested function %q is not in functions_found", inner)))
		}
		if _, ok := r.FunctionsFound[outer]; !ok {
			items = append(items, item(SeverityFatal, "nested_functions."+inner,
				fmt.Sprintf("enclosing function %q of %q is not in functions_found", outer, inner)))
		}
	}
	return result(items)
}

// referencedFunctions lists callers and known callees of the call graph in
// sorted order. External API calls and the module scope are not functions.
func referencedFunctions(r *AnalysisReport) []string {
	set := map[string]bool{}
	for caller, callees := range r.CallChain {
		if caller != ModuleScope {
			set[caller] = true
		}
		for _, c := range callees {
			if _, ok := r.FunctionsFound[c]; ok {
				set[c] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ValidateDesign checks task identity and references. Acyclicity is checked
// by the scheduler, which owns ordering.
func ValidateDesign(b *DesignBlueprint) ValidationResult {
	if b == nil {
		return fatal("design blueprint is nil")
	}
	var items []ValidationErrorItem
	if b.CoreRepresentations == nil {
		items = append(items, item(SeverityFatal, "core_representations", "core_representations is required"))
	}
	if len(b.Tasks) == 0 {
		items = append(items, item(SeverityFatal, "tasks", "tasks must not be empty"))
	}
	if b.DependencyGraph == nil {
		items = append(items, item(SeverityFatal, "dependency_graph", "dependency_graph is required"))
	}

	ids := make(map[string]bool, len(b.Tasks))
	for i, t := range b.Tasks {
		if t.ID == "" {
			items = append(items, item(SeverityFatal, fmt.Sprintf("tasks[%d].id", i), "task id is empty"))
			continue
		}
		if ids[t.ID] {
			items = append(items, item(SeverityFatal, fmt.Sprintf("tasks[%d].id", i),
				fmt.Sprintf("duplicate task id %q", t.ID)))
		}
		ids[t.ID] = true
		if strings.TrimSpace(t.Description) == "" {
			items = append(items, item(SeverityRecoverable, fmt.Sprintf("tasks[%d].description", i),
				fmt.Sprintf("task %q has no description", t.ID)))
		}
	}
	for _, t := range b.Tasks {
		for _, d := range t.DependsOn {
			if !ids[d] {
				items = append(items, item(SeverityFatal, "tasks."+t.ID+".depends_on",
					fmt.Sprintf("task %q depends on unknown task %q", t.ID, d)))
			}
		}
	}
	keys := make([]string, 0, len(b.DependencyGraph))
	for k := range b.DependencyGraph {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !ids[k] {
			items = append(items, item(SeverityFatal, "dependency_graph."+k,
				fmt.Sprintf("dependency_graph names unknown task %q", k)))
		}
		for _, d := range b.DependencyGraph[k] {
			if !ids[d] {
				items = append(items, item(SeverityFatal, "dependency_graph."+k,
					fmt.Sprintf("task %q depends on unknown task %q", k, d)))
			}
		}
	}
	return result(items)
}

func ValidateImplementation(a *ImplementationArtifact) ValidationResult {
	if a == nil {
		return fatal("implementation artifact is nil")
	}
	var items []ValidationErrorItem
	if a.Units == nil {
		items = append(items, item(SeverityFatal, "units", "units is required"))
	}
	seen := map[string]bool{}
	for i, u := range a.Units {
		field := fmt.Sprintf("units[%d]", i)
		if u.TaskID == "" {
			items = append(items, item(SeverityFatal, field+".task_id", "unit task_id is empty"))
		} else if seen[u.TaskID] {
			items = append(items, item(SeverityFatal, field+".task_id", fmt.Sprintf("duplicate unit %q", u.TaskID)))
		}
		seen[u.TaskID] = true
		switch u.Status {
		case UnitPending, UnitInProgress, UnitVerified, UnitFailed:
		default:
			items = append(items, item(SeverityFatal, field+".status", fmt.Sprintf("unit %q has invalid status %q", u.TaskID, u.Status)))
		}
		if u.Status == UnitVerified && strings.TrimSpace(u.Content) == "" {
			items = append(items, item(SeverityFatal, field+".content", fmt.Sprintf("verified unit %q has no content", u.TaskID)))
		}
		if u.Retries < 0 {
			items = append(items, item(SeverityFatal, field+".retries", "retries must not be negative"))
		}
	}
	return result(items)
}

func ValidateVerification(v *VerificationResult) ValidationResult {
	if v == nil {
		return fatal("verification result is nil")
	}
	var items []ValidationErrorItem
	switch v.Outcome {
	case OutcomePass, OutcomeRuntimeFailure, OutcomeToleranceFailure:
	default:
		items = append(items, item(SeverityFatal, "outcome", fmt.Sprintf("invalid outcome %q", v.Outcome)))
	}
	if v.Tolerance < 0 {
		items = append(items, item(SeverityFatal, "tolerance", "tolerance must not be negative"))
	}
	if v.Outcome != OutcomeRuntimeFailure && (v.Measured == nil || v.Reference == nil) {
		items = append(items, item(SeverityFatal, "measured", "measured and reference are required unless execution failed"))
	}
	if v.Trace == nil {
		items = append(items, item(SeverityRecoverable, "trace", "trace is missing"))
	}
	return result(items)
}

func item(sev Severity, field, msg string) ValidationErrorItem {
	return ValidationErrorItem{Message: msg, Severity: sev, Field: field}
}

func fatal(msg string) ValidationResult {
	return ValidationResult{
		Errors:   []ValidationErrorItem{{Message: msg, Severity: SeverityFatal}},
		Severity: SeverityFatal,
	}
}

func result(items []ValidationErrorItem) ValidationResult {
	if len(items) == 0 {
		return ValidationResult{Ok: true}
	}
	sev := SeverityRecoverable
	for _, it := range items {
		if it.Severity == SeverityFatal {
			sev = SeverityFatal
			break
		}
	}
	return ValidationResult{Errors: items, Severity: sev}
}
