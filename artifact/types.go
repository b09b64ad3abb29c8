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

// ModuleScope is the caller name used in call_chain for top-level statements.
const ModuleScope = "<module>"

// Source is the input of a translation job.
type Source struct {
	Language       string `json:"language"`
	TargetLanguage string `json:"target_language"`
	Path           string `json:"path,omitempty"`
	Content        string `json:"content"`
	// Reference observables the whole translated artifact must reproduce.
	Reference map[string][]float64 `json:"reference,omitempty"`
	Tolerance *float64             `json:"tolerance,omitempty"`
}

type Function struct {
	Params   []string `json:"params"`
	Returns  string   `json:"returns"`
	Location string   `json:"location"`
}

type Semantics struct {
	Purpose   string `json:"purpose"`
	Method    string `json:"method"`
	Algorithm string `json:"algorithm"`
}

// Parameters holds extracted values as source text.
type Parameters struct {
	Main      map[string]string `json:"main"`
	Derived   map[string]string `json:"derived"`
	Constants map[string]string `json:"constants"`
}

// Lookup resolves a parameter by name, preferring main over derived over constants.
func (p Parameters) Lookup(name string) (string, bool) {
	for _, m := range []map[string]string{p.Main, p.Derived, p.Constants} {
		if v, ok := m[name]; ok {
			return v, true
		}
	}
	return "", false
}

// AnalysisReport is the output of the Analyze stage.
type AnalysisReport struct {
	FunctionsFound map[string]Function `json:"functions_found"`
	ExternalAPIs   []string            `json:"external_apis"`
	// CallChain maps a caller to the functions and external APIs it calls.
	CallChain map[string][]string `json:"call_chain"`
	// NestedFunctions maps a nested helper to its enclosing function.
	NestedFunctions map[string]string    `json:"nested_functions,omitempty"`
	Semantics       map[string]Semantics `json:"semantics"`
	Parameters      Parameters           `json:"parameters"`
}

type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceReduced Confidence = "reduced"
)

// Task is one node of the implementation plan.
type Task struct {
	ID             string   `json:"id"`
	Description    string   `json:"description"`
	Strategy       string   `json:"strategy"`
	RequiredParams []string `json:"required_params"`
	DependsOn      []string `json:"depends_on"`
	// Function names the source function the task reproduces, if any.
	Function string `json:"function,omitempty"`
	// Invariant is an optional boolean expression over the unit's numeric
	// parameters and observables, checked in per-unit verification.
	Invariant string               `json:"invariant,omitempty"`
	Reference map[string][]float64 `json:"reference,omitempty"`
	Tolerance *float64             `json:"tolerance,omitempty"`
}

// DesignBlueprint is the output of the Design stage.
type DesignBlueprint struct {
	CoreRepresentations []string            `json:"core_representations"`
	Tasks               []Task              `json:"tasks"`
	DependencyGraph     map[string][]string `json:"dependency_graph"`
	Confidence          Confidence          `json:"confidence,omitempty"`
	KnowledgeVersion    string              `json:"knowledge_version,omitempty"`
}

// Task returns the task with id.
func (b *DesignBlueprint) Task(id string) (Task, bool) {
	for _, t := range b.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Dependencies returns the dependencies of id from both depends_on and
// dependency_graph, deduplicated, depends_on first.
func (b *DesignBlueprint) Dependencies(id string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(deps []string) {
		for _, d := range deps {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	if t, ok := b.Task(id); ok {
		add(t.DependsOn)
	}
	add(b.DependencyGraph[id])
	return out
}

type UnitStatus string

const (
	UnitPending    UnitStatus = "pending"
	UnitInProgress UnitStatus = "in_progress"
	UnitVerified   UnitStatus = "verified"
	UnitFailed     UnitStatus = "failed"
)

type Unit struct {
	TaskID  string     `json:"task_id"`
	Status  UnitStatus `json:"status"`
	Content string     `json:"content"`
	Retries int        `json:"retries"`
	Errors  []string   `json:"errors,omitempty"`
}

// ImplementationArtifact is the output of the Implement stage. Assembled
// holds the verified units concatenated in scheduling order.
type ImplementationArtifact struct {
	Language  string `json:"language"`
	Units     []Unit `json:"units"`
	Assembled string `json:"assembled"`
}

// Verified reports whether every unit reached the verified status.
func (a *ImplementationArtifact) Verified() bool {
	for _, u := range a.Units {
		if u.Status != UnitVerified {
			return false
		}
	}
	return true
}

type Outcome string

const (
	OutcomePass             Outcome = "pass"
	OutcomeRuntimeFailure   Outcome = "runtime_failure"
	OutcomeToleranceFailure Outcome = "tolerance_failure"
)

// Failure reasons attached to a runtime failure.
const (
	ReasonTimeout         = "timeout"
	ReasonExitStatus      = "exit_status"
	ReasonMalformedOutput = "malformed_output"
	ReasonStructure       = "structure"
	ReasonInvariant       = "invariant"
	ReasonCancelled       = "cancelled"
)

// VerificationResult is produced by the harness in both modes and is the
// output artifact of the Verify stage.
type VerificationResult struct {
	Outcome   Outcome              `json:"outcome"`
	Reason    string               `json:"reason,omitempty"`
	Measured  map[string][]float64 `json:"measured"`
	Reference map[string][]float64 `json:"reference"`
	Tolerance float64              `json:"tolerance"`
	Trace     []string             `json:"trace"`
}

func (r *VerificationResult) Passed() bool { return r != nil && r.Outcome == OutcomePass }
