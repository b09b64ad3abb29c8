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
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tfimReport() *AnalysisReport {
	return &AnalysisReport{
		FunctionsFound: map[string]Function{
			"build_circuit":           {Params: []string{"n", "steps"}, Returns: "QuantumCircuit", Location: "tfim.py:10"},
			"_assign_edges_to_layers": {Params: []string{"edges"}, Returns: "list", Location: "tfim.py:14"},
			"energy":                  {Params: []string{"state"}, Returns: "float", Location: "tfim.py:40"},
		},
		ExternalAPIs: []string{"qiskit.QuantumCircuit"},
		CallChain: map[string][]string{
			ModuleScope:     {"build_circuit", "energy"},
			"build_circuit": {"_assign_edges_to_layers", "qiskit.QuantumCircuit"},
		},
		NestedFunctions: map[string]string{"_assign_edges_to_layers": "build_circuit"},
		Semantics: map[string]Semantics{
			"build_circuit":           {Purpose: "trotterized evolution", Method: "layered rzz", Algorithm: "trotter"},
			"_assign_edges_to_layers": {Purpose: "edge coloring", Method: "greedy", Algorithm: "greedy coloring"},
			"energy":                  {Purpose: "expectation value", Method: "pauli sum", Algorithm: "estimator"},
		},
		Parameters: Parameters{
			Main:      map[string]string{"n": "6"},
			Derived:   map[string]string{"dt": "t / steps"},
			Constants: map[string]string{"J": "1.0"},
		},
	}
}

func TestValidateAnalysis(t *testing.T) {
	r := tfimReport()
	assert.True(t, ValidateAnalysis(r).Ok)

	delete(r.Semantics, "_assign_edges_to_layers")
	res := ValidateAnalysis(r)
	require.False(t, res.Ok)
	assert.Equal(t, SeverityFatal, res.Severity)
	assert.Contains(t, res.Errors[0].Message, "_assign_edges_to_layers")

	// external callees need no semantics
	r = tfimReport()
	r.CallChain["energy"] = []string{"numpy.dot"}
	assert.True(t, ValidateAnalysis(r).Ok)

	r.Semantics["energy"] = Semantics{}
	res = ValidateAnalysis(r)
	require.False(t, res.Ok)
	assert.Equal(t, SeverityRecoverable, res.Severity)
}

func TestValidateAnalysisRequiredFields(t *testing.T) {
	res := ValidateAnalysis(&AnalysisReport{})
	require.False(t, res.Ok)
	fields := make([]string, 0, len(res.Errors))
	for _, it := range res.Errors {
		fields = append(fields, it.Field)
	}
	assert.ElementsMatch(t, []string{"functions_found", "external_apis", "call_chain", "semantics", "parameters"}, fields)
}

func TestValidateDesign(t *testing.T) {
	b := &DesignBlueprint{
		CoreRepresentations: []string{"circuit"},
		Tasks: []Task{
			{ID: "P", Description: "p"},
			{ID: "Q", Description: "q"},
			{ID: "R", Description: "r", DependsOn: []string{"P", "Q"}},
		},
		DependencyGraph: map[string][]string{"R": {"P", "Q"}},
	}
	assert.True(t, ValidateDesign(b).Ok)

	b.Tasks = append(b.Tasks, Task{ID: "P", Description: "dup"})
	b.DependencyGraph["S"] = []string{"X"}
	res := ValidateDesign(b)
	require.False(t, res.Ok)
	var msgs []string
	for _, it := range res.Errors {
		msgs = append(msgs, it.Message)
	}
	joined := strings.Join(msgs, "\n")
	assert.Contains(t, joined, `duplicate task id "P"`)
	assert.Contains(t, joined, `unknown task "S"`)
	assert.Contains(t, joined, `unknown task "X"`)
}

func TestCheckReturnsSchemaError(t *testing.T) {
	a := NewImplementation(&ImplementationArtifact{Units: []Unit{{TaskID: "A", Status: UnitVerified}}})
	err := Check(a)
	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindImplementation, se.Kind)
	assert.Contains(t, err.Error(), "no content")

	assert.NoError(t, Check(NewVerification(&VerificationResult{
		Outcome:   OutcomeRuntimeFailure,
		Reason:    ReasonTimeout,
		Trace:     []string{"killed"},
	})))
	assert.Error(t, Check(nil))
}

func TestHashIsContentAddressed(t *testing.T) {
	a := NewAnalysis(tfimReport())
	b := NewAnalysis(tfimReport())
	assert.Equal(t, a.Hash, b.Hash)
	assert.Len(t, a.ShortHash(), 12)

	r := tfimReport()
	r.ExternalAPIs = append(r.ExternalAPIs, "numpy")
	assert.NotEqual(t, a.Hash, NewAnalysis(r).Hash)
}

func TestDecode(t *testing.T) {
	a, err := Decode(KindDesign, []byte(`{"core_representations":[],"tasks":[{"id":"A","description":"a","strategy":"s","required_params":[],"depends_on":[]}],"dependency_graph":{}}`))
	require.NoError(t, err)
	assert.Equal(t, KindDesign, a.Kind)
	assert.NoError(t, Check(a))

	_, err = Decode("bogus", nil)
	assert.Error(t, err)
}

func TestFlattenNested(t *testing.T) {
	r := tfimReport()
	b := &DesignBlueprint{
		CoreRepresentations: []string{"circuit"},
		Tasks: []Task{
			{ID: "params", Description: "parameters"},
			{ID: "circuit", Description: "build", Function: "build_circuit", DependsOn: []string{"params"}},
		},
		DependencyGraph: map[string][]string{"circuit": {"params"}},
	}
	out := FlattenNested(r, b)

	require.Len(t, out.Tasks, 3)
	assert.Equal(t, "circuit._assign_edges_to_layers", out.Tasks[1].ID)
	assert.Equal(t, "circuit", out.Tasks[2].ID)
	assert.Equal(t, []string{"params", "circuit._assign_edges_to_layers"}, out.Dependencies("circuit"))
	assert.True(t, ValidateDesign(out).Ok)

	// input is untouched
	assert.Len(t, b.Tasks, 2)
	assert.Equal(t, []string{"params"}, b.Tasks[1].DependsOn)

	// already covered helpers are not duplicated
	again := FlattenNested(r, out)
	assert.Len(t, again.Tasks, 3)
}

func TestFlattenNestedWithoutHost(t *testing.T) {
	r := tfimReport()
	b := &DesignBlueprint{
		CoreRepresentations: []string{},
		Tasks:               []Task{{ID: "main", Description: "entry"}},
		DependencyGraph:     map[string][]string{},
	}
	require.True(t, ValidateDesign(b).Ok)
	out := FlattenNested(r, b)
	require.Len(t, out.Tasks, 2)
	assert.Equal(t, "_assign_edges_to_layers", out.Tasks[1].ID)
	assert.Equal(t, []string{"edges"}, out.Tasks[1].RequiredParams)
	assert.NotNil(t, out.CoreRepresentations)
	assert.True(t, ValidateDesign(out).Ok, "an empty core_representations list stays valid")
}
