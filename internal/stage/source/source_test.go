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

package source

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/transmute/artifact"
)

func parseFile(t *testing.T, path string) *Program {
	t.Helper()
	bs, err := os.ReadFile(path)
	require.NoError(t, err)
	p, err := Parse(context.Background(), "python", string(bs))
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestStructure(t *testing.T) {
	s := parseFile(t, "testdata/tfim_hexagon.py").Structure()

	assert.Equal(t, []string{
		"create_custom_topology_2d",
		"apply_trotter_evolution_2d",
		"_assign_edges_to_layers",
		"compute_magnetization_2d",
		"run_tfim_2d_magnetization_sweep_flexible",
		"main",
	}, s.Order)

	fn := s.Functions["create_custom_topology_2d"]
	assert.Equal(t, []string{"edges", "n_qubits"}, fn.Params)
	assert.Equal(t, "dict", fn.Returns)
	assert.Equal(t, "line 5", fn.Location)

	assert.Equal(t, map[string]string{"_assign_edges_to_layers": "apply_trotter_evolution_2d"}, s.Nested)

	assert.Contains(t, s.CallChain["apply_trotter_evolution_2d"], "_assign_edges_to_layers")
	assert.Contains(t, s.CallChain["apply_trotter_evolution_2d"], "qiskit.QuantumCircuit")
	assert.NotContains(t, s.CallChain["apply_trotter_evolution_2d"], "set",
		"calls inside the nested helper belong to the helper")
	assert.Equal(t, []string{"main"}, s.CallChain[artifact.ModuleScope])
	assert.Contains(t, s.CallChain["run_tfim_2d_magnetization_sweep_flexible"], "numpy.linspace")

	assert.Contains(t, s.ExternalAPIs, "qiskit.quantum_info.Statevector.from_label")
	assert.Contains(t, s.ExternalAPIs, "qiskit.quantum_info.SparsePauliOp")
	assert.Contains(t, s.ExternalAPIs, "numpy.mean")
	assert.NotContains(t, s.ExternalAPIs, "circuit.rx")
}

func TestParameters(t *testing.T) {
	params := parseFile(t, "testdata/tfim_hexagon.py").Parameters()

	assert.Equal(t, "7", params.Main["n_qubits"])
	assert.Equal(t, "0.785", params.Main["theta_h"])
	assert.Equal(t, "1.57", params.Main["theta_h_end"])
	assert.Contains(t, params.Main, "edges")
	assert.Contains(t, params.Derived, "result")
	assert.Equal(t, "None", params.Constants["create_custom_topology_2d.n_qubits"])
	assert.NotContains(t, params.Main, "theta_zz", "locals of non-entry functions are not parameters")
}

func TestConstantsAndImports(t *testing.T) {
	src := `import numpy as np
from scipy.linalg import expm as matrix_exp
N_SITES = 4
COUPLING = -1.0
scale = N_SITES * 2

def evolve(h, dt=0.1):
    return matrix_exp(-1j * h * dt) @ np.eye(N_SITES)
`
	p, err := Parse(context.Background(), "python", src)
	require.NoError(t, err)
	defer p.Close()

	params := p.Parameters()
	assert.Equal(t, "4", params.Constants["N_SITES"])
	assert.Equal(t, "-1.0", params.Constants["COUPLING"])
	assert.Equal(t, "0.1", params.Constants["evolve.dt"])
	assert.Equal(t, "N_SITES * 2", params.Derived["scale"])

	s := p.Structure()
	assert.Equal(t, []string{"numpy.eye", "scipy.linalg.expm"}, s.ExternalAPIs)
}

func TestFunctions(t *testing.T) {
	fns := parseFile(t, "testdata/tfim_hexagon.py").Functions()
	require.Len(t, fns, 6)
	assert.Equal(t, "_assign_edges_to_layers", fns[2].Name)
	assert.Contains(t, fns[2].Text, "remaining_edges = set(edges)")
}

func TestCheckSyntax(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, CheckSyntax(ctx, "python", "def f(x):\n    return x + 1\n"))

	err := CheckSyntax(ctx, "python", "def f(x):\n    return (x +\n")
	var se *SyntaxError
	require.ErrorAs(t, err, &se)
	assert.GreaterOrEqual(t, se.Line, 1)

	assert.ErrorIs(t, CheckSyntax(ctx, "cobol", "x"), ErrUnsupportedLanguage)
}
