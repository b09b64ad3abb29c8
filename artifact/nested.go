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
)

// FlattenNested returns a copy of b where every nested helper found by the
// analysis is a task of its own. The task reproducing the enclosing function
// gains an explicit dependency on the helper task. Helpers already covered by
// a task (same id or function) are left alone.
func FlattenNested(r *AnalysisReport, b *DesignBlueprint) *DesignBlueprint {
	out := cloneBlueprint(b)
	if r == nil || len(r.NestedFunctions) == 0 {
		return out
	}

	inners := make([]string, 0, len(r.NestedFunctions))
	for inner := range r.NestedFunctions {
		inners = append(inners, inner)
	}
	sort.Strings(inners)

	for _, inner := range inners {
		if taskFor(out, inner) >= 0 {
			continue
		}
		// walk outwards until a function with a task is found
		host := -1
		outer := r.NestedFunctions[inner]
		for hops := 0; outer != "" && hops <= len(r.NestedFunctions); hops++ {
			if host = taskFor(out, outer); host >= 0 {
				break
			}
			outer = r.NestedFunctions[outer]
		}

		sem := r.Semantics[inner]
		t := Task{
			ID:          inner,
			Description: fmt.Sprintf("nested helper %s of %s: %s", inner, r.NestedFunctions[inner], sem.Purpose),
			Strategy:    sem.Method,
			DependsOn:   []string{},
			Function:    inner,
		}
		if fn, ok := r.FunctionsFound[inner]; ok {
			t.RequiredParams = append([]string(nil), fn.Params...)
		}
		if host < 0 {
			out.Tasks = append(out.Tasks, t)
			out.DependencyGraph[t.ID] = []string{}
			continue
		}

		hostTask := out.Tasks[host]
		t.ID = hostTask.ID + "." + inner
		hostTask.DependsOn = append(hostTask.DependsOn, t.ID)
		out.DependencyGraph[hostTask.ID] = append(out.DependencyGraph[hostTask.ID], t.ID)
		out.DependencyGraph[t.ID] = []string{}

		// keep declaration order readable: helper right before its host
		tasks := make([]Task, 0, len(out.Tasks)+1)
		tasks = append(tasks, out.Tasks[:host]...)
		tasks = append(tasks, t, hostTask)
		tasks = append(tasks, out.Tasks[host+1:]...)
		out.Tasks = tasks
	}
	return out
}

func taskFor(b *DesignBlueprint, fn string) int {
	for i, t := range b.Tasks {
		if t.ID == fn || t.Function == fn {
			return i
		}
	}
	return -1
}

func cloneBlueprint(b *DesignBlueprint) *DesignBlueprint {
	out := &DesignBlueprint{DependencyGraph: map[string][]string{}}
	if b == nil {
		return out
	}
	out.CoreRepresentations = cloneStrings(b.CoreRepresentations)
	out.Confidence = b.Confidence
	out.KnowledgeVersion = b.KnowledgeVersion
	out.Tasks = make([]Task, len(b.Tasks))
	for i, t := range b.Tasks {
		t.DependsOn = append([]string{}, t.DependsOn...)
		t.RequiredParams = cloneStrings(t.RequiredParams)
		out.Tasks[i] = t
	}
	for k, v := range b.DependencyGraph {
		out.DependencyGraph[k] = append([]string{}, v...)
	}
	return out
}

// cloneStrings keeps an empty slice empty rather than nil; validation tells
// the two apart.
func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
