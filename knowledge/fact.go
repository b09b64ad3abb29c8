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

// Package knowledge is the read-only gateway over the target ecosystem fact
// store. Facts describe capabilities only; they never prescribe how a source
// construct should be translated.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Granularity string

const (
	// Strategic queries are few and broad: library and representation surveys.
	Strategic Granularity = "strategic"
	// Tactical queries are many and narrow: a capability needed by one unit.
	Tactical Granularity = "tactical"
)

func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(strings.ToLower(s)) {
	case Strategic:
		return Strategic, nil
	case Tactical:
		return Tactical, nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

type Query struct {
	Text        string      `json:"text"`
	Granularity Granularity `json:"granularity"`
}

// Fact is one neutral record about a target capability.
type Fact struct {
	CapabilityName      string            `json:"capability_name" yaml:"capability_name"`
	Domain              string            `json:"domain" yaml:"domain"`
	Signature           string            `json:"signature" yaml:"signature"`
	Description         string            `json:"description" yaml:"description"`
	Parameters          map[string]string `json:"parameters" yaml:"parameters"`
	Returns             string            `json:"returns" yaml:"returns"`
	Example             string            `json:"example" yaml:"example"`
	Pitfalls            []string          `json:"pitfalls" yaml:"pitfalls"`
	RelatedCapabilities []string          `json:"related_capabilities" yaml:"related_capabilities"`
	UsageContext        string            `json:"usage_context,omitempty" yaml:"usage_context"`
}

// Answer is the result of a query. An empty Answers slice is a miss, not an
// error.
type Answer struct {
	Answers []Fact `json:"answers"`
	Version string `json:"version"`
}

func (a Answer) Empty() bool { return len(a.Answers) == 0 }

// Names returns the capability names of the answer, sorted.
func (a Answer) Names() []string {
	out := make([]string, 0, len(a.Answers))
	for _, f := range a.Answers {
		out = append(out, f.CapabilityName)
	}
	sort.Strings(out)
	return out
}

// Gateway answers knowledge queries. Implementations are safe for concurrent use.
type Gateway interface {
	Query(ctx context.Context, q Query) (Answer, error)
}

var (
	ErrEmptyQuery = errors.New("knowledge: empty query text")
	ErrNoSnapshot = errors.New("knowledge: no snapshot loaded")
)
