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

package knowledge

import (
	"regexp"
	"sort"
)

// Directive patterns: anything that tells the reader which capability to pick
// for which source pattern, rather than what a capability does.
var directivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\buse\s+[\w.()]+(\s+[\w.()]+)?\s+to\s+(implement|replace|emulate|reproduce|translate)\b`),
	regexp.MustCompile(`(?i)\binstead\s+of\b`),
	regexp.MustCompile(`(?i)\breplac(e|es|ed|ing)\b.{0,40}\bwith\b`),
	regexp.MustCompile(`(?i)\brecommend(ed|s|ation)?\b`),
	regexp.MustCompile(`(?i)\byou\s+(should|must|need\s+to)\b`),
	regexp.MustCompile(`(?i)\bbest\s+(choice|option|way|practice)\b`),
	regexp.MustCompile(`(?i)\bmaps?\s+(directly\s+)?(on)?to\b`),
	regexp.MustCompile(`(?i)\bequivalent\s+(of|to)\b`),
	regexp.MustCompile(`(?i)\btranslat(e|es|ed|ing|ion)\s+(from|into)\b`),
	regexp.MustCompile(`(?i)\bcorrespond(s|ing)?\s+to\b`),
	regexp.MustCompile(`(?i)\bprefer(red|able)?\b`),
	regexp.MustCompile(`(?i)\bport(ed|ing)?\s+(from|to)\b`),
}

// NeutralityFilter detects and strips strategy directives from facts.
type NeutralityFilter struct {
	patterns []*regexp.Regexp
}

func NewNeutralityFilter(extra ...*regexp.Regexp) *NeutralityFilter {
	ps := make([]*regexp.Regexp, 0, len(directivePatterns)+len(extra))
	ps = append(ps, directivePatterns...)
	ps = append(ps, extra...)
	return &NeutralityFilter{patterns: ps}
}

// Matches reports whether s contains a directive.
func (n *NeutralityFilter) Matches(s string) bool {
	for _, p := range n.patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// Violations returns the names of the fields of f that contain a directive.
func (n *NeutralityFilter) Violations(f Fact) []string {
	var out []string
	check := func(field, s string) {
		if n.Matches(s) {
			out = append(out, field)
		}
	}
	check("capability_name", f.CapabilityName)
	check("domain", f.Domain)
	check("signature", f.Signature)
	check("description", f.Description)
	check("returns", f.Returns)
	check("example", f.Example)
	check("usage_context", f.UsageContext)
	keys := make([]string, 0, len(f.Parameters))
	for k := range f.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		check("parameters."+k, k+" "+f.Parameters[k])
	}
	for _, p := range f.Pitfalls {
		check("pitfalls", p)
	}
	for _, r := range f.RelatedCapabilities {
		check("related_capabilities", r)
	}
	return out
}

// Scrub returns a copy of f with every offending field emptied or dropped.
func (n *NeutralityFilter) Scrub(f Fact) Fact {
	clean := func(s string) string {
		if n.Matches(s) {
			return ""
		}
		return s
	}
	out := Fact{
		CapabilityName: clean(f.CapabilityName),
		Domain:         clean(f.Domain),
		Signature:      clean(f.Signature),
		Description:    clean(f.Description),
		Returns:        clean(f.Returns),
		Example:        clean(f.Example),
		UsageContext:   clean(f.UsageContext),
	}
	if f.Parameters != nil {
		out.Parameters = make(map[string]string, len(f.Parameters))
		for k, v := range f.Parameters {
			if !n.Matches(k + " " + v) {
				out.Parameters[k] = v
			}
		}
	}
	for _, p := range f.Pitfalls {
		if !n.Matches(p) {
			out.Pitfalls = append(out.Pitfalls, p)
		}
	}
	for _, r := range f.RelatedCapabilities {
		if !n.Matches(r) {
			out.RelatedCapabilities = append(out.RelatedCapabilities, r)
		}
	}
	return out
}
