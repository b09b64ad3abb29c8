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
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/cloudwego/transmute/artifact"
)

// entryFunctions hold the driver parameters of a script.
var entryFunctions = map[string]bool{"main": true}

// Parameters extracts parameter values:
//   - main: literal assignments at module level and in main()
//   - derived: assignments there whose value is computed from other names
//   - constants: UPPER_CASE literals anywhere and default parameter values
//     (keyed function.param)
func (p *Program) Parameters() artifact.Parameters {
	out := artifact.Parameters{
		Main:      map[string]string{},
		Derived:   map[string]string{},
		Constants: map[string]string{},
	}
	p.collectParams(p.root(), "", &out)
	return out
}

func (p *Program) collectParams(n *sitter.Node, fn string, out *artifact.Parameters) {
	switch n.Type() {
	case "function_definition":
		name := ""
		if nn := n.ChildByFieldName("name"); nn != nil {
			name = p.text(nn)
		}
		if params := n.ChildByFieldName("parameters"); params != nil {
			for i := 0; i < int(params.NamedChildCount()); i++ {
				c := params.NamedChild(i)
				if c.Type() != "default_parameter" && c.Type() != "typed_default_parameter" {
					continue
				}
				pn, val := c.ChildByFieldName("name"), c.ChildByFieldName("value")
				if pn != nil && val != nil && p.literal(val) {
					out.Constants[name+"."+p.text(pn)] = p.text(val)
				}
			}
		}
		if body := n.ChildByFieldName("body"); body != nil {
			p.collectParams(body, name, out)
		}
		return
	case "assignment":
		p.assignment(n, fn, out)
		return
	case "import_statement", "import_from_statement", "class_definition":
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		p.collectParams(n.NamedChild(i), fn, out)
	}
}

func (p *Program) assignment(n *sitter.Node, fn string, out *artifact.Parameters) {
	left, right := n.ChildByFieldName("left"), n.ChildByFieldName("right")
	if left == nil || right == nil || left.Type() != "identifier" {
		return
	}
	name, value := p.text(left), p.text(right)
	lit := p.literal(right)
	if lit && isConstName(name) {
		out.Constants[name] = value
		return
	}
	if fn != "" && !entryFunctions[fn] {
		return
	}
	if lit {
		out.Main[name] = value
	} else {
		out.Derived[name] = value
	}
}

func (p *Program) literal(n *sitter.Node) bool {
	switch n.Type() {
	case "integer", "float", "string", "concatenated_string", "true", "false", "none":
		return true
	case "unary_operator":
		arg := n.ChildByFieldName("argument")
		return arg != nil && p.literal(arg)
	case "parenthesized_expression":
		return n.NamedChildCount() == 1 && p.literal(n.NamedChild(0))
	case "list", "tuple", "set":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if !p.literal(n.NamedChild(i)) {
				return false
			}
		}
		return true
	case "dictionary":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			pair := n.NamedChild(i)
			if pair.Type() != "pair" {
				return false
			}
			k, v := pair.ChildByFieldName("key"), pair.ChildByFieldName("value")
			if k == nil || v == nil || !p.literal(k) || !p.literal(v) {
				return false
			}
		}
		return true
	}
	return false
}

func isConstName(name string) bool {
	hasLetter := false
	for _, r := range name {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	return hasLetter && strings.Trim(name, "_") != ""
}
