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

// Package source extracts structure and parameters from a source program
// with tree-sitter.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/cloudwego/transmute/artifact"
)

var ErrUnsupportedLanguage = errors.New("source: unsupported language")

// SyntaxError reports the first erroneous node of a parse.
type SyntaxError struct {
	Line int
	Text string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d near %q", e.Line, e.Text)
}

func language(lang string) (*sitter.Language, error) {
	switch strings.ToLower(lang) {
	case "python", "py", "python3":
		return python.GetLanguage(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
}

// Supported reports whether lang has a grammar.
func Supported(lang string) bool {
	_, err := language(lang)
	return err == nil
}

// Program is one parsed source file.
type Program struct {
	src  []byte
	tree *sitter.Tree
}

func Parse(ctx context.Context, lang, content string) (*Program, error) {
	l, err := language(lang)
	if err != nil {
		return nil, err
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(l)
	src := []byte(content)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s source: %w", lang, err)
	}
	return &Program{src: src, tree: tree}, nil
}

func (p *Program) Close() { p.tree.Close() }

func (p *Program) root() *sitter.Node { return p.tree.RootNode() }

func (p *Program) text(n *sitter.Node) string { return n.Content(p.src) }

// SyntaxError returns the first syntax error of the program, or nil.
func (p *Program) SyntaxError() error {
	root := p.root()
	if !root.HasError() {
		return nil
	}
	var found *sitter.Node
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if found != nil || !n.HasError() {
			return
		}
		if n.IsError() || n.IsMissing() {
			found = n
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			visit(n.Child(i))
		}
	}
	visit(root)
	if found == nil {
		return &SyntaxError{Line: 1}
	}
	text := p.text(found)
	if len(text) > 40 {
		text = text[:40]
	}
	return &SyntaxError{Line: int(found.StartPoint().Row) + 1, Text: text}
}

// CheckSyntax parses content and returns its first syntax error.
func CheckSyntax(ctx context.Context, lang, content string) error {
	p, err := Parse(ctx, lang, content)
	if err != nil {
		return err
	}
	defer p.Close()
	return p.SyntaxError()
}

// Structure is the structural map of a program.
type Structure struct {
	Functions map[string]artifact.Function
	// Order lists functions in declaration order.
	Order        []string
	ExternalAPIs []string
	CallChain    map[string][]string
	Nested       map[string]string
}

// FunctionText is a function's name with its full source text.
type FunctionText struct {
	Name string
	Text string
}

type call struct {
	caller, target string
}

type walker struct {
	p         *Program
	functions map[string]artifact.Function
	order     []string
	bodies    map[string]string
	nested    map[string]string
	imports   map[string]string
	calls     []call
}

func (p *Program) walk() *walker {
	w := &walker{
		p:         p,
		functions: map[string]artifact.Function{},
		bodies:    map[string]string{},
		nested:    map[string]string{},
		imports:   map[string]string{},
	}
	w.visit(p.root(), "")
	return w
}

func (w *walker) visit(n *sitter.Node, fn string) {
	switch n.Type() {
	case "function_definition":
		w.function(n, fn)
		return
	case "import_statement":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			w.importName(n.NamedChild(i), "")
		}
		return
	case "import_from_statement":
		mod := n.ChildByFieldName("module_name")
		prefix := ""
		if mod != nil {
			prefix = strings.TrimLeft(w.p.text(mod), ".")
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			if mod != nil && c.Equal(mod) {
				continue
			}
			w.importName(c, prefix)
		}
		return
	case "call":
		if target := n.ChildByFieldName("function"); target != nil {
			w.calls = append(w.calls, call{caller: fn, target: w.p.text(target)})
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.visit(n.NamedChild(i), fn)
	}
}

func (w *walker) importName(n *sitter.Node, prefix string) {
	qualify := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}
	switch n.Type() {
	case "dotted_name":
		name := w.p.text(n)
		if prefix == "" {
			// `import a.b` binds a
			root := strings.SplitN(name, ".", 2)[0]
			w.imports[root] = root
			return
		}
		w.imports[name] = qualify(name)
	case "aliased_import":
		name, alias := n.ChildByFieldName("name"), n.ChildByFieldName("alias")
		if name != nil && alias != nil {
			w.imports[w.p.text(alias)] = qualify(w.p.text(name))
		}
	}
}

func (w *walker) function(n *sitter.Node, enclosing string) {
	nameNode := n.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := w.p.text(nameNode)
	f := artifact.Function{
		Params:   []string{},
		Location: fmt.Sprintf("line %d", n.StartPoint().Row+1),
	}
	if params := n.ChildByFieldName("parameters"); params != nil {
		for i := 0; i < int(params.NamedChildCount()); i++ {
			if pn := w.paramName(params.NamedChild(i)); pn != "" {
				f.Params = append(f.Params, pn)
			}
		}
	}
	if rt := n.ChildByFieldName("return_type"); rt != nil {
		f.Returns = w.p.text(rt)
	}
	if _, dup := w.functions[name]; !dup {
		w.order = append(w.order, name)
	}
	w.functions[name] = f
	w.bodies[name] = w.p.text(n)
	if enclosing != "" {
		w.nested[name] = enclosing
	}
	if body := n.ChildByFieldName("body"); body != nil {
		w.visit(body, name)
	}
}

func (w *walker) paramName(n *sitter.Node) string {
	switch n.Type() {
	case "identifier":
		return w.p.text(n)
	case "typed_parameter", "list_splat_pattern", "dictionary_splat_pattern":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if c := n.NamedChild(i); c.Type() == "identifier" {
				return w.p.text(c)
			}
		}
	case "default_parameter", "typed_default_parameter":
		if name := n.ChildByFieldName("name"); name != nil {
			return w.p.text(name)
		}
	}
	return ""
}

// resolve maps a call target to a known function or an imported API path.
func (w *walker) resolve(target string) (string, bool) {
	if _, ok := w.functions[target]; ok {
		return target, true
	}
	parts := strings.SplitN(target, ".", 2)
	mod, ok := w.imports[parts[0]]
	if !ok {
		return "", false
	}
	if len(parts) == 1 {
		return mod, true
	}
	return mod + "." + parts[1], true
}

// Structure returns the structural map: functions, nested helpers, the call
// graph and the external APIs called.
func (p *Program) Structure() *Structure {
	w := p.walk()
	s := &Structure{
		Functions:    w.functions,
		Order:        w.order,
		ExternalAPIs: []string{},
		CallChain:    map[string][]string{},
		Nested:       w.nested,
	}
	external := map[string]bool{}
	seen := map[call]bool{}
	for _, c := range w.calls {
		callee, ok := w.resolve(c.target)
		if !ok {
			continue
		}
		caller := c.caller
		if caller == "" {
			caller = artifact.ModuleScope
		}
		key := call{caller: caller, target: callee}
		if seen[key] {
			continue
		}
		seen[key] = true
		s.CallChain[caller] = append(s.CallChain[caller], callee)
		if _, fn := w.functions[callee]; !fn {
			external[callee] = true
		}
	}
	for api := range external {
		s.ExternalAPIs = append(s.ExternalAPIs, api)
	}
	sort.Strings(s.ExternalAPIs)
	return s
}

// Functions returns every function with its source text in declaration order.
func (p *Program) Functions() []FunctionText {
	w := p.walk()
	out := make([]FunctionText, 0, len(w.order))
	for _, name := range w.order {
		out = append(out, FunctionText{Name: name, Text: w.bodies[name]})
	}
	return out
}
