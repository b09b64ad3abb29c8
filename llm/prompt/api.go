/**
 * Copyright 2025 ByteDance Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package prompt

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

type Prompt interface {
	String() string
}

type TextPrompt string

func (p TextPrompt) String() string {
	return string(p)
}

func NewTextPrompt(content string) Prompt {
	return TextPrompt(content)
}

//go:embed analyze_semantics.md
var analyzeSemantics string

//go:embed design.md
var design string

//go:embed implement.md
var implement string

// System prompts of the generating stages.
var (
	SystemAnalyze   = NewTextPrompt("You explain source code precisely. You answer with JSON only.")
	SystemDesign    = NewTextPrompt("You plan target-language implementations as dependency-ordered task graphs. You answer with JSON only.")
	SystemImplement = NewTextPrompt("You write one self-contained unit of target-language code at a time. You answer with a single fenced code block.")
)

var funcs = template.FuncMap{
	"join": strings.Join,
	"json": func(v any) (string, error) {
		bs, err := json.MarshalIndent(v, "", "  ")
		return string(bs), err
	},
	"schema": SchemaOf,
}

var (
	AnalyzeSemantics = template.Must(template.New("analyze_semantics").Funcs(funcs).Parse(analyzeSemantics))
	Design           = template.Must(template.New("design").Funcs(funcs).Parse(design))
	Implement        = template.Must(template.New("implement").Funcs(funcs).Parse(implement))
)

// Render executes tpl with data.
func Render(tpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", errors.Wrapf(err, "render prompt %s", tpl.Name())
	}
	return buf.String(), nil
}

// SchemaOf renders the JSON schema of v's type, inlined without $defs so it
// can be pasted into a prompt.
func SchemaOf(v any) (string, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	bs, err := json.MarshalIndent(r.Reflect(v), "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "marshal schema")
	}
	return string(bs), nil
}
