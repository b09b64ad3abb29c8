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

package verify

import (
	"bytes"
	"context"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/mod/modfile"
	"golang.org/x/tools/imports"

	"github.com/cloudwego/transmute/internal/stage/source"
)

const goModulePath = "transmute.local/artifact"

func isGo(lang string) bool {
	l := strings.ToLower(lang)
	return l == "go" || l == "golang"
}

// EntryFile is the file name an artifact of lang is written to.
func EntryFile(lang string) string {
	switch strings.ToLower(lang) {
	case "python", "py", "python3":
		return "main.py"
	case "go", "golang":
		return "main.go"
	}
	return "main." + strings.ToLower(lang)
}

func withPackage(src string) string {
	for _, line := range strings.Split(src, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "//") {
			continue
		}
		if strings.HasPrefix(t, "package ") {
			return src
		}
		break
	}
	return "package main\n\n" + src
}

// Assemble joins unit contents into one program. Go units lose their package
// clauses and imports, which are recomputed for the merged file.
func Assemble(lang string, parts []string) (string, error) {
	if !isGo(lang) {
		return strings.Join(parts, "\n\n"), nil
	}
	fset := token.NewFileSet()
	var body bytes.Buffer
	for i, part := range parts {
		f, err := parser.ParseFile(fset, "", withPackage(part), parser.ParseComments)
		if err != nil {
			return "", errors.Wrapf(err, "parse unit %d", i)
		}
		for _, d := range f.Decls {
			if g, ok := d.(*ast.GenDecl); ok && g.Tok == token.IMPORT {
				continue
			}
			if err := printer.Fprint(&body, fset, d); err != nil {
				return "", errors.Wrapf(err, "print unit %d", i)
			}
			body.WriteString("\n\n")
		}
	}
	out, err := imports.Process(EntryFile(lang), []byte("package main\n\n"+body.String()), nil)
	if err != nil {
		return "", errors.Wrap(err, "resolve imports")
	}
	return string(out), nil
}

// CheckStructure parses content as lang. Languages without a front end only
// need non-empty content.
func CheckStructure(ctx context.Context, lang, content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("empty content")
	}
	switch {
	case isGo(lang):
		_, err := imports.Process(EntryFile(lang), []byte(withPackage(content)), nil)
		return err
	case source.Supported(lang):
		return source.CheckSyntax(ctx, lang, content)
	}
	return nil
}

// goMod renders the go.mod of a generated Go workspace.
func goMod() ([]byte, error) {
	f := &modfile.File{Syntax: &modfile.FileSyntax{}}
	if err := f.AddModuleStmt(goModulePath); err != nil {
		return nil, err
	}
	if err := f.AddGoStmt("1.22"); err != nil {
		return nil, err
	}
	return f.Format()
}
