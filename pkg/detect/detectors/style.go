/*
Copyright 2026 The Codeguard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package detectors

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"github.com/codeguard-dev/codeguard/pkg/detect"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

const (
	idStyle       = "style"
	maxLineLength = 120
)

// Style flags generic source hygiene smells: overlong lines, trailing
// whitespace, and (for Go files) snake_case identifiers. It never
// fails to parse — a file it can't make sense of simply yields no
// naming findings, since the line-based checks apply to any text file.
type Style struct{}

// NewStyle constructs the style detector.
func NewStyle() *Style { return &Style{} }

func (*Style) ID() string { return idStyle }

func (*Style) Kinds() []domain.IssueKind { return []domain.IssueKind{domain.KindStyle} }

func (*Style) Detect(_ context.Context, file detect.FileInput) ([]detect.Finding, error) {
	var findings []detect.Finding

	for i, line := range strings.Split(string(file.Content), "\n") {
		lineNo := i + 1
		if n := len(line); n > maxLineLength {
			findings = append(findings, detect.Finding{
				Kind:     domain.KindStyle,
				Severity: domain.SeverityLow,
				Line:     lineNo,
				Message:  fmt.Sprintf("line exceeds %d characters (%d)", maxLineLength, n),
			})
		}
		if trimmed := strings.TrimRight(line, " \t"); trimmed != line {
			findings = append(findings, detect.Finding{
				Kind:     domain.KindStyle,
				Severity: domain.SeverityLow,
				Line:     lineNo,
				Message:  "trailing whitespace",
			})
		}
	}

	if strings.HasSuffix(file.Path, ".go") {
		findings = append(findings, snakeCaseFindings(file)...)
	}
	return findings, nil
}

// snakeCaseFindings flags top-level Go declarations named with
// underscores, which is not idiomatic Go naming. A parse failure is
// not this detector's concern (a syntax-error finding belongs to
// whatever stage tries to build the file) so it's silently skipped.
func snakeCaseFindings(file detect.FileInput) []detect.Finding {
	fset := token.NewFileSet()
	astFile, err := parser.ParseFile(fset, file.Path, file.Content, parser.SkipObjectResolution)
	if err != nil {
		return nil
	}

	var findings []detect.Finding
	check := func(ident *ast.Ident) {
		if ident == nil || ident.Name == "_" || !strings.Contains(ident.Name, "_") {
			return
		}
		pos := fset.Position(ident.Pos())
		findings = append(findings, detect.Finding{
			Kind:     domain.KindStyle,
			Severity: domain.SeverityLow,
			Line:     pos.Line,
			Message:  fmt.Sprintf("identifier %q uses underscores; Go favors camelCase", ident.Name),
		})
	}

	for _, decl := range astFile.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			check(d.Name)
		case *ast.GenDecl:
			if d.Tok != token.VAR && d.Tok != token.CONST {
				continue
			}
			for _, spec := range d.Specs {
				if vs, ok := spec.(*ast.ValueSpec); ok {
					for _, name := range vs.Names {
						check(name)
					}
				}
			}
		}
	}
	return findings
}
