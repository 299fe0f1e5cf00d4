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
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"github.com/codeguard-dev/codeguard/pkg/detect"
	"github.com/codeguard-dev/codeguard/pkg/domain"
)

const idErrorHandling = "error-handling"

// ErrorHandling walks Go ASTs looking for the "if err != nil" branch
// that neither propagates nor logs the error — the swallowed-error
// anti-pattern the teacher's own heavy use of wrapped errors argues
// against.
type ErrorHandling struct{}

// NewErrorHandling constructs the error-handling detector.
func NewErrorHandling() *ErrorHandling { return &ErrorHandling{} }

func (*ErrorHandling) ID() string { return idErrorHandling }

func (*ErrorHandling) Kinds() []domain.IssueKind {
	return []domain.IssueKind{domain.KindErrorHandling}
}

func (*ErrorHandling) Detect(_ context.Context, file detect.FileInput) ([]detect.Finding, error) {
	if !strings.HasSuffix(file.Path, ".go") {
		return nil, nil
	}
	fset := token.NewFileSet()
	astFile, err := parser.ParseFile(fset, file.Path, file.Content, parser.SkipObjectResolution)
	if err != nil {
		return nil, nil
	}

	var findings []detect.Finding
	ast.Inspect(astFile, func(n ast.Node) bool {
		ifStmt, ok := n.(*ast.IfStmt)
		if !ok || !isErrNotNilCheck(ifStmt.Cond) || !swallowsError(ifStmt.Body) {
			return true
		}
		pos := fset.Position(ifStmt.Pos())
		findings = append(findings, detect.Finding{
			Kind:     domain.KindErrorHandling,
			Severity: domain.SeverityHigh,
			Line:     pos.Line,
			Message:  "error checked but neither returned, wrapped, nor logged",
		})
		return true
	})
	return findings, nil
}

// isErrNotNilCheck reports whether cond has the shape `x != nil` where
// x's name suggests it holds an error (the common `err`, `cerr`, etc).
func isErrNotNilCheck(cond ast.Expr) bool {
	be, ok := cond.(*ast.BinaryExpr)
	if !ok || be.Op != token.NEQ {
		return false
	}
	ident, ok := be.X.(*ast.Ident)
	if !ok || !strings.Contains(strings.ToLower(ident.Name), "err") {
		return false
	}
	nilIdent, ok := be.Y.(*ast.Ident)
	return ok && nilIdent.Name == "nil"
}

// swallowsError reports whether an "if err != nil" body neither
// returns the error, wraps it into a returned value, nor passes it to
// a call (logging, metrics, a sentinel helper).
func swallowsError(body *ast.BlockStmt) bool {
	for _, stmt := range body.List {
		switch s := stmt.(type) {
		case *ast.ReturnStmt:
			for _, result := range s.Results {
				if mentionsErr(result) {
					return false
				}
			}
		case *ast.ExprStmt:
			if call, ok := s.X.(*ast.CallExpr); ok && callMentionsErr(call) {
				return false
			}
		}
	}
	return true
}

func mentionsErr(e ast.Expr) bool {
	switch v := e.(type) {
	case *ast.Ident:
		return strings.Contains(strings.ToLower(v.Name), "err")
	case *ast.CallExpr:
		return callMentionsErr(v)
	default:
		return false
	}
}

func callMentionsErr(call *ast.CallExpr) bool {
	for _, arg := range call.Args {
		if ident, ok := arg.(*ast.Ident); ok && strings.Contains(strings.ToLower(ident.Name), "err") {
			return true
		}
	}
	return false
}
