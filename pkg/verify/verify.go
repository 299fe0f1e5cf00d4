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

// Package verify implements the Fix Verifier (C7): stage 6's four
// gates — parse, window, detector recheck, and deny-list. Any gate
// failure is a terminal decision=skip, never a retriable error, per
// spec.md §7's "verifier failures" taxonomy entry.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"strings"

	"github.com/codeguard-dev/codeguard/pkg/detect"
	"github.com/codeguard-dev/codeguard/pkg/policy"
)

// defaultWindowLines bounds how far from the issue line a non-refactor
// patch may delete or rewrite a line.
const defaultWindowLines = 10

// Patch is a candidate fix as the verifier sees it: the whole file
// before and after, not a unified diff — stage 4 already has the
// whole file in memory, so there is no wire format to parse here.
type Patch struct {
	FilePath   string
	IssueLine  int // 1-indexed
	OldContent []byte
	NewContent []byte
	IsRefactor bool
}

// Verdict is the gate chain's terminal result. A Verdict's String
// form is exactly the "pass" / "fail:<reason>" shape FixRecord.VerifierVerdict
// stores, per spec.md §3.
type Verdict struct {
	Pass   bool
	Reason string
}

func (v Verdict) String() string {
	if v.Pass {
		return "pass"
	}
	return "fail:" + v.Reason
}

func passed() Verdict               { return Verdict{Pass: true} }
func failed(reason string) Verdict  { return Verdict{Pass: false, Reason: reason} }

// Verifier runs the four gates in order, short-circuiting on the
// first failure.
type Verifier struct {
	policy      *policy.Evaluator
	windowLines int
}

// NewVerifier constructs a Verifier sharing the deny-list evaluator
// with the security detector.
func NewVerifier(p *policy.Evaluator) *Verifier {
	return &Verifier{policy: p, windowLines: defaultWindowLines}
}

// Verify runs gates (a)-(d). rechecker is the detector that originally
// raised the issue, if it implements detect.Rechecker; nil skips gate
// (c) (not every detector can re-check, e.g. a one-off security scan).
func (vf *Verifier) Verify(ctx context.Context, patch Patch, rechecker detect.Rechecker) Verdict {
	if v := vf.gateParse(patch); !v.Pass {
		return v
	}
	if v := vf.gateWindow(patch); !v.Pass {
		return v
	}
	if v := vf.gateRecheck(ctx, patch, rechecker); !v.Pass {
		return v
	}
	return vf.gateDenylist(ctx, patch)
}

// gateParse implements 6(a): the patch must actually change the file,
// and if it's Go source, the result must still parse.
func (vf *Verifier) gateParse(patch Patch) Verdict {
	if bytes.Equal(patch.OldContent, patch.NewContent) {
		return failed("patch makes no change to the file")
	}
	if strings.HasSuffix(patch.FilePath, ".go") {
		fset := token.NewFileSet()
		if _, err := parser.ParseFile(fset, patch.FilePath, patch.NewContent, parser.SkipObjectResolution); err != nil {
			return failed("patch does not parse as valid Go: " + err.Error())
		}
	}
	return passed()
}

// gateWindow implements 6(b): a non-refactor patch may not touch a
// line outside a small window around the issue line. The changed
// region is found by stripping the common prefix and suffix shared by
// the old and new line sequences — cheap and sufficient for the
// single-hunk patches this generator produces; it is not a general
// diff algorithm.
func (vf *Verifier) gateWindow(patch Patch) Verdict {
	if patch.IsRefactor {
		return passed()
	}

	oldLines := strings.Split(string(patch.OldContent), "\n")
	newLines := strings.Split(string(patch.NewContent), "\n")

	prefix := commonPrefixLen(oldLines, newLines)
	suffix := commonSuffixLen(oldLines[prefix:], newLines[prefix:])

	changedStart := prefix
	changedEnd := len(oldLines) - suffix // exclusive, 0-indexed into oldLines

	windowStart := patch.IssueLine - 1 - vf.windowLines
	windowEnd := patch.IssueLine - 1 + vf.windowLines

	for i := changedStart; i < changedEnd; i++ {
		if i < windowStart || i > windowEnd {
			return failed(fmt.Sprintf("patch modifies line %d, outside the %d-line window around line %d", i+1, vf.windowLines, patch.IssueLine))
		}
	}
	return passed()
}

func commonPrefixLen(a, b []string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func commonSuffixLen(a, b []string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[len(a)-1-i] == b[len(b)-1-i] {
		i++
	}
	return i
}

// gateRecheck implements 6(c): the detector that raised the issue
// must not re-raise on the patched content.
func (vf *Verifier) gateRecheck(ctx context.Context, patch Patch, rechecker detect.Rechecker) Verdict {
	if rechecker == nil {
		return passed()
	}
	stillPresent, err := rechecker.Recheck(ctx, detect.FileInput{Path: patch.FilePath, Content: patch.NewContent})
	if err != nil {
		return failed("detector recheck failed: " + err.Error())
	}
	if stillPresent {
		return failed("patched content still reproduces the original issue")
	}
	return passed()
}

// gateDenylist implements 6(d), sharing the exact rego bundle the
// security detector runs, so "forbidden token" means the same thing
// on both sides of generation.
func (vf *Verifier) gateDenylist(ctx context.Context, patch Patch) Verdict {
	violations, err := vf.policy.Violations(ctx, string(patch.NewContent))
	if err != nil {
		return failed("deny-list evaluation failed: " + err.Error())
	}
	if len(violations) > 0 {
		return failed(fmt.Sprintf("patch introduces denylisted content (%s)", violations[0].Rule))
	}
	return passed()
}
