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

package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/hashwatch"
)

func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// breakingChangeMarkers are path fragments stage 2 treats as "this
// file is a public surface": editing it risks callers outside the
// repository, not just within it.
var breakingChangeMarkers = []string{"/api/", "/schema/", "/migrations/", "/proto/", "openapi", "public/"}

func hasBreakingChangeMarker(path string) bool {
	p := "/" + filepath.ToSlash(path)
	for _, marker := range breakingChangeMarkers {
		if strings.Contains(p, marker) {
			return true
		}
	}
	return false
}

// predictAffectedFiles implements stage 2's "set of likely-affected
// files (by ... textual reachability)": every source file under root,
// other than issuePath itself, that mentions issuePath's base name
// (sans extension) is considered a potential caller. This is a cheap
// stand-in for a real import graph, bounded so it can't blow the
// stage's deadline on a large tree.
func predictAffectedFiles(ctx context.Context, root, issuePath string, cfg Config) (affected []string, breaking bool, err error) {
	breaking = hasBreakingChangeMarker(issuePath)
	needle := strings.TrimSuffix(filepath.Base(issuePath), filepath.Ext(issuePath))
	if needle == "" {
		return nil, breaking, nil
	}

	scanned := 0
	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // a single unreadable entry must not abort the whole scan
		}
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" || d.Name() == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if scanned >= cfg.MaxReachabilityFiles {
			return filepath.SkipAll
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		if rel == issuePath {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil || info.Size() > cfg.MaxReachabilityFileBytes {
			return nil
		}
		scanned++

		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil //nolint:nilerr // an unreadable file simply isn't counted as affected
		}
		if strings.Contains(string(content), needle) {
			affected = append(affected, rel)
			if hasBreakingChangeMarker(rel) {
				breaking = true
			}
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, filepath.SkipAll) {
		return nil, breaking, apierr.Transient("fs_unavailable", "scan project tree for reachability", walkErr)
	}
	return affected, breaking, nil
}

// readFileHashed reads a project file and returns its content hash,
// grounded on hashwatch.HashBytes — the same content-hash function the
// Object Store's snapshot dedup uses, so stage 9's staleness check
// compares like with like.
func readFileHashed(root, path string) ([]byte, string, error) {
	full := filepath.Join(root, path)
	content, err := os.ReadFile(full)
	if err != nil {
		return nil, "", apierr.Transient("fs_unavailable", "read "+path, err)
	}
	return content, hashwatch.HashBytes(content), nil
}

// fileSliceAround extracts `window` lines of context on each side of
// (1-indexed) line, the slice C6's prompt builder wraps around the
// issue rather than shipping the whole file to the model.
func fileSliceAround(content []byte, line, window int) string {
	lines := strings.Split(string(content), "\n")
	idx := line - 1
	start := idx - window
	if start < 0 {
		start = 0
	}
	end := idx + window + 1
	if end > len(lines) {
		end = len(lines)
	}
	if start >= end || idx < 0 || idx >= len(lines) {
		return string(content)
	}
	return strings.Join(lines[start:end], "\n")
}

// isNoFixStrategy reports whether err is C6's "every strategy failed"
// terminal condition (as opposed to a retriable infrastructure error
// from, say, a model timeout bubbling up uncaught).
func isNoFixStrategy(err error) bool {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == "no_fix_strategy"
	}
	return false
}
