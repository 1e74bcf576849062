// Package intent holds the mechanical, rule-based intent classifier
// shared by the file-change watcher's burst categorization and the
// commit listener's commit-intent guessing. Both only ever look at
// paths, extensions, and counts — never content semantics.
package intent

import (
	"path/filepath"
	"strings"
)

// Kind is one of the fixed categories both consumers classify into.
type Kind string

const (
	Refactor Kind = "refactor"
	Feature  Kind = "feature"
	Fix      Kind = "fix"
	Test     Kind = "test"
	Docs     Kind = "docs"
	Config   Kind = "config"
	Unknown  Kind = "unknown"
)

var docsExt = map[string]bool{".md": true, ".rst": true, ".txt": true}
var configExt = map[string]bool{".yaml": true, ".yml": true, ".json": true, ".toml": true, ".ini": true, ".env": true}

var fixWords = []string{"fix", "bug", "patch", "hotfix", "correct", "resolve"}
var featureWords = []string{"add", "feature", "implement", "support", "introduce"}
var refactorWords = []string{"refactor", "rename", "cleanup", "restructure", "simplify", "reorganize"}
var testWords = []string{"test", "spec"}
var docsWords = []string{"doc", "readme", "comment"}
var configWords = []string{"config", "ci", "build", "deps", "dependency"}

// isTestPath reports whether path looks like a test file by naming
// convention rather than extension (_test.go, test_*, *.test.*).
func isTestPath(path string) bool {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	return strings.HasSuffix(lower, "_test.go") ||
		strings.HasPrefix(lower, "test_") ||
		strings.Contains(lower, ".test.")
}

// ClassifyPaths categorizes a burst of changed files by directory
// grouping and extension/name heuristics (spec §4.7):
//   - same directory, multiple files -> refactor
//   - any new (created) files present -> feature
//   - single changed file -> fix
//   - test/docs/config paths are detected first and take priority.
func ClassifyPaths(paths []string, anyCreated bool) Kind {
	if len(paths) == 0 {
		return Unknown
	}

	allTest, allDocs, allConfig := true, true, true
	for _, p := range paths {
		ext := strings.ToLower(filepath.Ext(p))
		if !isTestPath(p) {
			allTest = false
		}
		if !docsExt[ext] {
			allDocs = false
		}
		if !configExt[ext] {
			allConfig = false
		}
	}
	switch {
	case allTest:
		return Test
	case allDocs:
		return Docs
	case allConfig:
		return Config
	}

	if anyCreated {
		return Feature
	}

	if len(paths) == 1 {
		return Fix
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		dirs[filepath.Dir(p)] = true
	}
	if len(dirs) == 1 && len(paths) > 1 {
		return Refactor
	}

	return Feature
}

// GuessCommit classifies a commit by its message text and the paths it
// touched (spec §4.8: "guessed intent (rule-based)"). Message keywords
// take priority over path heuristics since they are an explicit signal
// from the author.
func GuessCommit(message string, paths []string) Kind {
	lower := strings.ToLower(message)

	if containsAny(lower, fixWords) {
		return Fix
	}
	if containsAny(lower, refactorWords) {
		return Refactor
	}
	if containsAny(lower, featureWords) {
		return Feature
	}
	if containsAny(lower, testWords) {
		return Test
	}
	if containsAny(lower, docsWords) {
		return Docs
	}
	if containsAny(lower, configWords) {
		return Config
	}

	if len(paths) > 0 {
		return ClassifyPaths(paths, false)
	}
	return Unknown
}

func containsAny(haystack string, words []string) bool {
	for _, w := range words {
		if strings.Contains(haystack, w) {
			return true
		}
	}
	return false
}
