package intent

import "testing"

func TestClassifyPathsTestFiles(t *testing.T) {
	if got := ClassifyPaths([]string{"foo_test.go", "bar_test.go"}, false); got != Test {
		t.Fatalf("got %s, want test", got)
	}
}

func TestClassifyPathsDocs(t *testing.T) {
	if got := ClassifyPaths([]string{"README.md", "docs/guide.md"}, false); got != Docs {
		t.Fatalf("got %s, want docs", got)
	}
}

func TestClassifyPathsSingleChangeIsFix(t *testing.T) {
	if got := ClassifyPaths([]string{"internal/core/db.go"}, false); got != Fix {
		t.Fatalf("got %s, want fix", got)
	}
}

func TestClassifyPathsCreatedIsFeature(t *testing.T) {
	if got := ClassifyPaths([]string{"internal/new/thing.go"}, true); got != Feature {
		t.Fatalf("got %s, want feature", got)
	}
}

func TestClassifyPathsSameDirMultipleIsRefactor(t *testing.T) {
	got := ClassifyPaths([]string{"internal/core/a.go", "internal/core/b.go"}, false)
	if got != Refactor {
		t.Fatalf("got %s, want refactor", got)
	}
}

func TestGuessCommitFixKeyword(t *testing.T) {
	if got := GuessCommit("fix race in writer drain loop", nil); got != Fix {
		t.Fatalf("got %s, want fix", got)
	}
}

func TestGuessCommitFallsBackToPaths(t *testing.T) {
	got := GuessCommit("update stuff", []string{"a/x.go", "a/y.go"})
	if got != Refactor {
		t.Fatalf("got %s, want refactor", got)
	}
}
