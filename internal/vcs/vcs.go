// Package vcs implements the git side of the commit listener (spec
// §4.8): it lists the commits that appeared after a known hash, each
// with author, message, changed files and a rule-based guessed intent.
// The kernel's commit-poll loop calls it on a ticker and emits one
// normalized event per commit.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/rl4/internal/intent"
	"github.com/hazyhaar/rl4/internal/pool"
)

// Commit describes one repository commit as reported by `git log`.
type Commit struct {
	Hash      string
	Message   string
	Author    string
	Timestamp time.Time
	Files     []string
	Intent    intent.Kind
}

// Manager runs git CLI invocations scoped to one workspace directory,
// through the shared execution pool so every invocation carries a
// timeout and an abort handle (spec §4.8: "Uses C6 to run the
// version-control CLI with timeout and abort").
type Manager struct {
	workDir string
	pool    *pool.Pool
}

// NewManager creates a Manager rooted at workDir, dispatching CLI
// invocations through p.
func NewManager(workDir string, p *pool.Pool) *Manager {
	return &Manager{workDir: workDir, pool: p}
}

// IsRepo reports whether workDir has a .git directory, i.e. is the
// root of a git repository. A directory nested below the root, or a
// .git file (worktree, submodule), is not detected.
func (m *Manager) IsRepo() bool {
	info, err := os.Stat(filepath.Join(m.workDir, ".git"))
	return err == nil && info.IsDir()
}

// CurrentCommit returns the hash HEAD currently points at.
func (m *Manager) CurrentCommit(ctx context.Context) (string, error) {
	out, err := m.run(ctx, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Log returns the most recent count commits, most recent first.
func (m *Manager) Log(ctx context.Context, count int) ([]Commit, error) {
	if count <= 0 {
		count = 10
	}
	out, err := m.run(ctx, "git", "log", fmt.Sprintf("-n%d", count), "--format=%H|%s|%an|%at")
	if err != nil {
		return nil, err
	}
	return parseLog(out), nil
}

// CommitsSince returns every commit strictly after sinceHash, oldest
// first, so callers can emit them in commit order. If sinceHash is
// empty, it returns no commits, so no history is replayed; callers
// take their baseline from CurrentCommit.
func (m *Manager) CommitsSince(ctx context.Context, sinceHash string) ([]Commit, error) {
	if sinceHash == "" {
		// No baseline hash: return nothing rather than replay history.
		return nil, nil
	}

	out, err := m.run(ctx, "git", "log", sinceHash+"..HEAD", "--format=%H|%s|%an|%at")
	if err != nil {
		return nil, err
	}
	commits := parseLog(out)
	// parseLog yields most-recent-first; reverse to commit order.
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}

	for i := range commits {
		files, err := m.changedFiles(ctx, commits[i].Hash)
		if err == nil {
			commits[i].Files = files
		}
		commits[i].Intent = intent.GuessCommit(commits[i].Message, commits[i].Files)
	}
	return commits, nil
}

func (m *Manager) changedFiles(ctx context.Context, hash string) ([]string, error) {
	out, err := m.run(ctx, "git", "show", "--name-only", "--format=", hash)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func parseLog(out string) []Commit {
	var commits []Commit
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) < 4 {
			continue
		}
		ts, _ := strconv.ParseInt(parts[3], 10, 64)
		commits = append(commits, Commit{
			Hash:      parts[0],
			Message:   parts[1],
			Author:    parts[2],
			Timestamp: time.Unix(ts, 0).UTC(),
		})
	}
	return commits
}

// run invokes a VCS CLI command as a pool task so it carries a soft
// timeout and abort handle, blocking the caller until it settles.
func (m *Manager) run(ctx context.Context, name string, args ...string) (string, error) {
	if m.pool == nil {
		return m.exec(ctx, name, args...)
	}

	result := make(chan struct {
		out string
		err error
	}, 1)

	err := m.pool.Submit(&pool.Task{
		SoftTimeout: 10 * time.Second,
		HardKillMs:  5 * time.Second,
		Fn: func(taskCtx context.Context) error {
			out, err := m.exec(taskCtx, name, args...)
			result <- struct {
				out string
				err error
			}{out, err}
			return err
		},
	})
	if err != nil {
		return "", fmt.Errorf("vcs: submit: %w", err)
	}

	select {
	case r := <-result:
		return r.out, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) exec(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = m.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", strings.Join(append([]string{name}, args...), " "), msg)
	}
	return stdout.String(), nil
}
