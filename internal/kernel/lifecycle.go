package kernel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hazyhaar/rl4/internal/model"
)

const commitPollInterval = 5 * time.Second

// Start launches the scheduler and the commit-poll loop. The watcher
// is already live once New returns (it starts its own loop).
func (c *Core) Start() {
	c.sched.Start()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelCommitPoll = cancel
	go c.pollCommits(ctx)
}

// pollCommits periodically checks for new commits and ingests them,
// feeding activity into the scheduler (spec §4.8, §4.19).
func (c *Core) pollCommits(ctx context.Context) {
	if !c.vcsMgr.IsRepo() {
		return
	}
	ticker := time.NewTicker(commitPollInterval)
	defer ticker.Stop()

	since, _ := c.vcsMgr.CurrentCommit(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			commits, err := c.vcsMgr.CommitsSince(ctx, since)
			if err != nil {
				c.log.Warn("commit poll failed", zap.Error(err))
				continue
			}
			for _, commit := range commits {
				ev := model.Event{
					Type:         model.EventCommit,
					SourceFormat: "vcs-poll",
					Payload: map[string]any{
						"hash":    commit.Hash,
						"message": commit.Message,
						"author":  commit.Author,
						"intent":  string(commit.Intent),
					},
					IndexedFields: model.IndexedFields{Files: commit.Files},
				}
				if err := c.events.Ingest(ev, model.SourceVCS); err != nil {
					c.log.Warn("commit event ingest failed", zap.Error(err))
					continue
				}
				c.sched.NotifyActivity()
				since = commit.Hash
			}
		}
	}
}

// NotifyActivity is exposed so the watcher's burst handler (wired
// externally via events.Ingest) and other producers can mark activity
// without importing the scheduler package directly.
func (c *Core) NotifyActivity() {
	c.sched.NotifyActivity()
}

// Shutdown performs the ordered graceful shutdown from spec §5: stop
// scheduler, stop watchers, drain writers, close indices, release PID
// lock.
func (c *Core) Shutdown() error {
	c.sched.Stop()
	if c.cancelCommitPoll != nil {
		c.cancelCommitPoll()
	}

	if err := c.watch.Close(); err != nil {
		c.log.Warn("watcher close failed", zap.Error(err))
	}

	c.pool.Shutdown()

	if err := c.decs.Close(); err != nil {
		c.log.Warn("decisions close failed", zap.Error(err))
	}
	if err := c.events.Close(); err != nil {
		c.log.Warn("events close failed", zap.Error(err))
	}
	if err := c.sched.Close(); err != nil {
		c.log.Warn("scheduler log close failed", zap.Error(err))
	}
	if err := c.tracker.Close(); err != nil {
		c.log.Warn("tracker close failed", zap.Error(err))
	}

	return releasePIDLock(c.pidPath)
}
