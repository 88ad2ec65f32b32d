// Package poller runs the background reconciliation loop that keeps stored
// task status in line with live agent-server status.
package poller

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/okanban/okanban/internal/opencode"
	"github.com/okanban/okanban/internal/runtime"
	"github.com/okanban/okanban/internal/store"
)

const (
	defaultIdleDelay = time.Second
	jitterWindow     = 700 * time.Millisecond
)

// taskStore is the slice of the store the poller uses.
type taskStore interface {
	ListTasks() ([]*store.Task, error)
	GetRepo(id string) (*store.Repo, error)
	UpdateTaskStatus(id, status string) error
	UpdateTaskStatusMeta(id, status, source string, fetchedAt time.Time, errText string) error
	UpdateTaskSessionBinding(id, sessionName, opencodeSessionID string) error
}

// Poller polls one task at a time, staggered, on a single goroutine.
type Poller struct {
	storePath string
	provider  opencode.StatusProvider
	rt        runtime.Runtime
	snap      *Snapshot
	log       *slog.Logger

	// seams for tests
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) bool
	openStore func(path string) (taskStore, error)

	// interval paces empty and failed cycles; read every cycle so settings
	// reloads take effect without a restart.
	interval func() time.Duration
}

func New(storePath string, provider opencode.StatusProvider, rt runtime.Runtime, snap *Snapshot, log *slog.Logger) *Poller {
	return &Poller{
		storePath: storePath,
		provider:  provider,
		rt:        rt,
		snap:      snap,
		log:       log,
		now:       time.Now,
		sleep:     sleepCtx,
		openStore: func(path string) (taskStore, error) { return store.Open(path) },
		interval:  func() time.Duration { return defaultIdleDelay },
	}
}

// SetInterval overrides the delay between empty or failed poll cycles,
// typically backed by the live settings.
func (p *Poller) SetInterval(fn func() time.Duration) {
	if fn != nil {
		p.interval = fn
	}
}

// Run loops until ctx is cancelled. The store is reopened every cycle so a
// replaced or repaired store file is picked up without a restart.
func (p *Poller) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		st, err := p.openStore(p.storePath)
		if err != nil {
			p.log.Warn("failed to open task store, retrying", "error", err)
			if !p.sleep(ctx, p.interval()) {
				break
			}
			continue
		}

		tasks, err := st.ListTasks()
		if err != nil {
			p.log.Warn("failed to list tasks, retrying", "error", err)
			if !p.sleep(ctx, p.interval()) {
				break
			}
			continue
		}
		if len(tasks) == 0 {
			if !p.sleep(ctx, p.interval()) {
				break
			}
			continue
		}

		for i, task := range tasks {
			if ctx.Err() != nil {
				return nil
			}
			p.pollTask(ctx, st, task)
			if !p.sleep(ctx, StaggerDelay(i, p.now())) {
				return nil
			}
		}
	}
	return nil
}

// pollTask reconciles one task. A task whose repository is missing on disk
// produces no network traffic at all.
func (p *Poller) pollTask(ctx context.Context, st taskStore, task *store.Task) {
	repo, err := st.GetRepo(task.RepoID)
	repoAvailable := err == nil && p.rt.RepoExists(repo.Path)
	if !repoAvailable {
		if task.Status != store.StatusRepoUnavailable {
			if uerr := st.UpdateTaskStatus(task.ID, store.StatusRepoUnavailable); uerr != nil {
				p.log.Warn("failed to mark task repo_unavailable", "task", task.ID, "error", uerr)
			}
		}
		return
	}

	dir := task.WorktreePath
	if dir == "" {
		dir = repo.Path
	}

	now := p.now()
	statuses, err := p.provider.FetchAllStatuses(ctx, now, dir)
	if err != nil {
		p.recordProviderFailure(st, task, now, err)
		return
	}

	if len(statuses) == 0 {
		if task.SessionName != "" {
			// Inferred, not reported by the server, so the source is none.
			notFound := &opencode.StatusError{Code: opencode.CodeSessionNotFound, Message: task.SessionName}
			p.writeMeta(st, task, store.StatusDead, store.SourceNone, now, notFound.Error())
		} else {
			p.writeMeta(st, task, store.StatusIdle, store.SourceServer, now, "")
		}
		return
	}

	p.snap.MergeStatuses(statuses)

	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	boundID := ids[0]

	if task.OpenCodeSessionID != boundID {
		if berr := st.UpdateTaskSessionBinding(task.ID, task.SessionName, boundID); berr != nil {
			p.log.Warn("failed to update session binding", "task", task.ID, "error", berr)
		}
	}
	p.snap.Bind(task.ID, boundID)

	status := statuses[boundID]
	errText := ""
	if status.Err != nil {
		errText = status.Err.Error()
	}
	p.writeMeta(st, task, status.State.String(), store.SourceServer, now, errText)
}

// recordProviderFailure falls back to a raw liveness probe of the tmux
// session when the server cannot answer.
func (p *Poller) recordProviderFailure(st taskStore, task *store.Task, now time.Time, err error) {
	serr := opencode.AsStatusError(err)

	status := store.StatusDead
	if task.SessionName != "" && p.rt.SessionExists(task.SessionName) {
		status = store.StatusRunning
	}
	p.writeMeta(st, task, status, store.SourceNone, now, serr.Error())
}

func (p *Poller) writeMeta(st taskStore, task *store.Task, status, source string, fetchedAt time.Time, errText string) {
	if err := st.UpdateTaskStatusMeta(task.ID, status, source, fetchedAt, errText); err != nil {
		p.log.Warn("failed to update task status", "task", task.ID, "error", err)
	}
}

// StaggerDelay spreads task polls out: (index+1) seconds plus up to 700ms of
// jitter derived from the index and the wall clock.
func StaggerDelay(index int, now time.Time) time.Duration {
	base := time.Duration(index+1) * time.Second
	jitterMs := (now.Nanosecond()/int(time.Millisecond) + index*97) % int(jitterWindow/time.Millisecond)
	return base + time.Duration(jitterMs)*time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
