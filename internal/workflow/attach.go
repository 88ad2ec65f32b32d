// Package workflow implements the task-facing operations built on top of the
// store, the runtime seam and the agent server.
package workflow

import (
	"fmt"
	"log/slog"

	"github.com/okanban/okanban/internal/opencode"
	"github.com/okanban/okanban/internal/runtime"
	"github.com/okanban/okanban/internal/store"
	"github.com/okanban/okanban/internal/tmux"
)

// EnsureOutcome classifies how EnsureTaskSession ended.
type EnsureOutcome int

const (
	EnsureReady EnsureOutcome = iota
	EnsureRepoUnavailable
	EnsureWorktreeNotFound
)

// EnsureResult carries the session a task can be attached to.
type EnsureResult struct {
	Outcome     EnsureOutcome
	SessionName string
	Workdir     string
}

// SessionEnv locates the agent server task sessions attach to.
type SessionEnv struct {
	Host        string
	Port        int
	ProjectSlug string
}

// EnsureTaskSession guarantees the task has a live tmux session to attach
// to, creating one in its worktree when needed. An unreachable repository
// parks the task at idle; a recorded but missing worktree is surfaced to the
// caller instead of silently recreated.
func EnsureTaskSession(st *store.Store, rt runtime.Runtime, task *store.Task, repo *store.Repo, env SessionEnv) (EnsureResult, error) {
	if !rt.RepoExists(repo.Path) {
		if err := st.UpdateTaskStatus(task.ID, store.StatusIdle); err != nil {
			return EnsureResult{}, fmt.Errorf("failed to park unavailable task: %w", err)
		}
		return EnsureResult{Outcome: EnsureRepoUnavailable}, nil
	}

	if task.SessionName != "" && rt.SessionExists(task.SessionName) {
		workdir := task.WorktreePath
		if workdir == "" || !rt.WorktreeExists(workdir) {
			workdir = repo.Path
		}
		return EnsureResult{Outcome: EnsureReady, SessionName: task.SessionName, Workdir: workdir}, nil
	}

	if task.WorktreePath == "" || !rt.WorktreeExists(task.WorktreePath) {
		return EnsureResult{Outcome: EnsureWorktreeNotFound}, nil
	}

	name := runtime.NextAvailableSessionName(rt.SessionExists, task.SessionName, env.ProjectSlug, repo.Name, task.Branch)
	command := opencode.AttachCommand(env.Host, env.Port, task.WorktreePath, task.OpenCodeSessionID)

	if err := rt.CreateSession(name, task.WorktreePath, command); err != nil {
		return EnsureResult{}, fmt.Errorf("failed to create session %s: %w", name, err)
	}

	if err := st.UpdateTaskSessionBinding(task.ID, name, task.OpenCodeSessionID); err != nil {
		return EnsureResult{}, fmt.Errorf("failed to persist session binding: %w", err)
	}
	if err := st.UpdateTaskStatus(task.ID, store.StatusIdle); err != nil {
		return EnsureResult{}, fmt.Errorf("failed to reset task status: %w", err)
	}

	return EnsureResult{Outcome: EnsureReady, SessionName: name, Workdir: task.WorktreePath}, nil
}

// AttachResult classifies how AttachTask ended.
type AttachResult int

const (
	Attached AttachResult = iota
	AttachRepoUnavailable
	AttachWorktreeNotFound
)

// AttachTask ensures the task session and switches the current tmux client
// to it. The first attach of a task also shows a one-time overlay popup;
// overlay failures are logged, never propagated.
func AttachTask(st *store.Store, rt runtime.Runtime, task *store.Task, repo *store.Repo, env SessionEnv, style tmux.PopupStyle, log *slog.Logger) (AttachResult, error) {
	res, err := EnsureTaskSession(st, rt, task, repo, env)
	if err != nil {
		return Attached, err
	}
	switch res.Outcome {
	case EnsureRepoUnavailable:
		return AttachRepoUnavailable, nil
	case EnsureWorktreeNotFound:
		return AttachWorktreeNotFound, nil
	}

	if err := rt.SwitchClient(res.SessionName); err != nil {
		return Attached, fmt.Errorf("failed to switch client to %s: %w", res.SessionName, err)
	}

	maybeShowAttachPopup(st, rt, task, repo, res, style, log)
	return Attached, nil
}

func maybeShowAttachPopup(st *store.Store, rt runtime.Runtime, task *store.Task, repo *store.Repo, res EnsureResult, style tmux.PopupStyle, log *slog.Logger) {
	if task.AttachPopupShown {
		return
	}
	if err := st.SetAttachPopupShown(task.ID); err != nil {
		log.Warn("failed to persist attach overlay flag", "task", task.ID, "error", err)
	}

	command := tmux.PopupShellCommand(attachPopupLines(task, repo, res))
	if err := rt.ShowPopup(style, command); err != nil {
		log.Warn("failed to show attach overlay", "task", task.ID, "error", err)
	}
}

func attachPopupLines(task *store.Task, repo *store.Repo, res EnsureResult) []string {
	return []string{
		"Task:     " + task.Title,
		"Repo:     " + repo.Name,
		"Branch:   " + task.Branch,
		"Session:  " + res.SessionName,
		"Worktree: " + res.Workdir,
		"",
		"prefix K   back to the board session",
		"prefix O   show this overlay again",
		"",
		"press any key to close",
	}
}
