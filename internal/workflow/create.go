package workflow

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/okanban/okanban/internal/git"
	"github.com/okanban/okanban/internal/runtime"
	"github.com/okanban/okanban/internal/store"
)

// CreateTaskRequest describes a new task. BaseRef is optional; the repo's
// default branch is detected when it is empty.
type CreateTaskRequest struct {
	Title   string
	RepoID  string
	Branch  string
	BaseRef string
}

// CreateTask validates the branch, materializes a worktree for it and
// inserts the task into the first board column. A failed fetch degrades to a
// warning so offline use keeps working.
func CreateTask(st *store.Store, req CreateTaskRequest, log *slog.Logger) (*store.Task, error) {
	repo, err := st.GetRepo(req.RepoID)
	if err != nil {
		return nil, err
	}

	branch := strings.TrimSpace(req.Branch)
	if err := git.ValidateBranch(branch); err != nil {
		return nil, err
	}

	base := strings.TrimSpace(req.BaseRef)
	if base == "" {
		base = git.DetectDefaultBranch(repo.Path)
	}

	if err := git.Fetch(repo.Path); err != nil {
		log.Warn("fetch from origin failed, continuing offline", "repo", repo.Name, "error", err)
	}

	worktreePath := git.DeriveWorktreePath(repo.Name, branch)
	if err := git.AddWorktree(repo.Path, worktreePath, branch, base); err != nil {
		return nil, err
	}

	cats, err := st.EnsureDefaultCategories()
	if err != nil {
		return nil, err
	}
	categoryID := cats[0].ID

	position, err := nextPosition(st, categoryID)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = branch
	}

	now := time.Now()
	task := &store.Task{
		ID:           store.NewID(),
		Title:        title,
		RepoID:       repo.ID,
		CategoryID:   categoryID,
		Position:     position,
		Branch:       branch,
		WorktreePath: worktreePath,
		Status:       store.StatusIdle,
		StatusSource: store.SourceNone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := st.CreateTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

func nextPosition(st *store.Store, categoryID string) (int, error) {
	tasks, err := st.ListAllTasks()
	if err != nil {
		return 0, err
	}
	next := 0
	for _, t := range tasks {
		if t.CategoryID == categoryID && t.Position >= next {
			next = t.Position + 1
		}
	}
	return next, nil
}

// DeleteTask tears a task down: its session is killed if alive, its worktree
// removed best effort, then the row is deleted.
func DeleteTask(st *store.Store, rt runtime.Runtime, taskID string, log *slog.Logger) error {
	task, err := st.GetTask(taskID)
	if err != nil {
		return err
	}

	if task.SessionName != "" && rt.SessionExists(task.SessionName) {
		if err := rt.KillSession(task.SessionName); err != nil {
			log.Warn("failed to kill task session", "task", task.ID, "session", task.SessionName, "error", err)
		}
	}

	if task.WorktreePath != "" {
		repo, err := st.GetRepo(task.RepoID)
		if err == nil {
			if err := git.RemoveWorktree(repo.Path, task.WorktreePath); err != nil {
				log.Warn("failed to remove task worktree", "task", task.ID, "worktree", task.WorktreePath, "error", err)
			}
		}
	}

	return st.DeleteTask(task.ID)
}

// AddRepo registers the git repository containing path.
func AddRepo(st *store.Store, path string) (*store.Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo path: %w", err)
	}
	if !git.IsValidRepo(abs) {
		return nil, fmt.Errorf("not a git repository: %s", abs)
	}
	root, err := git.ResolveRepoRoot(abs)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	repo := &store.Repo{
		ID:          store.NewID(),
		Name:        filepath.Base(root),
		Path:        root,
		DefaultBase: git.DetectDefaultBranch(root),
		RemoteURL:   git.RemoteURL(root),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := st.CreateRepo(repo); err != nil {
		return nil, err
	}
	return repo, nil
}
