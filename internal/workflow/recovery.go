package workflow

import (
	"fmt"
	"log/slog"

	"github.com/okanban/okanban/internal/opencode"
	"github.com/okanban/okanban/internal/runtime"
	"github.com/okanban/okanban/internal/store"
)

// DesiredTaskState is what the store says a task should look like.
type DesiredTaskState struct {
	ExpectedSessionName string
	RepoAvailable       bool
}

// ObservedTaskState is what the machine actually looks like.
type ObservedTaskState struct {
	RepoAvailable bool
	SessionExists bool
}

// DesiredStateForTask derives the desired state from the persisted task and
// its repo. A nil repo means the binding row is gone.
func DesiredStateForTask(task *store.Task, repo *store.Repo, rt runtime.Runtime) DesiredTaskState {
	available := repo != nil && rt.RepoExists(repo.Path)
	return DesiredTaskState{
		ExpectedSessionName: task.SessionName,
		RepoAvailable:       available,
	}
}

// ObservedStateForTask probes the machine for the desired session.
func ObservedStateForTask(desired DesiredTaskState, rt runtime.Runtime) ObservedTaskState {
	observed := ObservedTaskState{RepoAvailable: desired.RepoAvailable}
	if desired.ExpectedSessionName != "" {
		observed.SessionExists = rt.SessionExists(desired.ExpectedSessionName)
	}
	return observed
}

// ReconcileStatus decides what status a task should restart with. Anything
// without a live backing session collapses to idle; a live session only
// keeps "running" if that is what was stored.
func ReconcileStatus(current string, desired DesiredTaskState, observed ObservedTaskState) string {
	if !desired.RepoAvailable || !observed.RepoAvailable {
		return store.StatusIdle
	}
	if desired.ExpectedSessionName == "" || !observed.SessionExists {
		return store.StatusIdle
	}
	if state, ok := opencode.StoredState(current); ok && state == opencode.StateRunning {
		return store.StatusRunning
	}
	return store.StatusIdle
}

// recoveryStore is the slice of the store the reconciler uses.
type recoveryStore interface {
	ListTasks() ([]*store.Task, error)
	ListRepos() ([]*store.Repo, error)
	UpdateTaskStatus(id, status string) error
}

// ReconcileStartupTasks repairs persisted task status after a restart. Only
// changed tasks are written. Write failures are logged and the remaining
// tasks still reconciled; only an unreadable store is an error.
func ReconcileStartupTasks(st recoveryStore, rt runtime.Runtime, log *slog.Logger) error {
	tasks, err := st.ListTasks()
	if err != nil {
		return fmt.Errorf("failed to list tasks for reconciliation: %w", err)
	}
	repos, err := st.ListRepos()
	if err != nil {
		return fmt.Errorf("failed to list repos for reconciliation: %w", err)
	}
	reposByID := make(map[string]*store.Repo, len(repos))
	for _, r := range repos {
		reposByID[r.ID] = r
	}

	for _, task := range tasks {
		desired := DesiredStateForTask(task, reposByID[task.RepoID], rt)
		observed := ObservedStateForTask(desired, rt)
		next := ReconcileStatus(task.Status, desired, observed)
		if next == task.Status {
			continue
		}
		if err := st.UpdateTaskStatus(task.ID, next); err != nil {
			log.Warn("failed to reconcile task status", "task", task.ID, "error", err)
			continue
		}
		log.Debug("reconciled task status",
			"task", task.ID,
			"from", task.Status,
			"to", next,
			"session_exists", observed.SessionExists,
		)
	}
	return nil
}
