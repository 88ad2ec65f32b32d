package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/okanban/okanban/internal/config"
	"github.com/okanban/okanban/internal/daemon"
	"github.com/okanban/okanban/internal/runtime"
	"github.com/okanban/okanban/internal/store"
	"github.com/okanban/okanban/internal/workflow"
)

var (
	app = kingpin.New("okanban", "tmux kanban board for opencode agent sessions")

	runCmd = app.Command("run", "Run the orchestration daemon")

	listCmd = app.Command("list", "List tasks")
	listAll = listCmd.Flag("all", "Include archived tasks").Bool()

	createCmd    = app.Command("create", "Create a task with a fresh worktree")
	createRepo   = createCmd.Flag("repo", "Repo id").Required().String()
	createBranch = createCmd.Flag("branch", "Branch name").Required().String()
	createBase   = createCmd.Flag("base", "Base ref (defaults to the repo's default branch)").String()
	createTitle  = createCmd.Arg("title", "Task title").String()

	attachCmd = app.Command("attach", "Attach the current tmux client to a task session")
	attachID  = attachCmd.Arg("id", "Task id").Required().String()

	openCmd = app.Command("open", "Ensure a task session exists without switching to it")
	openID  = openCmd.Arg("id", "Task id").Required().String()

	archiveCmd = app.Command("archive", "Archive a task")
	archiveID  = archiveCmd.Arg("id", "Task id").Required().String()

	deleteCmd = app.Command("delete", "Delete a task, its session and its worktree")
	deleteID  = deleteCmd.Arg("id", "Task id").Required().String()

	repoCmd     = app.Command("repo", "Repository management")
	repoAddCmd  = repoCmd.Command("add", "Register a git repository")
	repoAddPath = repoAddCmd.Arg("path", "Path inside the repository").Required().String()
	repoListCmd = repoCmd.Command("list", "List registered repositories")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	env, err := config.LoadEnv()
	if err != nil {
		fatal(err)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: env.SlogLevel()}))
	slog.SetDefault(log)

	storePath := env.StorePath
	if storePath == "" {
		storePath = store.DefaultPath()
	}

	switch command {
	case runCmd.FullCommand():
		runDaemon(env, log)
	case listCmd.FullCommand():
		listTasks(storePath, *listAll)
	case createCmd.FullCommand():
		createTask(storePath, log)
	case attachCmd.FullCommand():
		attachTask(env, storePath, *attachID, log)
	case openCmd.FullCommand():
		openTask(env, storePath, *openID)
	case archiveCmd.FullCommand():
		withStore(storePath, func(st *store.Store) error { return st.ArchiveTask(*archiveID) })
	case deleteCmd.FullCommand():
		withStore(storePath, func(st *store.Store) error {
			return workflow.DeleteTask(st, runtime.New(), *deleteID, log)
		})
	case repoAddCmd.FullCommand():
		addRepo(storePath)
	case repoListCmd.FullCommand():
		listRepos(storePath)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "okanban: %v\n", err)
	os.Exit(1)
}

func withStore(storePath string, fn func(*store.Store) error) {
	st, err := store.Open(storePath)
	if err != nil {
		fatal(err)
	}
	if err := fn(st); err != nil {
		fatal(err)
	}
}

func runDaemon(env *config.Env, log *slog.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.New(env, log).Run(ctx); err != nil {
		fatal(err)
	}
}

func listTasks(storePath string, all bool) {
	withStore(storePath, func(st *store.Store) error {
		var tasks []*store.Task
		var err error
		if all {
			tasks, err = st.ListAllTasks()
		} else {
			tasks, err = st.ListTasks()
		}
		if err != nil {
			return err
		}
		repos, err := st.ListRepos()
		if err != nil {
			return err
		}
		repoNames := make(map[string]string, len(repos))
		for _, r := range repos {
			repoNames[r.ID] = r.Name
		}

		for _, t := range tasks {
			name := repoNames[t.RepoID]
			if name == "" {
				name = t.RepoID
			}
			line := fmt.Sprintf("%-26s  %-16s  %-20s  %-30s", t.ID, statusLabel(t.Status), name, t.Branch)
			if t.StatusError != "" {
				line += "  " + color.HiBlackString(t.StatusError)
			}
			fmt.Println(line, t.Title)
		}
		return nil
	})
}

func statusLabel(status string) string {
	switch status {
	case store.StatusRunning:
		return color.GreenString(status)
	case store.StatusWaiting:
		return color.YellowString(status)
	case store.StatusDead:
		return color.RedString(status)
	case store.StatusRepoUnavailable:
		return color.MagentaString(status)
	default:
		return status
	}
}

func createTask(storePath string, log *slog.Logger) {
	withStore(storePath, func(st *store.Store) error {
		task, err := workflow.CreateTask(st, workflow.CreateTaskRequest{
			Title:   *createTitle,
			RepoID:  *createRepo,
			Branch:  *createBranch,
			BaseRef: *createBase,
		}, log)
		if err != nil {
			return err
		}
		fmt.Printf("created task %s (%s)\n", task.ID, task.Branch)
		return nil
	})
}

func sessionEnv(env *config.Env) workflow.SessionEnv {
	return workflow.SessionEnv{
		Host:        env.ServerHost,
		Port:        env.ServerPort,
		ProjectSlug: env.Project,
	}
}

func attachTask(env *config.Env, storePath, taskID string, log *slog.Logger) {
	withStore(storePath, func(st *store.Store) error {
		task, err := st.GetTask(taskID)
		if err != nil {
			return err
		}
		repo, err := st.GetRepo(task.RepoID)
		if err != nil {
			return err
		}

		settingsPath := env.SettingsPath
		if settingsPath == "" {
			settingsPath = config.SettingsPath()
		}
		settings, err := config.LoadSettings(settingsPath)
		if err != nil {
			log.Warn("failed to load settings, using defaults", "error", err)
		}

		result, err := workflow.AttachTask(st, runtime.New(), task, repo, sessionEnv(env), settings.PopupStyle(), log)
		if err != nil {
			return err
		}
		switch result {
		case workflow.AttachRepoUnavailable:
			return fmt.Errorf("repository for task %s is unavailable at %s", task.ID, repo.Path)
		case workflow.AttachWorktreeNotFound:
			return fmt.Errorf("worktree for task %s not found at %s", task.ID, task.WorktreePath)
		}
		return nil
	})
}

func openTask(env *config.Env, storePath, taskID string) {
	withStore(storePath, func(st *store.Store) error {
		task, err := st.GetTask(taskID)
		if err != nil {
			return err
		}
		repo, err := st.GetRepo(task.RepoID)
		if err != nil {
			return err
		}

		res, err := workflow.EnsureTaskSession(st, runtime.New(), task, repo, sessionEnv(env))
		if err != nil {
			return err
		}
		switch res.Outcome {
		case workflow.EnsureRepoUnavailable:
			return fmt.Errorf("repository for task %s is unavailable at %s", task.ID, repo.Path)
		case workflow.EnsureWorktreeNotFound:
			return fmt.Errorf("worktree for task %s not found at %s", task.ID, task.WorktreePath)
		}
		fmt.Println(res.SessionName)
		return nil
	})
}

func addRepo(storePath string) {
	withStore(storePath, func(st *store.Store) error {
		repo, err := workflow.AddRepo(st, *repoAddPath)
		if err != nil {
			return err
		}
		fmt.Printf("registered repo %s (%s) at %s\n", repo.ID, repo.Name, repo.Path)
		return nil
	})
}

func listRepos(storePath string) {
	withStore(storePath, func(st *store.Store) error {
		repos, err := st.ListRepos()
		if err != nil {
			return err
		}
		for _, r := range repos {
			fmt.Printf("%-26s  %-20s  %s\n", r.ID, r.Name, r.Path)
		}
		return nil
	})
}
