package workflow

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okanban/okanban/internal/store"
	"github.com/okanban/okanban/internal/tmux"
)

// scriptedRuntime records calls and answers probes from sets.
type scriptedRuntime struct {
	repos     map[string]bool
	worktrees map[string]bool
	sessions  map[string]bool

	createdName    string
	createdDir     string
	createdCommand string
	switchedTo     string
	popupsShown    int
	popupErr       error
	killed         []string
}

func newScriptedRuntime() *scriptedRuntime {
	return &scriptedRuntime{
		repos:     map[string]bool{},
		worktrees: map[string]bool{},
		sessions:  map[string]bool{},
	}
}

func (r *scriptedRuntime) RepoExists(path string) bool     { return r.repos[path] }
func (r *scriptedRuntime) WorktreeExists(path string) bool { return r.worktrees[path] }
func (r *scriptedRuntime) SessionExists(name string) bool  { return r.sessions[name] }

func (r *scriptedRuntime) CreateSession(name, dir, command string) error {
	r.createdName = name
	r.createdDir = dir
	r.createdCommand = command
	r.sessions[name] = true
	return nil
}

func (r *scriptedRuntime) KillSession(name string) error {
	r.killed = append(r.killed, name)
	delete(r.sessions, name)
	return nil
}

func (r *scriptedRuntime) SwitchClient(name string) error {
	r.switchedTo = name
	return nil
}

func (r *scriptedRuntime) ShowPopup(style tmux.PopupStyle, command string) error {
	r.popupsShown++
	return r.popupErr
}

func (r *scriptedRuntime) ListSessionNames() ([]string, error) { return nil, nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnv() SessionEnv {
	return SessionEnv{Host: "127.0.0.1", Port: 4096, ProjectSlug: "proj"}
}

func setupAttach(t *testing.T) (*store.Store, *scriptedRuntime, *store.Task, *store.Repo) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.yaml"))
	require.NoError(t, err)

	repo := &store.Repo{ID: "r1", Name: "myrepo", Path: "/tmp/myrepo", DefaultBase: "main"}
	require.NoError(t, st.CreateRepo(repo))

	task := &store.Task{
		ID:           "t1",
		Title:        "demo",
		RepoID:       "r1",
		Branch:       "main",
		WorktreePath: "/tmp/wt",
		Status:       store.StatusRunning,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, st.CreateTask(task))

	rt := newScriptedRuntime()
	rt.repos["/tmp/myrepo"] = true
	rt.worktrees["/tmp/wt"] = true
	return st, rt, task, repo
}

func TestEnsureTaskSessionRepoUnavailable(t *testing.T) {
	st, rt, task, repo := setupAttach(t)
	rt.repos["/tmp/myrepo"] = false

	res, err := EnsureTaskSession(st, rt, task, repo, testEnv())
	require.NoError(t, err)
	assert.Equal(t, EnsureRepoUnavailable, res.Outcome)

	got, err := st.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusIdle, got.Status, "unavailable repo parks the task at idle")
}

func TestEnsureTaskSessionReusesLiveSession(t *testing.T) {
	st, rt, task, repo := setupAttach(t)
	task.SessionName = "ok-proj-myrepo-main"
	rt.sessions["ok-proj-myrepo-main"] = true

	res, err := EnsureTaskSession(st, rt, task, repo, testEnv())
	require.NoError(t, err)
	assert.Equal(t, EnsureReady, res.Outcome)
	assert.Equal(t, "ok-proj-myrepo-main", res.SessionName)
	assert.Equal(t, "/tmp/wt", res.Workdir)
	assert.Empty(t, rt.createdName, "no new session when the bound one is alive")
}

func TestEnsureTaskSessionWorktreeMissing(t *testing.T) {
	st, rt, task, repo := setupAttach(t)
	rt.worktrees["/tmp/wt"] = false

	res, err := EnsureTaskSession(st, rt, task, repo, testEnv())
	require.NoError(t, err)
	assert.Equal(t, EnsureWorktreeNotFound, res.Outcome)
	assert.Empty(t, rt.createdName)
}

func TestEnsureTaskSessionCreatesAndBinds(t *testing.T) {
	st, rt, task, repo := setupAttach(t)
	task.OpenCodeSessionID = "ses_1"

	res, err := EnsureTaskSession(st, rt, task, repo, testEnv())
	require.NoError(t, err)
	assert.Equal(t, EnsureReady, res.Outcome)
	assert.Equal(t, "ok-proj-myrepo-main", res.SessionName)

	assert.Equal(t, "ok-proj-myrepo-main", rt.createdName)
	assert.Equal(t, "/tmp/wt", rt.createdDir)
	assert.Contains(t, rt.createdCommand, "opencode attach http://127.0.0.1:4096")
	assert.Contains(t, rt.createdCommand, "--session ses_1")

	got, err := st.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, "ok-proj-myrepo-main", got.SessionName)
	assert.Equal(t, "ses_1", got.OpenCodeSessionID)
	assert.Equal(t, store.StatusIdle, got.Status)
}

func TestEnsureTaskSessionAvoidsNameCollision(t *testing.T) {
	st, rt, task, repo := setupAttach(t)
	rt.sessions["ok-proj-myrepo-main"] = true
	task.SessionName = ""

	res, err := EnsureTaskSession(st, rt, task, repo, testEnv())
	require.NoError(t, err)
	assert.Equal(t, "ok-proj-myrepo-main-2", res.SessionName)
}

func TestAttachTaskSwitchesAndShowsPopupOnce(t *testing.T) {
	st, rt, task, repo := setupAttach(t)

	result, err := AttachTask(st, rt, task, repo, testEnv(), tmux.PopupStyle{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, Attached, result)
	assert.Equal(t, "ok-proj-myrepo-main", rt.switchedTo)
	assert.Equal(t, 1, rt.popupsShown)

	got, err := st.GetTask("t1")
	require.NoError(t, err)
	assert.True(t, got.AttachPopupShown)

	// Second attach reuses the session and skips the overlay.
	result, err = AttachTask(st, rt, got, repo, testEnv(), tmux.PopupStyle{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, Attached, result)
	assert.Equal(t, 1, rt.popupsShown)
}

func TestAttachTaskPopupFailureIsSwallowed(t *testing.T) {
	st, rt, task, repo := setupAttach(t)
	rt.popupErr = assert.AnError

	result, err := AttachTask(st, rt, task, repo, testEnv(), tmux.PopupStyle{}, testLogger())
	require.NoError(t, err, "overlay failure must not fail the attach")
	assert.Equal(t, Attached, result)
}

func TestAttachTaskRepoUnavailable(t *testing.T) {
	st, rt, task, repo := setupAttach(t)
	rt.repos["/tmp/myrepo"] = false

	result, err := AttachTask(st, rt, task, repo, testEnv(), tmux.PopupStyle{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, AttachRepoUnavailable, result)
	assert.Empty(t, rt.switchedTo)
}
