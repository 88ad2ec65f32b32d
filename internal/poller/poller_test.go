package poller

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okanban/okanban/internal/opencode"
	"github.com/okanban/okanban/internal/store"
	"github.com/okanban/okanban/internal/tmux"
)

// fakeProvider scripts FetchAllStatuses and counts calls.
type fakeProvider struct {
	statuses map[string]opencode.SessionStatus
	err      error
	calls    int
	lastDir  string
}

func (f *fakeProvider) FetchAllStatuses(ctx context.Context, now time.Time, directory string) (map[string]opencode.SessionStatus, error) {
	f.calls++
	f.lastDir = directory
	if f.err != nil {
		return nil, f.err
	}
	return f.statuses, nil
}

func (f *fakeProvider) ListStatuses(ctx context.Context, now time.Time, ids []string) map[string]opencode.SessionStatus {
	return nil
}

func (f *fakeProvider) ListSessions(ctx context.Context, directory string) ([]opencode.SessionInfo, error) {
	return nil, nil
}

// fakeRuntime scripts filesystem and tmux probes.
type fakeRuntime struct {
	repoExists    bool
	sessionExists bool
}

func (f *fakeRuntime) RepoExists(path string) bool          { return f.repoExists }
func (f *fakeRuntime) WorktreeExists(path string) bool      { return true }
func (f *fakeRuntime) SessionExists(name string) bool       { return f.sessionExists }
func (f *fakeRuntime) CreateSession(_, _, _ string) error   { return nil }
func (f *fakeRuntime) KillSession(string) error             { return nil }
func (f *fakeRuntime) SwitchClient(string) error            { return nil }
func (f *fakeRuntime) ShowPopup(tmux.PopupStyle, string) error {
	return nil
}
func (f *fakeRuntime) ListSessionNames() ([]string, error) { return nil, nil }

// fakeStore records writes in memory.
type fakeStore struct {
	tasks []*store.Task
	repos map[string]*store.Repo

	statusWrites  []string
	metaStatus    string
	metaSource    string
	metaErrText   string
	metaFetchedAt time.Time
	metaWrites    int
	boundSession  string
	boundAgentID  string
}

func (f *fakeStore) ListTasks() ([]*store.Task, error) { return f.tasks, nil }

func (f *fakeStore) GetRepo(id string) (*store.Repo, error) {
	if r, ok := f.repos[id]; ok {
		return r, nil
	}
	return nil, assertAnError
}

func (f *fakeStore) UpdateTaskStatus(id, status string) error {
	f.statusWrites = append(f.statusWrites, status)
	return nil
}

func (f *fakeStore) UpdateTaskStatusMeta(id, status, source string, fetchedAt time.Time, errText string) error {
	f.metaWrites++
	f.metaStatus = status
	f.metaSource = source
	f.metaFetchedAt = fetchedAt
	f.metaErrText = errText
	return nil
}

func (f *fakeStore) UpdateTaskSessionBinding(id, sessionName, opencodeSessionID string) error {
	f.boundSession = sessionName
	f.boundAgentID = opencodeSessionID
	return nil
}

var assertAnError = assert.AnError

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPoller(fp *fakeProvider, fr *fakeRuntime) (*Poller, *Snapshot) {
	snap := NewSnapshot()
	p := New("unused", fp, fr, snap, discardLogger())
	p.now = func() time.Time { return time.Unix(1700000000, 0) }
	return p, snap
}

func testTask() *store.Task {
	return &store.Task{
		ID:           "t1",
		RepoID:       "r1",
		Branch:       "main",
		WorktreePath: "/tmp/wt",
		Status:       store.StatusIdle,
	}
}

func testRepos() map[string]*store.Repo {
	return map[string]*store.Repo{
		"r1": {ID: "r1", Name: "myrepo", Path: "/tmp/myrepo"},
	}
}

func TestPollTaskRepoUnavailableSkipsNetwork(t *testing.T) {
	fp := &fakeProvider{}
	fr := &fakeRuntime{repoExists: false}
	p, _ := testPoller(fp, fr)

	fs := &fakeStore{tasks: []*store.Task{testTask()}, repos: testRepos()}
	p.pollTask(context.Background(), fs, fs.tasks[0])

	assert.Zero(t, fp.calls, "missing repo must not hit the network")
	require.Len(t, fs.statusWrites, 1)
	assert.Equal(t, store.StatusRepoUnavailable, fs.statusWrites[0])
	assert.Zero(t, fs.metaWrites)
}

func TestPollTaskRepoUnavailableWriteIsConditional(t *testing.T) {
	fp := &fakeProvider{}
	fr := &fakeRuntime{repoExists: false}
	p, _ := testPoller(fp, fr)

	task := testTask()
	task.Status = store.StatusRepoUnavailable
	fs := &fakeStore{tasks: []*store.Task{task}, repos: testRepos()}
	p.pollTask(context.Background(), fs, task)

	assert.Empty(t, fs.statusWrites, "already repo_unavailable, nothing to write")
}

func TestPollTaskScopesFetchToWorktree(t *testing.T) {
	fp := &fakeProvider{statuses: map[string]opencode.SessionStatus{}}
	fr := &fakeRuntime{repoExists: true}
	p, _ := testPoller(fp, fr)

	fs := &fakeStore{tasks: []*store.Task{testTask()}, repos: testRepos()}
	p.pollTask(context.Background(), fs, fs.tasks[0])

	assert.Equal(t, "/tmp/wt", fp.lastDir)
}

func TestPollTaskEmptyResultWithBoundSessionIsDead(t *testing.T) {
	fp := &fakeProvider{statuses: map[string]opencode.SessionStatus{}}
	fr := &fakeRuntime{repoExists: true}
	p, _ := testPoller(fp, fr)

	task := testTask()
	task.SessionName = "s1"
	fs := &fakeStore{tasks: []*store.Task{task}, repos: testRepos()}
	p.pollTask(context.Background(), fs, task)

	assert.Equal(t, store.StatusDead, fs.metaStatus)
	assert.Equal(t, store.SourceNone, fs.metaSource, "an inferred death is not a server observation")
	assert.Equal(t, "SESSION_NOT_FOUND: s1", fs.metaErrText)
}

func TestPollTaskEmptyResultUnboundIsIdle(t *testing.T) {
	fp := &fakeProvider{statuses: map[string]opencode.SessionStatus{}}
	fr := &fakeRuntime{repoExists: true}
	p, _ := testPoller(fp, fr)

	fs := &fakeStore{tasks: []*store.Task{testTask()}, repos: testRepos()}
	p.pollTask(context.Background(), fs, fs.tasks[0])

	assert.Equal(t, store.StatusIdle, fs.metaStatus)
	assert.Equal(t, store.SourceServer, fs.metaSource)
	assert.Empty(t, fs.metaErrText)
}

func TestPollTaskBindsFirstSessionAndWritesState(t *testing.T) {
	now := time.Unix(1700000000, 0)
	fp := &fakeProvider{statuses: map[string]opencode.SessionStatus{
		"ses_b": {State: opencode.StateIdle, Source: opencode.SourceServer, FetchedAt: now},
		"ses_a": {State: opencode.StateRunning, Source: opencode.SourceServer, FetchedAt: now},
	}}
	fr := &fakeRuntime{repoExists: true}
	p, snap := testPoller(fp, fr)

	task := testTask()
	task.SessionName = "s1"
	fs := &fakeStore{tasks: []*store.Task{task}, repos: testRepos()}
	p.pollTask(context.Background(), fs, task)

	// Lowest id wins the binding.
	assert.Equal(t, "ses_a", fs.boundAgentID)
	assert.Equal(t, "s1", fs.boundSession)
	assert.Equal(t, store.StatusRunning, fs.metaStatus)
	assert.Equal(t, store.SourceServer, fs.metaSource)
	assert.Empty(t, fs.metaErrText)

	bound, ok := snap.Binding("t1")
	require.True(t, ok)
	assert.Equal(t, "ses_a", bound)

	cached, ok := snap.Status("ses_b")
	require.True(t, ok)
	assert.Equal(t, opencode.StateIdle, cached.State)
}

func TestPollTaskProviderErrorFallsBackToRawProbe(t *testing.T) {
	serr := &opencode.StatusError{Code: opencode.CodeConnectFailed, Message: "connection refused"}

	fp := &fakeProvider{err: serr}
	fr := &fakeRuntime{repoExists: true, sessionExists: true}
	p, _ := testPoller(fp, fr)

	task := testTask()
	task.SessionName = "s1"
	fs := &fakeStore{tasks: []*store.Task{task}, repos: testRepos()}
	p.pollTask(context.Background(), fs, task)

	assert.Equal(t, store.StatusRunning, fs.metaStatus, "live tmux session keeps the task running")
	assert.Equal(t, store.SourceNone, fs.metaSource)
	assert.Equal(t, "SERVER_CONNECT_FAILED: connection refused", fs.metaErrText)

	fr.sessionExists = false
	p.pollTask(context.Background(), fs, task)
	assert.Equal(t, store.StatusDead, fs.metaStatus, "dead tmux session marks the task dead")
}

func TestRunStopsOnCancel(t *testing.T) {
	fp := &fakeProvider{statuses: map[string]opencode.SessionStatus{}}
	fr := &fakeRuntime{repoExists: true}
	p, _ := testPoller(fp, fr)

	fs := &fakeStore{tasks: []*store.Task{testTask()}, repos: testRepos()}
	p.openStore = func(string) (taskStore, error) { return fs, nil }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on cancellation")
	}
}

func TestRunPacesEmptyCyclesAtConfiguredInterval(t *testing.T) {
	fp := &fakeProvider{}
	fr := &fakeRuntime{repoExists: true}
	p, _ := testPoller(fp, fr)
	p.SetInterval(func() time.Duration { return 250 * time.Millisecond })

	fs := &fakeStore{repos: testRepos()}
	p.openStore = func(string) (taskStore, error) { return fs, nil }

	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) bool {
		slept = append(slept, d)
		return len(slept) < 2
	}

	require.NoError(t, p.Run(context.Background()))
	require.Len(t, slept, 2)
	assert.Equal(t, 250*time.Millisecond, slept[0], "empty cycles pace at the configured interval")
	assert.Equal(t, 250*time.Millisecond, slept[1])
}

func TestStaggerDelayBounds(t *testing.T) {
	for i := 0; i < 6; i++ {
		for _, nanos := range []int{0, 123456789, 999999999} {
			now := time.Unix(1700000000, int64(nanos))
			d := StaggerDelay(i, now)
			min := time.Duration(i+1) * time.Second
			assert.GreaterOrEqual(t, d, min, "index %d", i)
			assert.Less(t, d, min+700*time.Millisecond, "index %d", i)
		}
	}
}

func TestSnapshotMergePrefersServerSource(t *testing.T) {
	snap := NewSnapshot()
	early := time.Unix(1700000000, 0)
	late := early.Add(time.Minute)

	snap.MergeStatuses(map[string]opencode.SessionStatus{
		"ses_a": {State: opencode.StateRunning, Source: opencode.SourceServer, FetchedAt: late},
	})
	// A probe-derived observation must not displace a server-backed one.
	snap.MergeStatuses(map[string]opencode.SessionStatus{
		"ses_a": {State: opencode.StateDead, Source: opencode.SourceNone, FetchedAt: late.Add(time.Minute)},
	})
	got, ok := snap.Status("ses_a")
	require.True(t, ok)
	assert.Equal(t, opencode.StateRunning, got.State)

	// A fresher server observation does.
	snap.MergeStatuses(map[string]opencode.SessionStatus{
		"ses_a": {State: opencode.StateWaiting, Source: opencode.SourceServer, FetchedAt: late.Add(2 * time.Minute)},
	})
	got, _ = snap.Status("ses_a")
	assert.Equal(t, opencode.StateWaiting, got.State)

	// A staler server observation does not.
	snap.MergeStatuses(map[string]opencode.SessionStatus{
		"ses_a": {State: opencode.StateDead, Source: opencode.SourceServer, FetchedAt: early},
	})
	got, _ = snap.Status("ses_a")
	assert.Equal(t, opencode.StateWaiting, got.State)
}
