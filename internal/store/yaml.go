package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Store persists tasks, repos and categories in a single YAML file. It is a
// single-writer store: the daemon process owns it and every mutation is a
// load-modify-save of the whole file.
type Store struct {
	path string
}

// fileData is the on-disk layout.
type fileData struct {
	Repos      []*Repo     `yaml:"repos"`
	Categories []*Category `yaml:"categories"`
	Tasks      []*Task     `yaml:"tasks"`
}

// Open validates that the store file is readable and parseable. A missing
// file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if _, err := s.loadData(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// ListTasks returns active (non-archived) tasks ordered by category position
// then task position.
func (s *Store) ListTasks() ([]*Task, error) {
	data, err := s.loadData()
	if err != nil {
		return nil, fmt.Errorf("failed to load store: %w", err)
	}

	catPos := make(map[string]int, len(data.Categories))
	for _, c := range data.Categories {
		catPos[c.ID] = c.Position
	}

	var tasks []*Task
	for _, t := range data.Tasks {
		if !t.Archived {
			tasks = append(tasks, t)
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if catPos[tasks[i].CategoryID] != catPos[tasks[j].CategoryID] {
			return catPos[tasks[i].CategoryID] < catPos[tasks[j].CategoryID]
		}
		return tasks[i].Position < tasks[j].Position
	})
	return tasks, nil
}

// ListAllTasks returns every task, archived included.
func (s *Store) ListAllTasks() ([]*Task, error) {
	data, err := s.loadData()
	if err != nil {
		return nil, fmt.Errorf("failed to load store: %w", err)
	}
	return data.Tasks, nil
}

func (s *Store) ListRepos() ([]*Repo, error) {
	data, err := s.loadData()
	if err != nil {
		return nil, fmt.Errorf("failed to load store: %w", err)
	}
	return data.Repos, nil
}

func (s *Store) ListCategories() ([]*Category, error) {
	data, err := s.loadData()
	if err != nil {
		return nil, fmt.Errorf("failed to load store: %w", err)
	}
	cats := append([]*Category(nil), data.Categories...)
	sort.SliceStable(cats, func(i, j int) bool { return cats[i].Position < cats[j].Position })
	return cats, nil
}

// EnsureDefaultCategories seeds the standard columns when none exist and
// returns the ordered category list.
func (s *Store) EnsureDefaultCategories() ([]*Category, error) {
	data, err := s.loadData()
	if err != nil {
		return nil, fmt.Errorf("failed to load store: %w", err)
	}
	if len(data.Categories) == 0 {
		for i, name := range []string{"To Do", "In Progress", "Done"} {
			data.Categories = append(data.Categories, &Category{
				ID:       NewID(),
				Name:     name,
				Position: i,
			})
		}
		if err := s.saveData(data); err != nil {
			return nil, err
		}
	}
	cats := append([]*Category(nil), data.Categories...)
	sort.SliceStable(cats, func(i, j int) bool { return cats[i].Position < cats[j].Position })
	return cats, nil
}

func (s *Store) GetTask(id string) (*Task, error) {
	data, err := s.loadData()
	if err != nil {
		return nil, fmt.Errorf("failed to load store: %w", err)
	}
	for _, t := range data.Tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("task %s not found", id)
}

func (s *Store) GetRepo(id string) (*Repo, error) {
	data, err := s.loadData()
	if err != nil {
		return nil, fmt.Errorf("failed to load store: %w", err)
	}
	for _, r := range data.Repos {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("repo %s not found", id)
}

func (s *Store) CreateTask(task *Task) error {
	data, err := s.loadData()
	if err != nil {
		return fmt.Errorf("failed to load store: %w", err)
	}
	data.Tasks = append(data.Tasks, task)
	return s.saveData(data)
}

func (s *Store) CreateRepo(repo *Repo) error {
	data, err := s.loadData()
	if err != nil {
		return fmt.Errorf("failed to load store: %w", err)
	}
	for _, r := range data.Repos {
		if r.Path == repo.Path {
			return fmt.Errorf("repo already registered at %s", repo.Path)
		}
	}
	data.Repos = append(data.Repos, repo)
	return s.saveData(data)
}

// UpdateTaskStatus sets the task status string. No write happens when the
// status is unchanged.
func (s *Store) UpdateTaskStatus(id, status string) error {
	return s.mutateTask(id, func(t *Task) bool {
		if t.Status == status {
			return false
		}
		t.Status = status
		return true
	})
}

// UpdateTaskStatusMeta sets status together with its provenance. fetchedAt
// never moves backwards; a stale observation keeps the stored timestamp.
// No write happens when nothing changes.
func (s *Store) UpdateTaskStatusMeta(id, status, source string, fetchedAt time.Time, errText string) error {
	return s.mutateTask(id, func(t *Task) bool {
		at := fetchedAt
		if t.StatusFetchedAt != nil && at.Before(*t.StatusFetchedAt) {
			at = *t.StatusFetchedAt
		}
		if t.Status == status && t.StatusSource == source && t.StatusError == errText &&
			t.StatusFetchedAt != nil && t.StatusFetchedAt.Equal(at) {
			return false
		}
		t.Status = status
		t.StatusSource = source
		t.StatusFetchedAt = &at
		t.StatusError = errText
		return true
	})
}

// UpdateTaskSessionBinding records the tmux session name and agent session id
// backing a task.
func (s *Store) UpdateTaskSessionBinding(id, sessionName, opencodeSessionID string) error {
	return s.mutateTask(id, func(t *Task) bool {
		if t.SessionName == sessionName && t.OpenCodeSessionID == opencodeSessionID {
			return false
		}
		t.SessionName = sessionName
		t.OpenCodeSessionID = opencodeSessionID
		return true
	})
}

func (s *Store) SetWorktreePath(id, path string) error {
	return s.mutateTask(id, func(t *Task) bool {
		if t.WorktreePath == path {
			return false
		}
		t.WorktreePath = path
		return true
	})
}

func (s *Store) SetAttachPopupShown(id string) error {
	return s.mutateTask(id, func(t *Task) bool {
		if t.AttachPopupShown {
			return false
		}
		t.AttachPopupShown = true
		return true
	})
}

func (s *Store) ArchiveTask(id string) error {
	return s.mutateTask(id, func(t *Task) bool {
		if t.Archived {
			return false
		}
		now := time.Now()
		t.Archived = true
		t.ArchivedAt = &now
		return true
	})
}

func (s *Store) UnarchiveTask(id string) error {
	return s.mutateTask(id, func(t *Task) bool {
		if !t.Archived {
			return false
		}
		t.Archived = false
		t.ArchivedAt = nil
		return true
	})
}

func (s *Store) DeleteTask(id string) error {
	data, err := s.loadData()
	if err != nil {
		return fmt.Errorf("failed to load store: %w", err)
	}
	for i, t := range data.Tasks {
		if t.ID == id {
			data.Tasks = append(data.Tasks[:i], data.Tasks[i+1:]...)
			return s.saveData(data)
		}
	}
	return fmt.Errorf("task %s not found", id)
}

func (s *Store) DeleteRepo(id string) error {
	data, err := s.loadData()
	if err != nil {
		return fmt.Errorf("failed to load store: %w", err)
	}
	for _, t := range data.Tasks {
		if t.RepoID == id {
			return fmt.Errorf("repo %s still has tasks", id)
		}
	}
	for i, r := range data.Repos {
		if r.ID == id {
			data.Repos = append(data.Repos[:i], data.Repos[i+1:]...)
			return s.saveData(data)
		}
	}
	return fmt.Errorf("repo %s not found", id)
}

// mutateTask applies fn to the matching task and saves only when fn reports
// a change.
func (s *Store) mutateTask(id string, fn func(*Task) bool) error {
	data, err := s.loadData()
	if err != nil {
		return fmt.Errorf("failed to load store: %w", err)
	}
	for _, t := range data.Tasks {
		if t.ID != id {
			continue
		}
		if !fn(t) {
			return nil
		}
		t.UpdatedAt = time.Now()
		return s.saveData(data)
	}
	return fmt.Errorf("task %s not found", id)
}

func (s *Store) loadData() (*fileData, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return &fileData{}, nil
	}

	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	var data fileData
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal store file: %w", err)
	}
	return &data, nil
}

func (s *Store) saveData(data *fileData) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	content, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal store file: %w", err)
	}

	if err := os.WriteFile(s.path, content, 0644); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	return nil
}
