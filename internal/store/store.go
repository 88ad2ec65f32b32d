package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
)

// Task status strings as persisted. The first four mirror the session
// lifecycle; repo_unavailable marks a task whose repository is missing on
// disk.
const (
	StatusRunning         = "running"
	StatusWaiting         = "waiting"
	StatusIdle            = "idle"
	StatusDead            = "dead"
	StatusRepoUnavailable = "repo_unavailable"
)

// Status source strings as persisted.
const (
	SourceServer = "server"
	SourceNone   = "none"
)

// Task is one kanban card backed by a tmux session.
type Task struct {
	ID                string     `yaml:"id"`
	Title             string     `yaml:"title"`
	RepoID            string     `yaml:"repo_id"`
	CategoryID        string     `yaml:"category_id"`
	Position          int        `yaml:"position"`
	Branch            string     `yaml:"branch"`
	SessionName       string     `yaml:"session_name"`
	OpenCodeSessionID string     `yaml:"opencode_session_id"`
	WorktreePath      string     `yaml:"worktree_path"`
	Status            string     `yaml:"status"`
	StatusSource      string     `yaml:"status_source"`
	StatusFetchedAt   *time.Time `yaml:"status_fetched_at,omitempty"`
	StatusError       string     `yaml:"status_error,omitempty"`
	AttachPopupShown  bool       `yaml:"attach_popup_shown"`
	Archived          bool       `yaml:"archived"`
	ArchivedAt        *time.Time `yaml:"archived_at,omitempty"`
	CreatedAt         time.Time  `yaml:"created_at"`
	UpdatedAt         time.Time  `yaml:"updated_at"`
}

// Repo is a registered git repository tasks can branch from.
type Repo struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Path        string    `yaml:"path"`
	DefaultBase string    `yaml:"default_base"`
	RemoteURL   string    `yaml:"remote_url,omitempty"`
	CreatedAt   time.Time `yaml:"created_at"`
	UpdatedAt   time.Time `yaml:"updated_at"`
}

// Category is a kanban column.
type Category struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Position int    `yaml:"position"`
}

// NewID returns a fresh ULID for tasks, repos and categories.
func NewID() string {
	return ulid.Make().String()
}

// DefaultPath returns the store file location, honoring XDG_DATA_HOME.
func DefaultPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "okanban", "tasks.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".okanban", "tasks.yaml")
	}
	return filepath.Join(home, ".local", "share", "okanban", "tasks.yaml")
}
