// Package runtime is the capability seam between the orchestration logic and
// the machine it runs on. Workflows, the poller and the startup reconciler
// consume the Runtime interface; tests script a fake.
package runtime

import (
	"os"

	"github.com/okanban/okanban/internal/tmux"
)

// Runtime exposes the filesystem and tmux capabilities orchestration needs.
type Runtime interface {
	RepoExists(path string) bool
	WorktreeExists(path string) bool
	SessionExists(name string) bool
	CreateSession(name, dir, command string) error
	KillSession(name string) error
	SwitchClient(name string) error
	ShowPopup(style tmux.PopupStyle, command string) error
	ListSessionNames() ([]string, error)
}

// TmuxRuntime implements Runtime against the local filesystem and tmux.
type TmuxRuntime struct{}

func New() *TmuxRuntime {
	return &TmuxRuntime{}
}

func (r *TmuxRuntime) RepoExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (r *TmuxRuntime) WorktreeExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (r *TmuxRuntime) SessionExists(name string) bool {
	return tmux.HasSession(name)
}

func (r *TmuxRuntime) CreateSession(name, dir, command string) error {
	return tmux.NewSession(name, dir, command)
}

func (r *TmuxRuntime) KillSession(name string) error {
	return tmux.KillSession(name)
}

func (r *TmuxRuntime) SwitchClient(name string) error {
	return tmux.SwitchClient(name)
}

func (r *TmuxRuntime) ShowPopup(style tmux.PopupStyle, command string) error {
	return tmux.DisplayPopup(style, command)
}

func (r *TmuxRuntime) ListSessionNames() ([]string, error) {
	return tmux.ListSessionNames()
}
