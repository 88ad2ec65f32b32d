// Package tmux wraps the tmux CLI. Argument construction is kept in pure
// functions so it can be tested without a tmux server.
package tmux

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const socketEnv = "OKANBAN_TMUX_SOCKET"

// socketArgs returns the global arguments selecting the tmux socket, empty
// unless the env override is set.
func socketArgs() []string {
	if socket := strings.TrimSpace(os.Getenv(socketEnv)); socket != "" {
		return []string{"-L", socket}
	}
	return nil
}

func HasSessionArgs(name string) []string {
	return []string{"has-session", "-t", name}
}

func NewSessionArgs(name, dir, command string) []string {
	args := []string{"new-session", "-d", "-s", name, "-c", dir}
	if command != "" {
		args = append(args, command)
	}
	return args
}

func KillSessionArgs(name string) []string {
	return []string{"kill-session", "-t", name}
}

func SwitchClientArgs(name string) []string {
	return []string{"switch-client", "-t", name}
}

func ListSessionsArgs() []string {
	return []string{"list-sessions", "-F", "#{session_name}"}
}

// PopupStyle carries the tmux style strings for a popup and its border.
type PopupStyle struct {
	Style  string
	Border string
}

func DisplayPopupArgs(style PopupStyle, command string) []string {
	args := []string{"display-popup", "-E"}
	if style.Style != "" {
		args = append(args, "-s", style.Style)
	}
	if style.Border != "" {
		args = append(args, "-S", style.Border)
	}
	args = append(args, "-w", "76%", "-h", "64%", "-x", "C", "-y", "C", command)
	return args
}

func run(args []string) error {
	full := append(socketArgs(), args...)
	cmd := exec.Command("tmux", full...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// HasSession reports whether a session with the given name exists.
func HasSession(name string) bool {
	full := append(socketArgs(), HasSessionArgs(name)...)
	return exec.Command("tmux", full...).Run() == nil
}

// NewSession creates a detached session rooted at dir, optionally running a
// shell command in its first pane.
func NewSession(name, dir, command string) error {
	return run(NewSessionArgs(name, dir, command))
}

func KillSession(name string) error {
	return run(KillSessionArgs(name))
}

func SwitchClient(name string) error {
	return run(SwitchClientArgs(name))
}

// ListSessionNames returns the names of all live sessions. A missing tmux
// server yields an empty list, not an error.
func ListSessionNames() ([]string, error) {
	full := append(socketArgs(), ListSessionsArgs()...)
	out, err := exec.Command("tmux", full...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && strings.Contains(string(ee.Stderr), "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// DisplayPopup shows a centered popup running command, blocking until the
// command exits.
func DisplayPopup(style PopupStyle, command string) error {
	return run(DisplayPopupArgs(style, command))
}
