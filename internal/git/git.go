// Package git shells out to the git CLI for the repository operations task
// creation and teardown need.
package git

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(ee.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}

// IsValidRepo reports whether path is inside a git work tree.
func IsValidRepo(path string) bool {
	out, err := git(path, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// ResolveRepoRoot returns the top-level directory of the work tree containing
// path.
func ResolveRepoRoot(path string) (string, error) {
	return git(path, "rev-parse", "--show-toplevel")
}

// CurrentBranch returns the checked-out branch, or an error for detached
// HEAD.
func CurrentBranch(path string) (string, error) {
	out, err := git(path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if out == "HEAD" {
		return "", fmt.Errorf("detached HEAD at %s", path)
	}
	return out, nil
}

// ValidateBranch rejects names git itself would refuse.
func ValidateBranch(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("branch cannot be empty")
	}
	if _, err := git("", "check-ref-format", "--branch", name); err != nil {
		return fmt.Errorf("invalid branch name %q: %w", name, err)
	}
	return nil
}

// DetectDefaultBranch resolves origin/HEAD, falling back to main then master.
func DetectDefaultBranch(repoPath string) string {
	if out, err := git(repoPath, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		return strings.TrimPrefix(out, "refs/remotes/origin/")
	}
	for _, candidate := range []string{"main", "master"} {
		if BranchExists(repoPath, candidate) {
			return candidate
		}
	}
	return "main"
}

// BranchExists reports whether a local branch exists.
func BranchExists(repoPath, branch string) bool {
	_, err := git(repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// Fetch updates remote tracking refs. Callers treat failure as a warning to
// keep offline use working.
func Fetch(repoPath string) error {
	if _, err := git(repoPath, "fetch", "--prune", "origin"); err != nil {
		return err
	}
	return nil
}

// RemoteURL returns the origin URL, empty when none is configured.
func RemoteURL(repoPath string) string {
	out, err := git(repoPath, "config", "--get", "remote.origin.url")
	if err != nil {
		return ""
	}
	return out
}

// AddWorktree checks out branch into worktreePath. An existing local branch
// is checked out directly; otherwise the branch is created from baseRef.
func AddWorktree(repoPath, worktreePath, branch, baseRef string) error {
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0755); err != nil {
		return fmt.Errorf("failed to create worktrees directory: %w", err)
	}
	if BranchExists(repoPath, branch) {
		if _, err := git(repoPath, "worktree", "add", worktreePath, branch); err != nil {
			return fmt.Errorf("failed to add worktree: %w", err)
		}
		return nil
	}
	if _, err := git(repoPath, "worktree", "add", "-b", branch, worktreePath, baseRef); err != nil {
		return fmt.Errorf("failed to add worktree: %w", err)
	}
	return nil
}

// RemoveWorktree detaches worktreePath from the repository. A path that is
// already gone is not an error.
func RemoveWorktree(repoPath, worktreePath string) error {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return nil
	}
	if _, err := git(repoPath, "worktree", "remove", "--force", worktreePath); err != nil {
		return fmt.Errorf("failed to remove worktree: %w", err)
	}
	return nil
}

// WorktreesRoot is where task worktrees are created.
func WorktreesRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".okanban-worktrees"
	}
	return filepath.Join(home, ".okanban-worktrees")
}

// DeriveWorktreePath maps a repo name and branch to a stable worktree
// location under WorktreesRoot.
func DeriveWorktreePath(repoName, branch string) string {
	return filepath.Join(WorktreesRoot(), slug(repoName), slug(branch))
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "worktree"
	}
	return out
}
