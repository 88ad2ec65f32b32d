package runtime

import (
	"fmt"
	"strings"
)

const (
	sessionNamePrefix = "ok"
	maxSessionName    = 200
	maxNameSuffix     = 9999
)

// NextAvailableSessionName picks a tmux session name for a task. A non-empty
// reuse candidate wins if it is still free. Otherwise the composed base name
// is probed, then numeric suffixes -2 through -9999. If everything collides
// the base is returned anyway and tmux reports the conflict.
func NextAvailableSessionName(exists func(string) bool, reuse, project, repo, branch string) string {
	if reuse != "" && !exists(reuse) {
		return reuse
	}

	base := SessionNameBase(project, repo, branch)
	if !exists(base) {
		return base
	}
	for i := 2; i <= maxNameSuffix; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !exists(candidate) {
			return candidate
		}
	}
	return base
}

// SessionNameBase composes "ok-[project-]repo-branch", sanitized and
// truncated to the tmux-safe length.
func SessionNameBase(project, repo, branch string) string {
	parts := []string{sessionNamePrefix}
	if slug := sanitizeFragment(project); slug != "" {
		parts = append(parts, slug)
	}
	parts = append(parts, sanitizeFragment(repo), sanitizeFragment(branch))

	name := strings.Join(parts, "-")
	if len(name) > maxSessionName {
		name = name[:maxSessionName]
	}
	return name
}

// sanitizeFragment keeps ASCII letters, digits and '-'; everything else
// becomes '-'.
func sanitizeFragment(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
