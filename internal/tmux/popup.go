package tmux

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// PopupShellCommand builds the shell command a popup pane runs: print the
// given lines, then wait for a single keypress.
func PopupShellCommand(lines []string) string {
	var b strings.Builder
	b.WriteString("printf '%s\\n'")
	for _, line := range lines {
		b.WriteString(" ")
		b.WriteString(ShellQuote(line))
	}
	b.WriteString("; read -r -n 1 _")
	return b.String()
}

// ShellQuote quotes s for safe interpolation into a shell command line.
func ShellQuote(s string) string {
	quoted, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return quoted
}
