package opencode

import (
	"fmt"
	"os"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

const binaryEnv = "OKANBAN_OPENCODE_BIN"

// Binary returns the agent binary to execute, honoring the env override.
func Binary() string {
	if bin := strings.TrimSpace(os.Getenv(binaryEnv)); bin != "" {
		return bin
	}
	return "opencode"
}

// AttachCommand builds the shell command a task session runs to attach the
// agent client to the local server. dir and sessionID are optional.
func AttachCommand(host string, port int, dir, sessionID string) string {
	parts := []string{Binary(), "attach", fmt.Sprintf("http://%s:%d", host, port)}
	if dir != "" {
		parts = append(parts, "--dir", quoteArg(dir))
	}
	if sessionID != "" {
		parts = append(parts, "--session", quoteArg(sessionID))
	}
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	quoted, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return quoted
}
