package opencode

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the canonical session lifecycle state.
type State int

const (
	StateRunning State = iota
	StateWaiting
	StateIdle
	StateDead
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateIdle:
		return "idle"
	case StateDead:
		return "dead"
	default:
		return "idle"
	}
}

// Source records where a status observation came from.
type Source int

const (
	// SourceServer means the status was reported by the agent server.
	SourceServer Source = iota
	// SourceNone means no server observation backs the status.
	SourceNone
)

func (s Source) String() string {
	if s == SourceServer {
		return "server"
	}
	return "none"
}

// Status error codes surfaced through task status fields.
const (
	CodeConnectFailed      = "SERVER_CONNECT_FAILED"
	CodeTimeout            = "SERVER_TIMEOUT"
	CodeAuthError          = "SERVER_AUTH_ERROR"
	CodeHTTPError          = "SERVER_HTTP_ERROR"
	CodeContractParseError = "SERVER_CONTRACT_PARSE_ERROR"
	CodeStatusMissing      = "SERVER_STATUS_MISSING"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
)

// StatusError is a classified failure from the status provider.
type StatusError struct {
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return e.Code + ": " + e.Message
}

// AsStatusError classifies err, wrapping unknown errors as a connect failure.
func AsStatusError(err error) *StatusError {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr
	}
	return &StatusError{Code: CodeConnectFailed, Message: err.Error()}
}

// SessionStatus is one observation of an agent session.
type SessionStatus struct {
	State     State
	Source    Source
	FetchedAt time.Time
	Err       *StatusError
}

// ParseState maps a raw state string to a State. Unrecognized strings are
// contract violations, not a fifth state.
func ParseState(raw string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running", "active", "thinking", "processing", "busy":
		return StateRunning, nil
	case "waiting", "blocked", "prompt", "paused", "retry":
		return StateWaiting, nil
	case "idle", "ready", "unknown":
		return StateIdle, nil
	case "dead", "stopped", "offline", "completed":
		return StateDead, nil
	default:
		return StateIdle, fmt.Errorf("unrecognized session state %q", raw)
	}
}

// StoredState maps a persisted task status string back to a State.
// The second return is false for strings outside the four-state lifecycle,
// such as "repo_unavailable".
func StoredState(status string) (State, bool) {
	switch status {
	case "running":
		return StateRunning, true
	case "waiting":
		return StateWaiting, true
	case "idle":
		return StateIdle, true
	case "dead":
		return StateDead, true
	default:
		return StateIdle, false
	}
}

// The server reports session state in several JSON shapes depending on
// version. Matchers are tried in order; the first one that recognizes the
// shape wins.
type shapeMatcher func(raw json.RawMessage) (State, bool, error)

func matchBareString(raw json.RawMessage) (State, bool, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return StateIdle, false, nil
	}
	state, err := ParseState(s)
	return state, true, err
}

func matchTypeField(raw json.RawMessage) (State, bool, error) {
	var body struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Type == nil {
		return StateIdle, false, nil
	}
	switch *body.Type {
	case "idle":
		return StateIdle, true, nil
	case "busy":
		return StateRunning, true, nil
	case "retry":
		return StateWaiting, true, nil
	default:
		// The type tag claims the shape even when its value is garbage.
		return StateIdle, true, fmt.Errorf("unrecognized session type value %q", *body.Type)
	}
}

func matchStateField(raw json.RawMessage) (State, bool, error) {
	var body struct {
		State *string `json:"state"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.State == nil {
		return StateIdle, false, nil
	}
	state, err := ParseState(*body.State)
	return state, true, err
}

func matchStatusField(raw json.RawMessage) (State, bool, error) {
	var body struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Status == nil {
		return StateIdle, false, nil
	}
	state, err := ParseState(*body.Status)
	return state, true, err
}

var entryShapes = []shapeMatcher{
	matchBareString,
	matchTypeField,
	matchStateField,
	matchStatusField,
}

// ParseSessionState parses one entry of the /session/status response body.
func ParseSessionState(raw json.RawMessage) (State, *StatusError) {
	for _, match := range entryShapes {
		state, ok, err := match(raw)
		if !ok {
			continue
		}
		if err != nil {
			return StateIdle, &StatusError{Code: CodeContractParseError, Message: err.Error()}
		}
		return state, nil
	}
	return StateIdle, &StatusError{
		Code:    CodeContractParseError,
		Message: fmt.Sprintf("unrecognized session state shape: %s", truncateForError(raw)),
	}
}

func truncateForError(raw json.RawMessage) string {
	const max = 120
	s := string(raw)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// BindingState classifies how a task's recorded agent session id relates to
// the latest status observation.
type BindingState int

const (
	BindingUnbound BindingState = iota
	BindingStale
	BindingBound
)

// ClassifyBinding reports whether boundID still refers to a live server
// session according to status.
func ClassifyBinding(status SessionStatus, boundID string) BindingState {
	if boundID == "" {
		return BindingUnbound
	}
	if status.Err != nil && (status.Err.Code == CodeStatusMissing || status.Err.Code == CodeSessionNotFound) {
		return BindingStale
	}
	return BindingBound
}
