package opencode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 4096
	DefaultRequestTimeout = 300 * time.Millisecond
)

// ProviderConfig describes how to reach the agent server.
type ProviderConfig struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
}

func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Host:           DefaultHost,
		Port:           DefaultPort,
		RequestTimeout: DefaultRequestTimeout,
	}
}

func (c ProviderConfig) baseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// SessionInfo is one entry of the server's session listing.
type SessionInfo struct {
	ID        string `json:"id"`
	Directory string `json:"directory"`
}

// StatusProvider fetches per-session status from the agent server.
type StatusProvider interface {
	FetchAllStatuses(ctx context.Context, now time.Time, directory string) (map[string]SessionStatus, error)
	ListStatuses(ctx context.Context, now time.Time, ids []string) map[string]SessionStatus
	ListSessions(ctx context.Context, directory string) ([]SessionInfo, error)
}

// ServerStatusProvider implements StatusProvider over the server's HTTP API.
type ServerStatusProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

func NewServerStatusProvider(cfg ProviderConfig) *ServerStatusProvider {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &ServerStatusProvider{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// FetchAllStatuses queries /session/status, optionally scoped to sessions
// rooted at directory. The returned map is keyed by agent session id. A
// non-nil error is always a *StatusError.
func (p *ServerStatusProvider) FetchAllStatuses(ctx context.Context, now time.Time, directory string) (map[string]SessionStatus, error) {
	endpoint := p.cfg.baseURL() + "/session/status"
	if directory != "" {
		endpoint += "?directory=" + url.QueryEscape(directory)
	}

	body, serr := p.get(ctx, endpoint)
	if serr != nil {
		return nil, serr
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, &StatusError{
			Code:    CodeContractParseError,
			Message: "response body is not a JSON object",
		}
	}

	out := make(map[string]SessionStatus, len(entries))
	for id, raw := range entries {
		state, perr := ParseSessionState(raw)
		out[id] = SessionStatus{
			State:     state,
			Source:    SourceServer,
			FetchedAt: now,
			Err:       perr,
		}
	}
	return out, nil
}

// ListStatuses returns exactly one status per requested id. Ids the server
// did not report get a synthetic idle status with a missing-status error.
func (p *ServerStatusProvider) ListStatuses(ctx context.Context, now time.Time, ids []string) map[string]SessionStatus {
	all, err := p.FetchAllStatuses(ctx, now, "")

	out := make(map[string]SessionStatus, len(ids))
	for _, id := range ids {
		if err != nil {
			out[id] = SessionStatus{
				State:     StateIdle,
				Source:    SourceNone,
				FetchedAt: now,
				Err:       AsStatusError(err),
			}
			continue
		}
		if status, ok := all[id]; ok {
			out[id] = status
			continue
		}
		out[id] = SessionStatus{
			State:     StateIdle,
			Source:    SourceNone,
			FetchedAt: now,
			Err: &StatusError{
				Code:    CodeStatusMissing,
				Message: fmt.Sprintf("no status reported for session %s", id),
			},
		}
	}
	return out
}

// ListSessions queries /session, optionally scoped to directory.
func (p *ServerStatusProvider) ListSessions(ctx context.Context, directory string) ([]SessionInfo, error) {
	endpoint := p.cfg.baseURL() + "/session"
	if directory != "" {
		endpoint += "?directory=" + url.QueryEscape(directory)
	}

	body, serr := p.get(ctx, endpoint)
	if serr != nil {
		return nil, serr
	}

	var sessions []SessionInfo
	if err := json.Unmarshal(body, &sessions); err != nil {
		return nil, &StatusError{
			Code:    CodeContractParseError,
			Message: "session list body is not a JSON array",
		}
	}
	return sessions, nil
}

func (p *ServerStatusProvider) get(ctx context.Context, endpoint string) ([]byte, *StatusError) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &StatusError{Code: CodeConnectFailed, Message: err.Error()}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &StatusError{Code: CodeAuthError, Message: "server rejected request with 401"}
	case resp.StatusCode != http.StatusOK:
		return nil, &StatusError{
			Code:    CodeHTTPError,
			Message: fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mapTransportError(err)
	}
	return body, nil
}

func mapTransportError(err error) *StatusError {
	if isTimeout(err) {
		return &StatusError{Code: CodeTimeout, Message: "request timed out"}
	}
	return &StatusError{Code: CodeConnectFailed, Message: err.Error()}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr interface{ Timeout() bool }
	return errors.As(err, &nerr) && nerr.Timeout()
}
