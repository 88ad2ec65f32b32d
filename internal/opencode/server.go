package opencode

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ServerState tracks the bootstrap lifecycle of the local agent server.
type ServerState int

const (
	ServerStarting ServerState = iota
	ServerReadyAttached
	ServerReadySpawned
	ServerFailed
)

func (s ServerState) String() string {
	switch s {
	case ServerStarting:
		return "starting"
	case ServerReadyAttached:
		return "ready (attached)"
	case ServerReadySpawned:
		return "ready (spawned)"
	case ServerFailed:
		return "failed"
	default:
		return "starting"
	}
}

// ServerConfig controls bootstrap timing.
type ServerConfig struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
	StartupTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           DefaultHost,
		Port:           DefaultPort,
		RequestTimeout: DefaultRequestTimeout,
		StartupTimeout: 5 * time.Second,
		BackoffInitial: 100 * time.Millisecond,
		BackoffMax:     800 * time.Millisecond,
	}
}

// serverRuntime is the seam between the bootstrap state machine and the
// process/network side effects it drives.
type serverRuntime interface {
	CheckHealth(ctx context.Context) bool
	SpawnServer() error
	Sleep(ctx context.Context, d time.Duration)
}

// ServerManager bootstraps the agent server and exposes the outcome to
// concurrent readers.
type ServerManager struct {
	cfg ServerConfig
	rt  serverRuntime

	mu      sync.Mutex
	state   ServerState
	failure string
}

func NewServerManager(cfg ServerConfig) *ServerManager {
	return newServerManager(cfg, &execServerRuntime{cfg: cfg, client: &http.Client{}})
}

func newServerManager(cfg ServerConfig, rt serverRuntime) *ServerManager {
	return &ServerManager{cfg: cfg, rt: rt, state: ServerStarting}
}

// State returns the current bootstrap state and, for ServerFailed, the
// failure message.
func (m *ServerManager) State() (ServerState, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.failure
}

func (m *ServerManager) set(state ServerState, failure string) {
	m.mu.Lock()
	m.state = state
	m.failure = failure
	m.mu.Unlock()
}

// Bootstrap attaches to a healthy server or spawns one. It performs exactly
// one health round before spawning and exactly one spawn attempt; after the
// spawn it re-probes with doubling backoff until the startup deadline.
func (m *ServerManager) Bootstrap(ctx context.Context) {
	m.set(ServerStarting, "")

	if m.rt.CheckHealth(ctx) {
		m.set(ServerReadyAttached, "")
		return
	}

	if err := m.rt.SpawnServer(); err != nil {
		m.set(ServerFailed, fmt.Sprintf("failed to spawn opencode server: %v", err))
		return
	}

	var slept time.Duration
	backoff := m.cfg.BackoffInitial
	for slept < m.cfg.StartupTimeout {
		wait := backoff
		if remaining := m.cfg.StartupTimeout - slept; wait > remaining {
			wait = remaining
		}
		m.rt.Sleep(ctx, wait)
		slept += wait

		if ctx.Err() != nil {
			break
		}
		if m.rt.CheckHealth(ctx) {
			m.set(ServerReadySpawned, "")
			return
		}

		backoff *= 2
		if backoff > m.cfg.BackoffMax {
			backoff = m.cfg.BackoffMax
		}
	}

	m.set(ServerFailed, fmt.Sprintf(
		"timed out waiting for opencode server at %s:%d after %dms",
		m.cfg.Host, m.cfg.Port, m.cfg.StartupTimeout.Milliseconds(),
	))
}

type execServerRuntime struct {
	cfg    ServerConfig
	client *http.Client
}

func (r *execServerRuntime) CheckHealth(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("http://%s:%d/global/health", r.cfg.Host, r.cfg.Port)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false
	}
	return isHealthyResponse(string(body))
}

func isHealthyResponse(body string) bool {
	return strings.Contains(body, `"healthy":true`) || strings.Contains(body, `"healthy": true`)
}

func (r *execServerRuntime) SpawnServer() error {
	cmd := exec.Command(Binary(), "serve",
		"--port", strconv.Itoa(r.cfg.Port),
		"--hostname", r.cfg.Host,
	)
	if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}
	// nil stdio connects the child to the null device.
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func (r *execServerRuntime) Sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
