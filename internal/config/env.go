package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const namespace = "OKANBAN"

// Env is the process-level configuration, loaded from OKANBAN_* variables.
type Env struct {
	ServerHost     string        `envconfig:"SERVER_HOST" default:"127.0.0.1"`
	ServerPort     int           `envconfig:"SERVER_PORT" default:"4096"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"300ms"`
	StartupTimeout time.Duration `envconfig:"STARTUP_TIMEOUT" default:"5s"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	StorePath      string        `envconfig:"STORE_PATH" default:""`
	SettingsPath   string        `envconfig:"SETTINGS_PATH" default:""`
	Project        string        `envconfig:"PROJECT" default:""`
}

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *Env) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
