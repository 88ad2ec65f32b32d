package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/okanban/okanban/internal/tmux"
)

const (
	minPollIntervalMS     = 500
	maxPollIntervalMS     = 30000
	defaultPollIntervalMS = 1000
)

// Theme holds the popup overlay colors as hex strings, e.g. "#1e1e2e".
type Theme struct {
	PopupBackground string `yaml:"popup_background"`
	PopupForeground string `yaml:"popup_foreground"`
	PopupBorder     string `yaml:"popup_border"`
}

// Settings are the user-tunable values read from the settings file.
type Settings struct {
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	DefaultView    string `yaml:"default_view"`
	SidePanelWidth int    `yaml:"side_panel_width"`
	Theme          Theme  `yaml:"theme"`
}

func DefaultSettings() Settings {
	return Settings{
		PollIntervalMS: defaultPollIntervalMS,
		DefaultView:    "board",
		SidePanelWidth: 42,
	}
}

// LoadSettings reads the settings file, falling back to defaults when it is
// missing. Out-of-range values are clamped, not rejected.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("failed to read settings file: %w", err)
	}
	if err := yaml.Unmarshal(content, &settings); err != nil {
		return DefaultSettings(), fmt.Errorf("failed to unmarshal settings file: %w", err)
	}

	settings.clamp()
	return settings, nil
}

func (s *Settings) clamp() {
	if s.PollIntervalMS < minPollIntervalMS {
		s.PollIntervalMS = minPollIntervalMS
	}
	if s.PollIntervalMS > maxPollIntervalMS {
		s.PollIntervalMS = maxPollIntervalMS
	}
	if s.SidePanelWidth <= 0 {
		s.SidePanelWidth = DefaultSettings().SidePanelWidth
	}
}

// PollInterval returns the clamped poll interval as a duration.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// PopupStyle maps the theme to tmux style strings. An unset theme yields the
// zero style so tmux uses its defaults.
func (s Settings) PopupStyle() tmux.PopupStyle {
	var style tmux.PopupStyle
	if s.Theme.PopupBackground != "" && s.Theme.PopupForeground != "" {
		style.Style = fmt.Sprintf("bg=%s,fg=%s", s.Theme.PopupBackground, s.Theme.PopupForeground)
	}
	if s.Theme.PopupBorder != "" {
		style.Border = "fg=" + s.Theme.PopupBorder
	}
	return style
}

// SettingsPath returns the settings file location, honoring XDG_CONFIG_HOME.
func SettingsPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "okanban", "settings.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".okanban", "settings.yaml")
	}
	return filepath.Join(home, ".config", "okanban", "settings.yaml")
}
