// Package syncconfig loads the persisted calendar selection that gates
// interactive vs. headless mode, and the backend credentials supplied
// through the environment rather than the JSON config file.
package syncconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

var (
	// ErrMissingConfig is returned by Load when the config file does not
	// exist yet — the caller should fall back to interactive mode.
	ErrMissingConfig = errors.New("syncconfig: config file not found")
	// ErrInvalidConfig is returned when the config file exists but
	// selects no calendar, or cannot be parsed.
	ErrInvalidConfig = errors.New("syncconfig: invalid configuration")
)

// Config is the on-disk shape of ~/.calendarsync/config.json.
type Config struct {
	SelectedCalendarIDs []string `json:"selectedCalendarIds"`
}

// Load reads the config file at path. A missing file returns
// ErrMissingConfig, the documented signal for interactive mode.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrMissingConfig
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrInvalidConfig, path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrInvalidConfig, path, err)
	}
	if len(cfg.SelectedCalendarIDs) == 0 {
		return nil, fmt.Errorf("%w: no calendars selected", ErrInvalidConfig)
	}
	return &cfg, nil
}

// Save persists cfg to path, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("syncconfig: creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("syncconfig: marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("syncconfig: writing %s: %w", path, err)
	}
	return nil
}

// BackendCredentials holds the secrets needed to reach a configured
// calendar backend. These are deliberately kept out of config.json — the
// persisted file records only calendar selection — and are instead read
// from the process environment, with an optional ".env" file loaded
// first for local development.
type BackendCredentials struct {
	CalDAVBaseURL  string
	CalDAVUsername string
	CalDAVPassword string

	GoogleOAuthClientID     string
	GoogleOAuthClientSecret string
	GoogleOAuthRefreshToken string

	ICSDirectory string
}

// LoadBackendCredentials loads a ".env" file if present (silently ignored
// if absent, matching the teacher's optional-.env convention) and reads
// backend credentials from the environment.
func LoadBackendCredentials() BackendCredentials {
	_ = godotenv.Load() //nolint:errcheck // .env is optional; absence is not an error

	return BackendCredentials{
		CalDAVBaseURL:           os.Getenv("CALENDARSYNC_CALDAV_URL"),
		CalDAVUsername:          os.Getenv("CALENDARSYNC_CALDAV_USERNAME"),
		CalDAVPassword:          os.Getenv("CALENDARSYNC_CALDAV_PASSWORD"),
		GoogleOAuthClientID:     os.Getenv("CALENDARSYNC_GOOGLE_CLIENT_ID"),
		GoogleOAuthClientSecret: os.Getenv("CALENDARSYNC_GOOGLE_CLIENT_SECRET"),
		GoogleOAuthRefreshToken: os.Getenv("CALENDARSYNC_GOOGLE_REFRESH_TOKEN"),
		ICSDirectory:            os.Getenv("CALENDARSYNC_ICS_DIR"),
	}
}

// DefaultConfigDir returns ~/.calendarsync, creating nothing.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("syncconfig: resolving home directory: %w", err)
	}
	return filepath.Join(home, ".calendarsync"), nil
}
