package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	DownloadDir string `toml:"download_dir"`
	LogDir      string `toml:"log_dir"`
}

// Douban contains configuration for the review-site scraper.
type Douban struct {
	UserID         string `toml:"user_id"`
	BaseURL        string `toml:"base_url"`
	RequestTimeout int    `toml:"request_timeout"`
	RequestDelay   int    `toml:"request_delay"`
	UserAgent      string `toml:"user_agent"`
}

// ZLibrary contains configuration for the shadow-catalog client.
type ZLibrary struct {
	BaseURL          string   `toml:"base_url"`
	Email            string   `toml:"email"`
	Password         string   `toml:"password"`
	RequestTimeout   int      `toml:"request_timeout"`
	PreferredFormats []string `toml:"preferred_formats"`
}

// Calibre contains configuration for the content-server publish target.
type Calibre struct {
	URL            string `toml:"url"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	Library        string `toml:"library"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Pipeline contains configuration for the stage dispatch loop.
type Pipeline struct {
	TickInterval        int `toml:"tick_interval"`
	MaxWorkers          int `toml:"max_workers"`
	BatchSize           int `toml:"batch_size"`
	StuckTimeoutMinutes int `toml:"stuck_timeout_minutes"`
}

// Scheduler contains configuration for the task scheduler.
type Scheduler struct {
	TickInterval       int `toml:"tick_interval"`
	MaxConcurrentTasks int `toml:"max_concurrent_tasks"`
	MaxRetries         int `toml:"max_retries"`
	RetentionInterval  int `toml:"retention_interval"`
}

// Search contains configuration for candidate scoring.
type Search struct {
	MinMatchScore float64 `toml:"min_match_score"`
}

// Monitoring contains configuration for metrics sampling and alerting.
type Monitoring struct {
	MetricsInterval    int     `toml:"metrics_interval"`
	AlertInterval      int     `toml:"alert_interval"`
	ErrorRateThreshold float64 `toml:"error_rate_threshold"`
	BacklogThreshold   int     `toml:"backlog_threshold"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for bindery.
//
// Configuration sections by subsystem:
//   - Paths: data, download, and log directories
//   - Douban: review-site scraping
//   - ZLibrary: shadow-catalog search and download
//   - Calibre: content-server publishing
//   - Notifications: ntfy push notification settings
//   - Pipeline: stage dispatch loop tuning
//   - Scheduler: task concurrency, retries, and retention
//   - Search: candidate match scoring
//   - Monitoring: metrics sampling and alert thresholds
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Douban        Douban        `toml:"douban"`
	ZLibrary      ZLibrary      `toml:"zlibrary"`
	Calibre       Calibre       `toml:"calibre"`
	Notifications Notifications `toml:"notifications"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Scheduler     Scheduler     `toml:"scheduler"`
	Search        Search        `toml:"search"`
	Monitoring    Monitoring    `toml:"monitoring"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/bindery/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath("~/.config/bindery/config.toml")
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("bindery.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.DownloadDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
