// Package testsupport provides shared fixtures for package tests: temp-dir
// configurations, queue stores with cleanup, and seeded books.
package testsupport

import (
	"path/filepath"
	"testing"

	"bindery/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.DownloadDir = filepath.Join(base, "downloads")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Douban.UserID = "tester"
	cfg.ZLibrary.Email = "tester@example.com"
	cfg.ZLibrary.Password = "secret"

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithMinMatchScore overrides the candidate score floor.
func WithMinMatchScore(score float64) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Search.MinMatchScore = score
	}
}

// WithMaxWorkers overrides the pipeline worker ceiling.
func WithMaxWorkers(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Pipeline.MaxWorkers = n
	}
}
