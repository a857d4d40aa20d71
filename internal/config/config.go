// Package config provides configuration management for mnemo.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultMemoryDirName is the memory directory inside the project.
	DefaultMemoryDirName = ".mnemo"

	// DefaultBeadsDirName is the issue store directory inside the project.
	DefaultBeadsDirName = ".beads"

	// DefaultNamespace prefixes external references written to the issue store.
	DefaultNamespace = "mnemo"

	// DefaultIssueCLI lists issues as JSON.
	DefaultIssueCLI = "bd list --json"

	// DefaultIssueCLITimeoutMS bounds an issue CLI probe.
	DefaultIssueCLITimeoutMS = 1500

	// DefaultArchiveDays is the default archive cutoff.
	DefaultArchiveDays = 90

	// DefaultContextLimit is the default number of ranked bullets.
	DefaultContextLimit = 10

	// DefaultLogLevel is the default zerolog level.
	DefaultLogLevel = "info"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "MNEMO_"
)

// Settings file names, in lookup order.
var settingsFiles = []string{"settings.yaml", "settings.yml", "settings.json"}

// Config holds the application configuration.
type Config struct {
	// Locations
	ProjectDir string `json:"project_dir" yaml:"project_dir"`
	MemoryDir  string `json:"memory_dir" yaml:"memory_dir"`
	BeadsDir   string `json:"beads_dir" yaml:"beads_dir"`

	// Issue store sync
	Namespace         string `json:"namespace" yaml:"namespace"`
	IssueCLI          string `json:"issue_cli" yaml:"issue_cli"`
	IssueCLITimeoutMS int    `json:"issue_cli_timeout_ms" yaml:"issue_cli_timeout_ms"`

	// Administration and retrieval
	ArchiveDays  int `json:"archive_days" yaml:"archive_days"`
	ContextLimit int `json:"context_limit" yaml:"context_limit"`

	LogLevel string `json:"log_level" yaml:"log_level"`
}

// Default returns a Config with default values rooted at the current directory.
func Default() *Config {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return defaultFor(wd)
}

func defaultFor(projectDir string) *Config {
	return &Config{
		ProjectDir:        projectDir,
		MemoryDir:         filepath.Join(projectDir, DefaultMemoryDirName),
		BeadsDir:          filepath.Join(projectDir, DefaultBeadsDirName),
		Namespace:         DefaultNamespace,
		IssueCLI:          DefaultIssueCLI,
		IssueCLITimeoutMS: DefaultIssueCLITimeoutMS,
		ArchiveDays:       DefaultArchiveDays,
		ContextLimit:      DefaultContextLimit,
		LogLevel:          DefaultLogLevel,
	}
}

// SettingsPath returns the first settings file found in memoryDir, or "".
func SettingsPath(memoryDir string) string {
	for _, name := range settingsFiles {
		path := filepath.Join(memoryDir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load loads configuration for projectDir: defaults, then the settings file in
// the memory directory, then MNEMO_* environment variables.
func Load(projectDir string) (*Config, error) {
	if projectDir == "" {
		if v := os.Getenv(EnvPrefix + "PROJECT_DIR"); v != "" {
			projectDir = v
		} else if wd, err := os.Getwd(); err == nil {
			projectDir = wd
		} else {
			projectDir = "."
		}
	}
	cfg := defaultFor(projectDir)

	// The memory dir may itself be moved by the environment.
	memoryDir := cfg.MemoryDir
	if v := os.Getenv(EnvPrefix + "MEMORY_DIR"); v != "" {
		memoryDir = v
	}

	if path := SettingsPath(memoryDir); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.resolve()
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse settings %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"MEMORY_DIR": &cfg.MemoryDir,
		"BEADS_DIR":  &cfg.BeadsDir,
		"NAMESPACE":  &cfg.Namespace,
		"ISSUE_CLI":  &cfg.IssueCLI,
		"LOG_LEVEL":  &cfg.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"ISSUE_CLI_TIMEOUT_MS": &cfg.IssueCLITimeoutMS,
		"ARCHIVE_DAYS":         &cfg.ArchiveDays,
		"CONTEXT_LIMIT":        &cfg.ContextLimit,
	}
	var errs []error
	for key, dst := range ints {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			continue
		}
		*dst = n
	}
	return errors.Join(errs...)
}

// resolve makes relative directories absolute against the project directory
// and restores defaults for unset values.
func (c *Config) resolve() {
	defaults := defaultFor(c.ProjectDir)
	if c.MemoryDir == "" {
		c.MemoryDir = defaults.MemoryDir
	} else if !filepath.IsAbs(c.MemoryDir) {
		c.MemoryDir = filepath.Join(c.ProjectDir, c.MemoryDir)
	}
	if c.BeadsDir == "" {
		c.BeadsDir = defaults.BeadsDir
	} else if !filepath.IsAbs(c.BeadsDir) {
		c.BeadsDir = filepath.Join(c.ProjectDir, c.BeadsDir)
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.IssueCLI == "" {
		c.IssueCLI = DefaultIssueCLI
	}
	if c.IssueCLITimeoutMS <= 0 {
		c.IssueCLITimeoutMS = DefaultIssueCLITimeoutMS
	}
	if c.ArchiveDays <= 0 {
		c.ArchiveDays = DefaultArchiveDays
	}
	if c.ContextLimit <= 0 {
		c.ContextLimit = DefaultContextLimit
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// DBDir returns the directory holding the observation store.
func (c *Config) DBDir() string {
	return c.MemoryDir
}
