// Package config loads dagwork settings from an optional YAML file with
// DAGWORK_* environment overrides. Components never read the environment
// themselves; the resolved Config is injected through constructors.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved settings set.
type Config struct {
	StateDir  string `yaml:"state_dir"`
	DBPath    string `yaml:"db_path"`
	ForumPath string `yaml:"forum_path"`
	RolesDir  string `yaml:"roles_dir"`

	DefaultRole  string `yaml:"default_role"`
	PlanningRole string `yaml:"planning_role"`
	DefaultTeam  string `yaml:"default_team"`

	Backend   string `yaml:"backend"`
	Model     string `yaml:"model"`
	Reasoning string `yaml:"reasoning"`

	MaxSteps       int           `yaml:"max_steps"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// Default returns the built-in settings rooted at .dagwork in the
// working directory.
func Default() Config {
	return Config{
		StateDir:       ".dagwork",
		PlanningRole:   "planner",
		DefaultTeam:    "default",
		Backend:        "claude",
		MaxSteps:       50,
		SessionTimeout: 30 * time.Minute,
	}
}

// Load resolves settings: defaults, then the YAML file at path (skipped
// when path is "" or the file does not exist), then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	cfg.fillDerived()
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() error {
	for env, dst := range map[string]*string{
		"DAGWORK_STATE_DIR":     &c.StateDir,
		"DAGWORK_DB_PATH":       &c.DBPath,
		"DAGWORK_FORUM_PATH":    &c.ForumPath,
		"DAGWORK_ROLES_DIR":     &c.RolesDir,
		"DAGWORK_DEFAULT_ROLE":  &c.DefaultRole,
		"DAGWORK_PLANNING_ROLE": &c.PlanningRole,
		"DAGWORK_DEFAULT_TEAM":  &c.DefaultTeam,
		"DAGWORK_BACKEND":       &c.Backend,
		"DAGWORK_MODEL":         &c.Model,
		"DAGWORK_REASONING":     &c.Reasoning,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("DAGWORK_MAX_STEPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DAGWORK_MAX_STEPS: %w", err)
		}
		c.MaxSteps = n
	}
	if v := os.Getenv("DAGWORK_SESSION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DAGWORK_SESSION_TIMEOUT: %w", err)
		}
		c.SessionTimeout = d
	}
	return nil
}

// fillDerived roots unset paths under the state directory.
func (c *Config) fillDerived() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.StateDir, "issues.db")
	}
	if c.ForumPath == "" {
		c.ForumPath = filepath.Join(c.StateDir, "forum.db")
	}
	if c.RolesDir == "" {
		c.RolesDir = filepath.Join(c.StateDir, "roles")
	}
}

func (c *Config) validate() error {
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive (got %d)", c.MaxSteps)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session_timeout must be positive (got %s)", c.SessionTimeout)
	}
	if c.Backend == "" {
		return fmt.Errorf("backend cannot be empty")
	}
	return nil
}
