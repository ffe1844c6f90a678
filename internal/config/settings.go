package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the settings file nor a flag sets a value.
const (
	DefaultResultsDir   = "results"
	DefaultWorkdir      = "work"
	DefaultStore        = "file"
	DefaultAgentCommand = "claude"
	DefaultMaxRuntime   = 60 * time.Minute
	DefaultIdleTimeout  = 10 * time.Minute
	DefaultCloneBaseURL = "https://github.com"
	DefaultCapability   = ".claude/skills/comprehend"
)

// Settings holds persistent CLI defaults loaded from a config file.
type Settings struct {
	ResultsDir   string `yaml:"results_dir"`
	Workdir      string `yaml:"workdir"`
	Store        string `yaml:"store"` // file, sqlite, badger
	CloneBaseURL string `yaml:"clone_base_url"`
	Metrics      bool   `yaml:"metrics"`
	TUI          string `yaml:"tui"`

	Agent      AgentSettings      `yaml:"agent"`
	Capability CapabilitySettings `yaml:"capability"`
	Evaluate   EvaluateSettings   `yaml:"evaluate"`

	// where the agent keeps per-project session transcripts
	ClaudeProjectsDir string `yaml:"claude_projects_dir,omitempty"`
}

// AgentSettings controls how the agent process is spawned.
type AgentSettings struct {
	Command     string            `yaml:"command"`
	MaxRuntime  time.Duration     `yaml:"max_runtime"`
	IdleTimeout time.Duration     `yaml:"idle_timeout"`
	Env         map[string]string `yaml:"env,omitempty"` // "env:VAR" = read from OS
}

// CapabilitySettings locates the comprehension support files.
type CapabilitySettings struct {
	Source string `yaml:"source"` // directory copied into the workspace
	Target string `yaml:"target"` // path relative to the workspace root
}

// EvaluateSettings configures the external grading harness.
type EvaluateSettings struct {
	Command    []string `yaml:"command,omitempty"`
	Dataset    string   `yaml:"dataset,omitempty"`
	MaxWorkers int      `yaml:"max_workers,omitempty"`
}

// LoadSettings reads a YAML config file into Settings and fills defaults.
// If the file does not exist, it returns default Settings and nil error.
func LoadSettings(path string) (*Settings, error) {
	var s Settings
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	s.applyDefaults()
	return &s, nil
}

func (s *Settings) applyDefaults() {
	if s.ResultsDir == "" {
		s.ResultsDir = DefaultResultsDir
	}
	if s.Workdir == "" {
		s.Workdir = DefaultWorkdir
	}
	if s.Store == "" {
		s.Store = DefaultStore
	}
	if s.CloneBaseURL == "" {
		s.CloneBaseURL = DefaultCloneBaseURL
	}
	if s.TUI == "" {
		s.TUI = "auto"
	}
	if s.Agent.Command == "" {
		s.Agent.Command = DefaultAgentCommand
	}
	if s.Agent.MaxRuntime == 0 {
		s.Agent.MaxRuntime = DefaultMaxRuntime
	}
	if s.Agent.IdleTimeout == 0 {
		s.Agent.IdleTimeout = DefaultIdleTimeout
	}
	if s.Capability.Target == "" {
		s.Capability.Target = DefaultCapability
	}
	if len(s.Evaluate.Command) == 0 {
		s.Evaluate.Command = []string{"python", "-m", "swebench.harness.run_evaluation"}
	}
	if s.Evaluate.Dataset == "" {
		s.Evaluate.Dataset = "princeton-nlp/SWE-bench_Lite"
	}
	if s.Evaluate.MaxWorkers == 0 {
		s.Evaluate.MaxWorkers = 4
	}
	if s.ClaudeProjectsDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			s.ClaudeProjectsDir = filepath.Join(home, ".claude", "projects")
		}
	}
}

// ConfigDir returns the results directory for one configuration.
func (s *Settings) ConfigDir(configName string) string {
	return filepath.Join(s.ResultsDir, configName)
}
