package dumbprobe

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dozzie/seismometer-toolbox/internal/command"
)

// Config is the checks configuration file shape.
type Config struct {
	// Host is the default location reported by checks that do not name
	// their own.
	Host string `yaml:"host"`
	// Checks are the timed checks, keyed by name.
	Checks map[string]CheckSpec `yaml:"checks"`
	// Streams are the long-running message producers, keyed by name.
	Streams map[string]StreamSpec `yaml:"streams"`
}

// CheckSpec is one timed check definition.
type CheckSpec struct {
	Command  string            `yaml:"command"`
	Interval int               `yaml:"interval"`
	Host     string            `yaml:"host"`
	Service  string            `yaml:"service"`
	Aspect   string            `yaml:"aspect"`
	Cwd      string            `yaml:"cwd"`
	Env      map[string]string `yaml:"environment"`
	User     string            `yaml:"user"`
	Group    string            `yaml:"group"`
}

// StreamSpec is one stream handle definition.
type StreamSpec struct {
	Command string            `yaml:"command"`
	Cwd     string            `yaml:"cwd"`
	Env     map[string]string `yaml:"environment"`
	User    string            `yaml:"user"`
	Group   string            `yaml:"group"`
}

// LoadConfig reads and parses a checks configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checks config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing checks config: %w", err)
	}
	if len(cfg.Checks) == 0 && len(cfg.Streams) == 0 {
		return nil, fmt.Errorf("checks config declares no checks")
	}
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	return &cfg, nil
}

// Build turns the configuration into scheduler inputs.
func (cfg *Config) Build() ([]Check, []Handle, error) {
	var checks []Check
	for name, spec := range cfg.Checks {
		if spec.Command == "" {
			return nil, nil, fmt.Errorf("check %s: command is required", name)
		}
		if spec.Interval <= 0 {
			return nil, nil, fmt.Errorf("check %s: interval must be positive", name)
		}
		host := spec.Host
		if host == "" {
			host = cfg.Host
		}
		location := map[string]string{"host": host}
		if spec.Service != "" {
			location["service"] = spec.Service
		}
		cmd := &command.Command{
			Argv:   command.Argv(spec.Command),
			Env:    spec.Env,
			Cwd:    spec.Cwd,
			Stdout: command.StdoutPipe,
			User:   spec.User,
			Group:  spec.Group,
		}
		interval := time.Duration(spec.Interval) * time.Second
		checks = append(checks, NewShellCheck(name, cmd, interval, location, spec.Aspect))
	}

	var handles []Handle
	for name, spec := range cfg.Streams {
		if spec.Command == "" {
			return nil, nil, fmt.Errorf("stream %s: command is required", name)
		}
		cmd := &command.Command{
			Argv:  command.Argv(spec.Command),
			Env:   spec.Env,
			Cwd:   spec.Cwd,
			User:  spec.User,
			Group: spec.Group,
		}
		handles = append(handles, NewCommandStream(name, cmd))
	}
	return checks, handles, nil
}
