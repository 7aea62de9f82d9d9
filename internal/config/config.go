package config

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/dozzie/seismometer-toolbox/internal/command"
	"github.com/dozzie/seismometer-toolbox/internal/daemon"
	"github.com/dozzie/seismometer-toolbox/internal/restart"
)

// DefaultStartPriority orders daemons that do not declare a priority.
// Lower numbers start earlier and stop later.
const DefaultStartPriority = 10

// Definition is one fully resolved daemon definition, ready for the
// controller to build a handle from.
type Definition struct {
	Name          string
	Start         *command.Command
	Admin         map[string]daemon.StopAction
	Restart       []int
	StartPriority int
}

// Load reads and parses the daemons specification from the given path.
func Load(path string) (map[string]*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading daemons spec: %w", err)
	}
	return Parse(data)
}

// Parse parses the daemons specification from YAML bytes. The defaults
// block supplies values for any per-daemon key that is missing.
func Parse(data []byte) (map[string]*Definition, error) {
	var raw struct {
		Defaults map[string]yaml.Node `yaml:"defaults"`
		Daemons  map[string]yaml.Node `yaml:"daemons"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing daemons spec: %w", err)
	}
	if len(raw.Daemons) == 0 {
		return nil, fmt.Errorf("daemons spec declares no daemons")
	}

	defs := make(map[string]*Definition, len(raw.Daemons))
	for name, node := range raw.Daemons {
		merged := mergeDefaults(node, raw.Defaults)
		var spec DaemonSpec
		if err := merged.Decode(&spec); err != nil {
			return nil, fmt.Errorf("daemon %s: %w", name, err)
		}
		if err := validateSpec(name, &spec); err != nil {
			return nil, err
		}
		def, err := buildDefinition(name, &spec)
		if err != nil {
			return nil, err
		}
		defs[name] = def
	}
	return defs, nil
}

// mergeDefaults fills keys missing from a daemon's mapping node with the
// values from the defaults block.
func mergeDefaults(node yaml.Node, defaults map[string]yaml.Node) *yaml.Node {
	merged := node
	if merged.Kind != yaml.MappingNode || len(defaults) == 0 {
		return &merged
	}
	present := make(map[string]bool, len(merged.Content)/2)
	for i := 0; i+1 < len(merged.Content); i += 2 {
		present[merged.Content[i].Value] = true
	}
	content := append([]*yaml.Node(nil), merged.Content...)
	for key, value := range defaults {
		if present[key] {
			continue
		}
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: key}
		valueNode := value
		content = append(content, keyNode, &valueNode)
	}
	merged.Content = content
	return &merged
}

// buildDefinition turns a parsed spec into a resolved definition.
func buildDefinition(name string, spec *DaemonSpec) (*Definition, error) {
	stdout, err := parseStdout(spec.Stdout)
	if err != nil {
		return nil, fmt.Errorf("daemon %s: %w", name, err)
	}

	start := &command.Command{
		Argv:   spec.StartCommand,
		Argv0:  spec.Argv0,
		Env:    spec.Environment,
		Cwd:    spec.Cwd,
		Stdout: stdout,
		User:   spec.User,
		Group:  spec.Group,
	}

	admin := make(map[string]daemon.StopAction, len(spec.Commands)+1)
	for cmdName, adminSpec := range spec.Commands {
		action, err := buildAdmin(&adminSpec)
		if err != nil {
			return nil, fmt.Errorf("daemon %s: command %s: %w", name, cmdName, err)
		}
		admin[cmdName] = action
	}

	// The stop command comes from stop_command or stop_signal unless the
	// commands block already defines one; a plain stop_signal is always
	// delivered to the whole process group.
	if _, ok := admin[daemon.StopCommand]; !ok {
		switch {
		case len(spec.StopCommand) > 0:
			admin[daemon.StopCommand] = daemon.ExecAction{
				Command: &command.Command{
					Argv:   spec.StopCommand,
					Env:    spec.Environment,
					Cwd:    spec.Cwd,
					Stdout: command.StdoutPipe,
					User:   spec.User,
					Group:  spec.Group,
				},
			}
		case spec.StopSignal != nil:
			admin[daemon.StopCommand] = daemon.SignalAction{
				Signal: unix.Signal(*spec.StopSignal),
				Group:  true,
			}
		}
	}

	backoff := spec.Restart
	if len(backoff) == 0 {
		backoff = restart.DefaultBackoff
	}
	priority := DefaultStartPriority
	if spec.StartPriority != nil {
		priority = *spec.StartPriority
	}

	return &Definition{
		Name:          name,
		Start:         start,
		Admin:         admin,
		Restart:       backoff,
		StartPriority: priority,
	}, nil
}

// buildAdmin turns one admin command spec into a stop action.
func buildAdmin(spec *AdminSpec) (daemon.StopAction, error) {
	if spec.Signal != nil {
		return daemon.SignalAction{
			Signal: unix.Signal(*spec.Signal),
			Group:  spec.ProcessGroup,
		}, nil
	}
	return daemon.ExecAction{
		Command: &command.Command{
			Argv:   spec.Command,
			Env:    spec.Environment,
			Cwd:    spec.Cwd,
			Stdout: command.StdoutPipe,
			User:   spec.User,
			Group:  spec.Group,
		},
	}, nil
}

// parseStdout maps the spec file's stdout value to a disposition.
func parseStdout(value string) (command.StdoutDisposition, error) {
	switch value {
	case "", "console":
		return command.StdoutConsole, nil
	case "/dev/null":
		return command.StdoutDevNull, nil
	case "log":
		return command.StdoutPipe, nil
	default:
		return 0, fmt.Errorf("unknown stdout disposition %q", value)
	}
}
