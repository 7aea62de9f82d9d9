// Package config loads the daemons specification file: a YAML document
// mapping daemon names to definitions, with an optional defaults block
// supplying fallback values for missing per-daemon keys.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/dozzie/seismometer-toolbox/internal/command"
)

// DaemonSpec is one daemon definition as written in the spec file.
type DaemonSpec struct {
	StartCommand  CommandLine          `yaml:"start_command"`
	StopCommand   CommandLine          `yaml:"stop_command"`
	StopSignal    *Signal              `yaml:"stop_signal"`
	Argv0         string               `yaml:"argv0"`
	Environment   map[string]string    `yaml:"environment"`
	Cwd           string               `yaml:"cwd"`
	Stdout        string               `yaml:"stdout"`
	User          string               `yaml:"user"`
	Group         string               `yaml:"group"`
	Restart       []int                `yaml:"restart"`
	StartPriority *int                 `yaml:"start_priority"`
	Commands      map[string]AdminSpec `yaml:"commands"`
}

// AdminSpec is one admin command: either an external command or a signal.
type AdminSpec struct {
	Command      CommandLine       `yaml:"command"`
	Signal       *Signal           `yaml:"signal"`
	ProcessGroup bool              `yaml:"process_group"`
	Environment  map[string]string `yaml:"environment"`
	Cwd          string            `yaml:"cwd"`
	User         string            `yaml:"user"`
	Group        string            `yaml:"group"`
}

// CommandLine is an argument vector that unmarshals from either a YAML
// string (split on whitespace, or handed to /bin/sh when it contains shell
// metacharacters) or a YAML sequence (used verbatim).
type CommandLine []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *CommandLine) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*c = command.Argv(s)
		return nil
	case yaml.SequenceNode:
		var argv []string
		if err := node.Decode(&argv); err != nil {
			return err
		}
		*c = argv
		return nil
	default:
		return fmt.Errorf("line %d: command must be a string or a list", node.Line)
	}
}

// Signal is a signal number that unmarshals from a number ("15"), a name
// ("SIGTERM") or a short name ("term").
type Signal unix.Signal

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Signal) UnmarshalYAML(node *yaml.Node) error {
	var num int
	if err := node.Decode(&num); err == nil {
		*s = Signal(num)
		return nil
	}
	var name string
	if err := node.Decode(&name); err != nil {
		return err
	}
	sig, err := ParseSignal(name)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = sig
	return nil
}

// signalsByName maps canonical signal names to numbers.
var signalsByName = map[string]unix.Signal{
	"HUP":  unix.SIGHUP,
	"INT":  unix.SIGINT,
	"QUIT": unix.SIGQUIT,
	"ABRT": unix.SIGABRT,
	"KILL": unix.SIGKILL,
	"USR1": unix.SIGUSR1,
	"USR2": unix.SIGUSR2,
	"ALRM": unix.SIGALRM,
	"TERM": unix.SIGTERM,
	"CONT": unix.SIGCONT,
	"STOP": unix.SIGSTOP,
}

// ParseSignal resolves a signal given by name or number.
func ParseSignal(name string) (Signal, error) {
	if num, err := strconv.Atoi(name); err == nil {
		return Signal(num), nil
	}
	upper := strings.ToUpper(name)
	upper = strings.TrimPrefix(upper, "SIG")
	if sig, ok := signalsByName[upper]; ok {
		return Signal(sig), nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}
