// Package command builds and runs child processes for the supervisor.
package command

import (
	"maps"
	"slices"
	"strings"
)

// StdoutDisposition selects what happens to a child's standard output.
type StdoutDisposition int

const (
	// StdoutConsole leaves stdout and stderr attached to the supervisor's
	// own console.
	StdoutConsole StdoutDisposition = iota
	// StdoutDevNull discards the child's output.
	StdoutDevNull
	// StdoutPipe routes stdout and stderr through a pipe back to the
	// supervisor.
	StdoutPipe
)

func (d StdoutDisposition) String() string {
	switch d {
	case StdoutConsole:
		return "console"
	case StdoutDevNull:
		return "/dev/null"
	case StdoutPipe:
		return "pipe"
	default:
		return "unknown"
	}
}

// shellMeta are the characters that force a command string to be run
// through /bin/sh instead of being split into an argument vector.
const shellMeta = "|&;<>()$`\\\"'*?[]{}~#"

// Argv converts a command source string into an argument vector. A string
// containing shell metacharacters becomes a /bin/sh -c invocation; anything
// else is split on whitespace.
func Argv(source string) []string {
	if strings.ContainsAny(source, shellMeta) {
		return []string{"/bin/sh", "-c", source}
	}
	return strings.Fields(source)
}

// Command describes how to start one child process. It is a value type:
// two commands are equal iff all their fields are equal.
type Command struct {
	// Argv is the argument vector; Argv[0] names the program.
	Argv []string
	// Argv0 optionally overrides the name the child sees as its argv[0].
	Argv0 string
	// Env is merged into the inherited environment, overriding on clash.
	Env map[string]string
	// Cwd is the working directory for the child, if non-empty.
	Cwd string
	// Stdout selects the child's output disposition.
	Stdout StdoutDisposition
	// User and Group name the credentials to drop to, if non-empty.
	User  string
	Group string
}

// Equal reports whether two commands describe the same process invocation.
func (c *Command) Equal(o *Command) bool {
	if c == nil || o == nil {
		return c == o
	}
	return slices.Equal(c.Argv, o.Argv) &&
		c.Argv0 == o.Argv0 &&
		maps.Equal(c.Env, o.Env) &&
		c.Cwd == o.Cwd &&
		c.Stdout == o.Stdout &&
		c.User == o.User &&
		c.Group == o.Group
}
