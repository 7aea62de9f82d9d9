package dumbprobe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/dozzie/seismometer-toolbox/internal/command"
)

// Handle is a streaming producer of monitoring messages, driven by
// readiness rather than by schedule. On EOF the scheduler closes the
// handle and retries Open after a delay.
type Handle interface {
	// Name identifies the handle in logs.
	Name() string
	// Open establishes the stream.
	Open() error
	// Close tears the stream down. Closing an unopened handle is a no-op.
	Close() error
	// Fileno returns the stream descriptor, or -1 when closed.
	Fileno() int
	// ReadMessages drains whatever is ready without blocking. It returns
	// io.EOF (possibly together with trailing messages) once the stream
	// has ended.
	ReadMessages() ([]Message, error)
}

// CommandStream runs a long-lived command and turns each line it prints
// into a monitoring message. Lines that are JSON objects pass through;
// anything else is wrapped under a "message" key.
type CommandStream struct {
	name string
	cmd  *command.Command

	pid int
	out *command.LineReader
}

// NewCommandStream builds a stream handle around a command line. The
// command's stdout is always piped, whatever the definition says.
func NewCommandStream(name string, cmd *command.Command) *CommandStream {
	piped := *cmd
	piped.Stdout = command.StdoutPipe
	return &CommandStream{name: name, cmd: &piped}
}

// Name implements Handle.
func (s *CommandStream) Name() string { return s.name }

// Open starts the child process.
func (s *CommandStream) Open() error {
	if s.pid != 0 {
		return nil
	}
	pid, out, err := s.cmd.Run(nil)
	if err != nil {
		return fmt.Errorf("stream %s: %w", s.name, err)
	}
	s.pid = pid
	s.out = out
	return nil
}

// Close stops the child (its whole process group) and reaps it.
func (s *CommandStream) Close() error {
	if s.out != nil {
		s.out.Close()
		s.out = nil
	}
	if s.pid == 0 {
		return nil
	}
	_ = unix.Kill(-s.pid, unix.SIGTERM)
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(s.pid, &status, 0, nil)
		if err == unix.EINTR {
			continue
		}
		break
	}
	s.pid = 0
	return nil
}

// Fileno implements Handle.
func (s *CommandStream) Fileno() int {
	if s.out == nil {
		return -1
	}
	return s.out.Fileno()
}

// ReadMessages drains complete lines from the child's stdout.
func (s *CommandStream) ReadMessages() ([]Message, error) {
	if s.out == nil {
		return nil, io.EOF
	}
	var msgs []Message
	for {
		line, err := s.out.ReadLine()
		if err == nil {
			msgs = append(msgs, parseLine(line))
			continue
		}
		if errors.Is(err, command.ErrNoData) {
			return msgs, nil
		}
		return msgs, io.EOF
	}
}

// parseLine decodes one output line into a message.
func parseLine(line string) Message {
	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err == nil && msg != nil {
		return msg
	}
	return Message{"message": line}
}
