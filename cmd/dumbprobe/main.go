// Package main is the dumb-probe entry point: it runs a set of monitoring
// checks at declared intervals and streams their results as JSON-line
// monitoring messages to stdout or a TCP sink.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/dozzie/seismometer-toolbox/internal/dumbprobe"
	"github.com/dozzie/seismometer-toolbox/internal/logging"
)

var (
	checksPath  = flag.String("checks", "", "path to the checks configuration file (required)")
	loggingPath = flag.String("logging", "", "logging configuration file (YAML or JSON)")
	destination = flag.String("destination", "stdout", "where to send messages: stdout or tcp:HOST:PORT")
)

func main() {
	flag.Parse()
	if *checksPath == "" {
		fmt.Fprintln(os.Stderr, "error: --checks is required")
		flag.Usage()
		os.Exit(1)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var logCfg *logging.Config
	if *loggingPath != "" {
		loaded, err := logging.LoadConfig(*loggingPath)
		if err != nil {
			return err
		}
		logCfg = loaded
	}
	log, err := logging.Build(logCfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := dumbprobe.LoadConfig(*checksPath)
	if err != nil {
		return err
	}
	checks, handles, err := cfg.Build()
	if err != nil {
		return err
	}

	sched := dumbprobe.New(log.Named("scheduler"))
	for _, c := range checks {
		sched.AddCheck(c)
	}
	for _, h := range handles {
		sched.AddHandle(h)
	}
	defer sched.Close()

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	out, err := newSink(ctx, *destination, log.Named("sink"))
	if err != nil {
		return err
	}
	defer out.Close()

	log.Info("dumb-probe running",
		zap.Int("checks", len(checks)),
		zap.Int("streams", len(handles)),
		zap.String("destination", *destination))

	messages := make(chan dumbprobe.Message, 64)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(messages)
		for {
			batch, err := sched.Next(ctx)
			if err != nil {
				return nil // context cancelled, clean shutdown
			}
			for _, msg := range batch {
				select {
				case messages <- msg:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	g.Go(func() error {
		for msg := range messages {
			if err := out.WriteMessage(msg); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

// sink is a destination for monitoring messages.
type sink interface {
	WriteMessage(dumbprobe.Message) error
	Close() error
}

// newSink parses the destination flag.
func newSink(ctx context.Context, dest string, log *zap.Logger) (sink, error) {
	switch {
	case dest == "stdout":
		return &stdoutSink{enc: json.NewEncoder(os.Stdout)}, nil
	case strings.HasPrefix(dest, "tcp:"):
		addr := strings.TrimPrefix(dest, "tcp:")
		if addr == "" {
			return nil, fmt.Errorf("tcp destination needs HOST:PORT")
		}
		return &tcpSink{ctx: ctx, addr: addr, log: log}, nil
	default:
		return nil, fmt.Errorf("unknown destination %q", dest)
	}
}

// stdoutSink writes messages as JSON lines on standard output.
type stdoutSink struct {
	enc *json.Encoder
}

func (s *stdoutSink) WriteMessage(msg dumbprobe.Message) error {
	return s.enc.Encode(msg)
}

func (s *stdoutSink) Close() error { return nil }

// tcpSink writes messages as JSON lines over TCP, redialing on failure so
// a sink restart does not kill the probe.
type tcpSink struct {
	ctx  context.Context
	addr string
	conn net.Conn
	log  *zap.Logger
}

func (s *tcpSink) WriteMessage(msg dumbprobe.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data = append(data, '\n')

	for {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		if s.conn == nil {
			conn, err := net.Dial("tcp", s.addr)
			if err != nil {
				s.log.Warn("connecting to sink failed, retrying",
					zap.String("addr", s.addr), zap.Error(err))
				select {
				case <-time.After(time.Second):
				case <-s.ctx.Done():
					return s.ctx.Err()
				}
				continue
			}
			s.conn = conn
		}
		if _, err := s.conn.Write(data); err != nil {
			s.log.Warn("writing to sink failed, reconnecting", zap.Error(err))
			s.conn.Close()
			s.conn = nil
			continue
		}
		return nil
	}
}

func (s *tcpSink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
