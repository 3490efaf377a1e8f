package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

// ExitKilled is returned by Run when the child had to be killed.
const ExitKilled = 137

// LineParser turns one output line into a log record.
type LineParser func(line string) (level slog.Level, msg string, attrs []any)

// Child runs one subprocess.
type Child struct {
	id     string
	args   []string
	logger *slog.Logger

	outputLogger *slog.Logger
	parser       LineParser
	onStart      func(pid int)

	gracefulTimeout time.Duration
	killTimeout     time.Duration

	pid atomic.Int64
}

// NewChild creates a child running args.
func NewChild(id string, args []string, logger *slog.Logger) *Child {
	if logger == nil {
		logger = slog.Default()
	}
	return &Child{
		id:              id,
		args:            args,
		logger:          logger.With("child", id),
		gracefulTimeout: 5 * time.Second,
		killTimeout:     5 * time.Second,
	}
}

// SetOutput routes output lines to logger through parser. A nil parser logs
// every line at info.
func (c *Child) SetOutput(logger *slog.Logger, parser LineParser) {
	c.outputLogger = logger
	c.parser = parser
}

// OnStart registers fn to run once the process has started.
func (c *Child) OnStart(fn func(pid int)) {
	c.onStart = fn
}

// PID returns the process id while the child runs, else 0.
func (c *Child) PID() int {
	return int(c.pid.Load())
}

// Run starts the child and blocks until it exits. Cancelling ctx sends
// SIGINT and kills the child if it has not exited after the graceful
// timeout. The exit code is returned; start failures return 1.
func (c *Child) Run(ctx context.Context) int {
	if len(c.args) == 0 {
		c.logger.Error("Empty command")
		return 1
	}

	cmd := exec.Command(c.args[0], c.args[1:]...)
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.logger.Error("Failed to create stdout pipe", "error", err)
		return 1
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.logger.Error("Failed to create stderr pipe", "error", err)
		return 1
	}
	if err := cmd.Start(); err != nil {
		c.logger.Error("Failed to start child", "error", err, "command", strings.Join(c.args, " "))
		return 1
	}
	c.pid.Store(int64(cmd.Process.Pid))
	defer c.pid.Store(0)
	c.logger.Info("Child started", "pid", cmd.Process.Pid, "command", strings.Join(c.args, " "))
	if c.onStart != nil {
		c.onStart(cmd.Process.Pid)
	}

	outputDone := make(chan struct{}, 2)
	for _, r := range []struct {
		reader io.Reader
		source string
	}{{stdout, "stdout"}, {stderr, "stderr"}} {
		go func() {
			c.streamOutput(r.reader, r.source)
			outputDone <- struct{}{}
		}()
	}

	processDone := make(chan error, 1)
	go func() {
		// Wait closes the pipes, so the readers must finish first.
		<-outputDone
		<-outputDone
		processDone <- cmd.Wait()
	}()

	select {
	case err := <-processDone:
		code := exitCode(err)
		c.logger.Info("Child exited", "exit_code", code)
		return code
	case <-ctx.Done():
		c.logger.Info("Stopping child", "pid", cmd.Process.Pid)
		if err := signalGroup(cmd, os.Interrupt); err != nil {
			c.logger.Warn("Failed to send SIGINT", "error", err)
		}
		return c.waitForExit(cmd, processDone)
	}
}

func (c *Child) waitForExit(cmd *exec.Cmd, processDone <-chan error) int {
	select {
	case err := <-processDone:
		return exitCode(err)
	case <-time.After(c.gracefulTimeout):
	}

	c.logger.Warn("Graceful stop timed out, killing child", "timeout", c.gracefulTimeout)
	if err := signalGroup(cmd, os.Kill); err != nil {
		c.logger.Error("Failed to kill child", "error", err)
	}
	select {
	case <-processDone:
	case <-time.After(c.killTimeout):
		c.logger.Error("Child did not exit after SIGKILL")
	}
	return ExitKilled
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		return ExitKilled
	}
	return 1
}

func (c *Child) streamOutput(r io.Reader, source string) {
	logger := c.outputLogger
	if logger == nil {
		logger = c.logger
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		level, msg, attrs := slog.LevelInfo, line, []any(nil)
		if c.parser != nil {
			level, msg, attrs = c.parser(line)
		}
		logger.Log(context.Background(), level, msg, append(attrs, "source", source)...)
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("Error reading child output", "source", source, "error", err)
	}
}

// ParseJSONLine reads a line written by slog's JSON handler. Lines that are
// not JSON, such as panics, are logged at warn as-is.
func ParseJSONLine(line string) (slog.Level, string, []any) {
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return slog.LevelWarn, line, nil
	}

	level := slog.LevelInfo
	if s, ok := rec[slog.LevelKey].(string); ok {
		if err := level.UnmarshalText([]byte(s)); err != nil {
			level = slog.LevelInfo
		}
	}
	msg, _ := rec[slog.MessageKey].(string)
	delete(rec, slog.TimeKey)
	delete(rec, slog.LevelKey)
	delete(rec, slog.MessageKey)

	attrs := make([]any, 0, 2*len(rec))
	for k, v := range rec {
		// Loggers of the parent carry their own module.
		if k == "module" {
			k = "child_module"
		}
		attrs = append(attrs, k, v)
	}
	return level, msg, attrs
}
