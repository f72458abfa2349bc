// Package executor provides the measurement executors the engine can drive:
// a built-in speedtest and an external command wrapper.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"bbmess/internal/engine"
	"bbmess/pkg/logx"
)

// gapWaitPrefix is the stdout marker an external measurement tool prints when
// the measurement platform refused to start because of the calendar-gap rule.
// The value is either a Go duration ("5400s", "1h30m") or plain seconds.
const gapWaitPrefix = "calendar-gap-wait="

// CommandConfig configures an external measurement command.
type CommandConfig struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

// Command runs an external tool for each measurement. Exit code zero means
// the measurement completed; non-zero with a gap-wait marker on stdout maps
// to an engine.CalendarGapBlockedError, anything else is a transient failure.
type Command struct {
	cfg CommandConfig
	log logx.Logger
}

func NewCommand(cfg CommandConfig, log logx.Logger) *Command {
	return &Command{cfg: cfg, log: log}
}

func (c *Command) Execute(ctx context.Context) (engine.Result, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, c.cfg.Path, c.cfg.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.log.Debug("running measurement command", logx.String("path", c.cfg.Path))
	err := cmd.Run()
	end := time.Now()
	if err != nil {
		if wait, ok := parseGapWait(stdout.String()); ok {
			return engine.Result{}, &engine.CalendarGapBlockedError{RemainingWait: wait}
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return engine.Result{}, fmt.Errorf("measurement command: %w: %s", err, firstLine(msg))
		}
		return engine.Result{}, fmt.Errorf("measurement command: %w", err)
	}
	return engine.Result{Start: start, End: end}, nil
}

func parseGapWait(out string) (time.Duration, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, gapWaitPrefix) {
			continue
		}
		v := strings.TrimSpace(strings.TrimPrefix(line, gapWaitPrefix))
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return d, true
		}
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Second, true
		}
	}
	return 0, false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
