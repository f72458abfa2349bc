package executor

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"bbmess/internal/engine"
	"bbmess/pkg/logx"
)

// CommandProgress reads externally observed campaign progress by running a
// command that prints "day_done=N" and "campaign_done=N" lines on stdout.
// Missing or malformed output is reported as "no reading", not as an error:
// progress sync is best effort.
type CommandProgress struct {
	Path    string
	Args    []string
	Timeout time.Duration

	log logx.Logger
}

func NewCommandProgress(path string, args []string, timeout time.Duration, log logx.Logger) *CommandProgress {
	return &CommandProgress{Path: path, Args: args, Timeout: timeout, log: log}
}

func (p *CommandProgress) Read(ctx context.Context) (engine.Progress, bool, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	out, err := exec.CommandContext(ctx, p.Path, p.Args...).Output()
	if err != nil {
		p.log.Debug("progress command failed", logx.Err(err))
		return engine.Progress{}, false, nil
	}
	return parseProgress(string(out))
}

func parseProgress(out string) (engine.Progress, bool, error) {
	var prog engine.Progress
	found := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n < 0 {
			continue
		}
		switch strings.TrimSpace(key) {
		case "day_done":
			prog.DayDone = n
			found = true
		case "campaign_done":
			prog.CampaignDone = n
			found = true
		}
	}
	return prog, found, nil
}
