package beads

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/mattn/go-shellwords"
)

// DefaultCLICommand lists issues as JSON.
const DefaultCLICommand = "bd list --json"

// DefaultCLITimeout bounds a probe of the issue CLI.
const DefaultCLITimeout = 1500 * time.Millisecond

// CLICounts is the result of a best-effort issue CLI probe.
type CLICounts struct {
	Reason     string `json:"reason,omitempty"`
	Open       int    `json:"open"`
	InProgress int    `json:"in_progress"`
	Available  bool   `json:"available"`
}

// CLIProbe runs the external issue CLI to count open and in-progress issues.
type CLIProbe struct {
	Command string
	Dir     string
	Timeout time.Duration
}

// Counts runs the configured command and counts issues by status.
// Any failure (missing binary, timeout, unparseable output) yields Available=false.
func (p *CLIProbe) Counts(ctx context.Context) CLICounts {
	out, err := p.run(ctx)
	if err != nil {
		return CLICounts{Reason: err.Error()}
	}

	var issues []struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(out, &issues); err != nil {
		return CLICounts{Reason: fmt.Sprintf("parse issue list: %v", err)}
	}

	counts := CLICounts{Available: true}
	for _, issue := range issues {
		switch strings.ToLower(issue.Status) {
		case "open":
			counts.Open++
		case "in_progress", "in-progress":
			counts.InProgress++
		}
	}
	return counts
}

func (p *CLIProbe) run(ctx context.Context) ([]byte, error) {
	command := p.Command
	if strings.TrimSpace(command) == "" {
		command = DefaultCLICommand
	}
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse issue cli command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("issue cli command is empty")
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultCLITimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = p.Dir
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("issue cli timed out after %s", timeout)
		}
		return nil, fmt.Errorf("run issue cli: %w", err)
	}
	return out, nil
}
