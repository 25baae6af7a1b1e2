package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"herald/app/pkg/cmdutil"
)

// Shell runs commands inside the repository with a binary allow-list. The
// command line is split on whitespace, never interpreted by a shell, so
// pipes, redirects and substitutions simply do not work.
type Shell struct {
	dir     string
	allowed map[string]struct{}
	timeout time.Duration
}

func NewShell(dir string, allowedCommands []string, timeout time.Duration) *Shell {
	allowed := make(map[string]struct{}, len(allowedCommands))
	for _, name := range allowedCommands {
		allowed[name] = struct{}{}
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Shell{dir: dir, allowed: allowed, timeout: timeout}
}

func (s *Shell) Run(ctx context.Context, commandLine string) (cmdutil.Result, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return cmdutil.Result{}, fmt.Errorf("empty command")
	}
	name := fields[0]
	if _, ok := s.allowed[name]; !ok {
		return cmdutil.Result{}, fmt.Errorf("command not allowed: %s", name)
	}
	return cmdutil.Run(ctx, s.dir, name, fields[1:], s.timeout)
}
