package cmdutil

import (
	"context"
	"time"
)

// Hook runs an external collaborator command (maintenance toggle, cache
// clear, bootstrap probe) in a working directory and returns its output.
type Hook interface {
	Run(ctx context.Context, dir string, cmdParts []string) ([]byte, error)
}

// HookRunner is the process-backed Hook. Output is combined stdout and stderr.
type HookRunner struct {
	Timeout time.Duration
}

func (h HookRunner) Run(ctx context.Context, dir string, cmdParts []string) ([]byte, error) {
	return RunWithTimeout(ctx, dir, h.Timeout, cmdParts)
}
