package backup

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"canarybox/pkg/cmdutil"
)

// Dumper writes a consistent, uncompressed database dump to w.
type Dumper interface {
	Dump(ctx context.Context, w io.Writer) error
}

// Restorer imports an uncompressed database dump read from r.
type Restorer interface {
	Restore(ctx context.Context, r io.Reader) error
}

// CommandDumper streams the stdout of an external dump tool (pg_dump,
// mysqldump, drush sql-dump).
type CommandDumper struct {
	Command []string
	Dir     string
	Timeout time.Duration
	// Secrets are redacted from error output.
	Secrets []string
}

func (d CommandDumper) Dump(ctx context.Context, w io.Writer) error {
	result, err := cmdutil.Run(ctx, cmdutil.ExecOptions{
		Dir:     d.Dir,
		Timeout: d.Timeout,
		Stdout:  w,
	}, d.Command)
	if err != nil {
		return commandError(d.Command, err, result, d.Secrets)
	}
	return nil
}

// CommandRestorer feeds the dump to an external import tool on stdin.
type CommandRestorer struct {
	Command []string
	Dir     string
	Timeout time.Duration
	Secrets []string
}

func (r CommandRestorer) Restore(ctx context.Context, in io.Reader) error {
	result, err := cmdutil.Run(ctx, cmdutil.ExecOptions{
		Dir:     r.Dir,
		Timeout: r.Timeout,
		Stdin:   in,
		Stdout:  io.Discard,
	}, r.Command)
	if err != nil {
		return commandError(r.Command, err, result, r.Secrets)
	}
	return nil
}

func commandError(cmd []string, err error, result *cmdutil.Result, secrets []string) error {
	line := string(cmdutil.SanitizeOutput([]byte(cmdutil.FormatCommand(cmd)), secrets))
	stderr := string(cmdutil.SanitizeOutput([]byte(stderrOf(result)), secrets))
	return fmt.Errorf("%s: %w: %s", line, err, stderr)
}

// dsnSecrets returns the values of a database DSN that must never reach logs.
func dsnSecrets(dsn string) []string {
	if dsn == "" {
		return nil
	}
	secrets := []string{dsn}
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if pw, ok := u.User.Password(); ok && pw != "" {
			secrets = append(secrets, pw)
		}
	}
	return secrets
}

func stderrOf(r *cmdutil.Result) string {
	if r == nil {
		return ""
	}
	s := strings.TrimSpace(string(r.Stderr))
	if len(s) > 500 {
		s = s[:500] + "..."
	}
	return s
}
