// Package health runs the battery of independent probes that gates every
// deployment phase. Checks never abort the battery: each failure is
// counted and the report is complete.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"canarybox/internal/fault"
	"canarybox/internal/site"
	"canarybox/pkg/cmdutil"
)

// Mode selects the check set.
type Mode string

const (
	// ModeQuick runs HTTP, bootstrap and database only.
	ModeQuick Mode = "quick"
	ModeFull  Mode = "full"
)

// Result is one check outcome. A warning never counts as a failure.
type Result struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Warning  bool   `json:"warning,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Detail   string `json:"detail"`
	Duration int64  `json:"duration_ms"`
}

// Report is the ordered result list of a single run.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Site      string    `json:"site"`
	Target    site.Role `json:"target"`
	Mode      Mode      `json:"mode"`
	Results   []Result  `json:"checks"`
	Total     int       `json:"total"`
	Failures  int       `json:"failures"`
	Warnings  int       `json:"warnings"`
	Passed    bool      `json:"passed"`
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
	r.Total++
	if !res.Passed {
		r.Failures++
	}
	if res.Warning {
		r.Warnings++
	}
	r.Passed = r.Failures == 0
}

// Failed returns the names of failed checks in run order.
func (r *Report) Failed() []string {
	var names []string
	for _, res := range r.Results {
		if !res.Passed {
			names = append(names, res.Name)
		}
	}
	return names
}

// Summary is a one-line human description used in logs and audit messages.
func (r *Report) Summary() string {
	s := fmt.Sprintf("%s %s: %d/%d checks passed", r.Mode, r.Target, r.Total-r.Failures, r.Total)
	if r.Warnings > 0 {
		s += fmt.Sprintf(", %d warning(s)", r.Warnings)
	}
	if r.Failures > 0 {
		s += fmt.Sprintf(" (failed: %s)", strings.Join(r.Failed(), ", "))
	}
	return s
}

// WriteJSON writes the machine-readable report.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText writes one line per check followed by the overall verdict.
func (r *Report) WriteText(w io.Writer) error {
	for _, res := range r.Results {
		marker := "PASS"
		switch {
		case !res.Passed:
			marker = "FAIL"
		case res.Warning:
			marker = "WARN"
		case res.Skipped:
			marker = "SKIP"
		}
		if _, err := fmt.Fprintf(w, "[%s] %-14s %s\n", marker, res.Name, res.Detail); err != nil {
			return err
		}
	}
	verdict := "HEALTHY"
	if !r.Passed {
		verdict = "UNHEALTHY"
	}
	_, err := fmt.Fprintf(w, "%s: %s\n", verdict, r.Summary())
	return err
}

// Engine runs checks for one site.
type Engine struct {
	site   *site.Site
	prober Prober
	certs  CertInspector
	hook   cmdutil.Hook
	db     DBPinger
	disk   DiskUsageFunc
	now    func() time.Time
	logger *slog.Logger
}

// Option customises an Engine; tests use these to substitute collaborators.
type Option func(*Engine)

func WithProber(p Prober) Option               { return func(e *Engine) { e.prober = p } }
func WithCertInspector(c CertInspector) Option { return func(e *Engine) { e.certs = c } }
func WithHook(h cmdutil.Hook) Option           { return func(e *Engine) { e.hook = h } }
func WithDB(db DBPinger) Option                { return func(e *Engine) { e.db = db } }
func WithDiskUsage(fn DiskUsageFunc) Option    { return func(e *Engine) { e.disk = fn } }
func WithClock(now func() time.Time) Option    { return func(e *Engine) { e.now = now } }
func WithLogger(l *slog.Logger) Option         { return func(e *Engine) { e.logger = l } }

// NewEngine creates an engine with process and network backed collaborators.
func NewEngine(s *site.Site, opts ...Option) *Engine {
	e := &Engine{
		site:   s,
		prober: NewHTTPProber(s.Health.ProbeTimeout),
		certs:  TLSInspector{Timeout: s.Health.ProbeTimeout},
		hook:   cmdutil.HookRunner{Timeout: s.Hooks.Timeout},
		disk:   StatfsUsage,
		now:    time.Now,
		logger: slog.Default(),
	}
	if s.Database.DSN != "" {
		e.db = PgxPinger{DSN: s.Database.DSN}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type check struct {
	name string
	fn   func(ctx context.Context, target site.Role) Result
}

func (e *Engine) checks(mode Mode) []check {
	quick := []check{
		{"http", e.checkHTTP},
		{"bootstrap", e.checkBootstrap},
		{"database", e.checkDatabase},
	}
	if mode == ModeQuick {
		return quick
	}
	return append(quick,
		check{"cache_rebuild", e.checkCacheRebuild},
		check{"cron", e.checkCron},
		check{"tls", e.checkTLS},
		check{"disk", e.checkDisk},
		check{"permissions", e.checkPermissions},
	)
}

// Run executes the check set for mode against the target role. The error
// is non-nil only when the role path does not exist.
func (e *Engine) Run(ctx context.Context, target site.Role, mode Mode) (*Report, error) {
	if _, err := os.Stat(e.site.RolePath(target)); err != nil {
		return nil, fault.Wrap(fault.CodePrecondition, err, "role %s is not bootstrapped for site %s", target, e.site.Name)
	}

	report := &Report{
		Timestamp: e.now().UTC(),
		Site:      e.site.Name,
		Target:    target,
		Mode:      mode,
		Results:   []Result{},
		Passed:    true,
	}

	for _, c := range e.checks(mode) {
		start := time.Now()
		res := c.fn(ctx, target)
		res.Name = c.name
		res.Duration = time.Since(start).Milliseconds()
		report.add(res)

		if !res.Passed {
			e.logger.Warn("Health check failed",
				"site", e.site.Name,
				"target", target,
				"check", c.name,
				"detail", res.Detail)
		}
	}

	e.logger.Info("Health check completed",
		"site", e.site.Name,
		"target", target,
		"mode", mode,
		"failures", report.Failures,
		"warnings", report.Warnings)

	return report, nil
}
