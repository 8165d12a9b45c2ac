// Package canary runs the canary state machine:
//
//	idle -> deploying -> monitoring -> promoting -> idle
//	                                -> rolled_back -> idle
//
// A session that passes monitoring without auto-promote parks in ready
// until an operator promotes or rolls it back.
package canary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"canarybox/internal/audit"
	"canarybox/internal/fault"
	"canarybox/internal/health"
	"canarybox/internal/perf"
	"canarybox/internal/routing"
	"canarybox/internal/site"
	"canarybox/internal/slots"
)

// cleanupTimeout bounds routing teardown after the caller's context is gone.
const cleanupTimeout = 30 * time.Second

// HealthRunner is satisfied by *health.Engine.
type HealthRunner interface {
	Run(ctx context.Context, target site.Role, mode health.Mode) (*health.Report, error)
}

// PerfComparer is satisfied by *perf.Tracker.
type PerfComparer interface {
	CompareTo(ctx context.Context, ref string, samples int, thresholdPct float64) (*perf.Comparison, error)
}

// Rotator is satisfied by *slots.Manager.
type Rotator interface {
	Require(roles ...site.Role) (slots.Assignment, error)
	CheckJournal() error
	Rotate(ctx context.Context, source site.Role, opts slots.SwapOptions) (*slots.Result, error)
}

// Params configures one canary deployment.
type Params struct {
	Percent        int
	Duration       time.Duration
	Interval       time.Duration
	ErrorThreshold int
	PerfThreshold  float64
	FailureRatePct float64
	AutoPromote    bool
	// Baseline is the perf reference; "" disables the perf check.
	Baseline     string
	PerfSamples  int
	Maintenance  bool
	DeploymentID string
}

// ParamsFor returns the site's configured canary parameters.
func ParamsFor(s *site.Site) Params {
	return Params{
		Percent:        s.Canary.Percent,
		Duration:       s.Canary.Duration,
		Interval:       s.Canary.Interval,
		ErrorThreshold: s.Canary.ErrorThreshold,
		PerfThreshold:  s.Canary.PerfThreshold,
		FailureRatePct: s.Canary.FailureRatePct,
		Baseline:       perf.LatestName,
		PerfSamples:    s.Perf.Samples,
	}
}

// Iterations is the number of monitoring checks: duration / interval,
// at least one.
func (p Params) Iterations() int {
	if p.Interval <= 0 {
		return 1
	}
	n := int(p.Duration / p.Interval)
	if n < 1 {
		n = 1
	}
	return n
}

func (p Params) validate() error {
	if p.Percent < 1 || p.Percent > 100 {
		return fmt.Errorf("percent must be between 1 and 100, got %d", p.Percent)
	}
	if p.Interval <= 0 || p.Duration <= 0 {
		return fmt.Errorf("duration and interval must be positive")
	}
	if p.ErrorThreshold < 1 {
		return fmt.Errorf("error threshold must be at least 1, got %d", p.ErrorThreshold)
	}
	return nil
}

// Controller drives canary sessions for one site.
type Controller struct {
	site   *site.Site
	slots  Rotator
	health HealthRunner
	perf   PerfComparer
	router routing.Router
	store  *Store
	audit  audit.Recorder
	actor  string
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Controller)

func WithPerf(p PerfComparer) Option        { return func(c *Controller) { c.perf = p } }
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(c *Controller) { c.logger = l } }
func WithAudit(r audit.Recorder, actor string) Option {
	return func(c *Controller) { c.audit, c.actor = r, actor }
}

// WithSleep replaces the wait between monitoring checks.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = fn }
}

func NewController(s *site.Site, rot Rotator, hr HealthRunner, router routing.Router, opts ...Option) *Controller {
	c := &Controller{
		site:   s,
		slots:  rot,
		health: hr,
		router: router,
		store:  NewStore(s.StateDir),
		sleep:  sleepCtx,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Store exposes the session store for status reporting.
func (c *Controller) Store() *Store { return c.store }

func (c *Controller) record(t audit.EventType, status string, sess *Session, msg string) {
	if c.audit == nil {
		return
	}
	err := c.audit.Record(audit.Event{
		Type:         t,
		Site:         c.site.Name,
		Actor:        c.actor,
		Status:       status,
		Message:      msg,
		DeploymentID: sess.DeploymentID,
	})
	if err != nil {
		c.logger.Error("Failed to record audit event", "event", t, "error", err)
	}
}

func (c *Controller) save(sess *Session, status Status) {
	sess.Status = status
	sess.UpdatedAt = c.now().UTC()
	if err := c.store.Save(sess); err != nil {
		c.logger.Error("Failed to persist canary session", "site", c.site.Name, "session", sess.ID, "error", err)
	}
}

// Deploy runs a canary session to a decision. The returned session
// carries the final status: promoting (promoted), ready (awaiting an
// operator) or rolled_back. A rollback returns a THRESHOLD_BREACH error.
func (c *Controller) Deploy(ctx context.Context, p Params) (sess *Session, err error) {
	if err := p.validate(); err != nil {
		return nil, fault.Wrap(fault.CodePrecondition, err, "invalid canary parameters")
	}
	if err := c.slots.CheckJournal(); err != nil {
		return nil, err
	}
	layout, err := c.slots.Require(site.RoleProduction, site.RoleCanary)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	sess = &Session{
		ID:                uuid.NewString(),
		Site:              c.site.Name,
		DeploymentID:      p.DeploymentID,
		Operator:          c.actor,
		Status:            StatusDeploying,
		Percent:           p.Percent,
		Duration:          p.Duration,
		Interval:          p.Interval,
		ErrorThreshold:    p.ErrorThreshold,
		PerfThreshold:     p.PerfThreshold,
		FailureRatePct:    p.FailureRatePct,
		AutoPromote:       p.AutoPromote,
		Baseline:          p.Baseline,
		CanaryRelease:     layout.Release(site.RoleCanary),
		ProductionRelease: layout.Release(site.RoleProduction),
		StartedAt:         now,
		UpdatedAt:         now,
	}
	if err := c.store.Create(sess); err != nil {
		return nil, err
	}

	start := time.Now()
	c.logger.Info("Canary deployment starting",
		"site", c.site.Name,
		"phase", "canary",
		"session", sess.ID,
		"percent", p.Percent,
		"iterations", p.Iterations())

	routed := false
	// Any exit other than ready or promoted tears down routing and the session
	defer func() {
		if sess.Status == StatusReady || (sess.Status == StatusPromoting && err == nil) {
			return
		}
		if ctx.Err() != nil && sess.Status != StatusRolledBack {
			sess.Reason = "interrupted: " + ctx.Err().Error()
			c.record(audit.EventCanaryAborted, audit.StatusFailed, sess, sess.Reason)
			sess.Status = StatusRolledBack
		}
		c.teardown(ctx, sess, routed)
	}()

	report, err := c.health.Run(ctx, site.RoleCanary, health.ModeFull)
	if err != nil {
		sess.Status = StatusRolledBack
		sess.Reason = "canary health check could not run"
		c.record(audit.EventCanaryAborted, audit.StatusFailed, sess, sess.Reason+": "+err.Error())
		return sess, err
	}
	if !report.Passed {
		sess.Status = StatusRolledBack
		sess.Reason = "canary health gate failed: " + report.Summary()
		c.record(audit.EventCanaryAborted, audit.StatusFailed, sess, sess.Reason)
		return sess, fault.New(fault.CodeThreshold, "%s", sess.Reason)
	}

	err = c.router.Enable(ctx, routing.Route{
		Percent:        p.Percent,
		SessionID:      sess.ID,
		CanaryRoot:     layout[site.RoleCanary],
		ProductionRoot: layout[site.RoleProduction],
	})
	if err != nil {
		sess.Status = StatusRolledBack
		sess.Reason = "routing could not be enabled"
		c.record(audit.EventCanaryAborted, audit.StatusFailed, sess, sess.Reason+": "+err.Error())
		return sess, fmt.Errorf("failed to enable canary routing: %w", err)
	}
	routed = true
	c.save(sess, StatusMonitoring)
	c.record(audit.EventCanaryStarted, audit.StatusStarted, sess,
		fmt.Sprintf("canary %s at %d%% for %s", sess.CanaryRelease, p.Percent, p.Duration))

	if err := c.monitor(ctx, sess, p); err != nil {
		return sess, err
	}

	if sess.ErrorCount >= p.ErrorThreshold || sess.FailureRate() > p.FailureRatePct {
		sess.Status = StatusRolledBack
		sess.Reason = fmt.Sprintf("%d of %d checks failed (%.1f%%)", sess.ErrorCount, sess.Checks, sess.FailureRate())
		c.record(audit.EventCanaryRolledBack, audit.StatusRolledBack, sess, sess.Reason)
		c.logger.Warn("Canary rolled back",
			"site", c.site.Name,
			"phase", "canary",
			"session", sess.ID,
			"errors", sess.ErrorCount,
			"checks", sess.Checks,
			"duration_ms", time.Since(start).Milliseconds())
		return sess, fault.New(fault.CodeThreshold, "canary rolled back: %s", sess.Reason)
	}

	if !p.AutoPromote {
		c.save(sess, StatusReady)
		c.record(audit.EventCanaryReady, audit.StatusSuccess, sess,
			fmt.Sprintf("%d checks passed; run canarybox promote or canarybox rollback", sess.Checks))
		c.logger.Info("Canary ready for promotion",
			"site", c.site.Name,
			"phase", "canary",
			"session", sess.ID,
			"duration_ms", time.Since(start).Milliseconds())
		return sess, nil
	}

	return sess, c.promote(ctx, sess, p.Maintenance)
}

// monitor runs the check loop. It stops early once the error threshold
// is reached and returns only context errors.
func (c *Controller) monitor(ctx context.Context, sess *Session, p Params) error {
	n := p.Iterations()
	noBaseline := false
	for i := 0; i < n; i++ {
		if err := c.sleep(ctx, p.Interval); err != nil {
			return err
		}

		var problems []string
		report, err := c.health.Run(ctx, site.RoleProduction, health.ModeQuick)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			problems = append(problems, "health: "+err.Error())
		case !report.Passed:
			problems = append(problems, "health: "+report.Summary())
		}

		if c.perf != nil && p.Baseline != "" && !noBaseline {
			cmp, err := c.perf.CompareTo(ctx, p.Baseline, p.PerfSamples, p.PerfThreshold)
			switch {
			case errors.Is(err, perf.ErrNoBaseline):
				noBaseline = true
				c.logger.Warn("No performance baseline, skipping perf checks", "site", c.site.Name, "baseline", p.Baseline)
			case err != nil:
				// Unreachable production is already caught by the health check
				c.logger.Warn("Performance measurement failed", "site", c.site.Name, "error", err)
			case cmp.Regression:
				problems = append(problems, fmt.Sprintf("perf regression in %v", cmp.Regressed))
			}
		}

		sess.Checks++
		status := audit.StatusSuccess
		msg := fmt.Sprintf("check %d/%d passed", i+1, n)
		if len(problems) > 0 {
			sess.ErrorCount++
			status = audit.StatusFailed
			msg = fmt.Sprintf("check %d/%d failed: %v", i+1, n, problems)
		}
		c.save(sess, StatusMonitoring)
		c.record(audit.EventCanaryCheck, status, sess, msg)
		c.logger.Info("Canary check",
			"site", c.site.Name,
			"phase", "canary",
			"check", i+1,
			"of", n,
			"errors", sess.ErrorCount,
			"passed", len(problems) == 0)

		if sess.ErrorCount >= p.ErrorThreshold {
			return nil
		}
	}
	return nil
}

// promote rotates canary into production and disables routing. A
// rotation that did not start leaves the session ready for a retry.
func (c *Controller) promote(ctx context.Context, sess *Session, maintenance bool) error {
	c.save(sess, StatusPromoting)

	result, err := c.slots.Rotate(ctx, site.RoleCanary, slots.SwapOptions{Maintenance: maintenance})
	if err != nil {
		if fault.IsFatal(err) {
			c.teardown(ctx, sess, true)
			return err
		}
		sess.Reason = "promotion failed: " + err.Error()
		c.save(sess, StatusReady)
		return fmt.Errorf("canary promotion failed, session left ready: %w", err)
	}

	if err := c.disableRouting(ctx); err != nil {
		c.logger.Error("Failed to disable canary routing after promotion", "site", c.site.Name, "error", err)
	}
	if err := c.store.Clear(); err != nil {
		c.logger.Error("Failed to clear canary session", "site", c.site.Name, "error", err)
	}
	sess.UpdatedAt = c.now().UTC()
	c.record(audit.EventCanaryPromoted, audit.StatusSuccess, sess,
		fmt.Sprintf("production=%s (was %s)", result.After.Release(site.RoleProduction), result.Before.Release(site.RoleProduction)))
	c.logger.Info("Canary promoted",
		"site", c.site.Name,
		"phase", "promote",
		"session", sess.ID,
		"production", result.After.Release(site.RoleProduction))
	return nil
}

// Promote resolves a ready session by promoting it.
func (c *Controller) Promote(ctx context.Context, maintenance bool) (*Session, error) {
	sess, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusReady {
		return nil, fault.New(fault.CodeCanaryActive, "canary session %s is %s, not ready", sess.ID, sess.Status)
	}
	if err := c.promote(ctx, sess, maintenance); err != nil {
		return sess, err
	}
	return sess, nil
}

// Rollback ends the active session without touching the filesystem.
func (c *Controller) Rollback(ctx context.Context, reason string) (*Session, error) {
	sess, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusPromoting {
		return nil, fault.New(fault.CodeCanaryActive, "canary session %s is promoting", sess.ID)
	}
	sess.Status = StatusRolledBack
	sess.Reason = reason
	c.record(audit.EventCanaryRolledBack, audit.StatusRolledBack, sess, reason)
	if err := c.teardown(ctx, sess, true); err != nil {
		return sess, err
	}
	return sess, nil
}

// teardown disables routing and clears the session. It runs on a fresh
// context so cancellation of the caller cannot skip it.
func (c *Controller) teardown(ctx context.Context, sess *Session, routed bool) error {
	var errs []error
	if routed {
		if err := c.disableRouting(ctx); err != nil {
			c.logger.Error("Failed to disable canary routing", "site", c.site.Name, "session", sess.ID, "error", err)
			errs = append(errs, err)
		}
	}
	if err := c.store.Clear(); err != nil {
		errs = append(errs, err)
	}
	c.logger.Info("Canary session closed", "site", c.site.Name, "session", sess.ID, "status", sess.Status, "reason", sess.Reason)
	return errors.Join(errs...)
}

func (c *Controller) disableRouting(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	return c.router.Disable(ctx)
}

// Active returns the running session, or nil when the site is idle.
func (c *Controller) Active() (*Session, error) {
	return c.store.Active()
}
