// Package deployment sequences a deployment: lock, record, backup,
// pre-flight health, canary or direct swap, post-swap health and, when
// asked, automatic revert. Every terminal outcome is audited, recorded
// and notified.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"canarybox/internal/audit"
	"canarybox/internal/backup"
	"canarybox/internal/canary"
	"canarybox/internal/fault"
	"canarybox/internal/health"
	"canarybox/internal/history"
	"canarybox/internal/metrics"
	"canarybox/internal/notify"
	"canarybox/internal/security"
	"canarybox/internal/site"
	"canarybox/internal/slots"
)

// KeepReleases is how many unbound releases survive a successful deploy.
const KeepReleases = 3

// Status values reported to the operator.
const (
	StatusSuccess        = "success"
	StatusRolledBack     = "rolled_back"
	StatusFailed         = "failed"
	StatusFatal          = "fatal"
	StatusCanaryReady    = "canary-ready"
	StatusManualDecision = "ready-for-manual-decision"
)

// Notifier is satisfied by *notify.Dispatcher.
type Notifier interface {
	Notify(ev notify.Event)
}

// Deps are the per-site collaborators of an Orchestrator.
type Deps struct {
	Slots    *slots.Manager
	Health   canary.HealthRunner
	Backups  *backup.Manager
	Canary   *canary.Controller
	History  *history.History
	Audit    audit.Recorder
	Notifier Notifier
	Locks    *LockManager
}

// Options controls one deploy or swap.
type Options struct {
	Canary         bool
	CanaryParams   canary.Params
	RollbackOnFail bool
	Maintenance    bool
	SkipBackup     bool
	// SkipHealth omits the pre-flight and post-swap checks (plain swap).
	SkipHealth bool
	Commit     string
	Branch     string
}

// Result is what the operator is told at the end of a run.
type Result struct {
	Status   string
	Record   *history.Record
	Snapshot *backup.Snapshot
	Session  *canary.Session
	Health   *health.Report
	Layout   slots.Assignment
	NextStep string
}

// Orchestrator runs deployment operations for one site.
type Orchestrator struct {
	site     *site.Site
	deps     Deps
	lock     *FileLock
	operator string
	logger   *slog.Logger
}

func New(s *site.Site, operator string, deps Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Locks == nil {
		deps.Locks = NewLockManager()
	}
	return &Orchestrator{
		site:     s,
		deps:     deps,
		lock:     NewFileLock(s.StateDir),
		operator: operator,
		logger:   logger,
	}
}

// Lock exposes the site's file lock for status reporting.
func (o *Orchestrator) Lock() *FileLock { return o.lock }

func (o *Orchestrator) record(t audit.EventType, status string, rec *history.Record, msg string) {
	if o.deps.Audit == nil {
		return
	}
	e := audit.Event{Type: t, Site: o.site.Name, Actor: o.operator, Status: status, Message: msg}
	if rec != nil {
		e.DeploymentID = rec.ID
		if rec.Commit != nil {
			e.Commit = *rec.Commit
		}
		if rec.Branch != nil {
			e.Branch = *rec.Branch
		}
	}
	if err := o.deps.Audit.Record(e); err != nil {
		o.logger.Error("Failed to record audit event", "event", t, "error", err)
	}
}

// acquire takes the in-process and the file lock. The returned release
// function must be deferred.
func (o *Orchestrator) acquire() (func(), error) {
	if !o.deps.Locks.TryLock(o.site.Name) {
		return nil, fault.New(fault.CodeLocked, "another operation on site %s is running in this process", o.site.Name)
	}
	reclaimed, err := o.lock.Acquire(o.operator)
	if err != nil {
		o.deps.Locks.Unlock(o.site.Name)
		return nil, err
	}
	if reclaimed != nil {
		o.logger.Warn("Reclaimed stale deployment lock", "site", o.site.Name, "holder", reclaimed.String())
		o.record(audit.EventLockReclaimed, audit.StatusWarning, nil, "reclaimed stale lock held by "+reclaimed.String())
	}
	return func() {
		if err := o.lock.Release(); err != nil {
			o.logger.Error("Failed to release deployment lock", "site", o.site.Name, "error", err)
		}
		o.deps.Locks.Unlock(o.site.Name)
	}, nil
}

// BackupGuard lets scheduled captures skip while a deployment runs.
func (o *Orchestrator) BackupGuard() backup.Guard {
	return func(ctx context.Context) (func(), error) {
		return o.acquire()
	}
}

// run tracks one orchestrated operation from record creation to finalization.
type run struct {
	o      *Orchestrator
	mode   history.Mode
	rec    *history.Record
	result *Result
	start  time.Time
}

func (o *Orchestrator) begin(ctx context.Context, mode history.Mode, source site.Role, opts Options) (*run, error) {
	r := &run{o: o, mode: mode, result: &Result{}, start: time.Now()}
	rec := history.Record{
		Site:       o.site.Name,
		SourceRole: string(source),
		TargetRole: string(site.RoleProduction),
		Mode:       mode,
		Operator:   o.operator,
	}
	if opts.Commit != "" {
		rec.Commit = &opts.Commit
	}
	if opts.Branch != "" {
		rec.Branch = &opts.Branch
	}

	if o.deps.History != nil {
		started, err := o.deps.History.Start(ctx, rec)
		if err != nil {
			return nil, err
		}
		r.rec = started
	} else {
		r.rec = &rec
	}
	r.result.Record = r.rec
	o.record(audit.EventDeployStarted, audit.StatusStarted, r.rec,
		fmt.Sprintf("%s deployment of %s", mode, source))
	o.logger.Info("Deployment starting", "site", o.site.Name, "phase", "deploy", "mode", mode, "source", source)
	return r, nil
}

// resume picks up the record of a parked canary session.
func (o *Orchestrator) resume(ctx context.Context, id string) *run {
	r := &run{o: o, mode: history.ModeCanary, result: &Result{}, start: time.Now()}
	if o.deps.History != nil && id != "" {
		if rec, err := o.deps.History.Get(ctx, id); err == nil {
			r.rec = rec
			r.start = rec.StartedAt
		}
	}
	if r.rec == nil {
		r.rec = &history.Record{ID: id, Site: o.site.Name, Mode: history.ModeCanary, Operator: o.operator}
	}
	r.result.Record = r.rec
	return r
}

// finish finalizes the record and emits the audit event, notification
// and metrics for status. It returns cause unchanged.
func (r *run) finish(ctx context.Context, status string, cause error) error {
	o := r.o
	r.result.Status = status

	outcome := history.OutcomeFailed
	event, auditStatus := audit.EventDeployFailed, audit.StatusFailed
	switch status {
	case StatusSuccess:
		outcome, event, auditStatus = history.OutcomeSuccess, audit.EventDeploySuccess, audit.StatusSuccess
	case StatusRolledBack:
		outcome, event, auditStatus = history.OutcomeRolledBack, audit.EventDeployRolledBack, audit.StatusRolledBack
	case StatusFatal:
		event, auditStatus = audit.EventDeployFatal, audit.StatusFatal
	}

	snapshotID := ""
	if r.result.Snapshot != nil {
		snapshotID = r.result.Snapshot.ID
	}
	if o.deps.History != nil && r.rec.ID != "" {
		// A finalize failure must not mask the deployment's own outcome
		fctx := context.WithoutCancel(ctx)
		if rec, err := o.deps.History.Finalize(fctx, r.rec.ID, outcome, snapshotID, cause); err != nil {
			o.logger.Error("Failed to finalize deployment record", "site", o.site.Name, "id", r.rec.ID, "error", err)
		} else {
			r.rec = rec
			r.result.Record = rec
		}
	}

	msg := status
	if cause != nil {
		msg = cause.Error()
	}
	if r.result.NextStep != "" {
		msg += "; next: " + r.result.NextStep
	}
	o.record(event, auditStatus, r.rec, msg)

	if o.deps.Notifier != nil {
		ev := notify.Event{
			Type:         event,
			Site:         o.site.Name,
			Status:       status,
			Message:      msg,
			Operator:     o.operator,
			DeploymentID: r.rec.ID,
		}
		if r.rec.Commit != nil {
			ev.Commit = *r.rec.Commit
		}
		if r.rec.Branch != nil {
			ev.Branch = *r.rec.Branch
		}
		o.deps.Notifier.Notify(ev)
	}

	metrics.ObserveDeployment(o.site.Name, string(r.mode), string(outcome), time.Since(r.start))

	level := slog.LevelInfo
	if status != StatusSuccess {
		level = slog.LevelError
	}
	o.logger.Log(ctx, level, "Deployment finished",
		"site", o.site.Name,
		"phase", "deploy",
		"status", status,
		"duration_ms", time.Since(r.start).Milliseconds())
	return cause
}

// fail classifies err as fatal or failed and finishes the run.
func (r *run) fail(ctx context.Context, err error) error {
	if fault.IsFatal(err) {
		r.result.NextStep = "inspect the role layout, then run canarybox swap --repair"
		return r.finish(ctx, StatusFatal, err)
	}
	return r.finish(ctx, StatusFailed, err)
}

func (o *Orchestrator) checkHealth(ctx context.Context, target site.Role, mode health.Mode) (*health.Report, error) {
	report, err := o.deps.Health.Run(ctx, target, mode)
	if err != nil {
		return nil, err
	}
	metrics.ObserveHealth(o.site.Name, string(target), string(mode), report.Failures)
	status := audit.StatusSuccess
	if !report.Passed {
		status = audit.StatusFailed
	}
	o.record(audit.EventHealthCheck, status, nil, report.Summary())
	return report, nil
}

func (o *Orchestrator) preDeployBackup(ctx context.Context, r *run) error {
	b := o.deps.Backups
	snap, err := b.Capture(ctx, b.DefaultComponents(), o.site.Backup.PreDeployTier)
	if snap != nil {
		metrics.ObserveBackup(o.site.Name, string(snap.Tier), string(snap.Integrity), snap.Size)
	}
	if err != nil {
		return fmt.Errorf("pre-deploy backup failed, nothing deployed: %w", err)
	}
	r.result.Snapshot = snap
	return nil
}

// Deploy promotes staging (direct) or canary (canary mode) into production.
func (o *Orchestrator) Deploy(ctx context.Context, opts Options) (*Result, error) {
	if err := validateRef(opts); err != nil {
		return nil, err
	}
	release, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := o.deps.Slots.CheckJournal(); err != nil {
		return nil, err
	}
	source, mode := site.RoleStaging, history.ModeDirect
	if opts.Canary {
		source, mode = site.RoleCanary, history.ModeCanary
	}
	if _, err := o.deps.Slots.Require(site.RoleProduction, source); err != nil {
		return nil, err
	}
	if err := o.requireNoCanary(); err != nil {
		return nil, err
	}

	r, err := o.begin(ctx, mode, source, opts)
	if err != nil {
		return nil, err
	}

	if !opts.SkipBackup {
		if err := o.preDeployBackup(ctx, r); err != nil {
			return r.result, r.fail(ctx, err)
		}
	}

	if !opts.SkipHealth && !opts.Canary {
		// The canary controller runs its own full gate on the canary role
		report, err := o.checkHealth(ctx, source, health.ModeQuick)
		if err != nil {
			return r.result, r.fail(ctx, err)
		}
		r.result.Health = report
		o.record(audit.EventPreflight, auditStatus(report), r.rec, report.Summary())
		if !report.Passed {
			return r.result, r.finish(ctx, StatusFailed,
				fault.New(fault.CodeThreshold, "pre-flight health check failed: %s", report.Summary()))
		}
	}

	if opts.Canary {
		p := opts.CanaryParams
		p.DeploymentID = r.rec.ID
		p.Maintenance = opts.Maintenance
		sess, err := o.deps.Canary.Deploy(ctx, p)
		r.result.Session = sess
		if sess != nil {
			metrics.CanaryErrors.WithLabelValues(o.site.Name).Set(float64(sess.ErrorCount))
		}
		switch {
		case sess != nil && sess.Status == canary.StatusReady:
			// The record stays in progress until promote or rollback resolves it
			r.result.Status = StatusCanaryReady
			r.result.NextStep = "run canarybox promote or canarybox rollback"
			r.result.Layout, _ = o.deps.Slots.Layout()
			return r.result, err
		case err != nil && sess != nil && sess.Status == canary.StatusRolledBack:
			r.result.NextStep = "production is unchanged; fix the canary release and redeploy"
			return r.result, r.finish(ctx, StatusRolledBack, err)
		case err != nil:
			return r.result, r.fail(ctx, err)
		}
	} else if _, err := o.deps.Slots.Rotate(ctx, source, slots.SwapOptions{Maintenance: opts.Maintenance}); err != nil {
		return r.result, r.fail(ctx, err)
	}
	o.rotated(slots.OpPromote)

	return r.result, o.validate(ctx, r, opts.RollbackOnFail, opts.SkipHealth, opts.Maintenance)
}

// requireNoCanary refuses any rotation of production while a canary session
// still owns the traffic split.
func (o *Orchestrator) requireNoCanary() error {
	active, err := o.deps.Canary.Active()
	if err != nil {
		return err
	}
	if active != nil {
		return fault.New(fault.CodeCanaryActive,
			"canary session %s is %s; run canarybox promote or canarybox rollback first", active.ID, active.Status)
	}
	return nil
}

// validate runs the post-swap health check and reverts when asked.
func (o *Orchestrator) validate(ctx context.Context, r *run, rollbackOnFail, skipHealth, maintenance bool) error {
	if !skipHealth {
		report, err := o.checkHealth(ctx, site.RoleProduction, health.ModeFull)
		if err != nil {
			r.result.NextStep = "production health could not be checked; verify the site manually"
			return r.fail(ctx, err)
		}
		r.result.Health = report

		if !report.Passed {
			cause := fault.New(fault.CodeThreshold, "post-deploy health check failed: %s", report.Summary())
			if !rollbackOnFail {
				r.result.NextStep = "inspect production; run canarybox rollback to restore the previous release"
				r.result.Layout, _ = o.deps.Slots.Layout()
				return r.finish(ctx, StatusManualDecision, cause)
			}

			if _, err := o.deps.Slots.Revert(ctx, slots.SwapOptions{Maintenance: maintenance}); err != nil {
				return r.fail(ctx, errors.Join(cause, err))
			}
			o.rotated(slots.OpRevert)
			r.result.Layout, _ = o.deps.Slots.Layout()
			r.result.NextStep = "previous release restored; fix the release and redeploy"
			return r.finish(ctx, StatusRolledBack, cause)
		}
	}

	r.result.Layout, _ = o.deps.Slots.Layout()
	if removed, err := o.deps.Slots.Prune(KeepReleases); err != nil {
		o.logger.Warn("Release cleanup failed", "site", o.site.Name, "error", err)
	} else if len(removed) > 0 {
		o.logger.Info("Old releases removed", "site", o.site.Name, "count", len(removed))
	}
	return r.finish(ctx, StatusSuccess, nil)
}

func (o *Orchestrator) rotated(op slots.Operation) {
	metrics.RotationsTotal.WithLabelValues(o.site.Name, string(op)).Inc()
}

// Promote resolves a ready canary session by promoting it.
func (o *Orchestrator) Promote(ctx context.Context, maintenance, rollbackOnFail bool) (*Result, error) {
	release, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := o.deps.Canary.Active()
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fault.New(fault.CodeNoSession, "no active canary session for site %s", o.site.Name)
	}

	r := o.resume(ctx, sess.DeploymentID)
	promoted, err := o.deps.Canary.Promote(ctx, maintenance)
	r.result.Session = promoted
	if err != nil {
		if fault.IsFatal(err) {
			return r.result, r.fail(ctx, err)
		}
		// Session stays ready for another attempt
		return r.result, err
	}
	o.rotated(slots.OpPromote)
	return r.result, o.validate(ctx, r, rollbackOnFail, false, maintenance)
}

// Rollback ends an active canary session, or reverts production to the
// previous release when no session is active.
func (o *Orchestrator) Rollback(ctx context.Context, maintenance bool) (*Result, error) {
	release, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := o.deps.Canary.Active()
	if err != nil {
		return nil, err
	}
	if sess != nil {
		r := o.resume(ctx, sess.DeploymentID)
		rolled, err := o.deps.Canary.Rollback(ctx, "rolled back by "+o.operator)
		r.result.Session = rolled
		if err != nil {
			return r.result, err
		}
		r.result.Layout, _ = o.deps.Slots.Layout()
		r.result.NextStep = "production is unchanged"
		return r.result, r.finish(ctx, StatusRolledBack, nil)
	}

	if err := o.deps.Slots.CheckJournal(); err != nil {
		return nil, err
	}
	if _, err := o.deps.Slots.Require(site.RoleProduction, site.RoleStaging, site.RolePrevious); err != nil {
		return nil, err
	}
	r, err := o.begin(ctx, history.ModeDirect, site.RolePrevious, Options{})
	if err != nil {
		return nil, err
	}
	if _, err := o.deps.Slots.Revert(ctx, slots.SwapOptions{Maintenance: maintenance}); err != nil {
		return r.result, r.fail(ctx, err)
	}
	o.rotated(slots.OpRevert)
	r.result.Layout, _ = o.deps.Slots.Layout()
	return r.result, r.finish(ctx, StatusRolledBack, nil)
}

// Repair re-applies an interrupted rotation.
func (o *Orchestrator) Repair(ctx context.Context) (slots.Assignment, error) {
	release, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return o.deps.Slots.Repair()
}

func auditStatus(r *health.Report) string {
	if r.Passed {
		return audit.StatusSuccess
	}
	return audit.StatusFailed
}

func validateRef(opts Options) error {
	if opts.Commit != "" {
		if err := security.ValidateCommitHash(opts.Commit); err != nil {
			return fault.Wrap(fault.CodePrecondition, err, "invalid --commit")
		}
	}
	if opts.Branch != "" {
		if err := security.ValidateBranchName(opts.Branch); err != nil {
			return fault.Wrap(fault.CodePrecondition, err, "invalid --branch")
		}
	}
	return nil
}

// Restore puts a snapshot back into service. A snapshot with files is
// extracted into a fresh release, staged and swapped into production
// like a direct deploy; a database-only snapshot is imported in place.
func (o *Orchestrator) Restore(ctx context.Context, ref string, maintenance, rollbackOnFail bool) (*Result, error) {
	release, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := o.requireNoCanary(); err != nil {
		return nil, err
	}
	snap, err := o.deps.Backups.Find(ref)
	if err != nil {
		return nil, err
	}
	if snap.Components == backup.ComponentDatabase {
		if err := o.deps.Backups.Restore(ctx, snap, ""); err != nil {
			return nil, err
		}
		return &Result{Status: StatusSuccess, Snapshot: snap}, nil
	}

	if err := o.deps.Slots.CheckJournal(); err != nil {
		return nil, err
	}
	if _, err := o.deps.Slots.Require(site.RoleProduction, site.RoleStaging); err != nil {
		return nil, err
	}

	r, err := o.begin(ctx, history.ModeDirect, site.RoleStaging, Options{})
	if err != nil {
		return nil, err
	}
	r.result.Snapshot = snap

	dir, err := o.deps.Slots.NewRelease()
	if err != nil {
		return r.result, r.fail(ctx, err)
	}
	if err := o.deps.Backups.Restore(ctx, snap, dir); err != nil {
		_ = os.RemoveAll(dir)
		return r.result, r.fail(ctx, err)
	}
	if err := o.deps.Slots.Stage(dir); err != nil {
		return r.result, r.fail(ctx, err)
	}
	if _, err := o.deps.Slots.Rotate(ctx, site.RoleStaging, slots.SwapOptions{Maintenance: maintenance}); err != nil {
		return r.result, r.fail(ctx, err)
	}
	o.rotated(slots.OpPromote)
	return r.result, o.validate(ctx, r, rollbackOnFail, false, maintenance)
}
