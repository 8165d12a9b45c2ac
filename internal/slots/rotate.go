package slots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"canarybox/internal/audit"
	"canarybox/internal/fault"
	"canarybox/internal/security"
	"canarybox/internal/site"
	"canarybox/pkg/fileutil"
)

// JournalFile records an in-flight rotation under the site state dir.
const JournalFile = "rotation.json"

// Operation names a kind of rotation.
type Operation string

const (
	OpPromote Operation = "promote"
	OpRevert  Operation = "revert"
)

// SwapOptions controls the signalling around a rotation.
type SwapOptions struct {
	// Maintenance brackets the rotation with maintenance_on/off hooks.
	Maintenance bool
}

// Result describes a completed rotation.
type Result struct {
	Operation Operation
	Source    site.Role
	Before    Assignment
	After     Assignment
	// Warnings are post-rotation hook failures; the rotation itself succeeded.
	Warnings []string
}

// Journal is persisted before the first rename and removed after the last.
type Journal struct {
	Operation Operation  `json:"operation"`
	Source    site.Role  `json:"source"`
	StartedAt time.Time  `json:"started_at"`
	From      Assignment `json:"from"`
	To        Assignment `json:"to"`
}

// Apply order: production is always replaced last so it keeps serving the
// old release until the single final rename.
var applyOrder = []site.Role{site.RolePrevious, site.RoleCanary, site.RoleStaging, site.RoleProduction}

// Plan computes the next assignment when source is promoted to production:
// production takes source, previous takes old production and source takes
// old previous. Without a previous role, previous is materialised from old
// production and source receives newRelease, which is only called then.
func Plan(current Assignment, source site.Role, newRelease func() (string, error)) (Assignment, error) {
	if source != site.RoleStaging && source != site.RoleCanary {
		return nil, fmt.Errorf("cannot promote role %s", source)
	}
	if _, ok := current[site.RoleProduction]; !ok {
		return nil, fmt.Errorf("no production role")
	}
	if _, ok := current[source]; !ok {
		return nil, fmt.Errorf("no %s role", source)
	}

	next := current.Clone()
	next[site.RoleProduction] = current[source]
	next[site.RolePrevious] = current[site.RoleProduction]
	if prev, ok := current[site.RolePrevious]; ok {
		next[source] = prev
	} else {
		fresh, err := newRelease()
		if err != nil {
			return nil, err
		}
		next[source] = fresh
	}
	return next, next.Validate()
}

// PlanRevert computes the inverse rotation of a staging promotion:
// previous returns to production, production moves to staging and staging
// to previous. Canary is unchanged.
func PlanRevert(current Assignment) (Assignment, error) {
	for _, r := range []site.Role{site.RoleProduction, site.RoleStaging, site.RolePrevious} {
		if _, ok := current[r]; !ok {
			return nil, fmt.Errorf("no %s role", r)
		}
	}
	next := current.Clone()
	next[site.RoleProduction] = current[site.RolePrevious]
	next[site.RoleStaging] = current[site.RoleProduction]
	next[site.RolePrevious] = current[site.RoleStaging]
	return next, next.Validate()
}

// Rotate promotes source (staging or canary) to production.
func (m *Manager) Rotate(ctx context.Context, source site.Role, opts SwapOptions) (*Result, error) {
	if err := m.CheckJournal(); err != nil {
		return nil, err
	}
	current, err := m.Require(site.RoleProduction, source)
	if err != nil {
		return nil, err
	}
	next, err := Plan(current, source, m.NewRelease)
	if err != nil {
		return nil, fault.Wrap(fault.CodePrecondition, err, "plan rotation")
	}
	return m.swap(ctx, OpPromote, source, current, next, opts)
}

// Revert applies the inverse rotation, restoring the previous release to production.
func (m *Manager) Revert(ctx context.Context, opts SwapOptions) (*Result, error) {
	if err := m.CheckJournal(); err != nil {
		return nil, err
	}
	current, err := m.Require(site.RoleProduction, site.RoleStaging, site.RolePrevious)
	if err != nil {
		return nil, err
	}
	next, err := PlanRevert(current)
	if err != nil {
		return nil, fault.Wrap(fault.CodePrecondition, err, "plan revert")
	}
	return m.swap(ctx, OpRevert, site.RolePrevious, current, next, opts)
}

func (m *Manager) swap(ctx context.Context, op Operation, source site.Role, current, next Assignment, opts SwapOptions) (*Result, error) {
	start := time.Now()
	m.logger.Info("Rotation starting",
		"site", m.site.Name,
		"phase", "swap",
		"operation", op,
		"from", current.String(),
		"to", next.String())

	if opts.Maintenance {
		if err := m.runHook(ctx, "maintenance_on", m.site.Hooks.MaintenanceOn, current[site.RoleProduction]); err != nil {
			return nil, fmt.Errorf("maintenance_on failed, nothing rotated: %w", err)
		}
	}

	if err := m.apply(op, source, current, next); err != nil {
		m.logger.Error("Rotation failed", "site", m.site.Name, "error", err)
		return nil, err
	}

	result := &Result{Operation: op, Source: source, Before: current, After: next}
	result.Warnings = m.afterSwap(ctx, current, next, opts)

	event, verb := audit.EventSwapCompleted, "promoted"
	if op == OpRevert {
		event, verb = audit.EventSwapReverted, "reverted"
	}
	status := audit.StatusSuccess
	if len(result.Warnings) > 0 {
		status = audit.StatusWarning
	}
	m.record(event, status, fmt.Sprintf("%s %s: production=%s (was %s)",
		verb, source, next.Release(site.RoleProduction), current.Release(site.RoleProduction)))

	m.logger.Info("Rotation completed",
		"site", m.site.Name,
		"phase", "swap",
		"operation", op,
		"production", next.Release(site.RoleProduction),
		"warnings", len(result.Warnings),
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// apply journals the target assignment and renames each changed role.
// Any failure after the journal is written is fatal and leaves the
// journal in place for Repair.
func (m *Manager) apply(op Operation, source site.Role, current, next Assignment) error {
	j := Journal{Operation: op, Source: source, StartedAt: m.now().UTC(), From: current, To: next}
	if err := m.writeJournal(j); err != nil {
		return fmt.Errorf("failed to write rotation journal: %w", err)
	}

	for _, r := range applyOrder {
		target, ok := next[r]
		if !ok || current[r] == target {
			continue
		}
		if err := m.bind(r, target); err != nil {
			return fault.Wrap(fault.CodeFatal, err,
				"rotation interrupted at role %s; run canarybox swap --repair", r)
		}
	}

	if err := os.Remove(m.journalPath()); err != nil {
		return fault.Wrap(fault.CodeFatal, err, "rotation applied but journal could not be removed")
	}
	return nil
}

func (m *Manager) journalPath() string {
	return filepath.Join(m.site.StateDir, JournalFile)
}

func (m *Manager) writeJournal(j Journal) error {
	if err := security.CreateSecureDir(m.site.StateDir, security.PermDirectory); err != nil {
		return err
	}
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(m.journalPath(), data, security.PermStateFile)
}

// PendingJournal returns the journal of an interrupted rotation, or nil.
func (m *Manager) PendingJournal() (*Journal, error) {
	data, err := os.ReadFile(m.journalPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rotation journal: %w", err)
	}
	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("corrupt rotation journal: %w", err)
	}
	return &j, nil
}

// CheckJournal fails with DEPLOY_FATAL while an interrupted rotation is pending.
func (m *Manager) CheckJournal() error {
	j, err := m.PendingJournal()
	if err != nil {
		return fault.Wrap(fault.CodeFatal, err, "rotation state unknown")
	}
	if j != nil {
		return fault.New(fault.CodeFatal,
			"interrupted %s rotation from %s is pending; run canarybox swap --repair",
			j.Operation, j.StartedAt.Format(time.RFC3339))
	}
	return nil
}

// Repair re-applies the journalled target assignment of an interrupted
// rotation and clears the journal. Hooks are not run.
func (m *Manager) Repair() (Assignment, error) {
	j, err := m.PendingJournal()
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fault.New(fault.CodePrecondition, "no interrupted rotation to repair")
	}
	if err := j.To.Validate(); err != nil {
		return nil, fault.Wrap(fault.CodeFatal, err, "journalled assignment is invalid")
	}

	for _, r := range applyOrder {
		target, ok := j.To[r]
		if !ok {
			continue
		}
		if !fileutil.DirExists(target) {
			return nil, fault.New(fault.CodeFatal, "journalled release %s for %s is missing", filepath.Base(target), r)
		}
		if err := m.bind(r, target); err != nil {
			return nil, fault.Wrap(fault.CodeFatal, err, "repair role %s", r)
		}
	}
	if err := os.Remove(m.journalPath()); err != nil {
		return nil, fault.Wrap(fault.CodeFatal, err, "remove rotation journal")
	}

	m.logger.Warn("Interrupted rotation repaired", "site", m.site.Name, "assignment", j.To.String())
	m.record(audit.EventSwapRepaired, audit.StatusWarning, "re-applied "+j.To.String())
	return j.To, nil
}
