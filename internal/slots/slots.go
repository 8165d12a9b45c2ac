// Package slots owns the role layout of a site. Each role
// (production, staging, previous, canary) is a symlink in the site root
// pointing at a directory under releases/. Rotations only ever replace
// symlinks with rename(2), so every role path resolves at every instant.
package slots

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"canarybox/internal/audit"
	"canarybox/internal/fault"
	"canarybox/internal/security"
	"canarybox/internal/site"
	"canarybox/pkg/cmdutil"
	"canarybox/pkg/fileutil"
)

// Assignment maps each bound role to an absolute release directory.
type Assignment map[site.Role]string

// Release returns the release directory name bound to r, or "".
func (a Assignment) Release(r site.Role) string {
	if p, ok := a[r]; ok {
		return filepath.Base(p)
	}
	return ""
}

// Clone returns an independent copy.
func (a Assignment) Clone() Assignment {
	c := make(Assignment, len(a))
	for r, p := range a {
		c[r] = p
	}
	return c
}

// String renders the assignment in role order, e.g. "production=r2 staging=r3".
func (a Assignment) String() string {
	var parts []string
	for _, r := range site.Roles {
		if _, ok := a[r]; ok {
			parts = append(parts, fmt.Sprintf("%s=%s", r, a.Release(r)))
		}
	}
	return strings.Join(parts, " ")
}

// Validate checks the bijection: no release is bound to two roles.
func (a Assignment) Validate() error {
	seen := make(map[string]site.Role, len(a))
	for _, r := range site.Roles {
		p, ok := a[r]
		if !ok {
			continue
		}
		if other, dup := seen[p]; dup {
			return fmt.Errorf("roles %s and %s both map to %s", other, r, filepath.Base(p))
		}
		seen[p] = r
	}
	if _, ok := a[site.RoleProduction]; !ok {
		return fmt.Errorf("no production role")
	}
	return nil
}

// Manager performs role operations for one site.
type Manager struct {
	site   *site.Site
	hook   cmdutil.Hook
	cache  CacheFlusher
	audit  audit.Recorder
	actor  string
	link   func(linkPath, target string) error
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Manager)

func WithHook(h cmdutil.Hook) Option         { return func(m *Manager) { m.hook = h } }
func WithCacheFlusher(c CacheFlusher) Option { return func(m *Manager) { m.cache = c } }
func WithClock(now func() time.Time) Option  { return func(m *Manager) { m.now = now } }
func WithLogger(l *slog.Logger) Option       { return func(m *Manager) { m.logger = l } }
func WithAudit(r audit.Recorder, actor string) Option {
	return func(m *Manager) { m.audit, m.actor = r, actor }
}

// WithLinker replaces the symlink swap primitive.
func WithLinker(fn func(linkPath, target string) error) Option {
	return func(m *Manager) { m.link = fn }
}

func NewManager(s *site.Site, opts ...Option) *Manager {
	m := &Manager{
		site:   s,
		hook:   cmdutil.HookRunner{Timeout: s.Hooks.Timeout},
		link:   fileutil.UpdateSymlinkAtomic,
		now:    time.Now,
		logger: slog.Default(),
	}
	if s.Cache.RedisAddr != "" {
		m.cache = NewRedisFlusher(s.Cache.RedisAddr, s.Cache.RedisDB)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) record(t audit.EventType, status, msg string) {
	if m.audit == nil {
		return
	}
	err := m.audit.Record(audit.Event{
		Type:    t,
		Site:    m.site.Name,
		Actor:   m.actor,
		Status:  status,
		Message: msg,
	})
	if err != nil {
		m.logger.Error("Failed to record audit event", "event", t, "error", err)
	}
}

// Layout reads the current assignment. Missing roles are omitted; a role
// path that exists but is not a symlink into releases/ is a precondition error.
func (m *Manager) Layout() (Assignment, error) {
	a := make(Assignment)
	for _, r := range site.Roles {
		path := m.site.RolePath(r)
		info, err := os.Lstat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fault.Wrap(fault.CodePrecondition, err, "inspect role %s", r)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil, fault.New(fault.CodePrecondition,
				"role %s at %s is not a symlink; move it under %s and run init", r, path, m.site.ReleasesDir())
		}

		target, err := fileutil.SymlinkTarget(path)
		if err != nil {
			return nil, fault.Wrap(fault.CodePrecondition, err, "read role %s", r)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(m.site.Root, target)
		}
		if !fileutil.DirExists(target) {
			return nil, fault.New(fault.CodePrecondition, "role %s points at missing release %s", r, filepath.Base(target))
		}
		release, err := security.SanitizePathForSymlink(m.site.ReleasesDir(), target)
		if err != nil {
			return nil, fault.Wrap(fault.CodePrecondition, err, "role %s points outside releases", r)
		}
		a[r] = release
	}
	return a, nil
}

// Require returns the layout and fails unless every given role is bound.
func (m *Manager) Require(roles ...site.Role) (Assignment, error) {
	a, err := m.Layout()
	if err != nil {
		return nil, err
	}
	for _, r := range roles {
		if _, ok := a[r]; !ok {
			return nil, fault.New(fault.CodePrecondition, "site %s has no %s role (run canarybox init)", m.site.Name, r)
		}
	}
	return a, nil
}

// NewRelease creates an empty release directory and returns its path.
func (m *Manager) NewRelease() (string, error) {
	if err := os.MkdirAll(m.site.ReleasesDir(), 0755); err != nil {
		return "", fmt.Errorf("failed to create releases directory: %w", err)
	}
	name := m.now().UTC().Format("2006-01-02-15-04-05") + "-" + uuid.NewString()[:8]
	dir := filepath.Join(m.site.ReleasesDir(), name)
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create release: %w", err)
	}
	return dir, nil
}

// Bootstrap binds every missing role to a fresh empty release. Roles that
// already exist are never touched. It returns the roles it created.
func (m *Manager) Bootstrap() ([]site.Role, error) {
	if !fileutil.DirExists(m.site.Root) {
		return nil, fault.New(fault.CodePrecondition, "site root %s does not exist", m.site.Root)
	}
	current, err := m.Layout()
	if err != nil {
		return nil, err
	}

	var created []site.Role
	for _, r := range site.Roles {
		if _, ok := current[r]; ok {
			continue
		}
		release, err := m.NewRelease()
		if err != nil {
			return created, err
		}
		if err := m.bind(r, release); err != nil {
			return created, err
		}
		created = append(created, r)
	}

	if len(created) > 0 {
		names := make([]string, len(created))
		for i, r := range created {
			names[i] = string(r)
		}
		m.logger.Info("Roles bootstrapped", "site", m.site.Name, "roles", names)
		m.record(audit.EventSlotsBootstrap, audit.StatusSuccess, "created roles: "+strings.Join(names, ", "))
	}
	return created, nil
}

// bind points role r at release using a root-relative target.
func (m *Manager) bind(r site.Role, release string) error {
	return m.link(m.site.RolePath(r), filepath.Join("releases", filepath.Base(release)))
}

// Prune removes releases bound to no role, keeping the keep newest of them.
func (m *Manager) Prune(keep int) ([]string, error) {
	current, err := m.Layout()
	if err != nil {
		return nil, err
	}
	bound := make(map[string]bool, len(current))
	for _, p := range current {
		bound[filepath.Base(p)] = true
	}

	entries, err := os.ReadDir(m.site.ReleasesDir())
	if err != nil {
		return nil, fmt.Errorf("failed to read releases directory: %w", err)
	}

	var unbound []string
	for _, e := range entries {
		if e.IsDir() && !bound[e.Name()] {
			unbound = append(unbound, e.Name())
		}
	}
	// Names start with a timestamp, so lexical order is age order
	sort.Sort(sort.Reverse(sort.StringSlice(unbound)))

	var removed []string
	for i := keep; i < len(unbound); i++ {
		if err := os.RemoveAll(filepath.Join(m.site.ReleasesDir(), unbound[i])); err != nil {
			m.logger.Warn("Failed to remove old release", "site", m.site.Name, "release", unbound[i], "error", err)
			continue
		}
		removed = append(removed, unbound[i])
	}
	return removed, nil
}

// Stage binds staging to release, e.g. a release restored from a
// snapshot. The release it replaces stays on disk until Prune.
func (m *Manager) Stage(release string) error {
	if err := m.CheckJournal(); err != nil {
		return err
	}
	if _, err := security.SanitizePathForSymlink(m.site.ReleasesDir(), release); err != nil {
		return fault.Wrap(fault.CodePrecondition, err, "release outside %s", m.site.ReleasesDir())
	}
	if !fileutil.DirExists(release) {
		return fault.New(fault.CodePrecondition, "release %s does not exist", filepath.Base(release))
	}
	if err := m.bind(site.RoleStaging, release); err != nil {
		return fmt.Errorf("failed to stage release: %w", err)
	}
	m.logger.Info("Release staged", "site", m.site.Name, "release", filepath.Base(release))
	return nil
}
