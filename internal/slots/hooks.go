package slots

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"canarybox/internal/security"
	"canarybox/internal/site"
	"canarybox/pkg/cmdutil"
	"canarybox/pkg/fileutil"
)

// CacheFlusher invalidates an external application cache.
type CacheFlusher interface {
	Flush(ctx context.Context) error
}

// RedisFlusher flushes one redis logical database.
type RedisFlusher struct {
	client *redis.Client
}

func NewRedisFlusher(addr string, db int) *RedisFlusher {
	return &RedisFlusher{client: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

func (f *RedisFlusher) Flush(ctx context.Context) error {
	return f.client.FlushDB(ctx).Err()
}

func (m *Manager) runHook(ctx context.Context, name string, cmd []string, dir string) error {
	if cmd == nil {
		return nil
	}
	out, err := m.hook.Run(ctx, dir, cmd)
	if err != nil {
		return fmt.Errorf("%s (%s): %w: %s", name, cmdutil.FormatCommand(cmd), err, strings.TrimSpace(string(out)))
	}
	m.logger.Debug("Hook completed", "site", m.site.Name, "hook", name, "dir", dir)
	return nil
}

// afterSwap runs the post-rotation steps for every role whose binding
// changed. Failures are collected as warnings; the rotation stands.
func (m *Manager) afterSwap(ctx context.Context, before, after Assignment, opts SwapOptions) []string {
	var warnings []string
	note := func(err error) {
		if err != nil {
			m.logger.Warn("Post-rotation step failed", "site", m.site.Name, "error", err)
			warnings = append(warnings, err.Error())
		}
	}

	for _, r := range site.Roles {
		dir, ok := after[r]
		if !ok || before[r] == dir {
			continue
		}
		note(m.ApplyOverlay(ctx, r, dir))
		note(m.NormalizePermissions(dir))
	}

	production := after[site.RoleProduction]
	note(m.runHook(ctx, "cache_clear", m.site.Hooks.CacheClear, production))
	if m.cache != nil {
		if err := m.cache.Flush(ctx); err != nil {
			note(fmt.Errorf("redis cache flush: %w", err))
		}
	}

	if opts.Maintenance {
		note(m.runHook(ctx, "maintenance_off", m.site.Hooks.MaintenanceOff, production))
	}
	return warnings
}

// ApplyOverlay merges overlays/<role>/ into a release so it carries that
// role's settings. A missing or empty overlay directory is not an error.
func (m *Manager) ApplyOverlay(ctx context.Context, r site.Role, releaseDir string) error {
	if m.site.Overlays == "" {
		return nil
	}
	overlay := filepath.Join(m.site.Overlays, string(r))
	if !fileutil.DirExists(overlay) {
		return nil
	}
	entries, err := os.ReadDir(overlay)
	if err != nil || len(entries) == 0 {
		return nil
	}

	cmd := []string{"rsync", "-a", overlay + "/", releaseDir + "/"}
	if _, err := cmdutil.RunWithTimeout(ctx, m.site.Root, m.site.Hooks.Timeout, cmd); err != nil {
		return fmt.Errorf("overlay %s: %w", r, err)
	}
	return nil
}

// NormalizePermissions applies the configured mode and ownership to the
// sensitive files of a release. Files that do not exist are skipped.
func (m *Manager) NormalizePermissions(releaseDir string) error {
	p := m.site.Permissions
	if len(p.SensitiveFiles) == 0 {
		return nil
	}
	mode, err := p.Mode()
	if err != nil {
		return err
	}
	owner, err := security.ResolveOwnership(p.Owner, p.Group)
	if err != nil {
		return err
	}

	var problems []string
	for _, rel := range p.SensitiveFiles {
		path := filepath.Join(releaseDir, rel)
		if !fileutil.FileExists(path) {
			continue
		}
		if owner.UID >= 0 || owner.GID >= 0 {
			if err := os.Chown(path, owner.UID, owner.GID); err != nil {
				problems = append(problems, fmt.Sprintf("chown %s: %v", rel, err))
			}
		}
		if err := security.FixFilePermissions(path, mode); err != nil {
			problems = append(problems, fmt.Sprintf("chmod %s: %v", rel, err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("permissions: %s", strings.Join(problems, "; "))
	}
	return nil
}
