package routing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"canarybox/pkg/cmdutil"
	"canarybox/pkg/fileutil"
	"canarybox/pkg/templates"
)

// NginxRouter renders a split_clients include and reloads nginx. The
// include keeps the previous contents if the reload fails.
//
// The include maps to the role symlinks, never to resolved releases, so a
// rotation moves traffic without re-rendering.
type NginxRouter struct {
	Site           string
	Path           string
	Reload         []string
	Hook           cmdutil.Hook
	CanaryPath     string
	ProductionPath string
	logger         *slog.Logger
}

func (r *NginxRouter) Enable(ctx context.Context, route Route) error {
	if err := validate(route); err != nil {
		return err
	}
	return r.apply(ctx, templates.CanaryRoute{
		Site:           r.Site,
		Enabled:        true,
		Percent:        route.Percent,
		CanaryRoot:     r.CanaryPath,
		ProductionRoot: r.ProductionPath,
	})
}

// Disable routes all traffic to production. The include is kept so the
// nginx configuration that references it stays valid; a missing include
// means routing was never enabled.
func (r *NginxRouter) Disable(ctx context.Context) error {
	if _, err := os.Stat(r.Path); os.IsNotExist(err) {
		return nil
	}
	return r.apply(ctx, templates.CanaryRoute{
		Site:           r.Site,
		CanaryRoot:     r.ProductionPath,
		ProductionRoot: r.ProductionPath,
	})
}

func (r *NginxRouter) apply(ctx context.Context, route templates.CanaryRoute) error {
	content, err := templates.RenderNginxCanary(route)
	if err != nil {
		return err
	}
	prev, readErr := os.ReadFile(r.Path)

	if err := os.MkdirAll(filepath.Dir(r.Path), 0755); err != nil {
		return fmt.Errorf("failed to create include directory: %w", err)
	}
	if err := fileutil.WriteFileAtomic(r.Path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write nginx include: %w", err)
	}

	if r.Reload != nil {
		out, err := r.Hook.Run(ctx, filepath.Dir(r.Path), r.Reload)
		if err != nil {
			// Put the old include back so the next reload does not pick up a bad split
			if readErr == nil {
				if rerr := fileutil.WriteFileAtomic(r.Path, prev, 0644); rerr != nil {
					r.logger.Error("Failed to restore nginx include", "site", r.Site, "error", rerr)
				}
			}
			return fmt.Errorf("nginx reload (%s) failed: %w: %s",
				cmdutil.FormatCommand(r.Reload), err, strings.TrimSpace(string(out)))
		}
	}

	r.logger.Info("Nginx canary include updated",
		"site", r.Site,
		"enabled", route.Enabled,
		"percent", route.Percent,
		"path", r.Path)
	return nil
}
