// Package routing signals partial-traffic routing for canary releases. The
// deployment tool never proxies traffic itself; each Router only publishes
// the desired split to whatever fronts the site.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"canarybox/internal/security"
	"canarybox/internal/site"
	"canarybox/pkg/cmdutil"
	"canarybox/pkg/fileutil"
)

// Kinds of router selectable in the site configuration.
const (
	KindIntent = "intent"
	KindNginx  = "nginx"
	KindRedis  = "redis"
)

// IntentFile is the default intent path under the site state dir.
const IntentFile = "routing.json"

// Route is the split to publish.
type Route struct {
	Percent    int
	SessionID  string
	CanaryRoot string
	// ProductionRoot is the release production serves while the canary runs.
	ProductionRoot string
}

// Router enables and disables a canary traffic split. Disable must be safe
// to call when nothing is enabled.
type Router interface {
	Enable(ctx context.Context, r Route) error
	Disable(ctx context.Context) error
}

// Intent is the JSON document published by every router kind.
type Intent struct {
	Site           string    `json:"site"`
	Enabled        bool      `json:"enabled"`
	Percent        int       `json:"percent"`
	SessionID      string    `json:"session_id,omitempty"`
	CanaryRoot     string    `json:"canary_root,omitempty"`
	ProductionRoot string    `json:"production_root,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func newIntent(siteName string, r *Route, now time.Time) Intent {
	in := Intent{Site: siteName, UpdatedAt: now.UTC()}
	if r != nil {
		in.Enabled = true
		in.Percent = r.Percent
		in.SessionID = r.SessionID
		in.CanaryRoot = r.CanaryRoot
		in.ProductionRoot = r.ProductionRoot
	}
	return in
}

func validate(r Route) error {
	if r.Percent < 1 || r.Percent > 100 {
		return fmt.Errorf("canary percent must be between 1 and 100, got %d", r.Percent)
	}
	return nil
}

// IntentPath is where the intent router publishes for s, or "" when the
// site routes through another kind.
func IntentPath(s *site.Site) string {
	cfg := s.Canary.Routing
	if cfg.Kind != "" && cfg.Kind != KindIntent {
		return ""
	}
	if cfg.Path != "" {
		return cfg.Path
	}
	return filepath.Join(s.StateDir, IntentFile)
}

// New builds the router configured for s.
func New(s *site.Site, logger *slog.Logger) (Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := s.Canary.Routing
	switch cfg.Kind {
	case "", KindIntent:
		return NewIntentRouter(s.Name, IntentPath(s), logger), nil
	case KindNginx:
		reload, err := site.ParseOptionalCommand(cfg.Reload)
		if err != nil {
			return nil, fmt.Errorf("canary.routing.reload: %w", err)
		}
		return &NginxRouter{
			Site:           s.Name,
			Path:           cfg.Path,
			Reload:         reload,
			Hook:           cmdutil.HookRunner{Timeout: s.Hooks.Timeout},
			CanaryPath:     s.RolePath(site.RoleCanary),
			ProductionPath: s.RolePath(site.RoleProduction),
			logger:         logger,
		}, nil
	case KindRedis:
		return NewRedisRouter(s.Name, cfg.RedisAddr, cfg.Key, logger), nil
	default:
		return nil, fmt.Errorf("unknown routing kind %q", cfg.Kind)
	}
}

// IntentRouter writes the desired split to a JSON file for an external
// agent (load balancer sync job, config management) to apply.
type IntentRouter struct {
	Site   string
	Path   string
	logger *slog.Logger
	now    func() time.Time
}

func NewIntentRouter(siteName, path string, logger *slog.Logger) *IntentRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentRouter{Site: siteName, Path: path, logger: logger, now: time.Now}
}

func (r *IntentRouter) Enable(ctx context.Context, route Route) error {
	if err := validate(route); err != nil {
		return err
	}
	if err := r.write(newIntent(r.Site, &route, r.now())); err != nil {
		return err
	}
	r.logger.Info("Canary routing intent enabled", "site", r.Site, "percent", route.Percent, "path", r.Path)
	return nil
}

func (r *IntentRouter) Disable(ctx context.Context) error {
	if err := r.write(newIntent(r.Site, nil, r.now())); err != nil {
		return err
	}
	r.logger.Info("Canary routing intent disabled", "site", r.Site, "path", r.Path)
	return nil
}

func (r *IntentRouter) write(in Intent) error {
	if err := security.CreateSecureDir(filepath.Dir(r.Path), security.PermDirectory); err != nil {
		return fmt.Errorf("failed to create routing directory: %w", err)
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomic(r.Path, append(data, '\n'), security.PermStateFile); err != nil {
		return fmt.Errorf("failed to write routing intent: %w", err)
	}
	return nil
}

// ReadIntent loads a published intent file.
func ReadIntent(path string) (*Intent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing intent: %w", err)
	}
	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid routing intent %s: %w", path, err)
	}
	return &in, nil
}
