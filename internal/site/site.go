package site

import (
	"fmt"
	"path/filepath"
	"time"
)

// Role is a fixed logical slot name bound to one release directory at a time.
type Role string

const (
	RoleProduction Role = "production"
	RoleStaging    Role = "staging"
	RolePrevious   Role = "previous"
	RoleCanary     Role = "canary"
)

// Roles is the fixed role set in display order.
var Roles = []Role{RoleProduction, RoleStaging, RolePrevious, RoleCanary}

// ParseRole validates a role name given on the command line.
func ParseRole(name string) (Role, error) {
	for _, r := range Roles {
		if string(r) == name {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q (expected production, staging, previous or canary)", name)
}

// Tier is a backup retention cadence.
type Tier string

const (
	TierHourly Tier = "hourly"
	TierDaily  Tier = "daily"
	TierWeekly Tier = "weekly"
)

// Tiers lists every backup tier.
var Tiers = []Tier{TierHourly, TierDaily, TierWeekly}

// ParseTier validates a tier name.
func ParseTier(name string) (Tier, error) {
	for _, t := range Tiers {
		if string(t) == name {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tier %q (expected hourly, daily or weekly)", name)
}

// Site is a validated deployment target with defaults applied.
type Site struct {
	Name        string
	Root        string
	URLs        map[Role]string
	Database    DatabaseConfig
	Hooks       Hooks
	Cache       CacheConfig
	Overlays    string
	Permissions PermissionsConfig
	Health      HealthConfig
	Perf        PerfConfig
	Canary      CanaryConfig
	Backup      BackupConfig
	Notify      NotifyConfig

	// LogDir and StateDir are per-site directories derived from the global config.
	LogDir   string
	StateDir string
}

// Hooks holds parsed runtime hook commands. A nil command is not configured.
type Hooks struct {
	MaintenanceOn  []string
	MaintenanceOff []string
	CacheClear     []string
	BootstrapCheck []string
	DBCheck        []string
	CacheRebuild   []string
	CronLastRun    []string
	Timeout        time.Duration
}

// RolePath returns the role's path under the site root.
func (s *Site) RolePath(r Role) string {
	return filepath.Join(s.Root, string(r))
}

// ReleasesDir is where the physical release directories live.
func (s *Site) ReleasesDir() string {
	return filepath.Join(s.Root, "releases")
}

// BaselineDir holds captured performance baselines.
func (s *Site) BaselineDir() string {
	return filepath.Join(s.LogDir, "baselines")
}

// URL returns the probe URL for a role, or "" when none is configured.
func (s *Site) URL(r Role) string {
	return s.URLs[r]
}

// NewSite returns a site rooted at root with every default applied. Log
// and state directories are used as given.
func NewSite(name, root, logDir, stateDir string) *Site {
	s := &Site{
		Name:     name,
		Root:     root,
		URLs:     make(map[Role]string),
		LogDir:   logDir,
		StateDir: stateDir,
		Hooks:    Hooks{Timeout: DefaultHookTimeout},
	}
	applyDefaults(s)
	return s
}
