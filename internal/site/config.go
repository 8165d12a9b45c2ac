package site

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"canarybox/internal/security"
	"canarybox/pkg/cmdutil"

	"gopkg.in/yaml.v3"
)

const (
	DefaultLogDir   = "/var/log/canarybox"
	DefaultStateDir = "/var/lib/canarybox"

	DefaultHookTimeout     = 60 * time.Second
	DefaultProbeTimeout    = 5 * time.Second
	DefaultCronMaxAge      = 24 * time.Hour
	DefaultTLSWarnDays     = 30
	DefaultDiskWarnPct     = 80
	DefaultDiskFailPct     = 90
	DefaultPerfSamples     = 5
	DefaultThresholdPct    = 20.0
	DefaultCanaryPercent   = 10
	DefaultCanaryDuration  = 10 * time.Minute
	DefaultCanaryInterval  = time.Minute
	DefaultErrorThreshold  = 3
	DefaultFailureRatePct  = 10.0
	DefaultMinSnapshotSize = 64
	DefaultSensitiveMode   = "0440"
)

// DefaultRetention is the per-tier snapshot count kept by rotation.
var DefaultRetention = map[Tier]int{
	TierHourly: 24,
	TierDaily:  7,
	TierWeekly: 4,
}

// DefaultSchedule is the cron expression per tier for `backup schedule`.
var DefaultSchedule = map[Tier]string{
	TierHourly: "@hourly",
	TierDaily:  "@daily",
	TierWeekly: "@weekly",
}

var defaultAcceptStatus = []int{200, 301, 302}

// Config represents the root configuration structure
type Config struct {
	LogDir   string                `yaml:"log_dir"`
	StateDir string                `yaml:"state_dir"`
	Metrics  MetricsConfig         `yaml:"metrics"`
	Sites    map[string]SiteConfig `yaml:"sites"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
}

// SiteConfig represents the YAML configuration for one site
type SiteConfig struct {
	Root        string            `yaml:"root"`
	URLs        map[string]string `yaml:"urls"`
	Database    DatabaseConfig    `yaml:"database"`
	Hooks       HooksConfig       `yaml:"hooks"`
	Cache       CacheConfig       `yaml:"cache"`
	Overlays    string            `yaml:"overlays"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Health      HealthConfig      `yaml:"health"`
	Perf        PerfConfig        `yaml:"perf"`
	Canary      CanaryConfig      `yaml:"canary"`
	Backup      BackupConfig      `yaml:"backup"`
	Notify      NotifyConfig      `yaml:"notify"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// HooksConfig commands may be a shell-quoted string or a list of arguments.
type HooksConfig struct {
	MaintenanceOn  interface{}   `yaml:"maintenance_on"`
	MaintenanceOff interface{}   `yaml:"maintenance_off"`
	CacheClear     interface{}   `yaml:"cache_clear"`
	BootstrapCheck interface{}   `yaml:"bootstrap_check"`
	DBCheck        interface{}   `yaml:"db_check"`
	CacheRebuild   interface{}   `yaml:"cache_rebuild"`
	CronLastRun    interface{}   `yaml:"cron_last_run"`
	Timeout        time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

type PermissionsConfig struct {
	Owner          string   `yaml:"owner"`
	Group          string   `yaml:"group"`
	SensitiveFiles []string `yaml:"sensitive_files"`
	SensitiveMode  string   `yaml:"sensitive_mode"`
}

// Mode parses SensitiveMode as an octal permission.
func (p PermissionsConfig) Mode() (os.FileMode, error) {
	v, err := strconv.ParseUint(p.SensitiveMode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid sensitive_mode %q: %w", p.SensitiveMode, err)
	}
	return os.FileMode(v).Perm(), nil
}

type HealthConfig struct {
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	AcceptStatus []int         `yaml:"accept_status"`
	CronMaxAge   time.Duration `yaml:"cron_max_age"`
	TLSWarnDays  int           `yaml:"tls_warn_days"`
	DiskWarnPct  float64       `yaml:"disk_warn_pct"`
	DiskFailPct  float64       `yaml:"disk_fail_pct"`
}

type PerfConfig struct {
	Paths        []string `yaml:"paths"`
	Samples      int      `yaml:"samples"`
	ThresholdPct float64  `yaml:"threshold_pct"`
}

type CanaryConfig struct {
	Percent        int           `yaml:"percent"`
	Duration       time.Duration `yaml:"duration"`
	Interval       time.Duration `yaml:"interval"`
	ErrorThreshold int           `yaml:"error_threshold"`
	PerfThreshold  float64       `yaml:"perf_threshold"`
	FailureRatePct float64       `yaml:"failure_rate_pct"`
	Routing        RoutingConfig `yaml:"routing"`
}

type RoutingConfig struct {
	Kind      string      `yaml:"kind"`
	Path      string      `yaml:"path"`
	Reload    interface{} `yaml:"reload"`
	RedisAddr string      `yaml:"redis_addr"`
	Key       string      `yaml:"key"`
}

type BackupConfig struct {
	Root           string          `yaml:"root"`
	PreDeployTier  Tier            `yaml:"pre_deploy_tier"`
	DumpCommand    interface{}     `yaml:"dump_command"`
	RestoreCommand interface{}     `yaml:"restore_command"`
	Excludes       []string        `yaml:"excludes"`
	MinSizeBytes   int64           `yaml:"min_size_bytes"`
	Retention      map[Tier]int    `yaml:"retention"`
	Schedule       map[Tier]string `yaml:"schedule"`
}

type NotifyConfig struct {
	WebhookURL    string       `yaml:"webhook_url"`
	WebhookSecret string       `yaml:"webhook_secret"`
	GitHub        GitHubConfig `yaml:"github"`
}

type GitHubConfig struct {
	Repo     string `yaml:"repo"`
	TokenEnv string `yaml:"token_env"`
}

// LoadConfig loads and validates the configuration from a YAML file
func LoadConfig(configPath string) (*Config, map[string]*Site, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig validates raw YAML and builds Site instances with defaults applied.
func ParseConfig(data []byte) (*Config, map[string]*Site, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if config.Sites == nil {
		config.Sites = make(map[string]SiteConfig)
	}
	if config.LogDir == "" {
		config.LogDir = envOr("CANARYBOX_LOG_DIR", DefaultLogDir)
	}
	if config.StateDir == "" {
		config.StateDir = envOr("CANARYBOX_STATE_DIR", DefaultStateDir)
	}

	names := make([]string, 0, len(config.Sites))
	for name := range config.Sites {
		names = append(names, name)
	}
	sort.Strings(names)

	sites := make(map[string]*Site)
	for _, name := range names {
		siteConfig := config.Sites[name]
		if errors := ValidateSiteConfig(name, siteConfig); len(errors) > 0 {
			return nil, nil, fmt.Errorf("invalid configuration for site '%s':\n%s",
				name, strings.Join(errors, "\n"))
		}

		s, err := buildSite(name, siteConfig, &config)
		if err != nil {
			return nil, nil, err
		}
		sites[name] = s
	}

	return &config, sites, nil
}

func buildSite(name string, sc SiteConfig, config *Config) (*Site, error) {
	s := &Site{
		Name:        name,
		Root:        filepath.Clean(sc.Root),
		URLs:        make(map[Role]string),
		Database:    sc.Database,
		Cache:       sc.Cache,
		Overlays:    sc.Overlays,
		Permissions: sc.Permissions,
		Health:      sc.Health,
		Perf:        sc.Perf,
		Canary:      sc.Canary,
		Backup:      sc.Backup,
		Notify:      sc.Notify,
		LogDir:      filepath.Join(config.LogDir, name),
		StateDir:    filepath.Join(config.StateDir, name),
	}

	for role, u := range sc.URLs {
		s.URLs[Role(role)] = u
	}

	hooks, err := parseHooks(sc.Hooks)
	if err != nil {
		return nil, fmt.Errorf("site '%s': %w", name, err)
	}
	s.Hooks = hooks

	applyDefaults(s)
	return s, nil
}

func parseHooks(hc HooksConfig) (Hooks, error) {
	var h Hooks
	targets := []struct {
		name string
		raw  interface{}
		dst  *[]string
	}{
		{"maintenance_on", hc.MaintenanceOn, &h.MaintenanceOn},
		{"maintenance_off", hc.MaintenanceOff, &h.MaintenanceOff},
		{"cache_clear", hc.CacheClear, &h.CacheClear},
		{"bootstrap_check", hc.BootstrapCheck, &h.BootstrapCheck},
		{"db_check", hc.DBCheck, &h.DBCheck},
		{"cache_rebuild", hc.CacheRebuild, &h.CacheRebuild},
		{"cron_last_run", hc.CronLastRun, &h.CronLastRun},
	}
	for _, t := range targets {
		cmd, err := ParseOptionalCommand(t.raw)
		if err != nil {
			return h, fmt.Errorf("hooks.%s: %w", t.name, err)
		}
		*t.dst = cmd
	}
	h.Timeout = hc.Timeout
	if h.Timeout == 0 {
		h.Timeout = DefaultHookTimeout
	}
	return h, nil
}

// ParseOptionalCommand parses a string or list command; nil or "" yields nil.
func ParseOptionalCommand(raw interface{}) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return cmdutil.ParseCommandList(raw)
}

func applyDefaults(s *Site) {
	if s.Permissions.SensitiveMode == "" {
		s.Permissions.SensitiveMode = DefaultSensitiveMode
	}

	h := &s.Health
	if h.ProbeTimeout == 0 {
		h.ProbeTimeout = DefaultProbeTimeout
	}
	if len(h.AcceptStatus) == 0 {
		h.AcceptStatus = append([]int(nil), defaultAcceptStatus...)
	}
	if h.CronMaxAge == 0 {
		h.CronMaxAge = DefaultCronMaxAge
	}
	if h.TLSWarnDays == 0 {
		h.TLSWarnDays = DefaultTLSWarnDays
	}
	if h.DiskWarnPct == 0 {
		h.DiskWarnPct = DefaultDiskWarnPct
	}
	if h.DiskFailPct == 0 {
		h.DiskFailPct = DefaultDiskFailPct
	}

	p := &s.Perf
	if len(p.Paths) == 0 {
		p.Paths = []string{"/"}
	}
	if p.Samples == 0 {
		p.Samples = DefaultPerfSamples
	}
	if p.ThresholdPct == 0 {
		p.ThresholdPct = DefaultThresholdPct
	}

	c := &s.Canary
	if c.Percent == 0 {
		c.Percent = DefaultCanaryPercent
	}
	if c.Duration == 0 {
		c.Duration = DefaultCanaryDuration
	}
	if c.Interval == 0 {
		c.Interval = DefaultCanaryInterval
	}
	if c.ErrorThreshold == 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	if c.PerfThreshold == 0 {
		c.PerfThreshold = p.ThresholdPct
	}
	if c.FailureRatePct == 0 {
		c.FailureRatePct = DefaultFailureRatePct
	}
	if c.Routing.Kind == "" {
		c.Routing.Kind = "intent"
	}
	if c.Routing.Key == "" {
		c.Routing.Key = "canarybox:routing:" + s.Name
	}

	b := &s.Backup
	if b.Root == "" {
		b.Root = filepath.Join(filepath.Dir(s.StateDir), "backups")
	}
	if b.PreDeployTier == "" {
		b.PreDeployTier = TierHourly
	}
	if b.MinSizeBytes == 0 {
		b.MinSizeBytes = DefaultMinSnapshotSize
	}
	if b.Retention == nil {
		b.Retention = make(map[Tier]int)
	}
	if b.Schedule == nil {
		b.Schedule = make(map[Tier]string)
	}
	for _, t := range Tiers {
		if b.Retention[t] == 0 {
			b.Retention[t] = DefaultRetention[t]
		}
		if b.Schedule[t] == "" {
			b.Schedule[t] = DefaultSchedule[t]
		}
	}

	if s.Notify.GitHub.TokenEnv == "" {
		s.Notify.GitHub.TokenEnv = "GITHUB_TOKEN"
	}
}

// ValidateSiteConfig validates a single site configuration
func ValidateSiteConfig(name string, config SiteConfig) []string {
	var errors []string

	if err := security.ValidateSiteName(name); err != nil {
		errors = append(errors, fmt.Sprintf("  - Site '%s': %v", name, err))
	}

	if config.Root == "" {
		errors = append(errors, fmt.Sprintf("  - Site '%s': missing required 'root' field", name))
	} else if !filepath.IsAbs(config.Root) {
		errors = append(errors, fmt.Sprintf("  - Site '%s': root must be absolute, got '%s'", name, config.Root))
	}

	if config.URLs[string(RoleProduction)] == "" {
		errors = append(errors, fmt.Sprintf("  - Site '%s': missing required 'urls.production'", name))
	}
	for role, raw := range config.URLs {
		if _, err := ParseRole(role); err != nil {
			errors = append(errors, fmt.Sprintf("  - Site '%s': urls: %v", name, err))
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errors = append(errors, fmt.Sprintf("  - Site '%s': urls.%s must be an absolute http(s) URL, got '%s'", name, role, raw))
		}
	}

	hookFields := map[string]interface{}{
		"hooks.maintenance_on":   config.Hooks.MaintenanceOn,
		"hooks.maintenance_off":  config.Hooks.MaintenanceOff,
		"hooks.cache_clear":      config.Hooks.CacheClear,
		"hooks.bootstrap_check":  config.Hooks.BootstrapCheck,
		"hooks.db_check":         config.Hooks.DBCheck,
		"hooks.cache_rebuild":    config.Hooks.CacheRebuild,
		"hooks.cron_last_run":    config.Hooks.CronLastRun,
		"backup.dump_command":    config.Backup.DumpCommand,
		"backup.restore_command": config.Backup.RestoreCommand,
		"canary.routing.reload":  config.Canary.Routing.Reload,
	}
	for field, raw := range hookFields {
		switch raw.(type) {
		case nil, string, []interface{}:
			// Valid
		default:
			errors = append(errors, fmt.Sprintf("  - Site '%s': %s must be a string or list, got %T", name, field, raw))
		}
	}
	if config.Hooks.Timeout < 0 {
		errors = append(errors, fmt.Sprintf("  - Site '%s': hooks.timeout must be positive, got %s", name, config.Hooks.Timeout))
	}

	if config.Permissions.SensitiveMode != "" {
		if _, err := config.Permissions.Mode(); err != nil {
			errors = append(errors, fmt.Sprintf("  - Site '%s': permissions: %v", name, err))
		}
	}
	for _, f := range config.Permissions.SensitiveFiles {
		if filepath.IsAbs(f) || strings.Contains(f, "..") {
			errors = append(errors, fmt.Sprintf("  - Site '%s': sensitive file '%s' must be relative to the slot root", name, f))
		}
	}

	h := config.Health
	if h.DiskWarnPct < 0 || h.DiskWarnPct > 100 || h.DiskFailPct < 0 || h.DiskFailPct > 100 {
		errors = append(errors, fmt.Sprintf("  - Site '%s': disk thresholds must be between 0 and 100", name))
	}
	if h.DiskWarnPct > 0 && h.DiskFailPct > 0 && h.DiskWarnPct >= h.DiskFailPct {
		errors = append(errors, fmt.Sprintf("  - Site '%s': disk_warn_pct must be lower than disk_fail_pct", name))
	}

	if config.Perf.Samples < 0 {
		errors = append(errors, fmt.Sprintf("  - Site '%s': perf.samples must be positive, got %d", name, config.Perf.Samples))
	}
	if config.Perf.ThresholdPct < 0 {
		errors = append(errors, fmt.Sprintf("  - Site '%s': perf.threshold_pct must be positive, got %v", name, config.Perf.ThresholdPct))
	}

	c := config.Canary
	if c.Percent < 0 || c.Percent > 100 {
		errors = append(errors, fmt.Sprintf("  - Site '%s': canary.percent must be between 1 and 100, got %d", name, c.Percent))
	}
	if c.Duration < 0 || c.Interval < 0 {
		errors = append(errors, fmt.Sprintf("  - Site '%s': canary duration and interval must be positive", name))
	}
	if c.Duration > 0 && c.Interval > 0 && c.Interval > c.Duration {
		errors = append(errors, fmt.Sprintf("  - Site '%s': canary.interval (%s) exceeds canary.duration (%s)", name, c.Interval, c.Duration))
	}
	if c.ErrorThreshold < 0 {
		errors = append(errors, fmt.Sprintf("  - Site '%s': canary.error_threshold must be positive, got %d", name, c.ErrorThreshold))
	}
	switch c.Routing.Kind {
	case "", "intent", "nginx", "redis":
	default:
		errors = append(errors, fmt.Sprintf("  - Site '%s': canary.routing.kind must be intent, nginx or redis, got '%s'", name, c.Routing.Kind))
	}
	if c.Routing.Kind == "nginx" && c.Routing.Path == "" {
		errors = append(errors, fmt.Sprintf("  - Site '%s': canary.routing.path is required for nginx routing", name))
	}
	if c.Routing.Kind == "redis" && c.Routing.RedisAddr == "" {
		errors = append(errors, fmt.Sprintf("  - Site '%s': canary.routing.redis_addr is required for redis routing", name))
	}

	b := config.Backup
	if b.Root != "" && !filepath.IsAbs(b.Root) {
		errors = append(errors, fmt.Sprintf("  - Site '%s': backup.root must be absolute, got '%s'", name, b.Root))
	}
	if b.PreDeployTier != "" {
		if _, err := ParseTier(string(b.PreDeployTier)); err != nil {
			errors = append(errors, fmt.Sprintf("  - Site '%s': backup.pre_deploy_tier: %v", name, err))
		}
	}
	for tier, keep := range b.Retention {
		if _, err := ParseTier(string(tier)); err != nil {
			errors = append(errors, fmt.Sprintf("  - Site '%s': backup.retention: %v", name, err))
		} else if keep < 1 {
			errors = append(errors, fmt.Sprintf("  - Site '%s': backup.retention.%s must be at least 1, got %d", name, tier, keep))
		}
	}
	for tier := range b.Schedule {
		if _, err := ParseTier(string(tier)); err != nil {
			errors = append(errors, fmt.Sprintf("  - Site '%s': backup.schedule: %v", name, err))
		}
	}

	if config.Notify.WebhookURL != "" {
		if u, err := url.Parse(config.Notify.WebhookURL); err != nil || u.Host == "" {
			errors = append(errors, fmt.Sprintf("  - Site '%s': notify.webhook_url is not a valid URL", name))
		}
	}
	if config.Notify.WebhookSecret != "" {
		if err := security.ValidateSecret(config.Notify.WebhookSecret); err != nil {
			errors = append(errors, fmt.Sprintf("  - Site '%s': notify.webhook_secret: %v", name, err))
		}
	}
	if repo := config.Notify.GitHub.Repo; repo != "" {
		if parts := strings.Split(repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			errors = append(errors, fmt.Sprintf("  - Site '%s': notify.github.repo must be owner/name, got '%s'", name, repo))
		}
	}

	sort.Strings(errors)
	return errors
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
