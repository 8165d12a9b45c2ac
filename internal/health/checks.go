package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"canarybox/internal/security"
	"canarybox/internal/site"
)

func pass(detail string, args ...interface{}) Result {
	return Result{Passed: true, Detail: fmt.Sprintf(detail, args...)}
}

func fail(detail string, args ...interface{}) Result {
	return Result{Passed: false, Detail: fmt.Sprintf(detail, args...)}
}

func warn(detail string, args ...interface{}) Result {
	return Result{Passed: true, Warning: true, Detail: fmt.Sprintf(detail, args...)}
}

func skip(detail string) Result {
	return Result{Passed: true, Skipped: true, Detail: detail}
}

func (e *Engine) checkHTTP(ctx context.Context, target site.Role) Result {
	u := e.site.URL(target)
	if u == "" {
		return fail("no URL configured for %s", target)
	}

	res, err := e.prober.Probe(ctx, u)
	if err != nil {
		return fail("%s unreachable: %v", u, err)
	}
	for _, ok := range e.site.Health.AcceptStatus {
		if res.StatusCode == ok {
			return pass("%s returned %d in %dms", u, res.StatusCode, res.Duration.Milliseconds())
		}
	}
	return fail("%s returned %d", u, res.StatusCode)
}

func (e *Engine) runHook(ctx context.Context, target site.Role, cmd []string) (string, error) {
	out, err := e.hook.Run(ctx, e.site.RolePath(target), cmd)
	return strings.TrimSpace(string(out)), err
}

func (e *Engine) checkBootstrap(ctx context.Context, target site.Role) Result {
	if e.site.Hooks.BootstrapCheck == nil {
		return skip("no bootstrap_check hook configured")
	}
	out, err := e.runHook(ctx, target, e.site.Hooks.BootstrapCheck)
	if err != nil {
		return fail("bootstrap failed: %v: %s", err, truncate(out))
	}
	return pass("application bootstrapped")
}

func (e *Engine) checkDatabase(ctx context.Context, target site.Role) Result {
	if e.db != nil {
		ctx, cancel := context.WithTimeout(ctx, e.site.Health.ProbeTimeout)
		defer cancel()
		latency, err := e.db.Ping(ctx)
		if err != nil {
			return fail("database unreachable: %v", err)
		}
		return pass("database round trip %dms", latency.Milliseconds())
	}
	if e.site.Hooks.DBCheck != nil {
		out, err := e.runHook(ctx, target, e.site.Hooks.DBCheck)
		if err != nil {
			return fail("db_check failed: %v: %s", err, truncate(out))
		}
		return pass("db_check succeeded")
	}
	return skip("no database DSN or db_check hook configured")
}

func (e *Engine) checkCacheRebuild(ctx context.Context, target site.Role) Result {
	if e.site.Hooks.CacheRebuild == nil {
		return skip("no cache_rebuild hook configured")
	}
	out, err := e.runHook(ctx, target, e.site.Hooks.CacheRebuild)
	if err != nil {
		return fail("cache rebuild failed: %v: %s", err, truncate(out))
	}
	return pass("cache rebuilt")
}

func (e *Engine) checkCron(ctx context.Context, target site.Role) Result {
	if e.site.Hooks.CronLastRun == nil {
		return skip("no cron_last_run hook configured")
	}
	out, err := e.runHook(ctx, target, e.site.Hooks.CronLastRun)
	if err != nil {
		return fail("cron_last_run failed: %v", err)
	}
	epoch, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return fail("cron_last_run printed %q, expected unix seconds", truncate(out))
	}
	if epoch == 0 {
		return fail("scheduled tasks have never run")
	}

	age := e.now().Sub(time.Unix(epoch, 0))
	if age > e.site.Health.CronMaxAge {
		return fail("last scheduled run %s ago (max %s)", age.Round(time.Minute), e.site.Health.CronMaxAge)
	}
	return pass("last scheduled run %s ago", age.Round(time.Second))
}

func (e *Engine) checkTLS(ctx context.Context, target site.Role) Result {
	u := e.site.URL(target)
	if !strings.HasPrefix(u, "https://") {
		return skip("not an https URL")
	}

	notAfter, err := e.certs.NotAfter(ctx, u)
	if err != nil {
		return fail("certificate inspection failed: %v", err)
	}
	remaining := notAfter.Sub(e.now())
	days := int(remaining.Hours() / 24)
	switch {
	case remaining <= 0:
		return fail("certificate expired on %s", notAfter.UTC().Format("2006-01-02"))
	case days < e.site.Health.TLSWarnDays:
		return warn("certificate expires in %d days", days)
	}
	return pass("certificate valid for %d days", days)
}

func (e *Engine) checkDisk(_ context.Context, _ site.Role) Result {
	pct, err := e.disk(e.site.Root)
	if err != nil {
		return fail("disk usage unavailable: %v", err)
	}
	h := e.site.Health
	switch {
	case pct >= h.DiskFailPct:
		return fail("disk %.1f%% used (fail at %.0f%%)", pct, h.DiskFailPct)
	case pct >= h.DiskWarnPct:
		return warn("disk %.1f%% used (warn at %.0f%%)", pct, h.DiskWarnPct)
	}
	return pass("disk %.1f%% used", pct)
}

func (e *Engine) checkPermissions(_ context.Context, target site.Role) Result {
	p := e.site.Permissions
	if len(p.SensitiveFiles) == 0 {
		return skip("no sensitive files configured")
	}
	mode, err := p.Mode()
	if err != nil {
		return fail("%v", err)
	}
	owner, err := security.ResolveOwnership(p.Owner, p.Group)
	if err != nil {
		return fail("%v", err)
	}

	var problems []string
	root := e.site.RolePath(target)
	for _, rel := range p.SensitiveFiles {
		path := filepath.Join(root, rel)
		info, err := os.Stat(path)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: missing", rel))
			continue
		}
		perm := info.Mode().Perm()
		if perm&^mode != 0 {
			problems = append(problems, fmt.Sprintf("%s: mode %04o exceeds %04o", rel, perm, mode))
		}
		if err := security.ValidateOwnership(path, owner); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", rel, err))
		}
	}
	if len(problems) > 0 {
		return fail("%s", strings.Join(problems, "; "))
	}
	return pass("%d sensitive file(s) conform", len(p.SensitiveFiles))
}

func truncate(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
