package main

import (
	"fmt"
	"strings"
	"time"

	"canarybox/internal/deployment"
	"canarybox/internal/health"
	"canarybox/internal/site"
	"canarybox/internal/slots"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v3"
)

// marker renders a status word in the color of its outcome.
func marker(status string) aurora.Value {
	switch status {
	case "PASS", "HEALTHY", deployment.StatusSuccess, "verified":
		return app.color.Green(status)
	case "WARN", "SKIP", deployment.StatusCanaryReady, deployment.StatusManualDecision, "unverified":
		return app.color.Yellow(status)
	default:
		return app.color.Red(status)
	}
}

func printHealth(r *health.Report) {
	for _, res := range r.Results {
		m := "PASS"
		switch {
		case !res.Passed:
			m = "FAIL"
		case res.Warning:
			m = "WARN"
		case res.Skipped:
			m = "SKIP"
		}
		fmt.Printf("[%s] %-14s %s\n", marker(m), res.Name, res.Detail)
	}
	verdict := "HEALTHY"
	if !r.Passed {
		verdict = "UNHEALTHY"
	}
	fmt.Printf("%s: %s\n", marker(verdict), r.Summary())
}

func printLayout(a slots.Assignment) {
	if len(a) == 0 {
		return
	}
	t := tabby.New()
	t.AddHeader("ROLE", "RELEASE")
	for _, r := range site.Roles {
		if release := a.Release(r); release != "" {
			t.AddLine(r, release)
		}
	}
	t.Print()
}

func printResult(res *deployment.Result) {
	if res == nil {
		return
	}
	fmt.Printf("Status: %s\n", marker(res.Status))
	if res.Record != nil && res.Record.ID != "" {
		fmt.Printf("Deployment: %s\n", res.Record.ID)
	}
	if res.Snapshot != nil {
		fmt.Printf("Backup: %s (%s, %s)\n", res.Snapshot.ID, res.Snapshot.Tier, marker(string(res.Snapshot.Integrity)))
	}
	if s := res.Session; s != nil {
		fmt.Printf("Canary: %s at %d%%, %d/%d checks failed", s.ID, s.Percent, s.ErrorCount, s.Checks)
		if s.Reason != "" {
			fmt.Printf(" (%s)", s.Reason)
		}
		fmt.Println()
	}
	if res.Health != nil {
		printHealth(res.Health)
	}
	printLayout(res.Layout)
	if res.NextStep != "" {
		fmt.Printf("Next: %s\n", res.NextStep)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
