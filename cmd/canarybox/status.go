package main

import (
	"encoding/json"
	"fmt"
	"os"

	"canarybox/internal/audit"
	"canarybox/internal/deployment"
	"canarybox/internal/fault"
	"canarybox/internal/site"

	"github.com/cheynewallace/tabby"
	"github.com/spf13/cobra"
)

var statusFlags struct {
	json         bool
	limit        int
	historyLimit int
	auditLimit   int
	event        string
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show roles, canary session, lock and recent deployments",
	Args:  exactArgs(0),
	RunE:  runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent deployments for a site",
	Args:  exactArgs(0),
	RunE:  runHistory,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the newest audit events for a site",
	Args:  exactArgs(0),
	RunE:  runAudit,
}

func init() {
	statusCmd.Flags().BoolVar(&statusFlags.json, "json", false, "Print the state as JSON")
	statusCmd.Flags().IntVar(&statusFlags.limit, "limit", 5, "Number of recent deployments and events")
	historyCmd.Flags().IntVarP(&statusFlags.historyLimit, "limit", "n", 20, "Number of deployments")
	auditCmd.Flags().IntVarP(&statusFlags.auditLimit, "limit", "n", 50, "Number of events")
	auditCmd.Flags().StringVar(&statusFlags.event, "type", "", "Only show events of this type")
}

func checkLimit(limit int) error {
	if limit < 1 {
		return fault.New(fault.CodePrecondition, "--limit must be at least 1")
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := checkLimit(statusFlags.limit); err != nil {
		return err
	}
	s, err := app.site()
	if err != nil {
		return err
	}
	hist, err := app.openHistory(cmd.Context())
	if err != nil {
		return err
	}
	state, err := deployment.Inspect(cmd.Context(), s, hist, statusFlags.limit)
	if err != nil {
		return err
	}

	if statusFlags.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	fmt.Printf("Site: %s (%s)\n\n", s.Name, s.Root)
	t := tabby.New()
	t.AddHeader("ROLE", "RELEASE")
	for _, r := range site.Roles {
		release, ok := state.Layout[string(r)]
		if !ok {
			release = "-"
		}
		t.AddLine(r, release)
	}
	t.Print()

	if state.Pending {
		fmt.Printf("\n%s an interrupted rotation is pending; run `canarybox swap --repair`\n", marker("WARN"))
	}
	if state.Lock != nil {
		fmt.Printf("\nLocked by %s\n", state.Lock)
	}
	if c := state.Canary; c != nil {
		fmt.Printf("\nCanary %s: %s at %d%%, %d/%d checks failed, started %s\n",
			c.ID, marker(string(c.Status)), c.Percent, c.ErrorCount, c.Checks, formatTime(c.StartedAt))
	}
	if in := state.Routing; in != nil && in.Enabled {
		fmt.Printf("Routing: %d%% to canary (intent updated %s)\n", in.Percent, formatTime(in.UpdatedAt))
	}

	if len(state.Recent) > 0 {
		fmt.Println()
		t := tabby.New()
		t.AddHeader("DEPLOYMENT", "MODE", "OUTCOME", "STARTED", "OPERATOR", "COMMIT")
		for _, r := range state.Recent {
			t.AddLine(r.ID, r.Mode, marker(string(r.Outcome)), formatTime(r.StartedAt), r.Operator, truncate(deref(r.Commit), 12))
		}
		t.Print()
	}

	if len(state.Events) > 0 {
		fmt.Println()
		for _, e := range state.Events {
			fmt.Println(audit.FormatText(e))
		}
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	if err := checkLimit(statusFlags.historyLimit); err != nil {
		return err
	}
	s, err := app.site()
	if err != nil {
		return err
	}
	hist, err := app.openHistory(cmd.Context())
	if err != nil {
		return err
	}
	records, err := hist.List(cmd.Context(), s.Name, statusFlags.historyLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("No deployments recorded for %s\n", s.Name)
		return nil
	}

	t := tabby.New()
	t.AddHeader("DEPLOYMENT", "MODE", "ROLES", "OUTCOME", "STARTED", "DURATION", "OPERATOR", "ERROR")
	for _, r := range records {
		duration := "-"
		if r.DurationSeconds != nil {
			duration = fmt.Sprintf("%.1fs", *r.DurationSeconds)
		}
		t.AddLine(r.ID, r.Mode, r.SourceRole+" -> "+r.TargetRole, marker(string(r.Outcome)),
			formatTime(r.StartedAt), duration, r.Operator, truncate(deref(r.ErrorMessage), 60))
	}
	t.Print()
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	if err := checkLimit(statusFlags.auditLimit); err != nil {
		return err
	}
	s, err := app.site()
	if err != nil {
		return err
	}
	log, err := audit.Open(s.LogDir)
	if err != nil {
		return fault.Wrap(fault.CodePrecondition, err, "open audit log")
	}

	var events []audit.Event
	if statusFlags.event != "" {
		events, err = log.Filter(audit.EventType(statusFlags.event), s.Name)
		if len(events) > statusFlags.auditLimit {
			events = events[len(events)-statusFlags.auditLimit:]
		}
	} else {
		events, err = log.Tail(statusFlags.auditLimit)
	}
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Println(audit.FormatText(e))
	}
	return nil
}
