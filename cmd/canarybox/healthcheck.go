package main

import (
	"os"

	"canarybox/internal/fault"
	"canarybox/internal/health"
	"canarybox/internal/metrics"
	"canarybox/internal/site"

	"github.com/spf13/cobra"
)

var healthFlags struct {
	quick bool
	json  bool
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck <production|staging|previous|canary>",
	Short: "Run health checks against one role",
	Long: `Run the full health check suite (or the quick subset with --quick) against
a role. Exits non-zero when any check fails; warnings never fail the run.`,
	Args: exactArgs(1),
	RunE: runHealthcheck,
}

func init() {
	healthcheckCmd.Flags().BoolVar(&healthFlags.quick, "quick", false, "Run only the quick checks")
	healthcheckCmd.Flags().BoolVar(&healthFlags.json, "json", false, "Print the report as JSON")
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	target, err := site.ParseRole(args[0])
	if err != nil {
		return fault.Wrap(fault.CodePrecondition, err, "invalid role")
	}
	st, err := app.stack(cmd.Context())
	if err != nil {
		return err
	}

	mode := health.ModeFull
	if healthFlags.quick {
		mode = health.ModeQuick
	}
	report, err := st.health.Run(cmd.Context(), target, mode)
	if err != nil {
		return err
	}
	metrics.ObserveHealth(st.site.Name, string(target), string(mode), report.Failures)

	if healthFlags.json {
		if err := report.WriteJSON(os.Stdout); err != nil {
			return err
		}
	} else {
		printHealth(report)
	}

	if !report.Passed {
		return fault.New(fault.CodeThreshold, "%s is unhealthy: %d of %d checks failed", target, report.Failures, report.Total)
	}
	return nil
}
