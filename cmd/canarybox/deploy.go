package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"canarybox/internal/canary"
	"canarybox/internal/deployment"

	"github.com/spf13/cobra"
)

var deployFlags struct {
	canary         bool
	percent        int
	duration       string
	interval       string
	errorThreshold int
	autoPromote    bool
	rollbackOnFail bool
	maintenance    bool
	skipBackup     bool
	commit         string
	branch         string
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy staging (or canary with --canary) to production",
	Long: `Deploy the staging release to production, or trial the canary release on
a share of traffic first with --canary.

A verified pre-deploy backup is taken unless --skip-backup is given. Staging
must pass a quick health check before a direct swap, and production must pass
a full health check after it. With --rollback-on-fail a failing post-swap
check restores the previous release automatically.`,
	Example: `  canarybox deploy --rollback-on-fail
  canarybox deploy --canary --percent 10 --duration 10m --interval 30s
  canarybox deploy --canary --auto-promote --commit 1a2b3c4d`,
	Args: exactArgs(0),
	RunE: runDeploy,
}

var promoteFlags struct {
	maintenance    bool
	rollbackOnFail bool
}

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Promote a canary that is ready for a decision",
	Args:  exactArgs(0),
	RunE:  runPromote,
}

var rollbackMaintenance bool

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "End the active canary, or restore the previous release",
	Long: `With an active canary session, rollback disables canary routing and ends
the session; production is not touched. Without one, it swaps the previous
release back into production.`,
	Args: exactArgs(0),
	RunE: runRollback,
}

var swapFlags struct {
	maintenance bool
	skipBackup  bool
	repair      bool
}

var swapCmd = &cobra.Command{
	Use:   "swap",
	Short: "Rotate staging into production without health gates",
	Long: `Rotate staging into production, production into previous and previous into
staging, without pre-flight or post-swap health checks.

--repair completes a rotation that was interrupted part way (the next deploy
refuses to run until this is done).`,
	Args: exactArgs(0),
	RunE: runSwap,
}

func init() {
	f := deployCmd.Flags()
	f.BoolVar(&deployFlags.canary, "canary", false, "Trial the canary role before promotion")
	f.IntVar(&deployFlags.percent, "percent", 0, "Share of traffic routed to the canary (default from config)")
	f.StringVar(&deployFlags.duration, "duration", "", "Canary monitoring duration, e.g. 10m (default from config)")
	f.StringVar(&deployFlags.interval, "interval", "", "Interval between canary checks, e.g. 30s (default from config)")
	f.IntVar(&deployFlags.errorThreshold, "error-threshold", 0, "Failed checks that roll the canary back (default from config)")
	f.BoolVar(&deployFlags.autoPromote, "auto-promote", false, "Promote the canary automatically when monitoring passes")
	f.BoolVar(&deployFlags.rollbackOnFail, "rollback-on-fail", false, "Restore the previous release if post-swap health fails")
	f.BoolVar(&deployFlags.maintenance, "maintenance", false, "Enable maintenance mode around the swap")
	f.BoolVar(&deployFlags.skipBackup, "skip-backup", false, "Skip the pre-deploy backup")
	f.StringVar(&deployFlags.commit, "commit", "", "Commit being deployed (recorded and reported)")
	f.StringVar(&deployFlags.branch, "branch", "", "Branch being deployed (recorded and reported)")

	promoteCmd.Flags().BoolVar(&promoteFlags.maintenance, "maintenance", false, "Enable maintenance mode around the swap")
	promoteCmd.Flags().BoolVar(&promoteFlags.rollbackOnFail, "rollback-on-fail", false, "Restore the previous release if post-swap health fails")

	rollbackCmd.Flags().BoolVar(&rollbackMaintenance, "maintenance", false, "Enable maintenance mode around the swap")

	swapCmd.Flags().BoolVar(&swapFlags.maintenance, "maintenance", false, "Enable maintenance mode around the swap")
	swapCmd.Flags().BoolVar(&swapFlags.skipBackup, "skip-backup", false, "Skip the pre-deploy backup")
	swapCmd.Flags().BoolVar(&swapFlags.repair, "repair", false, "Complete an interrupted rotation")
}

// canaryParams overlays command-line flags on the site's canary defaults.
func canaryParams(cmd *cobra.Command, st *stack) (canary.Params, error) {
	p := canary.ParamsFor(st.site)
	if cmd.Flags().Changed("percent") {
		p.Percent = deployFlags.percent
	}
	if cmd.Flags().Changed("error-threshold") {
		p.ErrorThreshold = deployFlags.errorThreshold
	}
	var err error
	if deployFlags.duration != "" {
		if p.Duration, err = parseDuration("--duration", deployFlags.duration); err != nil {
			return p, err
		}
	}
	if deployFlags.interval != "" {
		if p.Interval, err = parseDuration("--interval", deployFlags.interval); err != nil {
			return p, err
		}
	}
	p.AutoPromote = deployFlags.autoPromote
	return p, nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	// SIGINT/SIGTERM cancel the run; canary cleanup still completes
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := app.stack(ctx)
	if err != nil {
		return err
	}

	opts := deployment.Options{
		Canary:         deployFlags.canary,
		RollbackOnFail: deployFlags.rollbackOnFail,
		Maintenance:    deployFlags.maintenance,
		SkipBackup:     deployFlags.skipBackup,
		Commit:         deployFlags.commit,
		Branch:         deployFlags.branch,
	}
	if opts.Canary {
		if opts.CanaryParams, err = canaryParams(cmd, st); err != nil {
			return err
		}
		fmt.Printf("Canary deployment of %s: %d%% of traffic, %d checks every %s\n",
			st.site.Name, opts.CanaryParams.Percent, opts.CanaryParams.Iterations(), opts.CanaryParams.Interval)
	}

	res, err := st.orch.Deploy(ctx, opts)
	printResult(res)
	return err
}

func runPromote(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := app.stack(ctx)
	if err != nil {
		return err
	}
	res, err := st.orch.Promote(ctx, promoteFlags.maintenance, promoteFlags.rollbackOnFail)
	printResult(res)
	return err
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := app.stack(ctx)
	if err != nil {
		return err
	}
	res, err := st.orch.Rollback(ctx, rollbackMaintenance)
	printResult(res)
	return err
}

func runSwap(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := app.stack(ctx)
	if err != nil {
		return err
	}

	if swapFlags.repair {
		layout, err := st.orch.Repair(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Rotation repaired on %s\n", st.site.Name)
		printLayout(layout)
		return nil
	}

	res, err := st.orch.Deploy(ctx, deployment.Options{
		Maintenance: swapFlags.maintenance,
		SkipBackup:  swapFlags.skipBackup,
		SkipHealth:  true,
	})
	printResult(res)
	return err
}
