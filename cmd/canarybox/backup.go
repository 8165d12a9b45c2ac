package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"canarybox/internal/backup"
	"canarybox/internal/fault"
	"canarybox/internal/metrics"
	"canarybox/internal/site"

	"github.com/cheynewallace/tabby"
	"github.com/spf13/cobra"
)

var backupFlags struct {
	tier           string
	listTier       string
	components     string
	maintenance    bool
	rollbackOnFail bool
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Capture, verify, list and restore snapshots",
}

var backupCaptureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture and verify a snapshot of production",
	Args:  exactArgs(0),
	RunE:  runBackupCapture,
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <snapshot-id|latest>",
	Short: "Re-run integrity checks on a snapshot",
	Args:  exactArgs(1),
	RunE:  runBackupVerify,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  exactArgs(0),
	RunE:  runBackupList,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id|latest>",
	Short: "Restore a snapshot into production",
	Long: `Restore a verified snapshot. Its files are extracted into a new release,
staged and rotated into production; its database dump is imported with the
configured restore command. A database-only snapshot is imported in place.`,
	Args: exactArgs(1),
	RunE: runBackupRestore,
}

var backupScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run scheduled tier captures in the foreground",
	Long: `Run the hourly, daily and weekly captures configured under backup.schedule
until interrupted. A capture is skipped while a deployment holds the site lock.`,
	Args: exactArgs(0),
	RunE: runBackupSchedule,
}

func init() {
	backupCaptureCmd.Flags().StringVar(&backupFlags.tier, "tier", string(site.TierHourly), "Retention tier: hourly, daily, weekly")
	backupCaptureCmd.Flags().StringVar(&backupFlags.components, "components", "", "database, files or full (default: full with a dump command, else files)")
	backupListCmd.Flags().StringVar(&backupFlags.listTier, "tier", "", "Only list this tier")
	backupRestoreCmd.Flags().BoolVar(&backupFlags.maintenance, "maintenance", false, "Enable maintenance mode around the swap")
	backupRestoreCmd.Flags().BoolVar(&backupFlags.rollbackOnFail, "rollback-on-fail", false, "Restore the previous release if post-swap health fails")

	backupCmd.AddCommand(backupCaptureCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupScheduleCmd)
}

func parseTier(v string) (site.Tier, error) {
	t, err := site.ParseTier(v)
	if err != nil {
		return "", fault.Wrap(fault.CodePrecondition, err, "invalid --tier")
	}
	return t, nil
}

func printSnapshot(snap *backup.Snapshot) {
	fmt.Printf("Snapshot %s\n", snap.ID)
	fmt.Printf("  Tier:       %s\n", snap.Tier)
	fmt.Printf("  Components: %s\n", snap.Components)
	fmt.Printf("  Size:       %s\n", formatBytes(snap.Size))
	if snap.SourceRelease != "" {
		fmt.Printf("  Release:    %s\n", snap.SourceRelease)
	}
	fmt.Printf("  Integrity:  %s\n", marker(string(snap.Integrity)))
	if snap.Reason != "" {
		fmt.Printf("  Reason:     %s\n", snap.Reason)
	}
}

func runBackupCapture(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := app.stack(ctx)
	if err != nil {
		return err
	}
	tier, err := parseTier(backupFlags.tier)
	if err != nil {
		return err
	}
	components := st.backups.DefaultComponents()
	if backupFlags.components != "" {
		if components, err = backup.ParseComponent(backupFlags.components); err != nil {
			return fault.Wrap(fault.CodePrecondition, err, "invalid --components")
		}
	}

	// Captures never run alongside a deployment on the same site
	release, err := st.orch.BackupGuard()(ctx)
	if err != nil {
		return err
	}
	defer release()

	snap, err := st.backups.Capture(ctx, components, tier)
	if snap != nil {
		metrics.ObserveBackup(st.site.Name, string(snap.Tier), string(snap.Integrity), snap.Size)
		printSnapshot(snap)
	}
	return err
}

func runBackupVerify(cmd *cobra.Command, args []string) error {
	st, err := app.stack(cmd.Context())
	if err != nil {
		return err
	}
	snap, err := st.backups.Find(args[0])
	if err != nil {
		return err
	}
	err = st.backups.Verify(snap)
	printSnapshot(snap)

	var verr *backup.VerifyError
	if errors.As(err, &verr) {
		return fault.Wrap(fault.CodeThreshold, err, "snapshot %s failed verification", snap.ID)
	}
	return err
}

func runBackupList(cmd *cobra.Command, args []string) error {
	st, err := app.stack(cmd.Context())
	if err != nil {
		return err
	}
	var tier site.Tier
	if backupFlags.listTier != "" {
		if tier, err = parseTier(backupFlags.listTier); err != nil {
			return err
		}
	}
	snaps, err := st.backups.List(tier)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Printf("No snapshots for %s\n", st.site.Name)
		return nil
	}

	t := tabby.New()
	t.AddHeader("ID", "TIER", "COMPONENTS", "CREATED", "SIZE", "INTEGRITY")
	for _, snap := range snaps {
		t.AddLine(snap.ID, snap.Tier, snap.Components, formatTime(snap.CreatedAt), formatBytes(snap.Size), marker(string(snap.Integrity)))
	}
	t.Print()
	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := app.stack(ctx)
	if err != nil {
		return err
	}
	res, err := st.orch.Restore(ctx, args[0], backupFlags.maintenance, backupFlags.rollbackOnFail)
	printResult(res)
	return err
}

func runBackupSchedule(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := app.stack(ctx)
	if err != nil {
		return err
	}
	if len(st.site.Backup.Schedule) == 0 {
		return fault.New(fault.CodePrecondition, "site %s has no backup.schedule", st.site.Name)
	}

	fmt.Printf("Running scheduled backups for %s (Ctrl+C to stop)\n", st.site.Name)
	return backup.NewScheduler(st.backups, st.orch.BackupGuard()).Run(ctx)
}
