package main

import (
	"errors"
	"fmt"
	"strings"

	"canarybox/internal/audit"
	"canarybox/internal/fault"
	"canarybox/internal/perf"

	"github.com/cheynewallace/tabby"
	"github.com/spf13/cobra"
)

var baselineFlags struct {
	name      string
	samples   int
	noLatest  bool
	ref       string
	threshold float64
}

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Capture and compare production performance baselines",
}

var baselineCaptureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Measure production and store a named baseline",
	Args:  exactArgs(0),
	RunE:  runBaselineCapture,
}

var baselineCompareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Measure production and compare with a baseline",
	Args:  exactArgs(0),
	RunE:  runBaselineCompare,
}

var baselineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored baselines",
	Args:  exactArgs(0),
	RunE:  runBaselineList,
}

var baselineShowCmd = &cobra.Command{
	Use:   "show [name|latest]",
	Short: "Show one baseline",
	Args:  maximumArgs(1),
	RunE:  runBaselineShow,
}

var baselineLatestCmd = &cobra.Command{
	Use:   "latest <name>",
	Short: "Point the latest baseline at an existing baseline",
	Args:  exactArgs(1),
	RunE:  runBaselineLatest,
}

func init() {
	baselineCaptureCmd.Flags().StringVar(&baselineFlags.name, "name", "", "Baseline name (default: timestamp)")
	baselineCaptureCmd.Flags().IntVar(&baselineFlags.samples, "samples", 0, "Requests per path (default from config)")
	baselineCaptureCmd.Flags().BoolVar(&baselineFlags.noLatest, "no-latest", false, "Do not move the latest pointer")
	baselineCompareCmd.Flags().StringVar(&baselineFlags.ref, "ref", perf.LatestName, "Baseline to compare with")
	baselineCompareCmd.Flags().IntVar(&baselineFlags.samples, "samples", 0, "Requests per path (default from config)")
	baselineCompareCmd.Flags().Float64Var(&baselineFlags.threshold, "threshold", 0, "Regression threshold in percent (default from config)")

	baselineCmd.AddCommand(baselineCaptureCmd)
	baselineCmd.AddCommand(baselineCompareCmd)
	baselineCmd.AddCommand(baselineListCmd)
	baselineCmd.AddCommand(baselineShowCmd)
	baselineCmd.AddCommand(baselineLatestCmd)
}

func samplesOr(configured int) int {
	if baselineFlags.samples > 0 {
		return baselineFlags.samples
	}
	return configured
}

func printMetrics(m perf.Metrics) {
	fmt.Printf("  TTFB:       %.1f ms (min %.1f, max %.1f)\n", m.TTFB, m.TTFBMin, m.TTFBMax)
	fmt.Printf("  Total time: %.1f ms\n", m.TotalTime)
	fmt.Printf("  Download:   %s\n", formatBytes(m.DownloadSize))
	if m.DBQueryTime > 0 {
		fmt.Printf("  DB query:   %.1f ms\n", m.DBQueryTime)
	}
}

func runBaselineCapture(cmd *cobra.Command, args []string) error {
	st, err := app.stack(cmd.Context())
	if err != nil {
		return err
	}
	b, err := st.perf.Capture(cmd.Context(), baselineFlags.name, samplesOr(st.site.Perf.Samples), !baselineFlags.noLatest)
	if err != nil {
		return err
	}
	st.audit.Record(audit.Event{
		Type:    audit.EventBaselineCaptured,
		Site:    st.site.Name,
		Actor:   globals.operator,
		Status:  audit.StatusSuccess,
		Message: fmt.Sprintf("baseline %s: ttfb %.1fms over %d samples", b.Name, b.Metrics.TTFB, b.SampleCount),
	})

	fmt.Printf("Baseline %s captured from %s (%d samples)\n", b.Name, b.Domain, b.SampleCount)
	printMetrics(b.Metrics)
	return nil
}

func runBaselineCompare(cmd *cobra.Command, args []string) error {
	st, err := app.stack(cmd.Context())
	if err != nil {
		return err
	}
	threshold := st.site.Perf.ThresholdPct
	if baselineFlags.threshold > 0 {
		threshold = baselineFlags.threshold
	}

	c, err := st.perf.CompareTo(cmd.Context(), baselineFlags.ref, samplesOr(st.site.Perf.Samples), threshold)
	if err != nil {
		return err
	}

	t := tabby.New()
	t.AddHeader("METRIC", "BASELINE", "CURRENT", "CHANGE", "")
	for _, d := range c.Deltas {
		if d.Skipped {
			t.AddLine(d.Metric, "-", fmt.Sprintf("%.1f", d.Current), "-", marker("SKIP"))
			continue
		}
		verdict := marker("PASS")
		if d.Regression {
			verdict = marker("FAIL")
		}
		t.AddLine(d.Metric, fmt.Sprintf("%.1f", d.Baseline), fmt.Sprintf("%.1f", d.Current), fmt.Sprintf("%+.1f%%", d.PctChange), verdict)
	}
	t.Print()

	if c.Regression {
		st.audit.Record(audit.Event{
			Type:    audit.EventBaselineRegression,
			Site:    st.site.Name,
			Actor:   globals.operator,
			Status:  audit.StatusWarning,
			Message: fmt.Sprintf("regression against %s in %s", c.Baseline, strings.Join(c.Regressed, ", ")),
		})
		return fault.New(fault.CodeThreshold, "performance regression against %s (threshold %.0f%%): %s",
			c.Baseline, threshold, strings.Join(c.Regressed, ", "))
	}
	fmt.Printf("No regression against %s (threshold %.0f%%)\n", c.Baseline, threshold)
	return nil
}

func runBaselineList(cmd *cobra.Command, args []string) error {
	st, err := app.stack(cmd.Context())
	if err != nil {
		return err
	}
	store := st.perf.Store()
	all, err := store.List()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Printf("No baselines for %s\n", st.site.Name)
		return nil
	}
	latest, _ := store.LatestName()

	t := tabby.New()
	t.AddHeader("NAME", "CAPTURED", "SAMPLES", "TTFB (ms)", "TOTAL (ms)", "")
	for _, b := range all {
		mark := ""
		if b.Name == latest {
			mark = perf.LatestName
		}
		t.AddLine(b.Name, formatTime(b.Timestamp), b.SampleCount, fmt.Sprintf("%.1f", b.Metrics.TTFB), fmt.Sprintf("%.1f", b.Metrics.TotalTime), mark)
	}
	t.Print()
	return nil
}

func runBaselineShow(cmd *cobra.Command, args []string) error {
	st, err := app.stack(cmd.Context())
	if err != nil {
		return err
	}
	ref := perf.LatestName
	if len(args) == 1 {
		ref = args[0]
	}
	b, err := st.perf.Store().Load(ref)
	if errors.Is(err, perf.ErrNoBaseline) {
		return fault.Wrap(fault.CodePrecondition, err, "baseline %q", ref)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Baseline %s\n", b.Name)
	fmt.Printf("  Captured:   %s\n", formatTime(b.Timestamp))
	fmt.Printf("  Domain:     %s\n", b.Domain)
	fmt.Printf("  Paths:      %s\n", strings.Join(b.Paths, ", "))
	fmt.Printf("  Samples:    %d\n", b.SampleCount)
	printMetrics(b.Metrics)
	return nil
}

func runBaselineLatest(cmd *cobra.Command, args []string) error {
	st, err := app.stack(cmd.Context())
	if err != nil {
		return err
	}
	if err := st.perf.Store().SetLatest(args[0]); err != nil {
		if errors.Is(err, perf.ErrNoBaseline) {
			return fault.Wrap(fault.CodePrecondition, err, "baseline %q", args[0])
		}
		return err
	}
	fmt.Printf("Latest baseline for %s is now %s\n", st.site.Name, args[0])
	return nil
}
