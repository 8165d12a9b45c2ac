package perf

import "math"

// Delta is the change of one metric against its baseline.
type Delta struct {
	Metric      string  `json:"metric"`
	Baseline    float64 `json:"baseline"`
	Current     float64 `json:"current"`
	PctChange   float64 `json:"pct_change"`
	Regression  bool    `json:"regression"`
	Improvement bool    `json:"improvement"`
	Skipped     bool    `json:"skipped,omitempty"`
}

// Comparison is the verdict of comparing current metrics with a baseline.
type Comparison struct {
	Baseline     string   `json:"baseline"`
	ThresholdPct float64  `json:"threshold_pct"`
	Current      Metrics  `json:"current"`
	Deltas       []Delta  `json:"deltas"`
	Regression   bool     `json:"regression_detected"`
	Regressed    []string `json:"regressed,omitempty"`
}

// Compare computes pct_change = (current - baseline) / baseline * 100 for
// ttfb, total_time and db_query_time. A change above +threshold is a
// regression; below -threshold is an improvement and informational only.
// Metrics with a zero baseline are skipped.
func Compare(b *Baseline, current Metrics, thresholdPct float64) *Comparison {
	c := &Comparison{
		Baseline:     b.Name,
		ThresholdPct: thresholdPct,
		Current:      current,
	}

	pairs := []struct {
		name      string
		base, cur float64
	}{
		{"ttfb", b.Metrics.TTFB, current.TTFB},
		{"total_time", b.Metrics.TotalTime, current.TotalTime},
		{"db_query_time", b.Metrics.DBQueryTime, current.DBQueryTime},
	}

	for _, p := range pairs {
		d := Delta{Metric: p.name, Baseline: p.base, Current: p.cur}
		if p.base <= 0 {
			d.Skipped = true
			c.Deltas = append(c.Deltas, d)
			continue
		}
		d.PctChange = math.Round((p.cur-p.base)*100/p.base*100) / 100
		d.Regression = d.PctChange > thresholdPct
		d.Improvement = d.PctChange < -thresholdPct
		if d.Regression {
			c.Regression = true
			c.Regressed = append(c.Regressed, p.name)
		}
		c.Deltas = append(c.Deltas, d)
	}

	return c
}

// Delta returns the delta for metric, or false if it was not compared.
func (c *Comparison) Delta(metric string) (Delta, bool) {
	for _, d := range c.Deltas {
		if d.Metric == metric {
			return d, true
		}
	}
	return Delta{}, false
}
