// Package perf samples response timings, keeps immutable named baselines
// and computes regression percentages against them.
package perf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"canarybox/internal/fault"
	"canarybox/internal/health"
	"canarybox/internal/site"
)

// Metrics are milliseconds except DownloadSize, which is average bytes.
type Metrics struct {
	TTFB         float64 `json:"ttfb"`
	TTFBMin      float64 `json:"ttfb_min"`
	TTFBMax      float64 `json:"ttfb_max"`
	TotalTime    float64 `json:"total_time"`
	DownloadSize int64   `json:"download_size"`
	DBQueryTime  float64 `json:"db_query_time"`
}

// Baseline is a named, immutable measurement.
type Baseline struct {
	Name        string    `json:"name"`
	Timestamp   time.Time `json:"timestamp"`
	Domain      string    `json:"domain"`
	Paths       []string  `json:"paths"`
	SampleCount int       `json:"sample_count"`
	Metrics     Metrics   `json:"metrics"`
}

// Tracker measures a site's production URL.
type Tracker struct {
	site    *site.Site
	sampler Sampler
	db      health.DBPinger
	store   *Store
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Tracker)

func WithSampler(s Sampler) Option          { return func(t *Tracker) { t.sampler = s } }
func WithDB(db health.DBPinger) Option      { return func(t *Tracker) { t.db = db } }
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(t *Tracker) { t.logger = l } }

func NewTracker(s *site.Site, opts ...Option) *Tracker {
	t := &Tracker{
		site:    s,
		sampler: NewHTTPSampler(s.Health.ProbeTimeout),
		store:   NewStore(s.BaselineDir()),
		now:     time.Now,
		logger:  slog.Default(),
	}
	if s.Database.DSN != "" {
		t.db = health.PgxPinger{DSN: s.Database.DSN}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Store returns the baseline store backing this tracker.
func (t *Tracker) Store() *Store {
	return t.store
}

// Domain is the URL baselines for this site are measured against.
func (t *Tracker) Domain() string {
	return strings.TrimRight(t.site.URL(site.RoleProduction), "/")
}

// Measure issues samples requests against every configured path and
// reduces them to Metrics.
func (t *Tracker) Measure(ctx context.Context, samples int) (Metrics, int, error) {
	domain := t.Domain()
	if domain == "" {
		return Metrics{}, 0, fault.New(fault.CodePrecondition, "no production URL configured for site %s", t.site.Name)
	}
	if samples < 1 {
		samples = 1
	}

	var ttfbs, totals []float64
	var bytes int64
	for _, p := range t.site.Perf.Paths {
		u := domain + "/" + strings.TrimLeft(p, "/")
		for i := 0; i < samples; i++ {
			if err := ctx.Err(); err != nil {
				return Metrics{}, 0, err
			}
			s, err := t.sampler.Sample(ctx, u)
			if err != nil {
				return Metrics{}, 0, fault.Wrap(fault.CodeTransient, err, "sample %s", u)
			}
			ttfbs = append(ttfbs, millis(s.TTFB))
			totals = append(totals, millis(s.Total))
			bytes += s.Bytes
		}
	}

	m := Metrics{
		TTFB:         mean(ttfbs),
		TTFBMin:      minOf(ttfbs),
		TTFBMax:      maxOf(ttfbs),
		TotalTime:    mean(totals),
		DownloadSize: bytes / int64(len(ttfbs)),
	}

	if t.db != nil {
		latency, err := t.db.Ping(ctx)
		if err != nil {
			t.logger.Warn("Database latency probe failed", "site", t.site.Name, "error", err)
		} else {
			m.DBQueryTime = millis(latency)
		}
	}

	return m, len(ttfbs), nil
}

// Capture measures and stores a new baseline. When setLatest is true the
// latest pointer moves to it.
func (t *Tracker) Capture(ctx context.Context, name string, samples int, setLatest bool) (*Baseline, error) {
	if name == "" {
		name = t.now().UTC().Format("20060102-150405")
	}
	if err := ValidateName(name); err != nil {
		return nil, fault.Wrap(fault.CodePrecondition, err, "invalid baseline name")
	}
	if t.store.Exists(name) {
		return nil, fault.New(fault.CodePrecondition, "baseline %q already exists", name)
	}

	m, count, err := t.Measure(ctx, samples)
	if err != nil {
		return nil, err
	}

	b := &Baseline{
		Name:        name,
		Timestamp:   t.now().UTC(),
		Domain:      t.Domain(),
		Paths:       append([]string(nil), t.site.Perf.Paths...),
		SampleCount: count,
		Metrics:     m,
	}
	if err := t.store.Save(b); err != nil {
		return nil, err
	}
	if setLatest {
		if err := t.store.SetLatest(name); err != nil {
			return nil, err
		}
	}

	t.logger.Info("Baseline captured",
		"site", t.site.Name,
		"baseline", name,
		"ttfb_ms", m.TTFB,
		"samples", count)
	return b, nil
}

// CompareTo measures current performance and compares it with the
// baseline named ref ("latest" follows the pointer).
func (t *Tracker) CompareTo(ctx context.Context, ref string, samples int, thresholdPct float64) (*Comparison, error) {
	b, err := t.store.Load(ref)
	if err != nil {
		if errors.Is(err, ErrNoBaseline) {
			return nil, fault.Wrap(fault.CodePrecondition, err, "baseline %q", ref)
		}
		return nil, err
	}

	current, _, err := t.Measure(ctx, samples)
	if err != nil {
		return nil, err
	}

	c := Compare(b, current, thresholdPct)
	if c.Regression {
		t.logger.Warn("Performance regression detected",
			"site", t.site.Name,
			"baseline", b.Name,
			"threshold_pct", thresholdPct)
	}
	return c, nil
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return round3(sum / float64(len(v)))
}

func minOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	m := v[0]
	for _, x := range v[1:] {
		m = math.Min(m, x)
	}
	return m
}

func maxOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	m := v[0]
	for _, x := range v[1:] {
		m = math.Max(m, x)
	}
	return m
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}

// ValidateName rejects names that would escape the baseline directory or
// collide with the latest pointer.
func ValidateName(name string) error {
	if name == "" || name == LatestName {
		return fmt.Errorf("name %q is reserved", name)
	}
	if strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("name %q contains path characters", name)
	}
	if len(name) > 128 {
		return fmt.Errorf("name too long (max 128 characters)")
	}
	return nil
}
