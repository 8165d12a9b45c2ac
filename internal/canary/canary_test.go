package canary

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"canarybox/internal/audit"
	"canarybox/internal/fault"
	"canarybox/internal/health"
	"canarybox/internal/perf"
	"canarybox/internal/routing"
	"canarybox/internal/site"
	"canarybox/internal/slots"
)

// fakeHealth returns scripted outcomes per target and mode; unscripted
// runs pass.
type fakeHealth struct {
	script map[string][]bool
	runs   map[string]int
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{script: map[string][]bool{}, runs: map[string]int{}}
}

func key(target site.Role, mode health.Mode) string {
	return fmt.Sprintf("%s/%s", target, mode)
}

func (f *fakeHealth) fail(target site.Role, mode health.Mode, outcomes ...bool) {
	f.script[key(target, mode)] = outcomes
}

func (f *fakeHealth) Run(ctx context.Context, target site.Role, mode health.Mode) (*health.Report, error) {
	k := key(target, mode)
	passed := true
	if outcomes := f.script[k]; f.runs[k] < len(outcomes) {
		passed = outcomes[f.runs[k]]
	}
	f.runs[k]++

	r := &health.Report{Site: "example", Target: target, Mode: mode, Total: 1, Passed: passed}
	r.Results = []health.Result{{Name: "http", Passed: passed}}
	if !passed {
		r.Failures = 1
	}
	return r, nil
}

type fakeRouter struct {
	enabled  bool
	enables  int
	disables int
	last     routing.Route
	err      error
}

func (f *fakeRouter) Enable(ctx context.Context, r routing.Route) error {
	if f.err != nil {
		return f.err
	}
	f.enabled = true
	f.enables++
	f.last = r
	return nil
}

func (f *fakeRouter) Disable(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.enabled = false
	f.disables++
	return nil
}

type fakePerf struct {
	regression bool
	err        error
	calls      int
}

func (f *fakePerf) CompareTo(ctx context.Context, ref string, samples int, thresholdPct float64) (*perf.Comparison, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	c := &perf.Comparison{Baseline: ref, ThresholdPct: thresholdPct, Regression: f.regression}
	if f.regression {
		c.Regressed = []string{"ttfb"}
	}
	return c, nil
}

// fixedSampler reports the same timing for every request.
type fixedSampler struct{ ttfb time.Duration }

func (f fixedSampler) Sample(ctx context.Context, rawURL string) (perf.Sample, error) {
	return perf.Sample{TTFB: f.ttfb, Total: f.ttfb + 40*time.Millisecond, Bytes: 2048}, nil
}

type memRecorder struct{ events []audit.Event }

func (m *memRecorder) Record(e audit.Event) error {
	m.events = append(m.events, e)
	return nil
}

func (m *memRecorder) count(t audit.EventType) int {
	n := 0
	for _, e := range m.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	site   *site.Site
	slots  *slots.Manager
	health *fakeHealth
	router *fakeRouter
	audit  *memRecorder
	ctrl   *Controller
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s := site.NewSite("example", t.TempDir(), t.TempDir(), t.TempDir())
	s.URLs[site.RoleProduction] = "https://example.com"

	sm := slots.NewManager(s)
	if _, err := sm.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	f := &fixture{site: s, slots: sm, health: newFakeHealth(), router: &fakeRouter{}, audit: &memRecorder{}}
	base := []Option{WithSleep(noSleep), WithAudit(f.audit, "ops")}
	f.ctrl = NewController(s, sm, f.health, f.router, append(base, opts...)...)
	return f
}

func (f *fixture) layout(t *testing.T) slots.Assignment {
	t.Helper()
	a, err := f.slots.Layout()
	if err != nil {
		t.Fatalf("Layout failed: %v", err)
	}
	return a
}

func params(iterations int) Params {
	return Params{
		Percent:        10,
		Duration:       time.Duration(iterations) * time.Minute,
		Interval:       time.Minute,
		ErrorThreshold: 3,
		PerfThreshold:  20,
		FailureRatePct: 10,
	}
}

func TestDeploy_ThresholdRollbackLeavesProductionUntouched(t *testing.T) {
	f := newFixture(t)
	f.health.fail(site.RoleProduction, health.ModeQuick, false, false, false)
	before := f.layout(t)

	sess, err := f.ctrl.Deploy(context.Background(), params(5))
	if !errors.Is(err, fault.Threshold) {
		t.Fatalf("Expected THRESHOLD_BREACH, got %v", err)
	}
	if sess.Status != StatusRolledBack {
		t.Errorf("Expected status rolled_back, got %s", sess.Status)
	}
	if sess.Checks != 3 || sess.ErrorCount != 3 {
		t.Errorf("Expected monitoring to stop after 3 failed checks, got %d/%d", sess.ErrorCount, sess.Checks)
	}

	after := f.layout(t)
	if after[site.RoleProduction] != before[site.RoleProduction] {
		t.Error("Production moved on rollback")
	}
	if after.String() != before.String() {
		t.Errorf("Layout changed on rollback: %s -> %s", before, after)
	}
	if f.router.enabled || f.router.disables != 1 {
		t.Errorf("Expected routing disabled once, got enabled=%v disables=%d", f.router.enabled, f.router.disables)
	}
	if active, _ := f.ctrl.Active(); active != nil {
		t.Errorf("Expected no active session, got %+v", active)
	}
	if f.audit.count(audit.EventCanaryRolledBack) != 1 {
		t.Error("Expected one canary_rolled_back event")
	}
}

func TestDeploy_AutoPromoteScenario(t *testing.T) {
	f := newFixture(t)
	logDir := t.TempDir()
	log, err := audit.Open(logDir)
	if err != nil {
		t.Fatal(err)
	}
	f.ctrl.audit = log

	tracker := perf.NewTracker(f.site, perf.WithSampler(fixedSampler{ttfb: 200 * time.Millisecond}))
	b, err := tracker.Capture(context.Background(), "b1", 3, true)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if b.Metrics.TTFB != 200 {
		t.Fatalf("Expected baseline ttfb 200, got %v", b.Metrics.TTFB)
	}
	f.ctrl.perf = tracker

	before := f.layout(t)
	p := params(2)
	p.AutoPromote = true
	p.Baseline = "b1"
	p.PerfSamples = 3

	sess, err := f.ctrl.Deploy(context.Background(), p)
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if sess.Status != StatusPromoting {
		t.Errorf("Expected final status promoting, got %s", sess.Status)
	}
	if sess.Checks != 2 || sess.ErrorCount != 0 {
		t.Errorf("Expected 2 clean checks, got %d errors in %d", sess.ErrorCount, sess.Checks)
	}

	after := f.layout(t)
	if after[site.RoleProduction] != before[site.RoleCanary] {
		t.Errorf("Expected production=%s, got %s", before.Release(site.RoleCanary), after.Release(site.RoleProduction))
	}
	if f.router.enables != 1 || f.router.enabled {
		t.Errorf("Expected routing enabled once then disabled, got enables=%d enabled=%v", f.router.enables, f.router.enabled)
	}
	if f.router.last.Percent != 10 {
		t.Errorf("Expected 10%% routing, got %d", f.router.last.Percent)
	}

	promoted, err := log.Filter(audit.EventCanaryPromoted, "example")
	if err != nil {
		t.Fatal(err)
	}
	if len(promoted) != 1 {
		t.Errorf("Expected exactly one canary_promoted event, got %d", len(promoted))
	}
	if active, _ := f.ctrl.Active(); active != nil {
		t.Error("Expected session cleared after promotion")
	}
}

// includeRoot returns the root an nginx include maps label to.
func includeRoot(t *testing.T, path, label string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read include: %v", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(line), ";"))
		if len(fields) == 2 && fields[0] == label {
			return fields[1]
		}
	}
	t.Fatalf("No %s root in include:\n%s", label, data)
	return ""
}

func resolve(t *testing.T, path string) string {
	t.Helper()
	r, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatalf("Failed to resolve %s: %v", path, err)
	}
	return r
}

func TestDeploy_NginxServesPromotedRelease(t *testing.T) {
	f := newFixture(t)
	f.site.Canary.Routing.Kind = routing.KindNginx
	f.site.Canary.Routing.Path = filepath.Join(t.TempDir(), "conf.d", "canary.conf")
	router, err := routing.New(f.site, nil)
	if err != nil {
		t.Fatalf("routing.New failed: %v", err)
	}
	f.ctrl = NewController(f.site, f.slots, f.health, router, WithSleep(noSleep), WithAudit(f.audit, "ops"))

	before := f.layout(t)
	p := params(2)
	p.AutoPromote = true

	sess, err := f.ctrl.Deploy(context.Background(), p)
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if sess.Status != StatusPromoting {
		t.Fatalf("Expected status promoting, got %s", sess.Status)
	}

	after := f.layout(t)
	if after[site.RoleProduction] != before[site.RoleCanary] {
		t.Fatalf("Expected canary promoted to production, got %s", after)
	}

	path := f.site.Canary.Routing.Path
	for _, label := range []string{"production", "canary"} {
		root := includeRoot(t, path, label)
		if got, want := resolve(t, root), resolve(t, after[site.RoleProduction]); got != want {
			t.Errorf("Expected %s traffic on promoted release %s, got %s", label, want, got)
		}
	}
}

func TestDeploy_ReadyThenPromote(t *testing.T) {
	f := newFixture(t)
	before := f.layout(t)

	sess, err := f.ctrl.Deploy(context.Background(), params(2))
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if sess.Status != StatusReady {
		t.Fatalf("Expected status ready, got %s", sess.Status)
	}
	if !f.router.enabled {
		t.Error("Routing must stay enabled while awaiting a decision")
	}
	if f.layout(t).String() != before.String() {
		t.Error("Layout changed before promote")
	}

	// A second deploy is rejected while the session is parked
	if _, err := f.ctrl.Deploy(context.Background(), params(2)); !errors.Is(err, fault.CanaryActive) {
		t.Errorf("Expected CANARY_ALREADY_ACTIVE, got %v", err)
	}
	if !f.router.enabled {
		t.Error("Rejected deploy must not touch routing")
	}

	if _, err := f.ctrl.Promote(context.Background(), false); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	if f.layout(t)[site.RoleProduction] != before[site.RoleCanary] {
		t.Error("Expected canary promoted to production")
	}

	// Promoting again must not rotate a second time
	mid := f.layout(t)
	if _, err := f.ctrl.Promote(context.Background(), false); !errors.Is(err, fault.NoSession) {
		t.Errorf("Expected NO_CANARY_SESSION on second promote, got %v", err)
	}
	if f.layout(t).String() != mid.String() {
		t.Error("Second promote rotated the layout")
	}
	if f.audit.count(audit.EventCanaryPromoted) != 1 {
		t.Errorf("Expected one canary_promoted event, got %d", f.audit.count(audit.EventCanaryPromoted))
	}
}

func TestRollback_ParkedSession(t *testing.T) {
	f := newFixture(t)
	before := f.layout(t)
	if _, err := f.ctrl.Deploy(context.Background(), params(1)); err != nil {
		t.Fatal(err)
	}

	sess, err := f.ctrl.Rollback(context.Background(), "operator decision")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if sess.Status != StatusRolledBack || sess.Reason != "operator decision" {
		t.Errorf("Unexpected session after rollback: %+v", sess)
	}
	if f.router.enabled {
		t.Error("Routing still enabled after rollback")
	}
	if f.layout(t).String() != before.String() {
		t.Error("Rollback touched the filesystem")
	}
	if _, err := f.ctrl.Rollback(context.Background(), "again"); !errors.Is(err, fault.NoSession) {
		t.Errorf("Expected NO_CANARY_SESSION, got %v", err)
	}
}

func TestDeploy_CanaryHealthGate(t *testing.T) {
	f := newFixture(t)
	f.health.fail(site.RoleCanary, health.ModeFull, false)

	sess, err := f.ctrl.Deploy(context.Background(), params(2))
	if !errors.Is(err, fault.Threshold) {
		t.Fatalf("Expected THRESHOLD_BREACH, got %v", err)
	}
	if sess.Status != StatusRolledBack {
		t.Errorf("Expected rolled_back, got %s", sess.Status)
	}
	if f.router.enables != 0 {
		t.Error("Routing enabled despite failed health gate")
	}
	if f.health.runs[key(site.RoleProduction, health.ModeQuick)] != 0 {
		t.Error("Monitoring ran despite failed health gate")
	}
	if active, _ := f.ctrl.Active(); active != nil {
		t.Error("Session left behind after failed gate")
	}
}

func TestDeploy_RoutingFailureClearsSession(t *testing.T) {
	f := newFixture(t)
	f.router.err = errors.New("connection refused")

	if _, err := f.ctrl.Deploy(context.Background(), params(2)); err == nil {
		t.Fatal("Expected routing error")
	}
	if active, _ := f.ctrl.Active(); active != nil {
		t.Error("Session left behind after routing failure")
	}
}

func TestDeploy_CancelDisablesRouting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	f := newFixture(t, WithSleep(func(c context.Context, d time.Duration) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return c.Err()
	}))

	sess, err := f.ctrl.Deploy(ctx, params(5))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if sess.Status != StatusRolledBack {
		t.Errorf("Expected rolled_back, got %s", sess.Status)
	}
	if f.router.enabled || f.router.disables != 1 {
		t.Errorf("Expected routing disabled after cancel, enabled=%v disables=%d", f.router.enabled, f.router.disables)
	}
	if active, _ := f.ctrl.Active(); active != nil {
		t.Error("Session left behind after cancel")
	}
	if f.audit.count(audit.EventCanaryAborted) != 1 {
		t.Error("Expected one canary_aborted event")
	}
}

func TestDeploy_FailureRate(t *testing.T) {
	f := newFixture(t)
	// 2 of 10 checks fail: below the error threshold, above 10%
	f.health.fail(site.RoleProduction, health.ModeQuick, true, false, true, true, false)

	p := params(10)
	p.ErrorThreshold = 5
	sess, err := f.ctrl.Deploy(context.Background(), p)
	if !errors.Is(err, fault.Threshold) {
		t.Fatalf("Expected THRESHOLD_BREACH, got %v", err)
	}
	if sess.Checks != 10 || sess.ErrorCount != 2 {
		t.Errorf("Expected 2 errors in 10 checks, got %d in %d", sess.ErrorCount, sess.Checks)
	}
}

func TestDeploy_PerfRegressionCountsAsError(t *testing.T) {
	fp := &fakePerf{regression: true}
	f := newFixture(t, WithPerf(fp))

	p := params(5)
	p.ErrorThreshold = 2
	p.Baseline = "latest"
	sess, err := f.ctrl.Deploy(context.Background(), p)
	if !errors.Is(err, fault.Threshold) {
		t.Fatalf("Expected THRESHOLD_BREACH, got %v", err)
	}
	if sess.ErrorCount != 2 || fp.calls != 2 {
		t.Errorf("Expected 2 regressions counted, got errors=%d calls=%d", sess.ErrorCount, fp.calls)
	}
}

func TestDeploy_MissingBaselineSkipsPerf(t *testing.T) {
	fp := &fakePerf{err: fault.Wrap(fault.CodePrecondition, fmt.Errorf("latest: %w", perf.ErrNoBaseline), "baseline")}
	f := newFixture(t, WithPerf(fp))

	p := params(3)
	p.Baseline = "latest"
	sess, err := f.ctrl.Deploy(context.Background(), p)
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if sess.ErrorCount != 0 {
		t.Errorf("Missing baseline counted as error: %d", sess.ErrorCount)
	}
	if fp.calls != 1 {
		t.Errorf("Expected perf skipped after first miss, got %d calls", fp.calls)
	}
}

func TestDeploy_InvalidParams(t *testing.T) {
	f := newFixture(t)
	p := params(2)
	p.Percent = 0
	if _, err := f.ctrl.Deploy(context.Background(), p); !errors.Is(err, fault.Precondition) {
		t.Errorf("Expected precondition error, got %v", err)
	}
}

func TestParams_Iterations(t *testing.T) {
	tests := []struct {
		duration, interval time.Duration
		want               int
	}{
		{10 * time.Minute, time.Minute, 10},
		{2 * time.Minute, time.Minute, 2},
		{90 * time.Second, time.Minute, 1},
		{30 * time.Second, time.Minute, 1},
		{time.Minute, 0, 1},
	}
	for _, tt := range tests {
		p := Params{Duration: tt.duration, Interval: tt.interval}
		if got := p.Iterations(); got != tt.want {
			t.Errorf("Iterations(%s/%s) = %d, want %d", tt.duration, tt.interval, got, tt.want)
		}
	}
}

func TestStore_CreateIsExclusive(t *testing.T) {
	st := NewStore(t.TempDir())
	sess := &Session{ID: "one", Site: "example", Status: StatusDeploying, StartedAt: time.Now()}
	if err := st.Create(sess); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err := st.Create(&Session{ID: "two"})
	if !errors.Is(err, fault.CanaryActive) {
		t.Fatalf("Expected CANARY_ALREADY_ACTIVE, got %v", err)
	}

	loaded, err := st.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ID != "one" {
		t.Errorf("Expected original session kept, got %s", loaded.ID)
	}

	if err := st.Clear(); err != nil {
		t.Fatal(err)
	}
	if active, err := st.Active(); active != nil || err != nil {
		t.Errorf("Expected idle store, got %+v, %v", active, err)
	}
}
