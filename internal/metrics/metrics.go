// Package metrics holds the Prometheus collectors for deployment outcomes.
// The CLI pushes them to a Pushgateway after each run; `serve` exposes
// them on /metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Job is the Pushgateway job name.
const Job = "canarybox"

// Registry is private to canarybox so pushes carry only our series.
var Registry = prometheus.NewRegistry()

var (
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canarybox_deployments_total",
			Help: "Deployments by site, mode and outcome",
		},
		[]string{"site", "mode", "outcome"},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canarybox_deployment_duration_seconds",
			Help:    "Deployment duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"site", "mode"},
	)

	LastDeploymentTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canarybox_last_deployment_timestamp_seconds",
			Help: "Unix time of the last finished deployment by outcome",
		},
		[]string{"site", "outcome"},
	)

	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canarybox_health_checks_total",
			Help: "Health check runs by target, mode and result",
		},
		[]string{"site", "target", "mode", "result"},
	)

	HealthFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canarybox_health_failures",
			Help: "Failed checks in the last health run",
		},
		[]string{"site", "target"},
	)

	CanaryErrors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canarybox_canary_errors",
			Help: "Error count of the last canary session",
		},
		[]string{"site"},
	)

	RotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canarybox_rotations_total",
			Help: "Role rotations by operation",
		},
		[]string{"site", "operation"},
	)

	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canarybox_backups_total",
			Help: "Snapshots by tier and integrity result",
		},
		[]string{"site", "tier", "result"},
	)

	BackupSizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canarybox_backup_size_bytes",
			Help: "Size of the last verified snapshot per tier",
		},
		[]string{"site", "tier"},
	)
)

func init() {
	Registry.MustRegister(DeploymentsTotal)
	Registry.MustRegister(DeploymentDuration)
	Registry.MustRegister(LastDeploymentTimestamp)
	Registry.MustRegister(HealthChecksTotal)
	Registry.MustRegister(HealthFailures)
	Registry.MustRegister(CanaryErrors)
	Registry.MustRegister(RotationsTotal)
	Registry.MustRegister(BackupsTotal)
	Registry.MustRegister(BackupSizeBytes)
}

// ObserveDeployment records a finished deployment.
func ObserveDeployment(site, mode, outcome string, d time.Duration) {
	DeploymentsTotal.WithLabelValues(site, mode, outcome).Inc()
	DeploymentDuration.WithLabelValues(site, mode).Observe(d.Seconds())
	LastDeploymentTimestamp.WithLabelValues(site, outcome).SetToCurrentTime()
}

// ObserveHealth records one health run.
func ObserveHealth(site, target, mode string, failures int) {
	result := "pass"
	if failures > 0 {
		result = "fail"
	}
	HealthChecksTotal.WithLabelValues(site, target, mode, result).Inc()
	HealthFailures.WithLabelValues(site, target).Set(float64(failures))
}

// ObserveBackup records a snapshot and its integrity result.
func ObserveBackup(site, tier, integrity string, size int64) {
	BackupsTotal.WithLabelValues(site, tier, integrity).Inc()
	if integrity == "verified" {
		BackupSizeBytes.WithLabelValues(site, tier).Set(float64(size))
	}
}

// Handler serves the canarybox registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Push sends every collector to a Pushgateway. An empty url is a no-op.
func Push(ctx context.Context, url string) error {
	if url == "" {
		return nil
	}
	return push.New(url, Job).Gatherer(Registry).PushContext(ctx)
}
