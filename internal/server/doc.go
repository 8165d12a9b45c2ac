// Package server implements the read-only status API behind `canarybox serve`.
//
// Routes:
//   - GET /health: liveness plus the configured site names
//   - GET /status/{site}: role layout, canary session, lock holder,
//     recent deployments and recent audit events
//   - GET /metrics: Prometheus exposition of the canarybox collectors
//
// Every request is logged and rate limited per client IP. The API never
// mutates a site; deployments run only through the CLI.
package server
