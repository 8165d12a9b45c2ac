package audit

import "time"

// EventType identifies the kind of auditable event.
type EventType string

const (
	EventDeployStarted    EventType = "deploy_started"
	EventDeploySuccess    EventType = "deploy_success"
	EventDeployFailed     EventType = "deploy_failed"
	EventDeployRolledBack EventType = "deploy_rolled_back"
	EventDeployFatal      EventType = "deploy_fatal"

	EventPreflight      EventType = "preflight"
	EventSwapCompleted  EventType = "swap_completed"
	EventSwapReverted   EventType = "swap_reverted"
	EventSwapRepaired   EventType = "swap_repaired"
	EventSlotsBootstrap EventType = "slots_bootstrap"

	EventCanaryStarted    EventType = "canary_started"
	EventCanaryCheck      EventType = "canary_check"
	EventCanaryReady      EventType = "canary_ready"
	EventCanaryPromoted   EventType = "canary_promoted"
	EventCanaryRolledBack EventType = "canary_rolled_back"
	EventCanaryAborted    EventType = "canary_aborted"

	EventBackupCreated      EventType = "backup_created"
	EventBackupVerifyFailed EventType = "backup_verify_failed"
	EventBackupRotated      EventType = "backup_rotated"
	EventBackupRestored     EventType = "backup_restored"

	EventBaselineCaptured   EventType = "baseline_captured"
	EventBaselineRegression EventType = "baseline_regression"

	EventHealthCheck   EventType = "health_check"
	EventLockReclaimed EventType = "lock_reclaimed"
)

// Status values used across events.
const (
	StatusStarted    = "started"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
	StatusFatal      = "fatal"
	StatusWarning    = "warning"
	StatusInfo       = "info"
)

// Event is a single audit record. Both log renderings are produced from it.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Host         string    `json:"host"`
	Type         EventType `json:"event_type"`
	Site         string    `json:"site"`
	Actor        string    `json:"actor"`
	Status       string    `json:"status"`
	Commit       string    `json:"commit,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	Message      string    `json:"message,omitempty"`
	DeploymentID string    `json:"deployment_id,omitempty"`
}
