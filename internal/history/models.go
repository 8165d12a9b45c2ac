package history

import "time"

// Mode is how a deployment reached production.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeCanary Mode = "canary"
)

// Outcome is the terminal state of a deployment record.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeSuccess    Outcome = "success"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeFailed     Outcome = "failed"
)

// Record is one deployment attempt. A record is created in progress and
// finalized exactly once.
type Record struct {
	ID              string     `json:"id"`
	Site            string     `json:"site"`
	SourceRole      string     `json:"source_role"`
	TargetRole      string     `json:"target_role"`
	Mode            Mode       `json:"mode"`
	Operator        string     `json:"operator"`
	Outcome         Outcome    `json:"outcome"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	Commit          *string    `json:"commit,omitempty"`
	Branch          *string    `json:"branch,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	SnapshotID      *string    `json:"snapshot_id,omitempty"`
}

// SiteStatus is the latest known state of a site.
type SiteStatus struct {
	Site          string   `json:"site"`
	Latest        *Record  `json:"latest,omitempty"`
	RecentHistory []Record `json:"recent_history"`
}
