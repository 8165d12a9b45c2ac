package canary

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"canarybox/internal/fault"
	"canarybox/internal/security"
	"canarybox/pkg/fileutil"
)

// SessionFile holds the active canary session under the site state dir.
// Its existence is the one-session-per-site lock.
const SessionFile = "canary.json"

// Status is a canary state machine position.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusDeploying  Status = "deploying"
	StatusMonitoring Status = "monitoring"
	// StatusReady: monitoring passed, waiting for an explicit promote.
	StatusReady      Status = "ready"
	StatusPromoting  Status = "promoting"
	StatusRolledBack Status = "rolled_back"
)

// Session is the persisted state of one canary run. Every transition
// rewrites the whole document atomically.
type Session struct {
	ID                string        `json:"id"`
	Site              string        `json:"site"`
	DeploymentID      string        `json:"deployment_id,omitempty"`
	Operator          string        `json:"operator"`
	Status            Status        `json:"status"`
	Percent           int           `json:"percent"`
	Duration          time.Duration `json:"duration"`
	Interval          time.Duration `json:"interval"`
	ErrorThreshold    int           `json:"error_threshold"`
	PerfThreshold     float64       `json:"perf_threshold"`
	FailureRatePct    float64       `json:"failure_rate_pct"`
	AutoPromote       bool          `json:"auto_promote"`
	Baseline          string        `json:"baseline,omitempty"`
	CanaryRelease     string        `json:"canary_release"`
	ProductionRelease string        `json:"production_release"`
	Checks            int           `json:"checks"`
	ErrorCount        int           `json:"error_count"`
	Reason            string        `json:"reason,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// FailureRate is the share of failed checks in percent.
func (s *Session) FailureRate() float64 {
	if s.Checks == 0 {
		return 0
	}
	return float64(s.ErrorCount) * 100 / float64(s.Checks)
}

// Store persists the session of one site.
type Store struct {
	path string
}

func NewStore(stateDir string) *Store {
	return &Store{path: filepath.Join(stateDir, SessionFile)}
}

func (s *Store) Path() string { return s.path }

// Create persists a new session, failing with CANARY_ALREADY_ACTIVE when
// one exists.
func (s *Store) Create(sess *Session) error {
	if err := security.CreateSecureDir(filepath.Dir(s.path), security.PermDirectory); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	err = fileutil.CreateFileAtomic(s.path, data, security.PermStateFile)
	if errors.Is(err, os.ErrExist) {
		if existing, lerr := s.Load(); lerr == nil {
			return fault.New(fault.CodeCanaryActive,
				"canary session %s is %s since %s", existing.ID, existing.Status, existing.StartedAt.Format(time.RFC3339))
		}
		return fault.New(fault.CodeCanaryActive, "canary session file %s exists", s.path)
	}
	if err != nil {
		return fmt.Errorf("failed to create canary session: %w", err)
	}
	return nil
}

// Save replaces the session document.
func (s *Store) Save(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomic(s.path, data, security.PermStateFile); err != nil {
		return fmt.Errorf("failed to save canary session: %w", err)
	}
	return nil
}

// Load returns the active session or a NO_CANARY_SESSION error.
func (s *Store) Load() (*Session, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fault.New(fault.CodeNoSession, "no active canary session")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read canary session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt canary session %s: %w", s.path, err)
	}
	return &sess, nil
}

// Active returns the session or nil when the site is idle.
func (s *Store) Active() (*Session, error) {
	sess, err := s.Load()
	if errors.Is(err, fault.NoSession) {
		return nil, nil
	}
	return sess, err
}

// Clear removes the session, returning the site to idle.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear canary session: %w", err)
	}
	return nil
}
