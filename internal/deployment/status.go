package deployment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"canarybox/internal/audit"
	"canarybox/internal/canary"
	"canarybox/internal/history"
	"canarybox/internal/routing"
	"canarybox/internal/site"
	"canarybox/internal/slots"
)

// SiteState is the read-only view shown by `canarybox status` and the
// status API.
type SiteState struct {
	Site    string            `json:"site"`
	Layout  map[string]string `json:"layout"`
	Pending bool              `json:"rotation_pending"`
	Canary  *canary.Session   `json:"canary,omitempty"`
	Routing *routing.Intent   `json:"routing,omitempty"`
	Lock    *Holder           `json:"lock,omitempty"`
	Latest  *history.Record   `json:"latest_deployment,omitempty"`
	Recent  []history.Record  `json:"recent_deployments"`
	Events  []audit.Event     `json:"recent_events"`
}

// Inspect gathers a site's state without taking the lock. hist may be nil.
func Inspect(ctx context.Context, s *site.Site, hist *history.History, limit int) (*SiteState, error) {
	state := &SiteState{Site: s.Name, Layout: map[string]string{}}

	sm := slots.NewManager(s)
	layout, err := sm.Layout()
	if err != nil {
		return nil, err
	}
	for r, release := range layout {
		state.Layout[string(r)] = filepath.Base(release)
	}
	j, err := sm.PendingJournal()
	if err != nil {
		return nil, err
	}
	state.Pending = j != nil

	if state.Canary, err = canary.NewStore(s.StateDir).Active(); err != nil {
		return nil, fmt.Errorf("canary session: %w", err)
	}
	// Only the intent router leaves something local to read back
	if path := routing.IntentPath(s); path != "" {
		in, err := routing.ReadIntent(path)
		switch {
		case err == nil:
			state.Routing = in
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
	}
	if state.Lock, err = NewFileLock(s.StateDir).Holder(); err != nil {
		return nil, err
	}

	if hist != nil {
		st, err := hist.Status(ctx, s.Name, limit)
		if err != nil {
			return nil, err
		}
		state.Latest = st.Latest
		state.Recent = st.RecentHistory
	}

	log, err := audit.Open(s.LogDir)
	if err != nil {
		return nil, err
	}
	if state.Events, err = log.Tail(limit); err != nil {
		return nil, err
	}
	return state, nil
}
