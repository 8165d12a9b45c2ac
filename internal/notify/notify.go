// Package notify dispatches failure and outcome events to external
// receivers. Delivery is fire-and-forget: errors are logged, never
// returned to the deployment that raised the event.
package notify

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"canarybox/internal/audit"
	"canarybox/internal/site"
)

// DefaultSendTimeout bounds a single delivery.
const DefaultSendTimeout = 10 * time.Second

// Event is the payload sent to every receiver.
type Event struct {
	Type         audit.EventType `json:"event_type"`
	Site         string          `json:"site"`
	Status       string          `json:"status"`
	Message      string          `json:"message"`
	Operator     string          `json:"operator,omitempty"`
	Commit       string          `json:"commit,omitempty"`
	Branch       string          `json:"branch,omitempty"`
	DeploymentID string          `json:"deployment_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Sender delivers one event.
type Sender interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to senders in the background.
type Dispatcher struct {
	senders []Sender
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

type Option func(*Dispatcher)

func WithSender(s Sender) Option           { return func(d *Dispatcher) { d.senders = append(d.senders, s) } }
func WithTimeout(t time.Duration) Option   { return func(d *Dispatcher) { d.timeout = t } }
func WithLogger(l *slog.Logger) Option     { return func(d *Dispatcher) { d.logger = l } }
func WithRateLimit(l *rate.Limiter) Option { return func(d *Dispatcher) { d.limiter = l } }

// NewDispatcher caps delivery at 10 events per minute with a burst of 5
// unless WithRateLimit overrides it.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		limiter: rate.NewLimiter(rate.Limit(10.0/60.0), 5),
		timeout: DefaultSendTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ForSite builds a dispatcher from the site's notify configuration. The
// GitHub token is read from the configured environment variable.
func ForSite(s *site.Site, logger *slog.Logger) *Dispatcher {
	opts := []Option{WithLogger(logger)}
	if s.Notify.WebhookURL != "" {
		opts = append(opts, WithSender(NewWebhookSender(s.Notify.WebhookURL, s.Notify.WebhookSecret)))
	}
	if s.Notify.GitHub.Repo != "" {
		token := os.Getenv(s.Notify.GitHub.TokenEnv)
		if gh, err := NewGitHubSender(s.Notify.GitHub.Repo, token); err != nil {
			logger.Warn("GitHub notifications disabled", "site", s.Name, "error", err)
		} else {
			opts = append(opts, WithSender(gh))
		}
	}
	return NewDispatcher(opts...)
}

// Enabled reports whether any sender is configured.
func (d *Dispatcher) Enabled() bool {
	return len(d.senders) > 0
}

// Notify queues ev for every sender and returns immediately.
func (d *Dispatcher) Notify(ev Event) {
	if !d.Enabled() {
		return
	}
	if !d.limiter.Allow() {
		d.logger.Warn("Notification dropped by rate limit", "site", ev.Site, "event", ev.Type)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	for _, s := range d.senders {
		d.wg.Add(1)
		go func(s Sender) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := s.Send(ctx, ev); err != nil {
				d.logger.Warn("Notification failed", "sender", s.Name(), "site", ev.Site, "event", ev.Type, "error", err)
				return
			}
			d.logger.Debug("Notification sent", "sender", s.Name(), "site", ev.Site, "event", ev.Type)
		}(s)
	}
}

// Wait blocks until queued deliveries finish or timeout elapses. It
// reports whether everything was flushed.
func (d *Dispatcher) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		d.logger.Warn("Notifications still pending at exit", "timeout", timeout)
		return false
	}
}
