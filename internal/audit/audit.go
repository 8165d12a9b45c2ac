// Package audit implements the append-only deployment audit trail: one
// structured JSONL log and one human-readable log, written together.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"canarybox/internal/security"
)

const (
	JSONFile = "deployments.jsonl"
	TextFile = "deployments.log"

	maxLineBytes = 1 << 20
)

// Recorder is the write side of the audit trail.
type Recorder interface {
	Record(e Event) error
}

// Log appends events to deployments.jsonl and deployments.log in one directory.
type Log struct {
	mu       sync.Mutex
	jsonPath string
	textPath string
	host     string
	last     time.Time
	now      func() time.Time
}

// Open prepares the log directory and seeds the monotonic clock from the
// newest recorded event so ordering holds across invocations on this host.
func Open(dir string) (*Log, error) {
	if err := security.CreateSecureDir(dir, security.PermDirectory); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	l := &Log{
		jsonPath: filepath.Join(dir, JSONFile),
		textPath: filepath.Join(dir, TextFile),
		host:     host,
		now:      time.Now,
	}

	latest, err := l.Tail(1)
	if err != nil {
		return nil, err
	}
	if len(latest) == 1 {
		l.last = latest[0].Timestamp
	}

	return l, nil
}

// Record appends e to both logs. Timestamp and Host are assigned here.
// Both lines are rendered before either file is touched; if the second
// append fails after the first succeeded the error says so explicitly.
func (l *Log) Record(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now().UTC()
	if !ts.After(l.last) {
		ts = l.last.Add(time.Microsecond)
	}
	e.Timestamp = ts
	e.Host = l.host

	jsonLine, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	jsonLine = append(jsonLine, '\n')
	textLine := []byte(FormatText(e) + "\n")

	jf, err := openAppend(l.jsonPath)
	if err != nil {
		return err
	}
	defer jf.Close()

	tf, err := openAppend(l.textPath)
	if err != nil {
		return err
	}
	defer tf.Close()

	if _, err := jf.Write(jsonLine); err != nil {
		return fmt.Errorf("failed to append %s (nothing recorded): %w", JSONFile, err)
	}
	if _, err := tf.Write(textLine); err != nil {
		return errors.Join(
			fmt.Errorf("audit event %s recorded in %s only", e.Type, JSONFile),
			fmt.Errorf("failed to append %s: %w", TextFile, err),
		)
	}

	l.last = ts
	return nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, security.PermLogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return f, nil
}

// FormatText renders the human-readable line for e.
func FormatText(e Event) string {
	var b strings.Builder
	b.WriteString(e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"))
	fmt.Fprintf(&b, " [%s] %-20s site=%s status=%s actor=%s", e.Host, e.Type, e.Site, e.Status, e.Actor)
	if e.DeploymentID != "" {
		fmt.Fprintf(&b, " deployment=%s", e.DeploymentID)
	}
	if e.Commit != "" {
		fmt.Fprintf(&b, " commit=%s", e.Commit)
	}
	if e.Branch != "" {
		fmt.Fprintf(&b, " branch=%s", e.Branch)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " msg=%s", strconv.Quote(e.Message))
	}
	return b.String()
}

// Tail returns up to n of the newest events in chronological order.
func (l *Log) Tail(n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}

	var ring []Event
	err := l.scan(func(e Event) {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, e)
	})
	return ring, err
}

// Filter returns every recorded event matching the given type and site.
// An empty site matches all sites.
func (l *Log) Filter(t EventType, site string) ([]Event, error) {
	var out []Event
	err := l.scan(func(e Event) {
		if e.Type == t && (site == "" || e.Site == site) {
			out = append(out, e)
		}
	})
	return out, err
}

// scan decodes every JSONL line in order. Undecodable lines are skipped.
func (l *Log) scan(fn func(Event)) error {
	f, err := os.Open(l.jsonPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		fn(e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}
	return nil
}
