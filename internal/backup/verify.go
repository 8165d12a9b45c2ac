package backup

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"canarybox/internal/audit"
)

// VerifyError explains why a snapshot failed verification.
type VerifyError struct {
	ID     string
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("snapshot %s failed verification: %s", e.ID, e.Reason)
}

// Statements a SQL dump of any mainstream engine starts with.
var statementMarker = regexp.MustCompile(`(?i)\b(CREATE|INSERT|COPY|ALTER|DROP|SET|BEGIN|LOCK)\b`)

// Verify runs the format-specific integrity checks and records the result
// in the manifest.
func (m *Manager) Verify(snap *Snapshot) error {
	reason := m.check(snap)

	now := m.now().UTC()
	snap.VerifiedAt = &now
	if reason == "" {
		snap.Integrity = IntegrityVerified
		snap.Reason = ""
	} else {
		snap.Integrity = IntegrityCorrupt
		snap.Reason = reason
	}
	if err := writeManifest(snap); err != nil {
		return classify(err, "update manifest")
	}

	if reason != "" {
		m.logger.Error("Snapshot verification failed", "site", m.site.Name, "snapshot", snap.ID, "reason", reason)
		m.record(audit.EventBackupVerifyFailed, audit.StatusFailed, fmt.Sprintf("snapshot %s: %s", snap.ID, reason))
		return &VerifyError{ID: snap.ID, Reason: reason}
	}
	return nil
}

func (m *Manager) check(snap *Snapshot) string {
	if snap.Components.hasDatabase() {
		if reason := m.checkFile(snap, DatabaseFile, checkDump); reason != "" {
			return reason
		}
	}
	if snap.Components.hasFiles() {
		if reason := m.checkFile(snap, FilesFile, checkArchive); reason != "" {
			return reason
		}
	}
	return ""
}

func (m *Manager) checkFile(snap *Snapshot, name string, content func(string) string) string {
	path := filepath.Join(snap.Path, name)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Sprintf("%s missing", name)
	}
	if info.Size() == 0 {
		return fmt.Sprintf("%s is empty", name)
	}
	// The size must exceed the floor, not merely reach it
	if floor := m.site.Backup.MinSizeBytes; info.Size() <= floor {
		return fmt.Sprintf("%s is %d bytes, not above the %d byte floor", name, info.Size(), floor)
	}

	if want, ok := snap.file(name); ok {
		if info.Size() != want.Size {
			return fmt.Sprintf("%s size %d does not match manifest size %d", name, info.Size(), want.Size)
		}
		got, err := hashFile(path)
		if err != nil {
			return fmt.Sprintf("%s unreadable: %v", name, err)
		}
		if got != want.SHA256 {
			return fmt.Sprintf("%s checksum mismatch", name)
		}
	}

	return content(path)
}

// checkDump decompresses the whole stream: it must be non-empty, end
// cleanly and contain at least one SQL statement marker.
func checkDump(path string) string {
	var found bool
	var n int64
	err := readGzip(path, func(r io.Reader) error {
		var err error
		n, err = io.Copy(&markerScanner{found: &found}, r)
		return err
	})
	switch {
	case err != nil:
		return fmt.Sprintf("%s is corrupt: %v", DatabaseFile, err)
	case n == 0:
		return fmt.Sprintf("%s decompresses to nothing", DatabaseFile)
	case !found:
		return fmt.Sprintf("%s contains no SQL statements", DatabaseFile)
	}
	return ""
}

// checkArchive lists the archive to the end; it must have entries.
func checkArchive(path string) string {
	var entries int
	err := readGzip(path, func(r io.Reader) error {
		var err error
		entries, err = countEntries(r)
		return err
	})
	switch {
	case err != nil:
		return fmt.Sprintf("%s is corrupt: %v", FilesFile, err)
	case entries == 0:
		return fmt.Sprintf("%s has no entries", FilesFile)
	}
	return ""
}

// markerScanner searches a stream for statement markers, carrying a short
// tail between writes so a marker split across chunks is still found.
type markerScanner struct {
	found *bool
	tail  []byte
}

func (s *markerScanner) Write(p []byte) (int, error) {
	if *s.found {
		return len(p), nil
	}
	buf := append(s.tail, p...)
	if statementMarker.Match(buf) {
		*s.found = true
		return len(p), nil
	}
	keep := 16
	if len(buf) < keep {
		keep = len(buf)
	}
	s.tail = bytes.Clone(buf[len(buf)-keep:])
	return len(p), nil
}
