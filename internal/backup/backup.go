// Package backup creates, verifies, rotates and restores point-in-time
// snapshots of a site's database and production file tree.
//
// Layout: <root>/<tier>/<site>/<id>/ holding database.sql.gz,
// files.tar.gz and manifest.json.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"canarybox/internal/audit"
	"canarybox/internal/fault"
	"canarybox/internal/security"
	"canarybox/internal/site"
	"canarybox/pkg/fileutil"
)

const (
	DatabaseFile = "database.sql.gz"
	FilesFile    = "files.tar.gz"
	ManifestFile = "manifest.json"
)

// Component selects what a snapshot contains.
type Component string

const (
	ComponentDatabase Component = "database"
	ComponentFiles    Component = "files"
	ComponentFull     Component = "full"
)

func ParseComponent(s string) (Component, error) {
	switch c := Component(s); c {
	case ComponentDatabase, ComponentFiles, ComponentFull:
		return c, nil
	}
	return "", fmt.Errorf("unknown component %q (expected database, files or full)", s)
}

func (c Component) hasDatabase() bool { return c == ComponentDatabase || c == ComponentFull }
func (c Component) hasFiles() bool    { return c == ComponentFiles || c == ComponentFull }

// Integrity is the verification state recorded in the manifest.
type Integrity string

const (
	IntegrityUnverified Integrity = "unverified"
	IntegrityVerified   Integrity = "verified"
	IntegrityCorrupt    Integrity = "corrupt"
)

// File is one payload file of a snapshot.
type File struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Snapshot is the manifest of one backup.
type Snapshot struct {
	ID            string     `json:"id"`
	Site          string     `json:"site"`
	Tier          site.Tier  `json:"tier"`
	Components    Component  `json:"components"`
	CreatedAt     time.Time  `json:"created_at"`
	SourceRelease string     `json:"source_release,omitempty"`
	Files         []File     `json:"files"`
	Size          int64      `json:"size"`
	Integrity     Integrity  `json:"integrity_status"`
	Reason        string     `json:"reason,omitempty"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
	FileEntries   int        `json:"file_entries,omitempty"`

	// Path is the snapshot directory; derived, not stored.
	Path string `json:"-"`
}

func (s *Snapshot) file(name string) (File, bool) {
	for _, f := range s.Files {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}

// Manager runs backup operations for one site.
type Manager struct {
	site     *site.Site
	dumper   Dumper
	restorer Restorer
	archiver Archiver
	audit    audit.Recorder
	actor    string
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Manager)

func WithDumper(d Dumper) Option     { return func(m *Manager) { m.dumper = d } }
func WithRestorer(r Restorer) Option { return func(m *Manager) { m.restorer = r } }
func WithAudit(r audit.Recorder, actor string) Option {
	return func(m *Manager) { m.audit, m.actor = r, actor }
}
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(m *Manager) { m.logger = l } }

// NewManager wires command-backed collaborators from the site's backup config.
func NewManager(s *site.Site, opts ...Option) (*Manager, error) {
	m := &Manager{
		site:     s,
		archiver: TarArchiver{Excludes: s.Backup.Excludes},
		now:      time.Now,
		logger:   slog.Default(),
	}

	dump, err := site.ParseOptionalCommand(s.Backup.DumpCommand)
	if err != nil {
		return nil, fmt.Errorf("backup.dump_command: %w", err)
	}
	if dump != nil {
		m.dumper = CommandDumper{Command: dump, Dir: s.Root, Secrets: dsnSecrets(s.Database.DSN)}
	}
	restore, err := site.ParseOptionalCommand(s.Backup.RestoreCommand)
	if err != nil {
		return nil, fmt.Errorf("backup.restore_command: %w", err)
	}
	if restore != nil {
		m.restorer = CommandRestorer{Command: restore, Dir: s.Root, Secrets: dsnSecrets(s.Database.DSN)}
	}

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) tierDir(t site.Tier) string {
	return filepath.Join(m.site.Backup.Root, string(t), m.site.Name)
}

func (m *Manager) record(t audit.EventType, status, msg string) {
	if m.audit == nil {
		return
	}
	err := m.audit.Record(audit.Event{
		Type:    t,
		Site:    m.site.Name,
		Actor:   m.actor,
		Status:  status,
		Message: msg,
	})
	if err != nil {
		m.logger.Error("Failed to record audit event", "event", t, "error", err)
	}
}

// DefaultComponents is full when a dump command is configured, files otherwise.
func (m *Manager) DefaultComponents() Component {
	if m.dumper == nil {
		return ComponentFiles
	}
	return ComponentFull
}

// Capture takes a snapshot, verifies it and, only when verification
// passes, rotates the tier. A verification failure is returned as a
// *VerifyError and the corrupt snapshot is kept for inspection.
func (m *Manager) Capture(ctx context.Context, components Component, tier site.Tier) (*Snapshot, error) {
	snap, err := m.Snapshot(ctx, components, tier)
	if err != nil {
		return nil, err
	}

	if err := m.Verify(snap); err != nil {
		return snap, err
	}

	if _, err := m.Rotate(tier); err != nil {
		// snapshot itself is valid
		m.logger.Error("Backup rotation failed", "site", m.site.Name, "tier", tier, "error", err)
	}
	return snap, nil
}

// Snapshot writes a new, unverified snapshot.
func (m *Manager) Snapshot(ctx context.Context, components Component, tier site.Tier) (*Snapshot, error) {
	if components.hasDatabase() && m.dumper == nil {
		return nil, fault.New(fault.CodePrecondition, "site %s has no backup.dump_command", m.site.Name)
	}

	created := m.now().UTC()
	snap := &Snapshot{
		ID:         created.Format("20060102T150405Z") + "-" + uuid.NewString()[:8],
		Site:       m.site.Name,
		Tier:       tier,
		Components: components,
		CreatedAt:  created,
		Integrity:  IntegrityUnverified,
	}
	snap.Path = filepath.Join(m.tierDir(tier), snap.ID)

	if err := security.CreateSecureDir(snap.Path, security.PermSnapshotDir); err != nil {
		return nil, classify(err, "create snapshot directory")
	}

	start := time.Now()
	if err := m.writePayload(ctx, snap); err != nil {
		os.RemoveAll(snap.Path)
		return nil, err
	}
	if err := writeManifest(snap); err != nil {
		os.RemoveAll(snap.Path)
		return nil, classify(err, "write manifest")
	}

	m.logger.Info("Snapshot created",
		"site", m.site.Name,
		"snapshot", snap.ID,
		"tier", tier,
		"components", components,
		"size", snap.Size,
		"duration_ms", time.Since(start).Milliseconds())
	m.record(audit.EventBackupCreated, audit.StatusSuccess,
		fmt.Sprintf("snapshot %s (%s, %s, %d bytes)", snap.ID, tier, components, snap.Size))
	return snap, nil
}

func (m *Manager) writePayload(ctx context.Context, snap *Snapshot) error {
	if snap.Components.hasDatabase() {
		f, err := writeGzip(filepath.Join(snap.Path, DatabaseFile), func(w io.Writer) error {
			return m.dumper.Dump(ctx, w)
		})
		if err != nil {
			return classify(err, "dump database")
		}
		snap.Files = append(snap.Files, f)
		snap.Size += f.Size
	}

	if snap.Components.hasFiles() {
		src, err := filepath.EvalSymlinks(m.site.RolePath(site.RoleProduction))
		if err != nil {
			return fault.Wrap(fault.CodePrecondition, err, "resolve production release")
		}
		snap.SourceRelease = filepath.Base(src)

		f, err := writeGzip(filepath.Join(snap.Path, FilesFile), func(w io.Writer) error {
			n, err := m.archiver.Archive(ctx, src, w)
			snap.FileEntries = n
			return err
		})
		if err != nil {
			return classify(err, "archive files")
		}
		snap.Files = append(snap.Files, f)
		snap.Size += f.Size
	}
	return nil
}

// writeGzip creates path and runs fill against a gzip stream into it,
// hashing the compressed bytes.
func writeGzip(path string, fill func(w io.Writer) error) (File, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, security.PermSnapshotFile)
	if err != nil {
		return File{}, err
	}
	defer out.Close()

	sum := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(out, sum)}
	gz := gzip.NewWriter(counter)

	if err := fill(gz); err != nil {
		return File{}, err
	}
	if err := gz.Close(); err != nil {
		return File{}, err
	}
	if err := out.Sync(); err != nil {
		return File{}, err
	}
	if err := out.Close(); err != nil {
		return File{}, err
	}

	return File{
		Name:   filepath.Base(path),
		Size:   counter.n,
		SHA256: hex.EncodeToString(sum.Sum(nil)),
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// classify marks a full disk as fatal; anything else is an ordinary failure.
func classify(err error, op string) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fault.Wrap(fault.CodeFatal, err, "%s: disk full", op)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func writeManifest(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(filepath.Join(snap.Path, ManifestFile), append(data, '\n'), security.PermSnapshotFile)
}

func readManifest(dir string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("invalid manifest in %s: %w", dir, err)
	}
	snap.Path = dir
	return &snap, nil
}

// List returns snapshots for tier (all tiers when empty), newest first.
// Directories without a readable manifest are ignored.
func (m *Manager) List(tier site.Tier) ([]*Snapshot, error) {
	tiers := site.Tiers
	if tier != "" {
		tiers = []site.Tier{tier}
	}

	var out []*Snapshot
	for _, t := range tiers {
		entries, err := os.ReadDir(m.tierDir(t))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s snapshots: %w", t, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			snap, err := readManifest(filepath.Join(m.tierDir(t), e.Name()))
			if err != nil {
				m.logger.Debug("Skipping snapshot without manifest", "path", e.Name(), "error", err)
				continue
			}
			out = append(out, snap)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Find resolves a snapshot ID, or "latest" for the newest verified snapshot.
func (m *Manager) Find(ref string) (*Snapshot, error) {
	all, err := m.List("")
	if err != nil {
		return nil, err
	}
	for _, snap := range all {
		if ref == "latest" && snap.Integrity == IntegrityVerified {
			return snap, nil
		}
		if snap.ID == ref {
			return snap, nil
		}
	}
	return nil, fault.New(fault.CodePrecondition, "no snapshot %q for site %s", ref, m.site.Name)
}

// Rotate evicts the oldest verified snapshots of tier beyond its retention
// count. Unverified and corrupt snapshots are neither counted nor removed.
func (m *Manager) Rotate(tier site.Tier) ([]string, error) {
	keep := m.site.Backup.Retention[tier]
	if keep < 1 {
		return nil, fmt.Errorf("retention for tier %s must be at least 1", tier)
	}

	snaps, err := m.List(tier)
	if err != nil {
		return nil, err
	}

	var removed []string
	verified := 0
	for _, snap := range snaps {
		if snap.Integrity != IntegrityVerified {
			continue
		}
		verified++
		if verified <= keep {
			continue
		}
		if err := os.RemoveAll(snap.Path); err != nil {
			return removed, fmt.Errorf("failed to remove snapshot %s: %w", snap.ID, err)
		}
		removed = append(removed, snap.ID)
	}

	if len(removed) > 0 {
		m.logger.Info("Snapshots rotated", "site", m.site.Name, "tier", tier, "removed", len(removed), "kept", keep)
		m.record(audit.EventBackupRotated, audit.StatusInfo,
			fmt.Sprintf("%s: removed %d snapshot(s), kept %d", tier, len(removed), keep))
	}
	return removed, nil
}

// Restore verifies snap, extracts its file archive into dstDir (when it
// has one) and imports its database dump (when it has one).
func (m *Manager) Restore(ctx context.Context, snap *Snapshot, dstDir string) error {
	if snap.Components.hasDatabase() && m.restorer == nil {
		return fault.New(fault.CodePrecondition, "site %s has no backup.restore_command", m.site.Name)
	}
	if err := m.Verify(snap); err != nil {
		return err
	}

	if snap.Components.hasFiles() {
		err := readGzip(filepath.Join(snap.Path, FilesFile), func(r io.Reader) error {
			return m.archiver.Extract(ctx, r, dstDir)
		})
		if err != nil {
			return classify(err, "extract files")
		}
	}

	if snap.Components.hasDatabase() {
		err := readGzip(filepath.Join(snap.Path, DatabaseFile), func(r io.Reader) error {
			return m.restorer.Restore(ctx, r)
		})
		if err != nil {
			return fmt.Errorf("import database: %w", err)
		}
	}

	m.logger.Info("Snapshot restored", "site", m.site.Name, "snapshot", snap.ID)
	m.record(audit.EventBackupRestored, audit.StatusSuccess, fmt.Sprintf("restored snapshot %s", snap.ID))
	return nil
}

func readGzip(path string, consume func(r io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	return consume(gz)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
