package perf

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"canarybox/internal/security"
	"canarybox/pkg/fileutil"
)

// LatestName is the movable pointer to the current reference baseline.
const LatestName = "latest"

// ErrNoBaseline is returned when a named baseline or the latest pointer is missing.
var ErrNoBaseline = errors.New("baseline not found")

// Store keeps one JSON file per baseline plus a latest symlink in a directory.
// Baseline files are created once and never rewritten.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Exists reports whether a baseline with this name was captured.
func (s *Store) Exists(name string) bool {
	return fileutil.FileExists(s.path(name))
}

// Save writes b. An existing baseline with the same name is never replaced.
func (s *Store) Save(b *Baseline) error {
	if err := ValidateName(b.Name); err != nil {
		return err
	}
	if err := security.CreateSecureDir(s.dir, security.PermDirectory); err != nil {
		return fmt.Errorf("failed to create baseline directory: %w", err)
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode baseline: %w", err)
	}
	if err := fileutil.CreateFileAtomic(s.path(b.Name), append(data, '\n'), security.PermStateFile); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("baseline %q already exists", b.Name)
		}
		return err
	}
	return nil
}

// LatestName returns the baseline name the latest pointer refers to.
func (s *Store) LatestName() (string, error) {
	target, err := fileutil.SymlinkTarget(filepath.Join(s.dir, LatestName))
	if err != nil {
		return "", fmt.Errorf("no latest baseline: %w", ErrNoBaseline)
	}
	return strings.TrimSuffix(filepath.Base(target), ".json"), nil
}

// SetLatest moves the latest pointer to an existing baseline.
func (s *Store) SetLatest(name string) error {
	if !s.Exists(name) {
		return fmt.Errorf("%s: %w", name, ErrNoBaseline)
	}
	return fileutil.UpdateSymlinkAtomic(filepath.Join(s.dir, LatestName), name+".json")
}

// Load reads a baseline by name. An empty ref or "latest" follows the pointer.
func (s *Store) Load(ref string) (*Baseline, error) {
	name := ref
	if ref == "" || ref == LatestName {
		var err error
		if name, err = s.LatestName(); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNoBaseline)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline: %w", err)
	}

	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse baseline %s: %w", name, err)
	}
	return &b, nil
}

// List returns every baseline ordered by capture time, oldest first.
func (s *Store) List() ([]Baseline, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list baselines: %w", err)
	}

	var out []Baseline
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		b, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, *b)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
