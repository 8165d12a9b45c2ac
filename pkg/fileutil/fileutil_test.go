package fileutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Tests for search.go

func TestSearchPathsOptional(t *testing.T) {
	tmpDir := t.TempDir()

	// Create test file
	file1 := filepath.Join(tmpDir, "file1.txt")
	if err := os.WriteFile(file1, []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{
			"finds existing file",
			[]string{file1},
			file1,
		},
		{
			"returns empty string when not found",
			[]string{filepath.Join(tmpDir, "nonexistent.txt")},
			"",
		},
		{
			"handles empty path list",
			[]string{},
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SearchPathsOptional(tt.paths)
			if got != tt.want {
				t.Errorf("SearchPathsOptional() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultConfigPaths(t *testing.T) {
	paths := DefaultConfigPaths("test.yaml")

	if len(paths) != 3 {
		t.Errorf("DefaultConfigPaths() returned %d paths, want 3", len(paths))
	}

	// Check that paths contain the filename
	for i, path := range paths {
		if !strings.Contains(path, "test.yaml") {
			t.Errorf("DefaultConfigPaths()[%d] = %v, should contain 'test.yaml'", i, path)
		}
	}

	// Check that the system path is /etc/canarybox/...
	if !strings.HasPrefix(paths[2], "/etc/canarybox") {
		t.Errorf("DefaultConfigPaths()[2] should start with /etc/canarybox, got %v", paths[2])
	}
}

func TestFileExists(t *testing.T) {
	tmpDir := t.TempDir()

	// Create test file
	testFile := filepath.Join(tmpDir, "test.txt")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	// Create test directory
	testDir := filepath.Join(tmpDir, "testdir")
	if err := os.Mkdir(testDir, 0755); err != nil {
		t.Fatalf("Failed to create test directory: %v", err)
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"existing file", testFile, true},
		{"nonexistent file", filepath.Join(tmpDir, "nonexistent.txt"), false},
		{"directory", testDir, false}, // Directories return false
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FileExists(tt.path)
			if got != tt.want {
				t.Errorf("FileExists() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDirExists(t *testing.T) {
	tmpDir := t.TempDir()

	// Create test directory
	testDir := filepath.Join(tmpDir, "testdir")
	if err := os.Mkdir(testDir, 0755); err != nil {
		t.Fatalf("Failed to create test directory: %v", err)
	}

	// Create test file
	testFile := filepath.Join(tmpDir, "test.txt")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"existing directory", testDir, true},
		{"nonexistent directory", filepath.Join(tmpDir, "nonexistent"), false},
		{"file", testFile, false}, // Files return false
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DirExists(tt.path)
			if got != tt.want {
				t.Errorf("DirExists() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Tests for symlink.go

func TestUpdateSymlinkAtomic(t *testing.T) {
	tmpDir := t.TempDir()

	// Create target directories
	target1 := filepath.Join(tmpDir, "target1")
	target2 := filepath.Join(tmpDir, "target2")
	if err := os.Mkdir(target1, 0755); err != nil {
		t.Fatalf("Failed to create target1: %v", err)
	}
	if err := os.Mkdir(target2, 0755); err != nil {
		t.Fatalf("Failed to create target2: %v", err)
	}

	linkPath := filepath.Join(tmpDir, "current")

	// Test creating new symlink
	t.Run("create new symlink", func(t *testing.T) {
		err := UpdateSymlinkAtomic(linkPath, target1)
		if err != nil {
			t.Fatalf("UpdateSymlinkAtomic() error = %v", err)
		}

		// Verify symlink exists and points to target1
		target, err := os.Readlink(linkPath)
		if err != nil {
			t.Fatalf("Failed to read symlink: %v", err)
		}
		if target != target1 {
			t.Errorf("Symlink points to %v, want %v", target, target1)
		}
	})

	// Test updating existing symlink
	t.Run("update existing symlink", func(t *testing.T) {
		err := UpdateSymlinkAtomic(linkPath, target2)
		if err != nil {
			t.Fatalf("UpdateSymlinkAtomic() error = %v", err)
		}

		// Verify symlink now points to target2
		target, err := os.Readlink(linkPath)
		if err != nil {
			t.Fatalf("Failed to read symlink: %v", err)
		}
		if target != target2 {
			t.Errorf("Symlink points to %v, want %v", target, target2)
		}
	})
}

func TestIsSymlink(t *testing.T) {
	tmpDir := t.TempDir()

	// Create regular file
	regularFile := filepath.Join(tmpDir, "file.txt")
	if err := os.WriteFile(regularFile, []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create regular file: %v", err)
	}

	// Create symlink
	target := filepath.Join(tmpDir, "target")
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatalf("Failed to create target: %v", err)
	}
	link := filepath.Join(tmpDir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"symlink", link, true},
		{"regular file", regularFile, false},
		{"nonexistent", filepath.Join(tmpDir, "nonexistent"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsSymlink(tt.path)
			if got != tt.want {
				t.Errorf("IsSymlink() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSymlinkTarget(t *testing.T) {
	tmpDir := t.TempDir()
	release := filepath.Join(tmpDir, "releases", "20240101-000000-abcd")
	if err := os.MkdirAll(release, 0755); err != nil {
		t.Fatalf("Failed to create release: %v", err)
	}
	link := filepath.Join(tmpDir, "production")
	if err := os.Symlink(filepath.Join("releases", "20240101-000000-abcd"), link); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}
	plain := filepath.Join(tmpDir, "plain")
	if err := os.Mkdir(plain, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{name: "relative target kept as written", path: link, want: filepath.Join("releases", "20240101-000000-abcd")},
		{name: "plain directory", path: plain, wantErr: true},
		{name: "missing path", path: filepath.Join(tmpDir, "missing"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SymlinkTarget(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Errorf("SymlinkTarget(%s) expected error, got %q", tt.path, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("SymlinkTarget(%s) failed: %v", tt.path, err)
			}
			if got != tt.want {
				t.Errorf("SymlinkTarget(%s) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
