package security

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"canarybox/internal/audit"
	"canarybox/internal/backup"
	"canarybox/internal/perf"
	"canarybox/internal/security"
)

// TestCommitHashInjectionPrevention validates --commit values before they
// reach audit lines, history rows and notification payloads.
func TestCommitHashInjectionPrevention(t *testing.T) {
	tests := []struct {
		name      string
		commit    string
		wantError bool
	}{
		{name: "abbreviated hash", commit: "a1b2c3d", wantError: false},
		{name: "full sha1", commit: "0123456789abcdef0123456789abcdef01234567", wantError: false},
		{name: "full sha256", commit: strings.Repeat("ab", 32), wantError: false},
		{name: "too short", commit: "abc12", wantError: true},
		{name: "too long", commit: strings.Repeat("a", 65), wantError: true},
		{name: "command injection with semicolon", commit: "a1b2c3d; rm -rf /", wantError: true},
		{name: "newline injection", commit: "a1b2c3d\nfake=entry", wantError: true},
		{name: "non-hex characters", commit: "zzzzzzz", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := security.ValidateCommitHash(tt.commit)
			if tt.wantError && err == nil {
				t.Errorf("Expected error for commit %q, but got none", tt.commit)
			}
			if !tt.wantError && err != nil {
				t.Errorf("Expected no error for commit %q, but got: %v", tt.commit, err)
			}
		})
	}
}

// TestBranchNameInjectionPrevention validates branch name sanitization
func TestBranchNameInjectionPrevention(t *testing.T) {
	tests := []struct {
		name      string
		branch    string
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid branch name",
			branch:    "main",
			wantError: false,
		},
		{
			name:      "valid branch with slash",
			branch:    "release/2024-06",
			wantError: false,
		},
		{
			name:      "command injection with semicolon",
			branch:    "main; rm -rf /",
			wantError: true,
			errorMsg:  "invalid characters",
		},
		{
			name:      "command injection with pipe",
			branch:    "main | cat /etc/passwd",
			wantError: true,
			errorMsg:  "invalid characters",
		},
		{
			name:      "branch starting with dash",
			branch:    "-main",
			wantError: true,
			errorMsg:  "cannot start with '-'",
		},
		{
			name:      "empty branch name",
			branch:    "",
			wantError: true,
			errorMsg:  "cannot be empty",
		},
		{
			name:      "branch with substitution",
			branch:    "main$(id)",
			wantError: true,
			errorMsg:  "invalid characters",
		},
		{
			name:      "branch with newline",
			branch:    "main\nstatus=success",
			wantError: true,
			errorMsg:  "invalid characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := security.ValidateBranchName(tt.branch)

			if tt.wantError {
				if err == nil {
					t.Errorf("Expected error for branch %s, but got none", tt.branch)
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error for branch %s, but got: %v", tt.branch, err)
				}
			}
		})
	}
}

// TestSiteNameInjectionPrevention validates site names, which end up in
// state paths, lock files and status URLs.
func TestSiteNameInjectionPrevention(t *testing.T) {
	tests := []struct {
		name      string
		site      string
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid site name",
			site:      "shop-prod",
			wantError: false,
		},
		{
			name:      "valid with underscore",
			site:      "shop_prod",
			wantError: false,
		},
		{
			name:      "path traversal",
			site:      "../../../etc/passwd",
			wantError: true,
			errorMsg:  "cannot start with '-' or '.'",
		},
		{
			name:      "hidden directory",
			site:      ".canary",
			wantError: true,
			errorMsg:  "cannot start with '-' or '.'",
		},
		{
			name:      "slash in name",
			site:      "shop/prod",
			wantError: true,
			errorMsg:  "invalid characters",
		},
		{
			name:      "command injection with backticks",
			site:      "shop`whoami`",
			wantError: true,
			errorMsg:  "invalid characters",
		},
		{
			name:      "empty site name",
			site:      "",
			wantError: true,
			errorMsg:  "cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := security.ValidateSiteName(tt.site)

			if tt.wantError {
				if err == nil {
					t.Errorf("Expected error for site %s, but got none", tt.site)
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error for site %s, but got: %v", tt.site, err)
				}
			}
		})
	}
}

// TestPathTraversalPrevention validates path traversal protection
func TestPathTraversalPrevention(t *testing.T) {
	tmpDir := t.TempDir()

	baseDir := filepath.Join(tmpDir, "base")
	if err := os.MkdirAll(filepath.Join(baseDir, "releases", "r1"), 0755); err != nil {
		t.Fatalf("Failed to create base dir: %v", err)
	}
	outsideDir := filepath.Join(tmpDir, "outside")
	if err := os.MkdirAll(outsideDir, 0755); err != nil {
		t.Fatalf("Failed to create outside dir: %v", err)
	}

	tests := []struct {
		name      string
		target    string
		wantError bool
		errorMsg  string
	}{
		{
			name:      "release within base",
			target:    filepath.Join(baseDir, "releases", "r1"),
			wantError: false,
		},
		{
			name:      "path traversal with ../",
			target:    filepath.Join(baseDir, "..", "outside"),
			wantError: true,
			errorMsg:  "path traversal detected",
		},
		{
			name:      "absolute path outside base",
			target:    outsideDir,
			wantError: true,
			errorMsg:  "path traversal detected",
		},
		{
			name:      "missing target",
			target:    filepath.Join(baseDir, "..", "..", "..", "etc", "nonexistent"),
			wantError: true,
			errorMsg:  "failed to evaluate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := security.SanitizePathForSymlink(baseDir, tt.target)

			if tt.wantError {
				if err == nil {
					t.Errorf("Expected error for target %s, but got none", tt.target)
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error for target %s, but got: %v", tt.target, err)
				}
			}
		})
	}
}

// TestBaselineNameTraversal validates that baseline names cannot escape the
// baseline directory or overwrite the latest pointer.
func TestBaselineNameTraversal(t *testing.T) {
	tests := []struct {
		name      string
		baseline  string
		wantError bool
	}{
		{name: "timestamp name", baseline: "20240601-120000", wantError: false},
		{name: "release label", baseline: "before-v2.3", wantError: false},
		{name: "parent traversal", baseline: "../../etc/passwd", wantError: true},
		{name: "hidden file", baseline: ".latest", wantError: true},
		{name: "backslash", baseline: `..\..\evil`, wantError: true},
		{name: "latest pointer", baseline: perf.LatestName, wantError: true},
		{name: "too long", baseline: strings.Repeat("b", 129), wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := perf.ValidateName(tt.baseline)
			if tt.wantError && err == nil {
				t.Errorf("Expected error for baseline %q, but got none", tt.baseline)
			}
			if !tt.wantError && err != nil {
				t.Errorf("Expected no error for baseline %q, but got: %v", tt.baseline, err)
			}
		})
	}
}

// TestArchiveTraversalPrevention validates that a tampered snapshot archive
// cannot write outside the release it is restored into.
func TestArchiveTraversalPrevention(t *testing.T) {
	tests := []struct {
		name    string
		entries []tar.Header
	}{
		{
			name:    "file escaping with ../",
			entries: []tar.Header{{Name: "../escape.txt", Typeflag: tar.TypeReg, Mode: 0644}},
		},
		{
			name:    "nested file escaping",
			entries: []tar.Header{{Name: "assets/../../../escape.txt", Typeflag: tar.TypeReg, Mode: 0644}},
		},
		{
			name:    "absolute symlink",
			entries: []tar.Header{{Name: "etc", Typeflag: tar.TypeSymlink, Linkname: "/etc"}},
		},
		{
			name:    "relative symlink leaving release",
			entries: []tar.Header{{Name: "up", Typeflag: tar.TypeSymlink, Linkname: "../../outside"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tw := tar.NewWriter(&buf)
			for _, h := range tt.entries {
				hdr := h
				if err := tw.WriteHeader(&hdr); err != nil {
					t.Fatalf("Failed to write header: %v", err)
				}
			}
			if err := tw.Close(); err != nil {
				t.Fatalf("Failed to close archive: %v", err)
			}

			parent := t.TempDir()
			dst := filepath.Join(parent, "releases", "restored")
			if err := os.MkdirAll(dst, 0755); err != nil {
				t.Fatalf("Failed to create destination: %v", err)
			}

			err := backup.TarArchiver{}.Extract(context.Background(), &buf, dst)
			if err == nil {
				t.Fatal("Expected extraction to be rejected, but it succeeded")
			}
			if _, statErr := os.Stat(filepath.Join(parent, "releases", "escape.txt")); statErr == nil {
				t.Error("Archive entry was written outside the destination")
			}
		})
	}
}

// TestSecureFilePermissions validates that audit logs are never
// world-readable.
func TestSecureFilePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	logDir := filepath.Join(tmpDir, "logs")

	log, err := audit.Open(logDir)
	if err != nil {
		t.Fatalf("Failed to open audit log: %v", err)
	}
	if err := log.Record(audit.Event{Type: audit.EventDeployStarted, Site: "shop", Status: audit.StatusStarted}); err != nil {
		t.Fatalf("Failed to record event: %v", err)
	}

	tests := []struct {
		name string
		path string
	}{
		{name: "audit directory", path: logDir},
		{name: "json audit log", path: filepath.Join(logDir, audit.JSONFile)},
		{name: "text audit log", path: filepath.Join(logDir, audit.TextFile)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := os.Stat(tt.path)
			if err != nil {
				t.Fatalf("Failed to stat %s: %v", tt.path, err)
			}
			perm := info.Mode().Perm()
			if perm&0004 != 0 {
				t.Errorf("%s is world-readable (permissions: %o)", tt.path, perm)
			}
			if perm&0002 != 0 {
				t.Errorf("%s is world-writable (permissions: %o)", tt.path, perm)
			}
		})
	}

	for _, path := range []string{filepath.Join(logDir, audit.JSONFile), filepath.Join(logDir, audit.TextFile)} {
		if err := security.ValidateSecurePermissions(path); err != nil {
			t.Errorf("Expected %s to pass permission validation, got %v", path, err)
		}
	}
}
