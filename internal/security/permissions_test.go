package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPermissionConstants(t *testing.T) {
	tests := []struct {
		name     string
		perm     os.FileMode
		expected os.FileMode
	}{
		{"PermLogFile", PermLogFile, 0640},
		{"PermDBFile", PermDBFile, 0640},
		{"PermStateFile", PermStateFile, 0640},
		{"PermSnapshotFile", PermSnapshotFile, 0600},
		{"PermDirectory", PermDirectory, 0750},
		{"PermSnapshotDir", PermSnapshotDir, 0700},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.perm != tt.expected {
				t.Errorf("%s = %04o, want %04o", tt.name, tt.perm, tt.expected)
			}
		})
	}
}

func TestCreateSecureDir(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		dirname string
		perm    os.FileMode
		wantErr bool
	}{
		{"create standard dir", "mydir", PermDirectory, false},
		{"create snapshot dir", "hourly", PermSnapshotDir, false},
		{"create nested dir", "parent/child/grandchild", PermDirectory, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.dirname)
			err := CreateSecureDir(path, tt.perm)
			if (err != nil) != tt.wantErr {
				t.Errorf("CreateSecureDir() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}

			// Verify directory exists
			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("Directory was not created: %v", err)
			}
			if !info.IsDir() {
				t.Fatalf("Created path is not a directory")
			}

			// Verify permissions
			actualPerm := info.Mode().Perm()
			if actualPerm != tt.perm {
				t.Errorf("Directory permissions = %04o, want %04o", actualPerm, tt.perm)
			}
		})
	}
}

func TestFixFilePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.txt")

	// Create file with wrong permissions
	if err := os.WriteFile(testFile, []byte("test"), 0666); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	// Force permissions to 0666 (umask might have changed them)
	if err := os.Chmod(testFile, 0666); err != nil {
		t.Fatalf("Failed to set initial permissions: %v", err)
	}

	// Fix permissions
	err := FixFilePermissions(testFile, 0640)
	if err != nil {
		t.Fatalf("FixFilePermissions() failed: %v", err)
	}

	// Verify fixed permissions
	info, err := os.Stat(testFile)
	if err != nil {
		t.Fatalf("Failed to stat file: %v", err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("File permissions = %04o, want 0640", info.Mode().Perm())
	}
}

func TestIsWorldReadable(t *testing.T) {
	tests := []struct {
		name string
		perm os.FileMode
		want bool
	}{
		{"0644 is world readable", 0644, true},
		{"0664 is world readable", 0664, true},
		{"0666 is world readable", 0666, true},
		{"0640 is not world readable", 0640, false},
		{"0600 is not world readable", 0600, false},
		{"0660 is not world readable", 0660, false},
		{"0700 is not world readable", 0700, false},
		{"0755 is world readable", 0755, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsWorldReadable(tt.perm)
			if got != tt.want {
				t.Errorf("IsWorldReadable(%04o) = %v, want %v", tt.perm, got, tt.want)
			}
		})
	}
}

func TestIsWorldWritable(t *testing.T) {
	tests := []struct {
		name string
		perm os.FileMode
		want bool
	}{
		{"0666 is world writable", 0666, true},
		{"0777 is world writable", 0777, true},
		{"0662 is world writable", 0662, true},
		{"0664 is not world writable", 0664, false},
		{"0644 is not world writable", 0644, false},
		{"0600 is not world writable", 0600, false},
		{"0640 is not world writable", 0640, false},
		{"0755 is not world writable", 0755, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsWorldWritable(tt.perm)
			if got != tt.want {
				t.Errorf("IsWorldWritable(%04o) = %v, want %v", tt.perm, got, tt.want)
			}
		})
	}
}

func TestValidateSecurePermissions(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		perm    os.FileMode
		wantErr bool
	}{
		{"secure 0600", 0600, false},
		{"secure 0640", 0640, false},
		{"secure 0660", 0660, false},
		{"secure 0700", 0700, false},
		{"world readable 0644", 0644, true},
		{"world readable 0664", 0664, true},
		{"world writable 0666", 0666, true},
		{"world writable 0777", 0777, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testFile := filepath.Join(tmpDir, "test-"+tt.name+".txt")
			if err := os.WriteFile(testFile, []byte("test"), tt.perm); err != nil {
				t.Fatalf("Failed to create test file: %v", err)
			}

			err := ValidateSecurePermissions(testFile)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSecurePermissions() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSecurePermissions_NonexistentFile(t *testing.T) {
	err := ValidateSecurePermissions("/nonexistent/file.txt")
	if err == nil {
		t.Errorf("ValidateSecurePermissions() should fail for nonexistent file")
	}
}

func TestResolveOwnership_Empty(t *testing.T) {
	o, err := ResolveOwnership("", "")
	if err != nil {
		t.Fatalf("ResolveOwnership() failed: %v", err)
	}
	if o.UID != -1 || o.GID != -1 {
		t.Errorf("Expected -1/-1 for empty names, got %d/%d", o.UID, o.GID)
	}
}

func TestResolveOwnership_UnknownUser(t *testing.T) {
	if _, err := ResolveOwnership("no-such-user-canarybox", ""); err == nil {
		t.Error("Expected error for unknown user")
	}
}

func TestValidateOwnership(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "settings.php")
	if err := os.WriteFile(path, []byte("<?php"), 0440); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	uid, gid := os.Getuid(), os.Getgid()

	if err := ValidateOwnership(path, Ownership{UID: uid, GID: gid}); err != nil {
		t.Errorf("Expected current uid/gid to conform, got %v", err)
	}
	if err := ValidateOwnership(path, Ownership{UID: -1, GID: -1}); err != nil {
		t.Errorf("Expected unchecked ownership to pass, got %v", err)
	}
	if err := ValidateOwnership(path, Ownership{UID: uid + 1, GID: -1}); err == nil {
		t.Error("Expected mismatched uid to fail")
	}
}
