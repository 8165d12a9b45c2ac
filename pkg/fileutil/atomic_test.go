package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "canary.json")

	if err := WriteFileAtomic(path, []byte(`{"status":"deploying"}`), 0640); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	if err := WriteFileAtomic(path, []byte(`{"status":"monitoring"}`), 0640); err != nil {
		t.Fatalf("WriteFileAtomic() overwrite error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(data) != `{"status":"monitoring"}` {
		t.Errorf("Expected overwritten content, got %s", data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat file: %v", err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("Expected mode 0640, got %04o", info.Mode().Perm())
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestWriteFileAtomic_MissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "state.json")
	if err := WriteFileAtomic(path, []byte("x"), 0640); err == nil {
		t.Error("Expected error when parent directory does not exist")
	}
}

func TestCreateFileAtomic(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "b1.json")

	if err := CreateFileAtomic(path, []byte(`{"name":"b1"}`), 0640); err != nil {
		t.Fatalf("CreateFileAtomic() error = %v", err)
	}

	err := CreateFileAtomic(path, []byte(`{"name":"other"}`), 0640)
	if !errors.Is(err, os.ErrExist) {
		t.Fatalf("Expected os.ErrExist on second create, got %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(data) != `{"name":"b1"}` {
		t.Errorf("Expected original content to survive, got %s", data)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected no leftover temp files, got %d entries", len(entries))
	}
}
