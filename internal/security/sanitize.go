package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	branchPattern = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	sitePattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	commitPattern = regexp.MustCompile(`^[0-9a-fA-F]{7,64}$`)
)

// ValidateBranchName ensures a branch name recorded in audit events is safe
// to render in logs and pass to notification collaborators.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateCommitHash accepts abbreviated or full hex object names.
func ValidateCommitHash(commit string) error {
	if !commitPattern.MatchString(commit) {
		return fmt.Errorf("commit must be 7-64 hex characters, got %q", commit)
	}
	return nil
}

// ValidateSiteName ensures a site name is safe for use in paths, lock files and URLs.
func ValidateSiteName(name string) error {
	if name == "" {
		return fmt.Errorf("site name cannot be empty")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("site name cannot start with '-' or '.'")
	}
	if !sitePattern.MatchString(name) {
		return fmt.Errorf("site name contains invalid characters (only a-z, A-Z, 0-9, _, - allowed)")
	}
	return nil
}

// SanitizePathForSymlink prevents path traversal attacks when creating symlinks.
// Ensures target path is within the base directory.
func SanitizePathForSymlink(basePath, targetPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}

	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve target path: %w", err)
	}

	cleanBase, err := filepath.EvalSymlinks(absBase)
	if err != nil {
		return "", fmt.Errorf("failed to evaluate base path symlinks: %w", err)
	}

	cleanTarget, err := filepath.EvalSymlinks(absTarget)
	if err != nil {
		return "", fmt.Errorf("failed to evaluate target path symlinks: %w", err)
	}

	relPath, err := filepath.Rel(cleanBase, cleanTarget)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return "", fmt.Errorf("path traversal detected: target '%s' is outside base '%s'", cleanTarget, cleanBase)
	}

	return cleanTarget, nil
}

