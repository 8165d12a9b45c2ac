package security

import (
	"fmt"
	"math"
	"strings"
)

const (
	// MinSecretLength is the minimum allowed length for notification webhook secrets.
	MinSecretLength = 48

	// MinEntropy is the minimum Shannon entropy threshold for secrets.
	// This ensures secrets have sufficient randomness.
	MinEntropy = 3.5
)

var forbiddenSecrets = map[string]bool{
	"replace-with-secret":                          true,
	"replace-with-secret-must-be-at-least-32-chars-long": true,
	"another-secret-must-be-at-least-32-chars-long":     true,
	"github-webhook-password":                           true,
	"topsecret":                                         true,
	"secret":                                            true,
	"password":                                          true,
	"changeme":                                          true,
	"your-webhook-secret-min-32-chars-long":            true,
	"min-32-char-webhook-secret":                       true,
}

// ValidateSecret ensures a notification webhook secret meets security requirements.
// Checks:
// - Minimum length (48 characters)
// - Not a placeholder value
// - Sufficient Shannon entropy (minimum 3.5)
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return fmt.Errorf("secret too short (minimum %d characters, got %d)", MinSecretLength, len(secret))
	}

	// Check against forbidden list (case-insensitive)
	secretLower := strings.ToLower(secret)
	if forbiddenSecrets[secretLower] {
		return fmt.Errorf("secret appears to be a placeholder value, please use a real secret")
	}

	// Check for common placeholder patterns
	if strings.Contains(secretLower, "replace") ||
	   strings.Contains(secretLower, "changeme") ||
	   strings.Contains(secretLower, "topsecret") ||
	   strings.Contains(secretLower, "password") {
		return fmt.Errorf("secret appears to be a placeholder value")
	}

	// Calculate Shannon entropy
	entropy := calculateEntropy(secret)
	if entropy < MinEntropy {
		return fmt.Errorf("secret has insufficient entropy (%.2f < %.2f) - use a more random secret", entropy, MinEntropy)
	}

	return nil
}

// calculateEntropy computes the Shannon entropy of a string.
// Higher entropy indicates more randomness/unpredictability.
// Returns a value between 0 (completely predictable) and ~8 (maximum entropy for byte strings).
func calculateEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	// Count frequency of each character
	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}

	// Calculate Shannon entropy: H = -Σ(p(x) * log2(p(x)))
	var entropy float64
	length := float64(len(s))

	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}

	return entropy
}
