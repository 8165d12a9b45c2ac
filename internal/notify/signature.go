package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignatureHeader = "X-Canarybox-Signature"
	SignaturePrefix = "sha256="
)

// Sign returns the "sha256=<hex>" HMAC of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign. Receivers of
// canarybox webhooks can use it directly.
func VerifySignature(payload []byte, signature, secret string) bool {
	if signature == "" || !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}
	received := strings.TrimPrefix(signature, SignaturePrefix)
	expected := strings.TrimPrefix(Sign(payload, secret), SignaturePrefix)

	// Constant-time comparison to prevent timing attacks
	return hmac.Equal([]byte(expected), []byte(received))
}
