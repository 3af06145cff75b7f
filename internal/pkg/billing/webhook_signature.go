package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifyNotificationSecret compares the shared secret carried in a status
// notification with the configured one in constant time. Both sides are
// hashed first so the comparison does not leak the secret's length.
func VerifyNotificationSecret(provided, configured string) bool {
	p := strings.TrimSpace(provided)
	c := strings.TrimSpace(configured)
	if p == "" || c == "" {
		return false
	}
	ph := sha256.Sum256([]byte(p))
	ch := sha256.Sum256([]byte(c))
	return hmac.Equal(ph[:], ch[:])
}

// notificationEventID derives a stable event id for payloads that carry none.
func notificationEventID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "hash:" + hex.EncodeToString(sum[:])
}
