package logger

import (
	"crypto/sha256"
	"encoding/hex"

	"go.uber.org/zap"
)

// hashPrefixLen is how much of the SHA-256 digest survives redaction. Enough
// to correlate log lines, not enough to reverse short tokens by brute force
// against a rainbow table of the full digest.
const hashPrefixLen = 12

// Redact replaces a sensitive value (path, filename, token, header) with a
// truncated hash so log lines stay correlatable without leaking the value.
func Redact(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return "h:" + hex.EncodeToString(sum[:])[:hashPrefixLen]
}

// RedactedField builds a zap field whose value has been redacted.
func RedactedField(key, value string) zap.Field {
	return zap.String(key, Redact(value))
}
