package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeCallID computes a deterministic call_id using SHA256.
// Formula: SHA256(message_id|mint|t0_ms)
// Returns hex-encoded hash (64 characters).
func ComputeCallID(messageID, mint string, t0Ms int64) string {
	data := fmt.Sprintf("%s|%s|%d", messageID, mint, t0Ms)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
