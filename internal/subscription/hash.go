package subscription

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// HashData computes a stable hash of data for reconnect verification
// (spec §3, "dataHash"). encoding/json sorts map keys, so the
// marshaled form is deterministic regardless of map iteration order.
func HashData(data any) string {
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
