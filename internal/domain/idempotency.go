package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// IdempotencyKey derives the deterministic key for the real-world effect
// "apply action to vehicle on portal at content version". Two enqueues of
// the same effect produce the same key and collide on the unique index.
//
// The content version is the vehicle's UpdatedAt truncated to the second
// and rendered in UTC, so re-saving an unchanged form yields a new version
// only when the row was actually written.
func IdempotencyKey(vehicleID, portalCode string, action JobType, contentVersion time.Time) string {
	version := strconv.FormatInt(contentVersion.UTC().Unix(), 10)
	h := sha256.Sum256([]byte(strings.Join([]string{
		vehicleID,
		strings.ToLower(portalCode),
		string(action),
		version,
	}, "|")))
	return hex.EncodeToString(h[:])
}
