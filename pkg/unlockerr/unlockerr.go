// Package unlockerr maps Unlock Protocol revert payloads to readable reasons.
package unlockerr

import "strings"

// selectorLen is "0x" plus the 4-byte selector in hex.
const selectorLen = 10

// Known PublicLock custom error selectors.
var reasons = map[string]string{
	"0x17ed8646": "Membership sold out or max keys reached.",
	"0x31af6951": "Lock sold out.",
	"0x1f04ddc8": "Not enough funds.",
}

// Decode returns the human-readable reason for a revert payload such as
// "0x17ed8646...". Unknown selectors and malformed input are returned as-is.
func Decode(data string) string {
	if len(data) < selectorLen {
		return data
	}
	if reason, ok := reasons[strings.ToLower(data[:selectorLen])]; ok {
		return reason
	}
	return data
}

// Known reports whether the payload carries a selector in the table.
func Known(data string) bool {
	return Decode(data) != data
}
