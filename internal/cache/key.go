package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize lowercases the prompt and collapses runs of whitespace so that
// trivially different spellings share a key.
func Normalize(prompt string) string {
	return strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
}

// Key returns the exact-match key: SHA-256 of the normalized prompt plus the
// scoping context fields.
func Key(prompt string, c Context) string {
	h := sha256.New()
	h.Write([]byte(Normalize(prompt)))
	for _, f := range [...]string{c.Agent, c.Tier, c.FlowID} {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
