package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns an opaque, URL-safe identifier. Share-instance tokens use the
// "inst" prefix so they are recognizable in logs and store keys.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
