package httpx

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// newRequestID returns 32 hex digits for X-Request-Id.
func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		t := time.Now().UnixNano()
		for i := range b {
			b[i] = byte(t >> (uint(i%8) * 8))
		}
	}
	return hex.EncodeToString(b[:])
}
