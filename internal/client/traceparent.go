package client

import (
	"crypto/rand"
	"encoding/hex"
)

// newTraceparent builds a W3C traceparent header value with fresh
// random trace and span ids, sampled flag set.
func newTraceparent() string {
	var traceID [16]byte
	var spanID [8]byte
	_, _ = rand.Read(traceID[:])
	_, _ = rand.Read(spanID[:])
	return "00-" + hex.EncodeToString(traceID[:]) + "-" + hex.EncodeToString(spanID[:]) + "-01"
}
