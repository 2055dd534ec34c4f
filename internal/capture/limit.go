package capture

import (
	"crypto/sha256"
	"encoding/hex"
)

// Body limits, counted in characters (runes), not bytes.
const (
	MaxBodyChars     = 100_000
	BodyPreviewChars = 1_000
)

// SetBody applies the body retention policy to a record. Bodies at or under
// MaxBodyChars are stored verbatim; larger bodies keep only their size, a
// BodyPreviewChars-long preview and a sha256 of the full content.
func SetBody(rec *Record, body string) {
	runes := []rune(body)
	if len(runes) <= MaxBodyChars {
		rec.Body = body
		return
	}
	sum := sha256.Sum256([]byte(body))
	rec.BodySize = len(runes)
	rec.BodyTruncated = true
	rec.BodyPreview = string(runes[:BodyPreviewChars])
	rec.BodySHA256 = hex.EncodeToString(sum[:])
}
