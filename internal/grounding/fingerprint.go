// Package grounding resolves natural-language element descriptions into
// absolute screen coordinates, backed by a content-addressed cache of parsed
// screens with a multi-day TTL.
package grounding

import (
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/zeebo/blake3"
)

// Fingerprint derives the cache key for a capture: a blake3 hash of the
// screenshot bytes combined with the normalized context identifier. Identical
// pixels in a different application context hash to a different key.
func Fingerprint(image []byte, contextID string) string {
	sum := blake3.Sum256(image)
	return hex.EncodeToString(sum[:]) + "::" + NormalizeContext(contextID)
}

// NormalizeContext reduces a context URL (or free-form identifier) to a
// stable, slash-free form: lowercased host and path with separators folded to
// dots, query and fragment stripped. An empty context becomes "unknown".
func NormalizeContext(contextID string) string {
	contextID = strings.TrimSpace(contextID)
	if contextID == "" {
		return "unknown"
	}
	if u, err := url.Parse(contextID); err == nil && u.Host != "" {
		contextID = u.Host + u.Path
	}
	contextID = strings.ToLower(contextID)
	contextID = strings.Trim(contextID, "/")
	contextID = strings.ReplaceAll(contextID, "/", ".")
	if contextID == "" {
		return "unknown"
	}
	return contextID
}
