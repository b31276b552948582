// Package etag derives opaque entity tags from per-document version
// counters and evaluates If-Match style preconditions.
package etag

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Generate builds the ETag for a document id at a given store version. The
// version participates directly and the id is folded in through a hash, so
// two documents never share a tag and every write yields a fresh one.
func Generate(id string, version int64) string {
	sum := xxhash.Sum64String(id)
	return fmt.Sprintf("%d-%016x", version, sum)
}

// Version extracts the store version encoded in a tag. Returns false for
// malformed tags.
func Version(tag string) (int64, bool) {
	tag = trim(tag)
	idx := strings.Index(tag, "-")
	if idx <= 0 {
		return 0, false
	}
	var v int64
	if _, err := fmt.Sscanf(tag[:idx], "%d", &v); err != nil {
		return 0, false
	}
	return v, true
}

// Match evaluates a conditional header value against the current tag. An
// empty condition or "*" always matches; weak validator prefixes and
// surrounding quotes are ignored.
func Match(condition, current string) bool {
	if condition == "" {
		return true
	}
	for _, candidate := range strings.Split(condition, ",") {
		candidate = trim(candidate)
		if candidate == "*" || candidate == trim(current) {
			return true
		}
	}
	return false
}

func trim(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	return strings.Trim(tag, `"`)
}
