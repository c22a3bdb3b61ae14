package lock

import (
	"strconv"
	"time"
)

// DefaultPrefix is "rzlock", the stem that every persisted key is built
// from. Key templates append their own leading colon, so the stored keys
// come out as e.g. "rzlock:write:k" with exactly one colon between
// segments.
const DefaultPrefix = "rzlock"

func writeKey(prefix, key string) string { return prefix + ":write:" + key }
func readKey(prefix, key string) string  { return prefix + ":read:" + key }
func dflagKey(prefix, key string) string { return prefix + ":dflag:" + key }

func ttlSeconds(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 0 {
		secs = 0
	}
	return strconv.FormatInt(secs, 10)
}
