package syncx

import (
	"encoding/base64"
	"time"
)

// Cursors are the opaque pagination markers handed to clients by list
// operations. The decoded form is the raw bytes of the last key emitted in
// the previous page; backends resume with a strict "key > cursor" comparison.
// Nothing beyond the key itself is encoded, so cursors stay stable across
// storage backends.

// EncodeCursor creates an opaque cursor from the last emitted key.
// Returns empty string for an empty key.
func EncodeCursor(key string) string {
	if key == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// DecodeCursor recovers the key from a cursor string.
// Returns empty string and false if the cursor is empty or malformed.
func DecodeCursor(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// RFC3339 converts Unix milliseconds to an RFC3339 timestamp string
func RFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// NowMs returns current Unix milliseconds timestamp (UTC)
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}
