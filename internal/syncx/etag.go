package syncx

import (
	"errors"
	"strconv"
	"strings"
)

// ErrBadIfMatch is returned when an If-Match value is present but is not a
// positive decimal version, quoted or bare.
var ErrBadIfMatch = errors.New("if-match is not a positive integer version")

// ETag renders a version as its wire concurrency token: the quoted decimal
// form, e.g. version 5 -> `"5"`.
func ETag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

// ParseIfMatch parses an If-Match header value into a version precondition.
// Accepts the quoted form `"N"` and the bare decimal N per RFC 7232 practice,
// trimming surrounding whitespace. An empty value means no precondition and
// returns ok=false with no error.
func ParseIfMatch(s string) (version int64, ok bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, perr := strconv.ParseInt(s, 10, 64)
	if perr != nil || v < 1 {
		return 0, false, ErrBadIfMatch
	}
	return v, true, nil
}
