package syncx

import (
	"strings"
	"testing"
)

func TestCursorRoundtrip(t *testing.T) {
	for _, key := range []string{
		"a",
		"settings/theme",
		"key with spaces",
		"unicode-ключ",
		strings.Repeat("x", 255),
	} {
		encoded := EncodeCursor(key)
		if strings.ContainsAny(encoded, "+/=") {
			t.Fatalf("cursor %q is not url-safe", encoded)
		}
		decoded, ok := DecodeCursor(encoded)
		if !ok || decoded != key {
			t.Fatalf("roundtrip %q -> %q (ok=%v)", key, decoded, ok)
		}
	}
}

func TestEncodeCursorEmpty(t *testing.T) {
	if got := EncodeCursor(""); got != "" {
		t.Fatalf("EncodeCursor(\"\") = %q", got)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, s := range []string{"!!!", "a b", "%%"} {
		if _, ok := DecodeCursor(s); ok {
			t.Fatalf("DecodeCursor(%q) accepted", s)
		}
	}
}

func TestRFC3339(t *testing.T) {
	if got := RFC3339(0); got != "1970-01-01T00:00:00Z" {
		t.Fatalf("RFC3339(0) = %q", got)
	}
	if got := RFC3339(1700000000123); got != "2023-11-14T22:13:20.123Z" {
		t.Fatalf("RFC3339(1700000000123) = %q", got)
	}
}
