// Package normalize holds the pure helpers the ingestion pipeline is
// built on: handle/name folding, content hashing, display redaction,
// and conversion of Apple Messages timestamps.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

// Handle folds a raw contact identifier (phone number, email, name)
// into the form used for identity keys and matching: lower-cased,
// whitespace removed, parentheses and hyphens stripped.
func Handle(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		if unicode.IsSpace(r) || r == '(' || r == ')' || r == '-' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Name folds a display name for comparison: lower-cased with
// everything except letters and digits removed.
func Name(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Hash returns a hex sha256 digest over the given parts joined with
// ":". Used to synthesize per-row source message keys for formats that
// lack a native row id.
func Hash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

// DedupeHash digests handle + minute-truncated timestamp + text. It is
// a fuzzy cross-source duplicate signal, distinct from the strict
// (source, source_msg_key) uniqueness key.
func DedupeHash(handle string, sentAt time.Time, text string) string {
	return Hash(handle, sentAt.UTC().Format("2006-01-02T15:04"), text)
}

const (
	redactMin = 4
	redactMax = 32
)

// Redact maps text to a fixed-alphabet placeholder whose length is
// clamped to [4, 32], so previews never reveal content or precise
// length. Empty text stays empty. The canonical text column keeps the
// original content; redaction is a display concern only.
func Redact(text string) string {
	if text == "" {
		return ""
	}
	n := len([]rune(text))
	if n < redactMin {
		n = redactMin
	}
	if n > redactMax {
		n = redactMax
	}
	return strings.Repeat("•", n)
}

// appleEpoch is 2001-01-01T00:00:00Z, the reference point for
// timestamps in chat.db.
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// AppleTime converts a chat.db date value to a UTC instant. The column
// has carried seconds, milliseconds, microseconds and nanoseconds
// since the Apple epoch across macOS versions; the scale is
// disambiguated by magnitude, which holds for any plausible date
// between 2001 and 2100. Zero or negative values fall back to now.
func AppleTime(v int64) time.Time {
	if v <= 0 {
		return time.Now().UTC()
	}
	var ms int64
	switch {
	case v > 1e15: // nanoseconds
		ms = v / 1e6
	case v > 1e12: // microseconds
		ms = v / 1e3
	case v > 1e9: // milliseconds
		ms = v
	default: // seconds
		ms = v * 1000
	}
	return appleEpoch.Add(time.Duration(ms) * time.Millisecond)
}
