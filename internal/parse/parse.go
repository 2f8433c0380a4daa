// Package parse turns raw export files into canonical-shaped message
// drafts. Parsers never fail on malformed rows: bad input degrades the
// quality score and produces structured warnings instead.
package parse

import (
	"fmt"
	"strings"
	"time"
)

// Supported file formats.
const (
	FormatCSV = "csv"
	FormatTXT = "txt"
)

// Warning severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Warning codes.
const (
	CodeFallbackTimestamp = "fallback_timestamp"
	CodeMalformedRow      = "malformed_row"
	CodeUnmatchedLines    = "unmatched_lines"
)

// Draft is a canonical-shaped message before store attribution.
type Draft struct {
	SourceMsgKey      string
	SentAt            time.Time
	Direction         string // "inbound" | "outbound"
	Text              string
	HasAttachment     bool
	ConversationKey   string
	ConversationTitle string
	IsGroup           bool
	ParticipantHandle string
	ParticipantName   string
	IsSelf            bool
	Attachment        *AttachmentDraft
}

// AttachmentDraft describes an attachment referenced by a draft.
type AttachmentDraft struct {
	MimeType  string
	FileExt   string
	SizeBytes int64
	SourceURI string
}

// Warning mirrors the shape persisted to parse_warnings.
type Warning struct {
	Severity     string
	Code         string
	Details      map[string]any
	AffectedRows int
}

// Result is the uniform parser output: drafts, structured warnings and
// a 0-100 quality estimate of how much of the input was structured.
type Result struct {
	Messages     []Draft
	Warnings     []Warning
	QualityScore float64
}

// Parser is the single capability all format variants implement.
type Parser interface {
	Parse(path string) (Result, error)
}

// ForFormat returns the parser for a declared format.
func ForFormat(format string) (Parser, error) {
	switch format {
	case FormatCSV:
		return &CSVParser{}, nil
	case FormatTXT:
		return &TranscriptParser{}, nil
	default:
		return nil, fmt.Errorf("unknown import format %q (want %s or %s)", format, FormatCSV, FormatTXT)
	}
}

// timestampLayouts covers the date shapes seen in real exports. Tried
// in order; first hit wins.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"1/2/2006, 3:04:05 PM",
	"1/2/2006, 3:04 PM",
	"1/2/06, 3:04:05 PM",
	"1/2/06, 3:04 PM",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 3:04 PM",
	"1/2/2006, 15:04:05",
	"1/2/2006, 15:04",
	"1/2/06, 15:04",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006",
	"1-2-2006 15:04",
	"1-2-06, 15:04",
	"Jan 2, 2006 3:04:05 PM",
	"Jan 2, 2006 3:04 PM",
	"Jan 2, 2006",
	"2 Jan 2006 15:04:05",
	time.RFC1123,
	time.RFC822,
}

// parseTimestamp attempts each known layout against the value. The
// boolean reports success; callers fall back to "now" and record a
// fallback warning when it is false.
func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func isSelfName(name string) bool {
	return strings.Contains(strings.ToLower(name), "me")
}
