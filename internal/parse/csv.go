package parse

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chatmosaic/mosaic/internal/normalize"
)

// Column aliases per logical field, matched case-insensitively against
// trimmed header names.
var (
	csvDateColumns         = []string{"date", "timestamp", "time"}
	csvTextColumns         = []string{"text", "message", "content", "body"}
	csvSenderColumns       = []string{"sender", "from", "contact", "author"}
	csvConversationColumns = []string{"conversation", "chat", "thread", "conversation name"}
	csvDirectionColumns    = []string{"direction", "type"}
	csvHandleColumns       = []string{"phone", "handle", "sender id", "email"}
	csvAttachmentColumns   = []string{"attachment", "attachments", "media"}
)

var (
	outboundMarker = regexp.MustCompile(`(?i)out|sent|me`)
	groupTitle     = regexp.MustCompile(`(?i),|&|group`)
)

// timestampQualityPenalty is the number of quality points withheld when
// every row needed a fallback timestamp.
const timestampQualityPenalty = 35.0

// CSVParser reads header-tagged tabular exports.
type CSVParser struct{}

// Parse reads the whole file and converts each data row to a draft.
// Rows with an unparsable timestamp fall back to the current time and
// are counted into a single aggregated warning; rows that do not line
// up with the header are skipped and counted separately.
func (p *CSVParser) Parse(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open csv file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return Result{}, fmt.Errorf("failed to read csv file: %w", err)
	}
	if len(records) == 0 {
		return Result{QualityScore: 0}, nil
	}

	header := records[0]
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}

	pick := func(row []string, aliases []string) string {
		for _, alias := range aliases {
			if idx, ok := columns[alias]; ok && idx < len(row) {
				return strings.TrimSpace(row[idx])
			}
		}
		return ""
	}

	var result Result
	totalRows := 0
	fallbackTimestamps := 0
	malformedRows := 0

	for index, row := range records[1:] {
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		totalRows++
		if len(row) > len(header) {
			malformedRows++
			continue
		}

		dateValue := pick(row, csvDateColumns)
		sentAt, ok := parseTimestamp(dateValue)
		if !ok {
			sentAt = time.Now().UTC()
			fallbackTimestamps++
		}

		text := pick(row, csvTextColumns)
		sender := pick(row, csvSenderColumns)
		if sender == "" {
			sender = "Unknown"
		}
		conversation := pick(row, csvConversationColumns)
		if conversation == "" {
			conversation = filepath.Base(path)
		}
		directionRaw := pick(row, csvDirectionColumns)
		outgoing := outboundMarker.MatchString(directionRaw) || isSelfName(sender)

		handle := normalize.Handle(pick(row, csvHandleColumns))
		if handle == "" {
			handle = normalize.Handle(sender)
		}

		conversationKey := normalize.Handle(conversation)
		if conversationKey == "" {
			conversationKey = "conversation_" + strconv.Itoa(index)
		}

		attachment := pick(row, csvAttachmentColumns)
		var attachmentDraft *AttachmentDraft
		if attachment != "" {
			attachmentDraft = &AttachmentDraft{
				SourceURI: attachment,
				FileExt:   strings.TrimPrefix(filepath.Ext(attachment), "."),
			}
		}

		direction := "inbound"
		if outgoing {
			direction = "outbound"
		}

		// Keyed on row content, not the file path, so re-importing the
		// same export from a staged copy still dedupes.
		result.Messages = append(result.Messages, Draft{
			SourceMsgKey:      normalize.Hash(strconv.Itoa(index), dateValue, sender, text),
			SentAt:            sentAt,
			Direction:         direction,
			Text:              text,
			HasAttachment:     attachment != "",
			ConversationKey:   conversationKey,
			ConversationTitle: conversation,
			IsGroup:           groupTitle.MatchString(conversation),
			ParticipantHandle: handle,
			ParticipantName:   sender,
			IsSelf:            outgoing,
			Attachment:        attachmentDraft,
		})
	}

	if fallbackTimestamps > 0 {
		result.Warnings = append(result.Warnings, Warning{
			Severity:     SeverityWarning,
			Code:         CodeFallbackTimestamp,
			Details:      map[string]any{"count": fallbackTimestamps},
			AffectedRows: fallbackTimestamps,
		})
	}
	if malformedRows > 0 {
		result.Warnings = append(result.Warnings, Warning{
			Severity:     SeverityWarning,
			Code:         CodeMalformedRow,
			Details:      map[string]any{"count": malformedRows},
			AffectedRows: malformedRows,
		})
	}

	if totalRows == 0 {
		result.QualityScore = 0
	} else {
		penalty := float64(fallbackTimestamps) / float64(totalRows) * timestampQualityPenalty
		result.QualityScore = math.Max(0, 100-penalty)
	}

	return result, nil
}
