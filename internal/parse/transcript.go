package parse

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chatmosaic/mosaic/internal/normalize"
)

// Line grammars tried in order; the first match wins.
//
//	[date] name: text
//	date - name: text        (log style)
//	name[date]: text
var transcriptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\[(?P<date>[^\]]+)\]\s*(?P<name>[^:]+):\s*(?P<text>.*)$`),
	regexp.MustCompile(`(?i)^(?P<date>\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4},?\s+\d{1,2}:\d{2}(?::\d{2})?\s*(?:AM|PM)?)\s+-\s+(?P<name>[^:]+):\s*(?P<text>.*)$`),
	regexp.MustCompile(`^(?P<name>[^\[]+)\[(?P<date>[^\]]+)\]:\s*(?P<text>.*)$`),
}

var groupName = regexp.MustCompile(`(?i)group|,|&`)

// unmatchedErrorThreshold is the unmatched-line count above which the
// aggregated warning escalates from warning to error severity.
const unmatchedErrorThreshold = 20

// TranscriptParser reads free-text chat transcripts, one message per
// line. The file name doubles as the conversation title.
type TranscriptParser struct{}

// Parse scans every non-blank line against the known line grammars.
// Lines matching none are counted and reported in a single aggregated
// warning; they produce no draft.
func (p *TranscriptParser) Parse(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	base := filepath.Base(path)
	title := strings.TrimSuffix(base, filepath.Ext(base))
	conversationKey := normalize.Handle(title)

	var result Result
	unmatched := 0
	lineNo := -1

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var groups map[string]string
		for _, pattern := range transcriptPatterns {
			match := pattern.FindStringSubmatch(line)
			if match == nil {
				continue
			}
			groups = make(map[string]string, 3)
			for i, name := range pattern.SubexpNames() {
				if name != "" {
					groups[name] = match[i]
				}
			}
			break
		}

		if groups == nil {
			unmatched++
			continue
		}

		sentAt, ok := parseTimestamp(groups["date"])
		if !ok {
			sentAt = time.Now().UTC()
		}
		name := strings.TrimSpace(groups["name"])
		if name == "" {
			name = "Unknown"
		}
		text := strings.TrimSpace(groups["text"])
		isSelf := isSelfName(name)

		handle := normalize.Handle(name)
		if handle == "" {
			handle = "unknown"
		}

		direction := "inbound"
		if isSelf {
			direction = "outbound"
		}

		result.Messages = append(result.Messages, Draft{
			SourceMsgKey:      normalize.Hash(strconv.Itoa(lineNo), line),
			SentAt:            sentAt,
			Direction:         direction,
			Text:              text,
			HasAttachment:     false,
			ConversationKey:   conversationKey,
			ConversationTitle: title,
			IsGroup:           groupName.MatchString(name),
			ParticipantHandle: handle,
			ParticipantName:   name,
			IsSelf:            isSelf,
		})
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("failed to read transcript: %w", err)
	}

	if unmatched > 0 {
		severity := SeverityWarning
		if unmatched > unmatchedErrorThreshold {
			severity = SeverityError
		}
		result.Warnings = append(result.Warnings, Warning{
			Severity:     severity,
			Code:         CodeUnmatchedLines,
			Details:      map[string]any{"unmatched": unmatched},
			AffectedRows: unmatched,
		})
	}

	considered := len(result.Messages) + unmatched
	if considered == 0 {
		result.QualityScore = 0
	} else {
		result.QualityScore = float64(len(result.Messages)) / float64(considered) * 100
	}

	return result, nil
}
