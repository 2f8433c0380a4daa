// Package ingest orchestrates the two ways messages enter the store:
// file imports and live chat.db syncs. Both paths converge on the same
// canonical upsert and finish by rebuilding metrics and rule insights.
package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/chatmosaic/mosaic/internal/config"
	"github.com/chatmosaic/mosaic/internal/insights"
	"github.com/chatmosaic/mosaic/internal/metrics"
	"github.com/chatmosaic/mosaic/internal/normalize"
	"github.com/chatmosaic/mosaic/internal/parse"
	"github.com/chatmosaic/mosaic/internal/store"
)

// ImportResult reports one file ingestion.
type ImportResult struct {
	ImportID     string          `json:"import_id"`
	SourceID     string          `json:"source_id"`
	Parsed       int             `json:"parsed"`
	Inserted     int             `json:"inserted"`
	Skipped      int             `json:"skipped"`
	QualityScore float64         `json:"quality_score"`
	Warnings     []parse.Warning `json:"warnings"`
}

func toCanonical(sourceID string, d parse.Draft) store.CanonicalMessage {
	msg := store.CanonicalMessage{
		SourceID:      sourceID,
		SourceMsgKey:  d.SourceMsgKey,
		SentAt:        d.SentAt,
		Direction:     d.Direction,
		Text:          d.Text,
		TextRedacted:  normalize.Redact(d.Text),
		HasAttachment: d.HasAttachment,
		DedupeHash:    normalize.DedupeHash(d.ParticipantHandle, d.SentAt, d.Text),
		Participant: store.ParticipantRef{
			DisplayName: d.ParticipantName,
			Handle:      d.ParticipantHandle,
			IsSelf:      d.IsSelf,
		},
		Conversation: store.ConversationRef{
			Key:     d.ConversationKey,
			Title:   d.ConversationTitle,
			IsGroup: d.IsGroup,
		},
	}
	if d.Attachment != nil {
		msg.Attachment = &store.AttachmentRef{
			MimeType:  d.Attachment.MimeType,
			FileExt:   d.Attachment.FileExt,
			SizeBytes: d.Attachment.SizeBytes,
			SourceURI: d.Attachment.SourceURI,
		}
	}
	return msg
}

// ImportFile parses one export file and upserts its drafts. Label
// defaults to the file name; re-importing the same label reuses the
// data source, so duplicate rows skip instead of piling up. The
// quality score lands on the import record only after every draft is
// persisted.
func ImportFile(s *store.Store, path, format, label string) (ImportResult, error) {
	parser, err := parse.ForFormat(format)
	if err != nil {
		return ImportResult{}, err
	}
	parsed, err := parser.Parse(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if label == "" {
		label = filepath.Base(path)
	}
	sourceID, err := s.EnsureDataSource(store.SourceTypeFileImport, label)
	if err != nil {
		return ImportResult{}, err
	}
	imp, err := s.CreateImport(sourceID, format, path, 0)
	if err != nil {
		return ImportResult{}, err
	}
	for _, w := range parsed.Warnings {
		if err := s.AddParseWarning(imp.ID, w.Severity, w.Code, w.Details, w.AffectedRows); err != nil {
			return ImportResult{}, err
		}
	}

	result := ImportResult{
		ImportID:     imp.ID,
		SourceID:     sourceID,
		Parsed:       len(parsed.Messages),
		QualityScore: parsed.QualityScore,
		Warnings:     parsed.Warnings,
	}
	for _, draft := range parsed.Messages {
		upsert, err := s.UpsertMessage(toCanonical(sourceID, draft))
		if err != nil {
			return result, fmt.Errorf("failed to upsert message %s: %w", draft.SourceMsgKey, err)
		}
		if upsert.Inserted {
			result.Inserted++
		} else {
			result.Skipped++
		}
	}

	if err := s.SetImportQuality(imp.ID, parsed.QualityScore); err != nil {
		return result, err
	}
	if err := recompute(s); err != nil {
		return result, err
	}
	return result, nil
}

func recompute(s *store.Store) error {
	if err := metrics.Recompute(s.DB()); err != nil {
		return fmt.Errorf("failed to rebuild metrics: %w", err)
	}
	if err := insights.Regenerate(s.DB()); err != nil {
		return fmt.Errorf("failed to rebuild insights: %w", err)
	}
	return nil
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// StageFile copies an export into the data directory's imports/ folder
// so the import record points at a path that survives the original
// file moving. The staged name is timestamped and sanitized.
func StageFile(path string) (string, error) {
	dataDir, err := config.GetDataDir()
	if err != nil {
		return "", err
	}
	stagingDir := filepath.Join(dataDir, "imports")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}

	name := unsafePathChars.ReplaceAllString(filepath.Base(path), "_")
	staged := filepath.Join(stagingDir, time.Now().UTC().Format("20060102T150405")+"_"+name)

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer src.Close()
	dst, err := os.Create(staged)
	if err != nil {
		return "", fmt.Errorf("failed to create staged copy: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("failed to stage %s: %w", path, err)
	}
	return staged, nil
}
