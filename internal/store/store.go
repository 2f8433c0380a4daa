// Package store owns the canonical entity model: data sources,
// imports, parse warnings, participants, conversations, messages,
// attachments and the live-sync audit trail. All writes go through
// short transactions so a crash mid-ingestion never leaves a
// half-attributed message.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reserved participant id for the device owner. Every self-attributed
// draft resolves to this row regardless of handle.
const SelfParticipantID = "participant_self"

// Data source types.
const (
	SourceTypeLive       = "live_source"
	SourceTypeFileImport = "file_import"
)

// Store wraps the canonical database. It is safe to create one per
// call site; serialization of concurrent ingestion is the caller's
// responsibility.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open canonical database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for read-side collaborators.
func (s *Store) DB() *sql.DB {
	return s.db
}

func newID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ParticipantRef identifies the sender of a canonical message.
type ParticipantRef struct {
	DisplayName string
	Handle      string
	IsSelf      bool
}

// ConversationRef identifies the thread a canonical message belongs to.
type ConversationRef struct {
	Key     string
	Title   string
	IsGroup bool
}

// AttachmentRef describes an attachment carried by a draft. All fields
// are optional.
type AttachmentRef struct {
	MimeType  string
	FileExt   string
	SizeBytes int64
	SourceURI string
}

// CanonicalMessage is the uniform shape every parser and the live
// reader hand to the store.
type CanonicalMessage struct {
	SourceID      string
	SourceMsgKey  string
	SentAt        time.Time
	Direction     string // "inbound" | "outbound"
	Text          string
	TextRedacted  string
	HasAttachment bool
	DedupeHash    string
	Participant   ParticipantRef
	Conversation  ConversationRef
	Attachment    *AttachmentRef
}

// UpsertResult reports whether a message was newly inserted. A
// duplicate (source_id, source_msg_key) is the expected idempotency
// signal, not an error.
type UpsertResult struct {
	Inserted  bool   `json:"inserted"`
	MessageID string `json:"message_id"`
}

// Import is one file-ingestion record.
type Import struct {
	ID           string    `json:"id"`
	SourceID     string    `json:"source_id"`
	Format       string    `json:"format"`
	FilePath     string    `json:"file_path"`
	IngestedAt   time.Time `json:"ingested_at"`
	QualityScore float64   `json:"quality_score"`
}

// ParseWarning is a structured, append-only note attached to an import.
type ParseWarning struct {
	ID           string         `json:"id"`
	ImportID     string         `json:"import_id"`
	Severity     string         `json:"severity"`
	Code         string         `json:"code"`
	Details      map[string]any `json:"details"`
	AffectedRows int            `json:"affected_rows"`
	CreatedAt    time.Time      `json:"created_at"`
}

// EnsureDataSource finds or creates a data source by (type, label).
// Re-ingestion of the same label reuses the existing source.
func (s *Store) EnsureDataSource(sourceType, label string) (string, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM data_sources WHERE type = ? AND label = ? LIMIT 1`,
		sourceType, label,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to query data source: %w", err)
	}

	id = newID("src")
	_, err = s.db.Exec(
		`INSERT INTO data_sources (id, type, label, created_at) VALUES (?, ?, ?, ?)`,
		id, sourceType, label, formatTime(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create data source: %w", err)
	}
	return id, nil
}

// CreateImport records a new import row. Imports are never
// deduplicated: one row per ingestion call.
func (s *Store) CreateImport(sourceID, format, filePath string, qualityScore float64) (Import, error) {
	imp := Import{
		ID:           newID("imp"),
		SourceID:     sourceID,
		Format:       format,
		FilePath:     filePath,
		IngestedAt:   time.Now().UTC(),
		QualityScore: qualityScore,
	}
	_, err := s.db.Exec(
		`INSERT INTO imports (id, source_id, format, file_path, ingested_at, quality_score)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		imp.ID, imp.SourceID, imp.Format, imp.FilePath, formatTime(imp.IngestedAt), imp.QualityScore,
	)
	if err != nil {
		return Import{}, fmt.Errorf("failed to create import: %w", err)
	}
	return imp, nil
}

// SetImportQuality finalizes the quality score after insertion.
func (s *Store) SetImportQuality(importID string, score float64) error {
	if _, err := s.db.Exec(`UPDATE imports SET quality_score = ? WHERE id = ?`, score, importID); err != nil {
		return fmt.Errorf("failed to update import quality: %w", err)
	}
	return nil
}

// AddParseWarning appends a warning to an import.
func (s *Store) AddParseWarning(importID, severity, code string, details map[string]any, affectedRows int) error {
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal warning details: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO parse_warnings (id, import_id, severity, code, details_json, affected_rows, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newID("warn"), importID, severity, code, string(detailsJSON), affectedRows, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to insert parse warning: %w", err)
	}
	return nil
}

// ListParseWarnings returns the warnings attached to an import, newest
// first.
func (s *Store) ListParseWarnings(importID string) ([]ParseWarning, error) {
	rows, err := s.db.Query(
		`SELECT id, import_id, severity, code, details_json, affected_rows, created_at
		 FROM parse_warnings
		 WHERE import_id = ?
		 ORDER BY created_at DESC, rowid DESC`,
		importID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query parse warnings: %w", err)
	}
	defer rows.Close()

	var warnings []ParseWarning
	for rows.Next() {
		var w ParseWarning
		var detailsJSON, createdAt string
		if err := rows.Scan(&w.ID, &w.ImportID, &w.Severity, &w.Code, &detailsJSON, &w.AffectedRows, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan parse warning: %w", err)
		}
		if err := json.Unmarshal([]byte(detailsJSON), &w.Details); err != nil {
			w.Details = map[string]any{}
		}
		w.CreatedAt = parseTime(createdAt)
		warnings = append(warnings, w)
	}
	return warnings, rows.Err()
}

// ParticipantID returns the deterministic identity key for a draft
// participant. The same normalized handle always maps to the same row,
// regardless of source or ingestion order.
func ParticipantID(handle string, isSelf bool) string {
	if isSelf {
		return SelfParticipantID
	}
	return "participant_" + handle
}

// ConversationID returns the deterministic identity key derived from
// the first conversation key observed.
func ConversationID(key string) string {
	return "conversation_" + key
}

func addToJSONSet(setJSON, value string) (string, error) {
	var items []string
	if err := json.Unmarshal([]byte(setJSON), &items); err != nil {
		return "", fmt.Errorf("corrupt set column: %w", err)
	}
	for _, item := range items {
		if item == value {
			out, _ := json.Marshal(items)
			return string(out), nil
		}
	}
	items = append(items, value)
	out, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// getOrCreateParticipant resolves the participant for a draft inside
// the upsert transaction. On resolve it accumulates the handle and
// widens the seen bounds; the display name is last-write-wins.
func getOrCreateParticipant(tx *sql.Tx, ref ParticipantRef, seenAt time.Time) (string, error) {
	id := ParticipantID(ref.Handle, ref.IsSelf)

	var handlesJSON, firstSeen, lastSeen string
	err := tx.QueryRow(
		`SELECT normalized_handles, first_seen, last_seen FROM participants WHERE id = ?`, id,
	).Scan(&handlesJSON, &firstSeen, &lastSeen)
	if err == sql.ErrNoRows {
		handles, _ := json.Marshal([]string{ref.Handle})
		isSelf := 0
		if ref.IsSelf {
			isSelf = 1
		}
		_, err = tx.Exec(
			`INSERT INTO participants (id, display_name, normalized_handles, is_self, first_seen, last_seen)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, ref.DisplayName, string(handles), isSelf, formatTime(seenAt), formatTime(seenAt),
		)
		if err != nil {
			return "", fmt.Errorf("failed to insert participant: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query participant: %w", err)
	}

	merged, err := addToJSONSet(handlesJSON, ref.Handle)
	if err != nil {
		return "", fmt.Errorf("participant %s: %w", id, err)
	}
	first, last := parseTime(firstSeen), parseTime(lastSeen)
	if seenAt.Before(first) {
		first = seenAt
	}
	if seenAt.After(last) {
		last = seenAt
	}
	_, err = tx.Exec(
		`UPDATE participants
		 SET display_name = ?, normalized_handles = ?, first_seen = ?, last_seen = ?
		 WHERE id = ?`,
		ref.DisplayName, merged, formatTime(first), formatTime(last), id,
	)
	if err != nil {
		return "", fmt.Errorf("failed to update participant: %w", err)
	}
	return id, nil
}

// getOrCreateConversation resolves the conversation for a draft. Later
// source keys accumulate into the key set without re-keying the row;
// title and group flag are last-write-wins.
func getOrCreateConversation(tx *sql.Tx, ref ConversationRef, seenAt time.Time) (string, error) {
	id := ConversationID(ref.Key)
	isGroup := 0
	if ref.IsGroup {
		isGroup = 1
	}

	var keysJSON, firstSeen, lastSeen string
	err := tx.QueryRow(
		`SELECT source_conversation_keys, first_seen, last_seen FROM conversations WHERE id = ?`, id,
	).Scan(&keysJSON, &firstSeen, &lastSeen)
	if err == sql.ErrNoRows {
		keys, _ := json.Marshal([]string{ref.Key})
		_, err = tx.Exec(
			`INSERT INTO conversations (id, source_conversation_keys, chat_title, is_group, first_seen, last_seen)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, string(keys), ref.Title, isGroup, formatTime(seenAt), formatTime(seenAt),
		)
		if err != nil {
			return "", fmt.Errorf("failed to insert conversation: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query conversation: %w", err)
	}

	merged, err := addToJSONSet(keysJSON, ref.Key)
	if err != nil {
		return "", fmt.Errorf("conversation %s: %w", id, err)
	}
	first, last := parseTime(firstSeen), parseTime(lastSeen)
	if seenAt.Before(first) {
		first = seenAt
	}
	if seenAt.After(last) {
		last = seenAt
	}
	_, err = tx.Exec(
		`UPDATE conversations
		 SET source_conversation_keys = ?, chat_title = ?, is_group = ?, first_seen = ?, last_seen = ?
		 WHERE id = ?`,
		merged, ref.Title, isGroup, formatTime(first), formatTime(last), id,
	)
	if err != nil {
		return "", fmt.Errorf("failed to update conversation: %w", err)
	}
	return id, nil
}

// UpsertMessage merges one canonical draft into the store as a single
// atomic unit: participant resolve, conversation resolve, membership
// row, message insert, attachment insert. A message whose
// (source_id, source_msg_key) already exists is a no-op with
// Inserted=false; that uniqueness is what makes repeated syncs and
// repeated file imports safe.
func (s *Store) UpsertMessage(msg CanonicalMessage) (UpsertResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	participantID, err := getOrCreateParticipant(tx, msg.Participant, msg.SentAt)
	if err != nil {
		return UpsertResult{}, err
	}
	conversationID, err := getOrCreateConversation(tx, msg.Conversation, msg.SentAt)
	if err != nil {
		return UpsertResult{}, err
	}

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO conversation_participants (conversation_id, participant_id) VALUES (?, ?)`,
		conversationID, participantID,
	); err != nil {
		return UpsertResult{}, fmt.Errorf("failed to insert membership: %w", err)
	}

	hasAttachment := 0
	if msg.HasAttachment {
		hasAttachment = 1
	}
	messageID := newID("msg")
	res, err := tx.Exec(
		`INSERT OR IGNORE INTO messages (
		   id, conversation_id, participant_id, sent_at, direction,
		   text, text_redacted, has_attachment,
		   source_id, source_msg_key, dedupe_hash
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		messageID, conversationID, participantID, formatTime(msg.SentAt), msg.Direction,
		msg.Text, msg.TextRedacted, hasAttachment,
		msg.SourceID, msg.SourceMsgKey, msg.DedupeHash,
	)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to insert message: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to read insert result: %w", err)
	}

	if inserted == 0 {
		// Duplicate source message key: resolve the existing row id so
		// callers always get a valid reference.
		if err := tx.QueryRow(
			`SELECT id FROM messages WHERE source_id = ? AND source_msg_key = ?`,
			msg.SourceID, msg.SourceMsgKey,
		).Scan(&messageID); err != nil {
			return UpsertResult{}, fmt.Errorf("failed to resolve duplicate message: %w", err)
		}
	} else if msg.Attachment != nil {
		var mimeType, fileExt, sourceURI any
		var sizeBytes any
		if msg.Attachment.MimeType != "" {
			mimeType = msg.Attachment.MimeType
		}
		if msg.Attachment.FileExt != "" {
			fileExt = msg.Attachment.FileExt
		}
		if msg.Attachment.SizeBytes > 0 {
			sizeBytes = msg.Attachment.SizeBytes
		}
		if msg.Attachment.SourceURI != "" {
			sourceURI = msg.Attachment.SourceURI
		}
		if _, err := tx.Exec(
			`INSERT INTO attachments (id, message_id, mime_type, file_ext, size_bytes, source_uri)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			newID("att"), messageID, mimeType, fileExt, sizeBytes, sourceURI,
		); err != nil {
			return UpsertResult{}, fmt.Errorf("failed to insert attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("failed to commit message upsert: %w", err)
	}
	return UpsertResult{Inserted: inserted > 0, MessageID: messageID}, nil
}
