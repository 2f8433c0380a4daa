// Package livesource reads the macOS Messages database (chat.db). It
// is strictly read-only: rows are scanned in bounded, watermarked
// batches and handed to the canonical store as drafts; nothing here
// ever writes to the source.
package livesource

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chatmosaic/mosaic/internal/normalize"
	"github.com/chatmosaic/mosaic/internal/parse"
)

// DefaultBatchSize bounds a single scan. Callers repeat while a batch
// comes back full to drain backlog across invocations.
const DefaultBatchSize = 5000

// PermissionError reports that chat.db exists but cannot be read. It
// is distinct from generic I/O failures so callers can surface the
// remediation hint instead of treating the source as empty.
type PermissionError struct {
	Path string
	Hint string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("cannot read %s: %s", e.Path, e.Hint)
}

// DefaultPath returns the chat.db location, honoring the
// MOSAIC_CHAT_DB override.
func DefaultPath() string {
	if override := os.Getenv("MOSAIC_CHAT_DB"); override != "" {
		return os.ExpandEnv(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// CheckAccess verifies read permission on the source database before
// any store mutation is attempted.
func CheckAccess(path string) error {
	f, err := os.Open(path)
	if err == nil {
		f.Close()
		return nil
	}
	if os.IsNotExist(err) {
		return fmt.Errorf("chat.db not found at %s", path)
	}
	if os.IsPermission(err) {
		return &PermissionError{
			Path: path,
			Hint: "grant Full Disk Access to your terminal in macOS Privacy & Security settings",
		}
	}
	return fmt.Errorf("failed to access %s: %w", path, err)
}

// ChatDB is a read-only connection to the Messages database.
type ChatDB struct {
	db   *sql.DB
	path string
}

// Open opens chat.db read-only. The driver here is deliberately
// separate from the canonical store's.
func Open(path string) (*ChatDB, error) {
	if err := CheckAccess(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open chat.db: %w", err)
	}
	return &ChatDB{db: db, path: path}, nil
}

// Close closes the source connection.
func (c *ChatDB) Close() error {
	return c.db.Close()
}

// Path returns the source database path.
func (c *ChatDB) Path() string {
	return c.path
}

// Batch is the outcome of one bounded scan. NextWatermark equals the
// input watermark when nothing was scanned, so callers can persist it
// unconditionally after a successful batch.
type Batch struct {
	Drafts        []parse.Draft
	Scanned       int
	NextWatermark int64
}

const scanQuery = `
SELECT
  m.ROWID AS msg_rowid,
  m.guid AS guid,
  m.date AS message_date,
  COALESCE(m.text, '') AS message_text,
  COALESCE(m.is_from_me, 0) AS is_from_me,
  h.id AS handle_value,
  c.ROWID AS chat_rowid,
  COALESCE(c.display_name, '') AS chat_title,
  COALESCE(c.chat_identifier, '') AS chat_identifier,
  COALESCE(m.cache_has_attachments, 0) AS has_attachment
FROM message m
LEFT JOIN handle h ON h.ROWID = m.handle_id
LEFT JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
LEFT JOIN chat c ON c.ROWID = cmj.chat_id
WHERE m.ROWID > ?
ORDER BY m.ROWID ASC
LIMIT ?`

// ScanBatch reads up to limit message rows with ROWID above the
// watermark, ascending, and maps them to canonical drafts.
func (c *ChatDB) ScanBatch(ctx context.Context, sinceRowID int64, limit int) (Batch, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	rows, err := c.db.QueryContext(ctx, scanQuery, sinceRowID, limit)
	if err != nil {
		return Batch{}, fmt.Errorf("failed to scan chat.db: %w", err)
	}
	defer rows.Close()

	batch := Batch{NextWatermark: sinceRowID}
	for rows.Next() {
		var (
			msgRowID      int64
			guid          sql.NullString
			messageDate   sql.NullInt64
			text          string
			isFromMe      int
			handleValue   sql.NullString
			chatRowID     sql.NullInt64
			chatTitle     string
			chatIdent     string
			hasAttachment int
		)
		if err := rows.Scan(&msgRowID, &guid, &messageDate, &text, &isFromMe,
			&handleValue, &chatRowID, &chatTitle, &chatIdent, &hasAttachment); err != nil {
			return Batch{}, fmt.Errorf("failed to scan message row: %w", err)
		}

		rawHandle := handleValue.String
		handle := normalize.Handle(rawHandle)
		if handle == "" {
			handle = "unknown"
		}
		isSelf := isFromMe != 0

		sourceMsgKey := guid.String
		if sourceMsgKey == "" {
			sourceMsgKey = strconv.FormatInt(msgRowID, 10)
		}

		conversationKey := normalize.Handle(chatIdent)
		if conversationKey == "" {
			if chatRowID.Valid {
				conversationKey = "chat_" + strconv.FormatInt(chatRowID.Int64, 10)
			} else {
				conversationKey = "direct_" + handle
			}
		}

		title := chatTitle
		if title == "" {
			title = chatIdent
		}
		if title == "" {
			title = rawHandle
		}
		if title == "" {
			title = "Direct Chat"
		}

		displayName := rawHandle
		if isSelf {
			displayName = "Me"
		} else if displayName == "" {
			displayName = "Unknown"
		}

		direction := "inbound"
		if isSelf {
			direction = "outbound"
		}

		batch.Drafts = append(batch.Drafts, parse.Draft{
			SourceMsgKey:      sourceMsgKey,
			SentAt:            normalize.AppleTime(messageDate.Int64),
			Direction:         direction,
			Text:              text,
			HasAttachment:     hasAttachment != 0,
			ConversationKey:   conversationKey,
			ConversationTitle: title,
			IsGroup:           chatTitle != "",
			ParticipantHandle: handle,
			ParticipantName:   displayName,
			IsSelf:            isSelf,
		})
		batch.Scanned++
		if msgRowID > batch.NextWatermark {
			batch.NextWatermark = msgRowID
		}
	}
	if err := rows.Err(); err != nil {
		return Batch{}, fmt.Errorf("failed to iterate chat.db rows: %w", err)
	}

	return batch, nil
}
