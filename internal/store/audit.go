package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const liveSyncEventType = "live_sync"

// LiveSyncEvent is one appended record of a successful live batch.
type LiveSyncEvent struct {
	SourceID      string `json:"sourceId"`
	Scanned       int    `json:"scannedMessages"`
	Inserted      int    `json:"insertedMessages"`
	NextWatermark int64  `json:"nextWatermark"`
}

// LastLiveSyncWatermark returns the watermark recorded by the most
// recent live sync event, or 0 when no sync has run yet (scan from the
// beginning).
func (s *Store) LastLiveSyncWatermark() (int64, error) {
	var payloadJSON string
	err := s.db.QueryRow(
		`SELECT payload_json FROM audit_log
		 WHERE event_type = ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT 1`,
		liveSyncEventType,
	).Scan(&payloadJSON)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read last sync event: %w", err)
	}

	var event LiveSyncEvent
	if err := json.Unmarshal([]byte(payloadJSON), &event); err != nil {
		return 0, fmt.Errorf("corrupt sync event payload: %w", err)
	}
	return event.NextWatermark, nil
}

// RecordLiveSync appends a sync event after a successful batch. Failed
// batches must not be recorded, so a retry resumes from the last good
// watermark.
func (s *Store) RecordLiveSync(event LiveSyncEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal sync event: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO audit_log (id, event_type, payload_json, created_at)
		 VALUES (?, ?, ?, ?)`,
		newID("audit"), liveSyncEventType, string(payload), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to record sync event: %w", err)
	}
	return nil
}

// AppendAuditEvent records an arbitrary audit entry.
func (s *Store) AppendAuditEvent(eventType string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO audit_log (id, event_type, payload_json, created_at)
		 VALUES (?, ?, ?, ?)`,
		newID("audit"), eventType, string(payloadJSON), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// Counts is a snapshot of canonical entity counts, used by the CLI
// status output and tests.
type Counts struct {
	Participants  int `json:"participants"`
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
}

// CountEntities returns current participant/conversation/message counts.
func (s *Store) CountEntities() (Counts, error) {
	var c Counts
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM participants`).Scan(&c.Participants); err != nil {
		return c, fmt.Errorf("failed to count participants: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&c.Conversations); err != nil {
		return c, fmt.Errorf("failed to count conversations: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&c.Messages); err != nil {
		return c, fmt.Errorf("failed to count messages: %w", err)
	}
	return c, nil
}
