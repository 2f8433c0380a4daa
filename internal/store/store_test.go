package store

import (
	"testing"
	"time"

	"github.com/chatmosaic/mosaic/internal/db"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	t.Setenv("MOSAIC_DATA_DIR", t.TempDir())

	if err := db.Init(); err != nil {
		t.Fatalf("db.Init: %v", err)
	}
	d, err := db.Open()
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return New(d)
}

func draft(sourceID, key, handle, name string, sentAt time.Time) CanonicalMessage {
	return CanonicalMessage{
		SourceID:     sourceID,
		SourceMsgKey: key,
		SentAt:       sentAt,
		Direction:    "inbound",
		Text:         "hello",
		TextRedacted: "••••",
		DedupeHash:   "hash-" + key,
		Participant:  ParticipantRef{DisplayName: name, Handle: handle},
		Conversation: ConversationRef{Key: "chat1", Title: "Chat One"},
	}
}

func TestEnsureDataSourceReused(t *testing.T) {
	s := openTestStore(t)

	a, err := s.EnsureDataSource(SourceTypeFileImport, "export.csv")
	if err != nil {
		t.Fatalf("EnsureDataSource: %v", err)
	}
	b, err := s.EnsureDataSource(SourceTypeFileImport, "export.csv")
	if err != nil {
		t.Fatalf("EnsureDataSource again: %v", err)
	}
	if a != b {
		t.Errorf("same (type,label) should reuse the source: %s vs %s", a, b)
	}

	c, err := s.EnsureDataSource(SourceTypeLive, "export.csv")
	if err != nil {
		t.Fatalf("EnsureDataSource other type: %v", err)
	}
	if c == a {
		t.Error("different type must create a different source")
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	s := openTestStore(t)
	sourceID, _ := s.EnsureDataSource(SourceTypeLive, "test")
	sentAt := time.Date(2022, 1, 1, 10, 0, 0, 0, time.UTC)

	first, err := s.UpsertMessage(draft(sourceID, "msg-1", "+15551112222", "Alice", sentAt))
	if err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}
	if !first.Inserted {
		t.Fatal("first upsert should insert")
	}

	second, err := s.UpsertMessage(draft(sourceID, "msg-1", "+15551112222", "Alice", sentAt))
	if err != nil {
		t.Fatalf("UpsertMessage repeat: %v", err)
	}
	if second.Inserted {
		t.Error("repeat upsert must be a no-op")
	}
	if second.MessageID != first.MessageID {
		t.Errorf("duplicate should resolve to existing id %s, got %s", first.MessageID, second.MessageID)
	}

	counts, err := s.CountEntities()
	if err != nil {
		t.Fatalf("CountEntities: %v", err)
	}
	if counts.Messages != 1 || counts.Participants != 1 || counts.Conversations != 1 {
		t.Errorf("counts after duplicate upsert = %+v", counts)
	}
}

func TestDeterministicParticipantIdentity(t *testing.T) {
	s := openTestStore(t)
	srcA, _ := s.EnsureDataSource(SourceTypeLive, "live")
	srcB, _ := s.EnsureDataSource(SourceTypeFileImport, "export")
	sentAt := time.Date(2022, 1, 1, 10, 0, 0, 0, time.UTC)

	if _, err := s.UpsertMessage(draft(srcA, "a-1", "+15551112222", "Alice", sentAt)); err != nil {
		t.Fatalf("upsert from live: %v", err)
	}
	if _, err := s.UpsertMessage(draft(srcB, "b-1", "+15551112222", "Alice M", sentAt.Add(time.Hour))); err != nil {
		t.Fatalf("upsert from import: %v", err)
	}

	counts, _ := s.CountEntities()
	if counts.Participants != 1 {
		t.Errorf("same normalized handle across sources must converge: %d participants", counts.Participants)
	}
	if counts.Messages != 2 {
		t.Errorf("distinct source keys should both insert: %d messages", counts.Messages)
	}

	var name string
	if err := s.db.QueryRow(
		`SELECT display_name FROM participants WHERE id = ?`, ParticipantID("+15551112222", false),
	).Scan(&name); err != nil {
		t.Fatalf("participant lookup: %v", err)
	}
	if name != "Alice M" {
		t.Errorf("display name should be last-write-wins, got %q", name)
	}
}

func TestParticipantHandlesAccumulate(t *testing.T) {
	s := openTestStore(t)
	sourceID, _ := s.EnsureDataSource(SourceTypeLive, "live")
	sentAt := time.Date(2022, 1, 1, 10, 0, 0, 0, time.UTC)

	self := draft(sourceID, "s-1", "+15550001111", "Me", sentAt)
	self.Participant.IsSelf = true
	if _, err := s.UpsertMessage(self); err != nil {
		t.Fatalf("self upsert: %v", err)
	}
	self2 := draft(sourceID, "s-2", "me@icloud.com", "Me", sentAt.Add(time.Hour))
	self2.Participant.IsSelf = true
	if _, err := s.UpsertMessage(self2); err != nil {
		t.Fatalf("self upsert 2: %v", err)
	}

	var handles string
	if err := s.db.QueryRow(
		`SELECT normalized_handles FROM participants WHERE id = ?`, SelfParticipantID,
	).Scan(&handles); err != nil {
		t.Fatalf("self lookup: %v", err)
	}
	if handles != `["+15550001111","me@icloud.com"]` {
		t.Errorf("handles should accumulate, got %s", handles)
	}
}

func TestSeenBoundsWiden(t *testing.T) {
	s := openTestStore(t)
	sourceID, _ := s.EnsureDataSource(SourceTypeLive, "live")
	mid := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.UpsertMessage(draft(sourceID, "m-1", "h", "H", mid)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertMessage(draft(sourceID, "m-2", "h", "H", mid.Add(-48*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertMessage(draft(sourceID, "m-3", "h", "H", mid.Add(72*time.Hour))); err != nil {
		t.Fatal(err)
	}

	var first, last string
	if err := s.db.QueryRow(
		`SELECT first_seen, last_seen FROM participants WHERE id = ?`, ParticipantID("h", false),
	).Scan(&first, &last); err != nil {
		t.Fatal(err)
	}
	if first != "2022-05-30T00:00:00Z" || last != "2022-06-04T00:00:00Z" {
		t.Errorf("seen bounds = %s .. %s", first, last)
	}
}

func TestAttachmentOnlyOnFreshInsert(t *testing.T) {
	s := openTestStore(t)
	sourceID, _ := s.EnsureDataSource(SourceTypeLive, "live")
	sentAt := time.Date(2022, 1, 1, 10, 0, 0, 0, time.UTC)

	msg := draft(sourceID, "m-1", "h", "H", sentAt)
	msg.HasAttachment = true
	msg.Attachment = &AttachmentRef{FileExt: "jpeg", SourceURI: "IMG_0001.jpeg"}

	if _, err := s.UpsertMessage(msg); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpsertMessage(msg); err != nil {
		t.Fatalf("duplicate upsert: %v", err)
	}

	var attachments int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM attachments`).Scan(&attachments); err != nil {
		t.Fatal(err)
	}
	if attachments != 1 {
		t.Errorf("expected 1 attachment, got %d", attachments)
	}
}

func TestConversationKeysAccumulateWithoutRekeying(t *testing.T) {
	s := openTestStore(t)
	sourceID, _ := s.EnsureDataSource(SourceTypeLive, "live")
	sentAt := time.Date(2022, 1, 1, 10, 0, 0, 0, time.UTC)

	first := draft(sourceID, "m-1", "h", "H", sentAt)
	first.Conversation = ConversationRef{Key: "chat42", Title: "Old Title"}
	if _, err := s.UpsertMessage(first); err != nil {
		t.Fatal(err)
	}

	// Same logical thread arriving under a changed raw key still lands
	// in a conversation keyed by whichever key it presents; but a repeat
	// of the original key accumulates and retitles.
	second := draft(sourceID, "m-2", "h", "H", sentAt.Add(time.Hour))
	second.Conversation = ConversationRef{Key: "chat42", Title: "New Title", IsGroup: true}
	if _, err := s.UpsertMessage(second); err != nil {
		t.Fatal(err)
	}

	var title string
	var isGroup int
	if err := s.db.QueryRow(
		`SELECT chat_title, is_group FROM conversations WHERE id = ?`, ConversationID("chat42"),
	).Scan(&title, &isGroup); err != nil {
		t.Fatal(err)
	}
	if title != "New Title" || isGroup != 1 {
		t.Errorf("title/group should be last-write-wins: %q %d", title, isGroup)
	}
}

func TestParseWarningRoundTrip(t *testing.T) {
	s := openTestStore(t)
	sourceID, _ := s.EnsureDataSource(SourceTypeFileImport, "export.csv")
	imp, err := s.CreateImport(sourceID, "csv", "/tmp/export.csv", 90)
	if err != nil {
		t.Fatalf("CreateImport: %v", err)
	}

	if err := s.AddParseWarning(imp.ID, "warning", "fallback_timestamp", map[string]any{"count": 1}, 1); err != nil {
		t.Fatalf("AddParseWarning: %v", err)
	}
	warnings, err := s.ListParseWarnings(imp.ID)
	if err != nil {
		t.Fatalf("ListParseWarnings: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warnings))
	}
	w := warnings[0]
	if w.Code != "fallback_timestamp" || w.Severity != "warning" || w.AffectedRows != 1 {
		t.Errorf("warning = %+v", w)
	}

	if err := s.SetImportQuality(imp.ID, 88.3); err != nil {
		t.Fatalf("SetImportQuality: %v", err)
	}
	var score float64
	if err := s.db.QueryRow(`SELECT quality_score FROM imports WHERE id = ?`, imp.ID).Scan(&score); err != nil {
		t.Fatal(err)
	}
	if score != 88.3 {
		t.Errorf("quality = %v", score)
	}
}

func TestLiveSyncWatermarkLog(t *testing.T) {
	s := openTestStore(t)

	wm, err := s.LastLiveSyncWatermark()
	if err != nil {
		t.Fatalf("LastLiveSyncWatermark: %v", err)
	}
	if wm != 0 {
		t.Errorf("default watermark = %d, want 0", wm)
	}

	if err := s.RecordLiveSync(LiveSyncEvent{SourceID: "src_1", Scanned: 10, Inserted: 8, NextWatermark: 42}); err != nil {
		t.Fatalf("RecordLiveSync: %v", err)
	}
	if err := s.RecordLiveSync(LiveSyncEvent{SourceID: "src_1", Scanned: 5, Inserted: 5, NextWatermark: 99}); err != nil {
		t.Fatalf("RecordLiveSync 2: %v", err)
	}

	wm, err = s.LastLiveSyncWatermark()
	if err != nil {
		t.Fatalf("LastLiveSyncWatermark after events: %v", err)
	}
	if wm != 99 {
		t.Errorf("watermark = %d, want 99 (latest event wins)", wm)
	}
}
