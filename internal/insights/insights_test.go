package insights

import (
	"database/sql"
	"testing"
	"time"

	"github.com/chatmosaic/mosaic/internal/db"
	"github.com/chatmosaic/mosaic/internal/metrics"
	"github.com/chatmosaic/mosaic/internal/normalize"
	"github.com/chatmosaic/mosaic/internal/store"
)

func openTestDB(t *testing.T) (*sql.DB, *store.Store) {
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
	return d, store.New(d)
}

func seed(t *testing.T, s *store.Store, sourceID, key, handle, name, convo, direction string, isSelf bool, sentAt time.Time) {
	t.Helper()
	text := "hello there"
	_, err := s.UpsertMessage(store.CanonicalMessage{
		SourceID:     sourceID,
		SourceMsgKey: key,
		SentAt:       sentAt,
		Direction:    direction,
		Text:         text,
		TextRedacted: normalize.Redact(text),
		DedupeHash:   normalize.DedupeHash(handle, sentAt, text),
		Participant:  store.ParticipantRef{DisplayName: name, Handle: handle, IsSelf: isSelf},
		Conversation: store.ConversationRef{Key: convo, Title: convo},
	})
	if err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

func TestRegenerateProducesTopContactAndReciprocityCards(t *testing.T) {
	d, s := openTestDB(t)
	src, _ := s.EnsureDataSource(store.SourceTypeLive, "live")
	base := time.Now().UTC().AddDate(0, 0, -3)

	// Alice: 2 inbound + 2 self replies in her thread, perfectly mutual.
	seed(t, s, src, "a-1", "alice", "Alice", "chat-alice", "inbound", false, base)
	seed(t, s, src, "a-2", "me", "Me", "chat-alice", "outbound", true, base.Add(10*time.Minute))
	seed(t, s, src, "a-3", "alice", "Alice", "chat-alice", "inbound", false, base.Add(20*time.Minute))
	seed(t, s, src, "a-4", "me", "Me", "chat-alice", "outbound", true, base.Add(30*time.Minute))
	// Bob: one-sided.
	seed(t, s, src, "b-1", "bob", "Bob", "chat-bob", "inbound", false, base)

	if err := metrics.Recompute(d); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if err := Regenerate(d); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	global, err := List(d, "global")
	if err != nil {
		t.Fatalf("List global: %v", err)
	}
	if len(global) != 1 {
		t.Fatalf("expected 1 global card, got %d", len(global))
	}
	top := global[0]
	if top.InsightType != "top_contact" || top.Confidence != 0.8 || top.Source != SourceRule {
		t.Errorf("top contact card = %+v", top)
	}
	if top.Value["display_name"] != "Alice" {
		t.Errorf("top contact should be Alice: %v", top.Value)
	}

	cards, err := List(d, "participant")
	if err != nil {
		t.Fatalf("List participant: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("expected a reciprocity card per contact, got %d", len(cards))
	}
	byID := map[string]Insight{}
	for _, c := range cards {
		byID[c.ScopeID] = c
	}

	alice := byID[store.ParticipantID("alice", false)]
	if alice.Confidence != 0.84 || alice.Value["balanced"] != true {
		t.Errorf("balanced thread should score high confidence: %+v", alice)
	}
	bob := byID[store.ParticipantID("bob", false)]
	if bob.Confidence != 0.68 || bob.Value["balanced"] != false {
		t.Errorf("one-sided thread should score low confidence: %+v", bob)
	}
}

func TestRegenerateReplacesRuleCardsOnly(t *testing.T) {
	d, s := openTestDB(t)
	src, _ := s.EnsureDataSource(store.SourceTypeLive, "live")
	seed(t, s, src, "m-1", "alice", "Alice", "chat1", "inbound", false, time.Now().UTC().AddDate(0, 0, -1))

	if err := metrics.Recompute(d); err != nil {
		t.Fatal(err)
	}
	if err := Regenerate(d); err != nil {
		t.Fatal(err)
	}

	// A card from an analysis job must survive regeneration.
	if _, err := d.Exec(
		`INSERT INTO insights (id, scope, scope_id, insight_type, value_json, confidence, source, created_at)
		 VALUES ('insight_job', 'global', NULL, 'sentiment_trend', '{}', 0.62, 'gpt', ?)`,
		time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		t.Fatal(err)
	}

	if err := Regenerate(d); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	all, err := List(d, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var rule, gpt int
	for _, ins := range all {
		switch ins.Source {
		case SourceRule:
			rule++
		case SourceGPT:
			gpt++
		}
	}
	if gpt != 1 {
		t.Errorf("gpt cards must survive, got %d", gpt)
	}
	// One top_contact plus one reciprocity card, not doubled.
	if rule != 2 {
		t.Errorf("rule cards should be replaced, not accumulated: %d", rule)
	}
}

func TestRegenerateOnEmptyStore(t *testing.T) {
	d, _ := openTestDB(t)
	if err := Regenerate(d); err != nil {
		t.Fatalf("Regenerate on empty store: %v", err)
	}
	all, err := List(d, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("no messages, no cards: %+v", all)
	}
}
