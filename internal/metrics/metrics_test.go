package metrics

import (
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/chatmosaic/mosaic/internal/db"
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

func seed(t *testing.T, s *store.Store, sourceID, key, handle, name, convo, direction string, isSelf bool, sentAt time.Time, text string) {
	t.Helper()
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

func TestRecomputeRebuildsFromScratch(t *testing.T) {
	d, s := openTestDB(t)
	src, _ := s.EnsureDataSource(store.SourceTypeLive, "live")
	day := time.Now().UTC().AddDate(0, 0, -3).Truncate(24 * time.Hour)

	seed(t, s, src, "m-1", "alice", "Alice", "chat1", "inbound", false, day.Add(9*time.Hour), "morning")
	seed(t, s, src, "m-2", "alice", "Alice", "chat1", "inbound", false, day.Add(10*time.Hour), "hi")
	seed(t, s, src, "m-3", "alice", "Alice", "chat1", "inbound", false, day.Add(26*time.Hour), "next day")

	if err := Recompute(d); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if err := Recompute(d); err != nil {
		t.Fatalf("Recompute again: %v", err)
	}

	var rows int
	if err := d.QueryRow(`SELECT COUNT(*) FROM metrics_daily`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 2 {
		t.Errorf("3 messages over 2 days should yield 2 rollups, got %d", rows)
	}

	var total int
	var avgLen float64
	if err := d.QueryRow(
		`SELECT total_messages, avg_message_length FROM metrics_daily WHERE day = ?`,
		day.Format("2006-01-02"),
	).Scan(&total, &avgLen); err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("first day total = %d, want 2", total)
	}
	// "morning" and "hi": (7+2)/2.
	if math.Abs(avgLen-4.5) > 0.01 {
		t.Errorf("avg length = %v, want 4.5", avgLen)
	}
}

func TestListPeopleReciprocityAndResponseLatency(t *testing.T) {
	d, s := openTestDB(t)
	src, _ := s.EnsureDataSource(store.SourceTypeLive, "live")
	base := time.Now().UTC().AddDate(0, 0, -7).Truncate(time.Hour)

	seed(t, s, src, "m-1", "alice", "Alice", "chat1", "inbound", false, base, "hello")
	seed(t, s, src, "m-2", "me", "Me", "chat1", "outbound", true, base.Add(30*time.Minute), "hey")
	seed(t, s, src, "m-3", "alice", "Alice", "chat1", "inbound", false, base.Add(time.Hour), "still there?")

	if err := Recompute(d); err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	people, err := ListPeople(d, RangeDefault)
	if err != nil {
		t.Fatalf("ListPeople: %v", err)
	}
	if len(people) != 1 {
		t.Fatalf("self must not be listed: %+v", people)
	}
	p := people[0]
	if p.Inbound != 2 || p.Outbound != 1 || p.Total != 3 {
		t.Errorf("counts = %d/%d/%d, want 2/1/3", p.Inbound, p.Outbound, p.Total)
	}
	if math.Abs(p.Reciprocity-2.0/3.0) > 0.001 {
		t.Errorf("reciprocity = %v, want 2/3", p.Reciprocity)
	}
	if p.AvgResponseMinutes == nil || math.Abs(*p.AvgResponseMinutes-30) > 0.01 {
		t.Errorf("avg response = %v, want 30", p.AvgResponseMinutes)
	}
}

func TestResponseLatencyIgnoresStaleReplies(t *testing.T) {
	d, s := openTestDB(t)
	src, _ := s.EnsureDataSource(store.SourceTypeLive, "live")
	base := time.Now().UTC().AddDate(0, 0, -10).Truncate(time.Hour)

	seed(t, s, src, "m-1", "bob", "Bob", "chat1", "inbound", false, base, "ping")
	// 49 hours later is a new exchange, not a reply.
	seed(t, s, src, "m-2", "me", "Me", "chat1", "outbound", true, base.Add(49*time.Hour), "sorry, just saw this")

	if err := Recompute(d); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	people, err := ListPeople(d, RangeDefault)
	if err != nil {
		t.Fatalf("ListPeople: %v", err)
	}
	if people[0].AvgResponseMinutes != nil {
		t.Errorf("gap beyond 48h must not count: %v", *people[0].AvgResponseMinutes)
	}
}

func TestRangeFiltersOldActivity(t *testing.T) {
	d, s := openTestDB(t)
	src, _ := s.EnsureDataSource(store.SourceTypeLive, "live")

	old := time.Now().UTC().AddDate(0, -6, 0)
	recent := time.Now().UTC().AddDate(0, 0, -5)
	seed(t, s, src, "m-1", "alice", "Alice", "chat1", "inbound", false, old, "old news")
	seed(t, s, src, "m-2", "alice", "Alice", "chat1", "inbound", false, recent, "fresh")

	if err := Recompute(d); err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	people, err := ListPeople(d, Range90Days)
	if err != nil {
		t.Fatalf("ListPeople 90d: %v", err)
	}
	if people[0].Inbound != 1 {
		t.Errorf("90d window should see 1 message, saw %d", people[0].Inbound)
	}

	all, err := ListPeople(d, RangeAll)
	if err != nil {
		t.Fatalf("ListPeople all: %v", err)
	}
	if all[0].Inbound != 2 {
		t.Errorf("all-time should see 2 messages, saw %d", all[0].Inbound)
	}

	if _, err := ListPeople(d, "yesterday"); err == nil {
		t.Error("unknown range must error")
	}
}

func TestTimelineAndConversations(t *testing.T) {
	d, s := openTestDB(t)
	src, _ := s.EnsureDataSource(store.SourceTypeLive, "live")
	day1 := time.Now().UTC().AddDate(0, 0, -4).Truncate(24 * time.Hour)
	day2 := day1.Add(24 * time.Hour)

	seed(t, s, src, "m-1", "alice", "Alice", "chat1", "inbound", false, day1.Add(9*time.Hour), "a")
	seed(t, s, src, "m-2", "me", "Me", "chat1", "outbound", true, day1.Add(10*time.Hour), "b")
	seed(t, s, src, "m-3", "alice", "Alice", "chat1", "inbound", false, day2.Add(9*time.Hour), "c")

	if err := Recompute(d); err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	timeline, err := Timeline(d, RangeDefault)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(timeline) != 2 {
		t.Fatalf("timeline days = %d, want 2", len(timeline))
	}
	if timeline[0].Total != 2 || timeline[0].Inbound != 1 || timeline[0].Outbound != 1 {
		t.Errorf("day1 bucket = %+v", timeline[0])
	}

	conversations, err := ListConversations(d)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(conversations) != 1 {
		t.Fatalf("conversations = %+v", conversations)
	}
	c := conversations[0]
	if c.Messages != 3 || c.Participants != 2 {
		t.Errorf("summary = %+v", c)
	}
}

func TestPersonMetricsDailySeries(t *testing.T) {
	d, s := openTestDB(t)
	src, _ := s.EnsureDataSource(store.SourceTypeLive, "live")
	day := time.Now().UTC().AddDate(0, 0, -2).Truncate(24 * time.Hour)

	seed(t, s, src, "m-1", "alice", "Alice", "chat1", "inbound", false, day.Add(8*time.Hour), "one")
	seed(t, s, src, "m-2", "alice", "Alice", "chat1", "inbound", false, day.Add(9*time.Hour), "two")

	if err := Recompute(d); err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	detail, err := PersonMetrics(d, store.ParticipantID("alice", false), RangeDefault)
	if err != nil {
		t.Fatalf("PersonMetrics: %v", err)
	}
	if len(detail.Daily) != 1 || detail.Daily[0].Inbound != 2 {
		t.Errorf("daily series = %+v", detail.Daily)
	}
	if detail.Person.DisplayName != "Alice" {
		t.Errorf("person = %+v", detail.Person)
	}

	if _, err := PersonMetrics(d, "participant_ghost", RangeDefault); err == nil {
		t.Error("unknown participant must error")
	}
}
