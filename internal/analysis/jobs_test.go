package analysis

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/chatmosaic/mosaic/internal/db"
	"github.com/chatmosaic/mosaic/internal/normalize"
	"github.com/chatmosaic/mosaic/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
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
	return store.New(d)
}

func seedMessages(t *testing.T, s *store.Store, n int) {
	t.Helper()
	src, err := s.EnsureDataSource(store.SourceTypeLive, "live")
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2022, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		sentAt := base.Add(time.Duration(i) * time.Minute)
		if _, err := s.UpsertMessage(store.CanonicalMessage{
			SourceID:     src,
			SourceMsgKey: fmt.Sprintf("seed-%d", i),
			SentAt:       sentAt,
			Direction:    "inbound",
			Text:         "hello",
			TextRedacted: normalize.Redact("hello"),
			DedupeHash:   normalize.DedupeHash("alice", sentAt, "hello"),
			Participant:  store.ParticipantRef{DisplayName: "Alice", Handle: "alice"},
			Conversation: store.ConversationRef{Key: "chat1", Title: "Chat"},
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCreateJobRejectsMalformedRequests(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s, 1)

	cases := []JobRequest{
		{AnalysisType: "mind_reading", Consent: true},
		{AnalysisType: "", Consent: true},
		{AnalysisType: "sentiment_trend", Consent: false},
		{AnalysisType: "sentiment_trend", Consent: true, MaxMessages: 20000},
		{AnalysisType: "sentiment_trend", Consent: true, DateStart: "last tuesday"},
	}
	for _, req := range cases {
		_, err := CreateJob(s, req)
		var verr validator.ValidationErrors
		if !errors.As(err, &verr) {
			t.Errorf("request %+v: want validation error, got %v", req, err)
		}
		if errors.Is(err, ErrNothingSelected) {
			t.Errorf("shape errors must not look like an empty selection: %+v", req)
		}
	}

	var jobs int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM nlp_jobs`).Scan(&jobs); err != nil {
		t.Fatal(err)
	}
	if jobs != 0 {
		t.Errorf("rejected requests must not record jobs: %d", jobs)
	}
}

func TestCreateJobEmptySelection(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s, 2)

	_, err := CreateJob(s, JobRequest{
		AnalysisType:  "topic_clusters",
		ParticipantID: "participant_ghost",
		Consent:       true,
	})
	if !errors.Is(err, ErrNothingSelected) {
		t.Fatalf("want ErrNothingSelected, got %v", err)
	}

	// A date window before any message is equally empty.
	_, err = CreateJob(s, JobRequest{
		AnalysisType: "topic_clusters",
		DateEnd:      "2021-12-31",
		Consent:      true,
	})
	if !errors.Is(err, ErrNothingSelected) {
		t.Fatalf("want ErrNothingSelected for empty window, got %v", err)
	}
}

func TestCreateJobRecordsJobAuditAndInsight(t *testing.T) {
	s := openTestStore(t)
	seedMessages(t, s, 5)

	job, err := CreateJob(s, JobRequest{
		AnalysisType:  "sentiment_trend",
		ParticipantID: store.ParticipantID("alice", false),
		MaxMessages:   3,
		Consent:       true,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Status != "completed" {
		t.Errorf("status = %q", job.Status)
	}
	if job.RecordCount != 3 {
		t.Errorf("record count should honor the cap: %d", job.RecordCount)
	}

	jobs, err := ListJobs(s)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Errorf("jobs = %+v", jobs)
	}

	var audits int
	if err := s.DB().QueryRow(
		`SELECT COUNT(*) FROM audit_log WHERE event_type = 'analysis_job'`,
	).Scan(&audits); err != nil {
		t.Fatal(err)
	}
	if audits != 1 {
		t.Errorf("audit events = %d, want 1", audits)
	}

	var confidence float64
	var scope, scopeID string
	if err := s.DB().QueryRow(
		`SELECT confidence, scope, COALESCE(scope_id, '') FROM insights WHERE source = 'gpt'`,
	).Scan(&confidence, &scope, &scopeID); err != nil {
		t.Fatal(err)
	}
	if confidence != 0.62 || scope != "participant" || scopeID != store.ParticipantID("alice", false) {
		t.Errorf("stub insight = %v %s %s", confidence, scope, scopeID)
	}
}
