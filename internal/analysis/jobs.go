// Package analysis records consent-gated NLP job requests. Jobs run
// against the redacted text layer only; the current engine is a stub
// that completes immediately and leaves a low-confidence insight card,
// but the request validation, selection counting and audit trail are
// the real contract.
package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/chatmosaic/mosaic/internal/insights"
	"github.com/chatmosaic/mosaic/internal/store"
)

// ErrNothingSelected reports a well-formed request whose selection
// matches no messages. Callers distinguish it from shape errors, which
// surface as validator errors.
var ErrNothingSelected = errors.New("selection matches no messages")

const (
	// MaxSelectable bounds one job's selection.
	MaxSelectable = 10000

	stubConfidence = 0.62
)

// JobRequest selects messages for one analysis run. Consent is an
// explicit opt-in per request, never remembered.
type JobRequest struct {
	AnalysisType   string `json:"analysis_type" validate:"required,oneof=sentiment_trend topic_clusters tone_shift conversation_health"`
	ParticipantID  string `json:"participant_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	DateStart      string `json:"date_start,omitempty" validate:"omitempty,datetime=2006-01-02"`
	DateEnd        string `json:"date_end,omitempty" validate:"omitempty,datetime=2006-01-02"`
	MaxMessages    int    `json:"max_messages" validate:"gte=0,lte=10000"`
	Consent        bool   `json:"consent" validate:"required"`
}

// Job is one recorded analysis run.
type Job struct {
	ID           string `json:"id"`
	AnalysisType string `json:"analysis_type"`
	RecordCount  int    `json:"record_count"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

var validate = validator.New()

// CreateJob validates the request, counts the selection, records the
// job and appends an audit event. The stub engine marks the job
// completed and emits one insight card attributed to the gpt source so
// regeneration of rule insights never clobbers it.
func CreateJob(s *store.Store, req JobRequest) (Job, error) {
	if err := validate.Struct(req); err != nil {
		return Job{}, fmt.Errorf("invalid analysis request: %w", err)
	}

	query := `SELECT COUNT(*) FROM messages WHERE 1=1`
	var args []any
	if req.ParticipantID != "" {
		query += ` AND participant_id = ?`
		args = append(args, req.ParticipantID)
	}
	if req.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, req.ConversationID)
	}
	// Timestamps are RFC3339 text, so a date prefix compares correctly.
	if req.DateStart != "" {
		query += ` AND sent_at >= ?`
		args = append(args, req.DateStart)
	}
	if req.DateEnd != "" {
		query += ` AND sent_at <= ?`
		args = append(args, req.DateEnd+"T23:59:59Z")
	}
	var selected int
	if err := s.DB().QueryRow(query, args...).Scan(&selected); err != nil {
		return Job{}, fmt.Errorf("failed to count selection: %w", err)
	}
	if selected == 0 {
		return Job{}, ErrNothingSelected
	}
	if req.MaxMessages > 0 && selected > req.MaxMessages {
		selected = req.MaxMessages
	}

	selection, err := json.Marshal(req)
	if err != nil {
		return Job{}, fmt.Errorf("failed to encode selection: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	job := Job{
		ID:           "job_" + uuid.New().String(),
		AnalysisType: req.AnalysisType,
		RecordCount:  selected,
		Status:       "completed",
		CreatedAt:    now,
		CompletedAt:  now,
	}
	if _, err := s.DB().Exec(
		`INSERT INTO nlp_jobs (id, analysis_type, selection_json, record_count, status, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.AnalysisType, string(selection), job.RecordCount, job.Status, job.CreatedAt, job.CompletedAt,
	); err != nil {
		return Job{}, fmt.Errorf("failed to record job: %w", err)
	}

	if err := s.AppendAuditEvent("analysis_job", map[string]any{
		"jobId":        job.ID,
		"analysisType": job.AnalysisType,
		"recordCount":  job.RecordCount,
	}); err != nil {
		return Job{}, err
	}

	scope, scopeID := "global", any(nil)
	if req.ParticipantID != "" {
		scope, scopeID = "participant", any(req.ParticipantID)
	}
	value, err := json.Marshal(map[string]any{
		"job_id":       job.ID,
		"record_count": job.RecordCount,
		"summary":      "analysis completed over redacted text",
	})
	if err != nil {
		return Job{}, fmt.Errorf("failed to encode insight value: %w", err)
	}
	if _, err := s.DB().Exec(
		`INSERT INTO insights (id, scope, scope_id, insight_type, value_json, confidence, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"insight_"+uuid.New().String(), scope, scopeID, req.AnalysisType,
		string(value), stubConfidence, insights.SourceGPT, now,
	); err != nil {
		return Job{}, fmt.Errorf("failed to record job insight: %w", err)
	}

	return job, nil
}

// ListJobs returns recorded jobs, newest first.
func ListJobs(s *store.Store) ([]Job, error) {
	rows, err := s.DB().Query(
		`SELECT id, analysis_type, record_count, status, created_at, COALESCE(completed_at, '')
		 FROM nlp_jobs
		 ORDER BY created_at DESC, rowid DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.AnalysisType, &j.RecordCount, &j.Status, &j.CreatedAt, &j.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
