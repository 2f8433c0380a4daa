// Package insights derives rule-based observation cards from the
// metrics layer. Rule insights are cheap and deterministic, so the
// whole set is regenerated after every ingestion; cards produced by
// analysis jobs live in the same table under a different source.
package insights

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chatmosaic/mosaic/internal/metrics"
)

// Sources an insight row can come from.
const (
	SourceRule = "rule"
	SourceGPT  = "gpt"
)

const (
	topContactConfidence      = 0.8
	reciprocityHighConfidence = 0.84
	reciprocityLowConfidence  = 0.68
	balancedThreshold         = 0.7
)

// Insight is one observation card.
type Insight struct {
	ID          string         `json:"id"`
	Scope       string         `json:"scope"`
	ScopeID     string         `json:"scope_id,omitempty"`
	InsightType string         `json:"insight_type"`
	Value       map[string]any `json:"value"`
	Confidence  float64        `json:"confidence"`
	Source      string         `json:"source"`
	CreatedAt   string         `json:"created_at"`
}

func insertInsight(tx *sql.Tx, scope string, scopeID any, insightType string, value map[string]any, confidence float64, source string) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode insight value: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO insights (id, scope, scope_id, insight_type, value_json, confidence, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"insight_"+uuid.New().String(), scope, scopeID, insightType,
		string(valueJSON), confidence, source, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert insight: %w", err)
	}
	return nil
}

// Regenerate replaces all rule-derived insights. Cards from analysis
// jobs are left untouched.
func Regenerate(db *sql.DB) error {
	people, err := metrics.ListPeople(db, metrics.RangeAll)
	if err != nil {
		return fmt.Errorf("failed to load people for insights: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin insights transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM insights WHERE source = ?`, SourceRule); err != nil {
		return fmt.Errorf("failed to clear rule insights: %w", err)
	}

	// ListPeople orders by volume, so the top contact is the head.
	if len(people) > 0 && people[0].Total > 0 {
		top := people[0]
		if err := insertInsight(tx, "global", nil, "top_contact", map[string]any{
			"participant_id": top.ParticipantID,
			"display_name":   top.DisplayName,
			"total_messages": top.Total,
		}, topContactConfidence, SourceRule); err != nil {
			return err
		}
	}

	for _, p := range people {
		if p.Total == 0 {
			continue
		}
		confidence := reciprocityLowConfidence
		balanced := p.Reciprocity >= balancedThreshold
		if balanced {
			confidence = reciprocityHighConfidence
		}
		if err := insertInsight(tx, "participant", p.ParticipantID, "reciprocity", map[string]any{
			"display_name": p.DisplayName,
			"score":        p.Reciprocity,
			"balanced":     balanced,
			"inbound":      p.Inbound,
			"outbound":     p.Outbound,
		}, confidence, SourceRule); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insights: %w", err)
	}
	return nil
}

// List returns insight cards, newest first. Scope filters to "global"
// or "participant" when non-empty.
func List(db *sql.DB, scope string) ([]Insight, error) {
	query := `SELECT id, scope, COALESCE(scope_id, ''), insight_type, value_json, confidence, source, created_at
	          FROM insights`
	var args []any
	if scope != "" {
		query += ` WHERE scope = ?`
		args = append(args, scope)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query insights: %w", err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		var ins Insight
		var valueJSON string
		if err := rows.Scan(&ins.ID, &ins.Scope, &ins.ScopeID, &ins.InsightType, &valueJSON, &ins.Confidence, &ins.Source, &ins.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan insight: %w", err)
		}
		if err := json.Unmarshal([]byte(valueJSON), &ins.Value); err != nil {
			return nil, fmt.Errorf("insight %s has corrupt value: %w", ins.ID, err)
		}
		insights = append(insights, ins)
	}
	return insights, rows.Err()
}
