// Package identity proposes probable duplicate participants and
// commits human decisions about them. Every decision is recorded as an
// append-only identity link; approving a link merges one participant
// into the other.
package identity

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/chatmosaic/mosaic/internal/normalize"
)

const (
	confidenceSharedHandle = 0.95
	confidenceSameName     = 0.72
	maxSuggestions         = 100

	defaultConfidence = 0.8
)

// Suggestion is a proposed identity link for human review.
type Suggestion struct {
	ID             string  `json:"id"`
	ParticipantIDA string  `json:"participant_id_a"`
	ParticipantIDB string  `json:"participant_id_b"`
	NameA          string  `json:"name_a"`
	NameB          string  `json:"name_b"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
}

type participantRow struct {
	id      string
	name    string
	handles map[string]struct{}
}

// SuggestLinks pairwise-compares all non-self participants. A shared
// normalized handle scores 0.95; equal normalized display names with
// disjoint handles score 0.72. Results are sorted by confidence and
// capped. Participant counts stay small relative to message counts,
// so the pairwise pass is fine.
func SuggestLinks(db *sql.DB) ([]Suggestion, error) {
	rows, err := db.Query(
		`SELECT id, display_name, normalized_handles
		 FROM participants
		 WHERE is_self = 0
		 ORDER BY display_name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var participants []participantRow
	for rows.Next() {
		var p participantRow
		var handlesJSON string
		if err := rows.Scan(&p.id, &p.name, &handlesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		var handles []string
		if err := json.Unmarshal([]byte(handlesJSON), &handles); err != nil {
			return nil, fmt.Errorf("participant %s has corrupt handles: %w", p.id, err)
		}
		p.handles = make(map[string]struct{}, len(handles))
		for _, h := range handles {
			p.handles[h] = struct{}{}
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var suggestions []Suggestion
	for i := 0; i < len(participants); i++ {
		for j := i + 1; j < len(participants); j++ {
			a, b := participants[i], participants[j]

			shared := false
			for h := range a.handles {
				if _, ok := b.handles[h]; ok {
					shared = true
					break
				}
			}

			var confidence float64
			var reason string
			switch {
			case shared:
				confidence = confidenceSharedHandle
				reason = "shared normalized handle"
			case normalize.Name(a.name) != "" && normalize.Name(a.name) == normalize.Name(b.name):
				confidence = confidenceSameName
				reason = "same normalized display name"
			default:
				continue
			}

			suggestions = append(suggestions, Suggestion{
				ID:             "suggestion_" + a.id + "_" + b.id,
				ParticipantIDA: a.id,
				ParticipantIDB: b.id,
				NameA:          a.name,
				NameB:          b.name,
				Confidence:     confidence,
				Reason:         reason,
			})
		}
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Confidence > suggestions[j].Confidence
	})
	if len(suggestions) > maxSuggestions {
		suggestions = suggestions[:maxSuggestions]
	}
	return suggestions, nil
}

// ValidationError reports a malformed resolve request, rejected before
// any store mutation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid identity link request: " + e.Reason
}

// ResolveRequest is a human (or automated) decision about a suggested
// pair.
type ResolveRequest struct {
	ParticipantIDA string
	ParticipantIDB string
	Action         string  // "approve" | "reject"
	Method         string  // "auto" | "manual", defaults to manual
	Confidence     float64 // defaults to 0.8 when zero
}

// ResolveLink records an identity link and, on approval, merges
// participant B into participant A: B's messages and conversation
// memberships transfer to A, then B is deleted. The link row survives
// as the only record of the merged identity; the merge itself is
// terminal. Rejection records the decision without suppressing future
// suggestions for the pair.
func ResolveLink(db *sql.DB, req ResolveRequest) error {
	if req.ParticipantIDA == "" || req.ParticipantIDB == "" {
		return &ValidationError{Reason: "both participant ids are required"}
	}
	if req.ParticipantIDA == req.ParticipantIDB {
		return &ValidationError{Reason: "cannot link a participant to itself"}
	}
	if req.Action != "approve" && req.Action != "reject" {
		return &ValidationError{Reason: fmt.Sprintf("unknown action %q", req.Action)}
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return &ValidationError{Reason: "confidence must be within [0, 1]"}
	}
	if req.Method == "" {
		req.Method = "manual"
	}
	if req.Method != "auto" && req.Method != "manual" {
		return &ValidationError{Reason: fmt.Sprintf("unknown method %q", req.Method)}
	}
	if req.Confidence == 0 {
		req.Confidence = defaultConfidence
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var aIsSelf, bIsSelf bool
	if err := tx.QueryRow(`SELECT is_self FROM participants WHERE id = ?`, req.ParticipantIDA).Scan(&aIsSelf); err != nil {
		if err == sql.ErrNoRows {
			return &ValidationError{Reason: fmt.Sprintf("participant %s not found", req.ParticipantIDA)}
		}
		return fmt.Errorf("failed to load participant A: %w", err)
	}
	if err := tx.QueryRow(`SELECT is_self FROM participants WHERE id = ?`, req.ParticipantIDB).Scan(&bIsSelf); err != nil {
		if err == sql.ErrNoRows {
			return &ValidationError{Reason: fmt.Sprintf("participant %s not found", req.ParticipantIDB)}
		}
		return fmt.Errorf("failed to load participant B: %w", err)
	}
	if req.Action == "approve" && bIsSelf {
		return &ValidationError{Reason: "cannot merge the self participant away - swap the order"}
	}

	status := "rejected"
	if req.Action == "approve" {
		status = "approved"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(
		`INSERT INTO identity_links (
		   id, participant_id_a, participant_id_b, method, confidence, status, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"link_"+uuid.New().String(), req.ParticipantIDA, req.ParticipantIDB,
		req.Method, req.Confidence, status, now, now,
	); err != nil {
		return fmt.Errorf("failed to record identity link: %w", err)
	}

	if req.Action == "approve" {
		if _, err := tx.Exec(
			`UPDATE messages SET participant_id = ? WHERE participant_id = ?`,
			req.ParticipantIDA, req.ParticipantIDB,
		); err != nil {
			return fmt.Errorf("failed to re-attribute messages: %w", err)
		}
		// Transfer conversation memberships before deleting B so the
		// join table never references a missing participant.
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO conversation_participants (conversation_id, participant_id)
			 SELECT conversation_id, ? FROM conversation_participants WHERE participant_id = ?`,
			req.ParticipantIDA, req.ParticipantIDB,
		); err != nil {
			return fmt.Errorf("failed to transfer memberships: %w", err)
		}
		if _, err := tx.Exec(
			`DELETE FROM conversation_participants WHERE participant_id = ?`, req.ParticipantIDB,
		); err != nil {
			return fmt.Errorf("failed to delete old memberships: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM participants WHERE id = ?`, req.ParticipantIDB); err != nil {
			return fmt.Errorf("failed to delete merged participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit identity link: %w", err)
	}
	return nil
}

// Link is one recorded resolution decision.
type Link struct {
	ID             string    `json:"id"`
	ParticipantIDA string    `json:"participant_id_a"`
	ParticipantIDB string    `json:"participant_id_b"`
	Method         string    `json:"method"`
	Confidence     float64   `json:"confidence"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListLinks returns the audit trail of resolution decisions, newest
// first.
func ListLinks(db *sql.DB) ([]Link, error) {
	rows, err := db.Query(
		`SELECT id, participant_id_a, participant_id_b, method, confidence, status, created_at
		 FROM identity_links
		 ORDER BY created_at DESC, rowid DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query identity links: %w", err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		var createdAt string
		if err := rows.Scan(&l.ID, &l.ParticipantIDA, &l.ParticipantIDB, &l.Method, &l.Confidence, &l.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan identity link: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			l.CreatedAt = t
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
