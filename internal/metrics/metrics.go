// Package metrics derives relationship statistics from the canonical
// message table. Daily rollups are persisted to metrics_daily and
// rebuilt from scratch after every ingestion; read-side queries layer
// range filtering and response-latency math on top.
package metrics

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// responseCutoff bounds the inbound-to-outbound gap that still counts
// as a reply. Longer gaps are a new exchange, not a response.
const responseCutoff = 48 * time.Hour

// Range selectors accepted by the read-side queries.
const (
	RangeDefault = "12m"
	Range90Days  = "90d"
	RangeAll     = "all"
)

func rangeCutoff(rng string, now time.Time) (string, error) {
	switch rng {
	case "", RangeDefault:
		return now.AddDate(0, -12, 0).UTC().Format(time.RFC3339), nil
	case Range90Days:
		return now.AddDate(0, 0, -90).UTC().Format(time.RFC3339), nil
	case RangeAll:
		return "", nil
	default:
		return "", fmt.Errorf("unknown range %q (want %s, %s or %s)", rng, Range90Days, RangeDefault, RangeAll)
	}
}

// Recompute rebuilds metrics_daily from messages: one row per
// participant per calendar day. Delete-then-repopulate in one
// transaction keeps the table consistent with whatever merge or
// ingestion just ran.
func Recompute(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin metrics transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM metrics_daily`); err != nil {
		return fmt.Errorf("failed to clear daily metrics: %w", err)
	}

	rows, err := tx.Query(
		`SELECT participant_id,
		        substr(sent_at, 1, 10) AS day,
		        SUM(CASE WHEN direction = 'inbound' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN direction = 'outbound' THEN 1 ELSE 0 END),
		        COUNT(*),
		        AVG(LENGTH(text))
		 FROM messages
		 GROUP BY participant_id, day`,
	)
	if err != nil {
		return fmt.Errorf("failed to aggregate messages: %w", err)
	}
	defer rows.Close()

	type daily struct {
		participantID string
		day           string
		inbound       int
		outbound      int
		total         int
		avgLength     float64
	}
	var rollups []daily
	for rows.Next() {
		var r daily
		if err := rows.Scan(&r.participantID, &r.day, &r.inbound, &r.outbound, &r.total, &r.avgLength); err != nil {
			return fmt.Errorf("failed to scan rollup: %w", err)
		}
		rollups = append(rollups, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, r := range rollups {
		if _, err := tx.Exec(
			`INSERT INTO metrics_daily (
			   id, scope_type, scope_id, day, inbound_count, outbound_count,
			   total_messages, avg_message_length, avg_response_minutes, created_at
			 ) VALUES (?, 'participant', ?, ?, ?, ?, ?, ?, NULL, ?)`,
			"metric_"+uuid.New().String(), r.participantID, r.day,
			r.inbound, r.outbound, r.total, r.avgLength, now,
		); err != nil {
			return fmt.Errorf("failed to insert daily metric: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metrics: %w", err)
	}
	return nil
}

// Person is the read-side summary for one non-self participant.
type Person struct {
	ParticipantID      string   `json:"participant_id"`
	DisplayName        string   `json:"display_name"`
	Inbound            int      `json:"inbound"`
	Outbound           int      `json:"outbound"`
	Total              int      `json:"total"`
	Reciprocity        float64  `json:"reciprocity"`
	AvgResponseMinutes *float64 `json:"avg_response_minutes"`
	LastSeen           string   `json:"last_seen"`
}

// reciprocity scores the balance of a thread: 1 is perfectly mutual,
// 0 is entirely one-sided.
func reciprocity(inbound, outbound int) float64 {
	total := inbound + outbound
	if total == 0 {
		return 0
	}
	return 1 - math.Abs(float64(inbound-outbound))/float64(total)
}

// ListPeople summarizes every non-self participant over the range,
// ordered by message volume. Inbound counts here are the contact's
// messages; outbound counts are replies attributed to self within the
// same conversations.
func ListPeople(db *sql.DB, rng string) ([]Person, error) {
	cutoff, err := rangeCutoff(rng, time.Now())
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(
		`SELECT p.id, p.display_name, p.last_seen,
		        COALESCE(SUM(m.inbound_count), 0),
		        COALESCE(SUM(m.outbound_count), 0),
		        COALESCE(SUM(m.total_messages), 0)
		 FROM participants p
		 LEFT JOIN metrics_daily m
		   ON m.scope_type = 'participant' AND m.scope_id = p.id AND m.day >= substr(?, 1, 10)
		 WHERE p.is_self = 0
		 GROUP BY p.id
		 ORDER BY COALESCE(SUM(m.total_messages), 0) DESC, p.display_name ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query people: %w", err)
	}
	defer rows.Close()

	var people []Person
	for rows.Next() {
		var p Person
		if err := rows.Scan(&p.ParticipantID, &p.DisplayName, &p.LastSeen, &p.Inbound, &p.Outbound, &p.Total); err != nil {
			return nil, fmt.Errorf("failed to scan person: %w", err)
		}
		people = append(people, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range people {
		// A participant row only ever holds that person's own messages,
		// so the outbound half of the exchange lives on the self row.
		// Fold in the self replies from the shared conversations.
		selfOut, err := selfRepliesInSharedConversations(db, people[i].ParticipantID, cutoff)
		if err != nil {
			return nil, err
		}
		people[i].Outbound = selfOut
		people[i].Total = people[i].Inbound + selfOut
		people[i].Reciprocity = reciprocity(people[i].Inbound, people[i].Outbound)

		avg, err := avgResponseMinutes(db, people[i].ParticipantID, cutoff)
		if err != nil {
			return nil, err
		}
		people[i].AvgResponseMinutes = avg
	}
	return people, nil
}

func selfRepliesInSharedConversations(db *sql.DB, participantID, cutoff string) (int, error) {
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*)
		 FROM messages m
		 WHERE m.direction = 'outbound'
		   AND m.sent_at >= ?
		   AND m.conversation_id IN (
		     SELECT DISTINCT conversation_id FROM messages WHERE participant_id = ?
		   )`,
		cutoff, participantID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count replies: %w", err)
	}
	return count, nil
}

// avgResponseMinutes walks each shared conversation in sent order and
// averages the gap between an inbound message from the participant and
// the next outbound message. Gaps beyond the cutoff are discarded as a
// new exchange. Returns nil when no qualifying pair exists.
func avgResponseMinutes(db *sql.DB, participantID, cutoff string) (*float64, error) {
	rows, err := db.Query(
		`SELECT conversation_id, participant_id, direction, sent_at
		 FROM messages
		 WHERE sent_at >= ?
		   AND conversation_id IN (
		     SELECT DISTINCT conversation_id FROM messages WHERE participant_id = ?
		   )
		 ORDER BY conversation_id, sent_at ASC`,
		cutoff, participantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query exchanges: %w", err)
	}
	defer rows.Close()

	var (
		totalMinutes float64
		pairs        int
		lastConvo    string
		pendingIn    time.Time
		havePending  bool
	)
	for rows.Next() {
		var convoID, pid, direction, sentAt string
		if err := rows.Scan(&convoID, &pid, &direction, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		if convoID != lastConvo {
			lastConvo = convoID
			havePending = false
		}
		t, err := time.Parse(time.RFC3339, sentAt)
		if err != nil {
			continue
		}
		switch {
		case direction == "inbound" && pid == participantID:
			if !havePending {
				pendingIn = t
				havePending = true
			}
		case direction == "outbound" && havePending:
			gap := t.Sub(pendingIn)
			if gap > 0 && gap <= responseCutoff {
				totalMinutes += gap.Minutes()
				pairs++
			}
			havePending = false
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if pairs == 0 {
		return nil, nil
	}
	avg := totalMinutes / float64(pairs)
	return &avg, nil
}

// DailyMetric is one persisted rollup row.
type DailyMetric struct {
	Day              string  `json:"day"`
	Inbound          int     `json:"inbound"`
	Outbound         int     `json:"outbound"`
	Total            int     `json:"total"`
	AvgMessageLength float64 `json:"avg_message_length"`
}

// PersonDetail pairs the summary with the daily series behind it.
type PersonDetail struct {
	Person Person        `json:"person"`
	Daily  []DailyMetric `json:"daily"`
}

// PersonMetrics returns one participant's summary plus their daily
// rollups over the range.
func PersonMetrics(db *sql.DB, participantID, rng string) (PersonDetail, error) {
	cutoff, err := rangeCutoff(rng, time.Now())
	if err != nil {
		return PersonDetail{}, err
	}

	var detail PersonDetail
	people, err := ListPeople(db, rng)
	if err != nil {
		return PersonDetail{}, err
	}
	found := false
	for _, p := range people {
		if p.ParticipantID == participantID {
			detail.Person = p
			found = true
			break
		}
	}
	if !found {
		return PersonDetail{}, fmt.Errorf("participant %s not found", participantID)
	}

	rows, err := db.Query(
		`SELECT day, inbound_count, outbound_count, total_messages, avg_message_length
		 FROM metrics_daily
		 WHERE scope_type = 'participant' AND scope_id = ? AND day >= substr(?, 1, 10)
		 ORDER BY day ASC`,
		participantID, cutoff,
	)
	if err != nil {
		return PersonDetail{}, fmt.Errorf("failed to query daily metrics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d DailyMetric
		if err := rows.Scan(&d.Day, &d.Inbound, &d.Outbound, &d.Total, &d.AvgMessageLength); err != nil {
			return PersonDetail{}, fmt.Errorf("failed to scan daily metric: %w", err)
		}
		detail.Daily = append(detail.Daily, d)
	}
	return detail, rows.Err()
}

// Conversation is the read-side summary of one thread.
type Conversation struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
	IsGroup        bool   `json:"is_group"`
	Participants   int    `json:"participants"`
	Messages       int    `json:"messages"`
	LastActivity   string `json:"last_activity"`
}

// ListConversations summarizes every conversation, most recently
// active first.
func ListConversations(db *sql.DB) ([]Conversation, error) {
	rows, err := db.Query(
		`SELECT c.id, c.chat_title, c.is_group,
		        (SELECT COUNT(*) FROM conversation_participants cp WHERE cp.conversation_id = c.id),
		        (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id),
		        c.last_seen
		 FROM conversations c
		 ORDER BY c.last_seen DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ConversationID, &c.Title, &c.IsGroup, &c.Participants, &c.Messages, &c.LastActivity); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// TimelineBucket is one day of overall activity.
type TimelineBucket struct {
	Day      string `json:"day"`
	Inbound  int    `json:"inbound"`
	Outbound int    `json:"outbound"`
	Total    int    `json:"total"`
}

// Timeline returns day-by-day message volume across all participants
// over the range.
func Timeline(db *sql.DB, rng string) ([]TimelineBucket, error) {
	cutoff, err := rangeCutoff(rng, time.Now())
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(
		`SELECT day,
		        SUM(inbound_count), SUM(outbound_count), SUM(total_messages)
		 FROM metrics_daily
		 WHERE scope_type = 'participant' AND day >= substr(?, 1, 10)
		 GROUP BY day
		 ORDER BY day ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()

	var buckets []TimelineBucket
	for rows.Next() {
		var b TimelineBucket
		if err := rows.Scan(&b.Day, &b.Inbound, &b.Outbound, &b.Total); err != nil {
			return nil, fmt.Errorf("failed to scan timeline bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}
