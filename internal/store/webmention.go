package store

import (
	"database/sql"
	"fmt"
	"time"
)

// WebmentionStatus is the verification lifecycle state of a received
// webmention.
type WebmentionStatus string

const (
	WebmentionPending  WebmentionStatus = "pending"
	WebmentionVerified WebmentionStatus = "verified"
	WebmentionRejected WebmentionStatus = "rejected"
)

// MentionType classifies what kind of interaction a webmention represents.
type MentionType string

const (
	MentionMention MentionType = "mention"
	MentionReply   MentionType = "reply"
	MentionLike    MentionType = "like"
	MentionRepost  MentionType = "repost"
	MentionBookmark MentionType = "bookmark"
)

// Webmention is one received mention record, keyed by (source, target).
type Webmention struct {
	Source      string
	Target      string
	Status      WebmentionStatus
	MentionType MentionType
	AuthorName  string
	AuthorURL   string
	Content     string
	ReceivedAt  time.Time
	VerifiedAt  *time.Time
}

// PutWebmention inserts or replaces the (source, target) record — a
// second POST with the same pair is an update, not a duplicate, per the
// received-webmention invariant.
func (s *Store) PutWebmention(w *Webmention) error {
	var verifiedAt *string
	if w.VerifiedAt != nil {
		v := w.VerifiedAt.Format(time.RFC3339)
		verifiedAt = &v
	}
	_, err := s.db.Exec(`
		INSERT INTO webmentions (source, target, status, mention_type, author_name, author_url, content, received_at, verified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, target) DO UPDATE SET
			status=excluded.status, mention_type=excluded.mention_type,
			author_name=excluded.author_name, author_url=excluded.author_url,
			content=excluded.content, received_at=excluded.received_at,
			verified_at=excluded.verified_at
	`, w.Source, w.Target, string(w.Status), string(w.MentionType), w.AuthorName, w.AuthorURL, w.Content,
		w.ReceivedAt.Format(time.RFC3339), verifiedAt)
	if err != nil {
		return fmt.Errorf("store: writing webmention: %w", err)
	}
	return nil
}

// DeleteWebmention removes the (source, target) record entirely, used
// when the source later returns 404/410 — the mention is gone, not
// merely unverifiable.
func (s *Store) DeleteWebmention(source, target string) error {
	if _, err := s.db.Exec(`DELETE FROM webmentions WHERE source = ? AND target = ?`, source, target); err != nil {
		return fmt.Errorf("store: deleting webmention: %w", err)
	}
	return nil
}

func (s *Store) GetWebmention(source, target string) (*Webmention, bool, error) {
	var w Webmention
	var status, mentionType, receivedAt string
	var verifiedAt sql.NullString
	err := s.db.QueryRow(`
		SELECT source, target, status, mention_type, author_name, author_url, content, received_at, verified_at
		FROM webmentions WHERE source = ? AND target = ?
	`, source, target).Scan(&w.Source, &w.Target, &status, &mentionType, &w.AuthorName, &w.AuthorURL, &w.Content, &receivedAt, &verifiedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: reading webmention: %w", err)
	}
	w.Status = WebmentionStatus(status)
	w.MentionType = MentionType(mentionType)
	w.ReceivedAt, _ = time.Parse(time.RFC3339, receivedAt)
	if verifiedAt.Valid {
		t, _ := time.Parse(time.RFC3339, verifiedAt.String)
		w.VerifiedAt = &t
	}
	return &w, true, nil
}

// WebmentionsForTarget returns every verified webmention pointing at
// target, used by the public /api/webmentions/{path} endpoint.
func (s *Store) WebmentionsForTarget(target string) ([]Webmention, error) {
	rows, err := s.db.Query(`
		SELECT source, target, status, mention_type, author_name, author_url, content, received_at, verified_at
		FROM webmentions WHERE target = ? AND status = ?
		ORDER BY received_at DESC
	`, target, string(WebmentionVerified))
	if err != nil {
		return nil, fmt.Errorf("store: querying webmentions for target: %w", err)
	}
	defer rows.Close()

	var out []Webmention
	for rows.Next() {
		var w Webmention
		var status, mentionType, receivedAt string
		var verifiedAt sql.NullString
		if err := rows.Scan(&w.Source, &w.Target, &status, &mentionType, &w.AuthorName, &w.AuthorURL, &w.Content, &receivedAt, &verifiedAt); err != nil {
			return nil, err
		}
		w.Status = WebmentionStatus(status)
		w.MentionType = MentionType(mentionType)
		w.ReceivedAt, _ = time.Parse(time.RFC3339, receivedAt)
		if verifiedAt.Valid {
			t, _ := time.Parse(time.RFC3339, verifiedAt.String)
			w.VerifiedAt = &t
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Reply is a submitted reply-form entry, rendered as an h-entry and used
// as the source of a self-dispatched webmention.
type Reply struct {
	ID         string
	AuthorName string
	AuthorURL  string
	Content    string
	Target     string
	IPHash     string
	CreatedAt  time.Time
}

func (s *Store) PutReply(r *Reply) error {
	_, err := s.db.Exec(`
		INSERT INTO replies (id, author_name, author_url, content, target, ip_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.AuthorName, r.AuthorURL, r.Content, r.Target, r.IPHash, r.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: writing reply: %w", err)
	}
	return nil
}

func (s *Store) GetReply(id string) (*Reply, bool, error) {
	var r Reply
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, author_name, author_url, content, target, ip_hash, created_at
		FROM replies WHERE id = ?
	`, id).Scan(&r.ID, &r.AuthorName, &r.AuthorURL, &r.Content, &r.Target, &r.IPHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: reading reply: %w", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &r, true, nil
}

// RepliesSince counts replies from ip_hash within the trailing window,
// backing the reply endpoint's per-IP rate limit.
func (s *Store) RepliesSince(ipHash string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM replies WHERE ip_hash = ? AND created_at >= ?`,
		ipHash, since.Format(time.RFC3339)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: counting replies: %w", err)
	}
	return count, nil
}
