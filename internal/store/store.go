// Package store is the SQLite-backed mapping and interaction persistence
// layer (component G). Unlike the teacher's dual-driver store, this one
// is SQLite-only: the spec calls for a single small embedded database,
// not a Postgres-scale deployment target.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the syndication mapping, interaction, webmention, and
// reply tables in one SQLite database.
type Store struct {
	db           *sql.DB
	legacyRoot   string // root for legacy-JSON-file fallback + backfill
}

// Open opens (creating if absent) the SQLite database at path and
// applies the teacher's WAL/busy-timeout/foreign-keys pragma set.
func Open(path string, legacyRoot string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && filepath.Dir(path) != "." {
		return nil, fmt.Errorf("store: creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	const maxConns = 4
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("store: pragma (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db, legacyRoot: legacyRoot}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path, "max_conns", maxConns)
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS syndication_mappings (
		ghost_post_id TEXT PRIMARY KEY,
		payload       TEXT NOT NULL,
		syndicated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS interaction_data (
		ghost_post_id TEXT PRIMARY KEY,
		payload       TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS interaction_data_updated_at ON interaction_data(updated_at)`,
	`CREATE TABLE IF NOT EXISTS webmentions (
		source        TEXT NOT NULL,
		target        TEXT NOT NULL,
		status        TEXT NOT NULL,
		mention_type  TEXT NOT NULL DEFAULT 'mention',
		author_name   TEXT NOT NULL DEFAULT '',
		author_url    TEXT NOT NULL DEFAULT '',
		content       TEXT NOT NULL DEFAULT '',
		received_at   TEXT NOT NULL,
		verified_at   TEXT,
		PRIMARY KEY (source, target)
	)`,
	`CREATE TABLE IF NOT EXISTS replies (
		id          TEXT PRIMARY KEY,
		author_name TEXT NOT NULL,
		author_url  TEXT NOT NULL,
		content     TEXT NOT NULL,
		target      TEXT NOT NULL,
		ip_hash     TEXT NOT NULL,
		created_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbound_links (
		ghost_post_id TEXT NOT NULL,
		target_url    TEXT NOT NULL,
		PRIMARY KEY (ghost_post_id, target_url)
	)`,
}

func (s *Store) migrate() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("store: migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// --- Syndication mappings -------------------------------------------------

// PlatformPost is one recorded syndication result for a single
// (platform, account). Is a list element when the post was split across
// multiple images.
type PlatformPost struct {
	PostURL      string `json:"post_url"`
	StatusID     string `json:"status_id,omitempty"`
	PostURI      string `json:"post_uri,omitempty"`
	IsSplit      bool   `json:"is_split,omitempty"`
	SplitIndex   int    `json:"split_index,omitempty"`
	TotalSplits  int    `json:"total_splits,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
}

// Mapping is the full per-Ghost-post syndication record.
type Mapping struct {
	GhostPostID  string                                 `json:"ghost_post_id"`
	GhostPostURL string                                 `json:"ghost_post_url"`
	SyndicatedAt time.Time                               `json:"syndicated_at"`
	Platforms    map[string]map[string]json.RawMessage  `json:"platforms"`
}

// DecodeEntries decodes a platforms[platform][account] value, which is
// either a single PlatformPost object or a non-empty list of them. It is
// exported so callers outside this package (the interaction sync
// service) can read the same raw mapping entries this package writes.
func DecodeEntries(raw json.RawMessage) ([]PlatformPost, error) {
	return decodeEntries(raw)
}

func decodeEntries(raw json.RawMessage) ([]PlatformPost, error) {
	var list []PlatformPost
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single PlatformPost
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return []PlatformPost{single}, nil
}

func encodeEntries(entries []PlatformPost) (json.RawMessage, error) {
	if len(entries) == 1 && !entries[0].IsSplit {
		return json.Marshal(entries[0])
	}
	return json.Marshal(entries)
}

// GetMapping reads a mapping by ghost_post_id, falling back to a legacy
// JSON file and backfilling SQLite on a successful fallback read.
func (s *Store) GetMapping(id string) (*Mapping, bool, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM syndication_mappings WHERE ghost_post_id = ?`, id).Scan(&payload)
	if err == nil {
		var m Mapping
		if jerr := json.Unmarshal([]byte(payload), &m); jerr != nil {
			return nil, false, fmt.Errorf("store: decoding mapping %s: %w", id, jerr)
		}
		return &m, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("store: reading mapping %s: %w", id, err)
	}

	m, ok, err := s.readLegacyMapping(id)
	if err != nil || !ok {
		return nil, false, err
	}
	if writeErr := s.writeMapping(m); writeErr != nil {
		slog.Warn("failed to backfill legacy mapping into sqlite", "ghost_post_id", id, "error", writeErr)
	}
	return m, true, nil
}

func (s *Store) readLegacyMapping(id string) (*Mapping, bool, error) {
	if s.legacyRoot == "" {
		return nil, false, nil
	}
	path := filepath.Join(s.legacyRoot, "syndication_mappings", id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: reading legacy mapping file: %w", err)
	}
	var m Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("store: decoding legacy mapping file: %w", err)
	}
	return &m, true, nil
}

func (s *Store) writeMapping(m *Mapping) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO syndication_mappings (ghost_post_id, payload, syndicated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(ghost_post_id) DO UPDATE SET payload=excluded.payload, syndicated_at=excluded.syndicated_at
	`, m.GhostPostID, payload, m.SyndicatedAt.Format(time.RFC3339))
	return err
}

// PutMappingEntry records one platform-client's post result under a
// single read-modify-write transaction. It never touches entries for any
// other (platform, account) pair. For split posts, a prior single entry
// is preserved as element 0 before the new entry is appended, and a
// duplicate (same StatusID/PostURI) is not re-appended.
func (s *Store) PutMappingEntry(id, ghostURL, platform, account string, post PlatformPost) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	var payload string
	var m Mapping
	err = tx.QueryRow(`SELECT payload FROM syndication_mappings WHERE ghost_post_id = ?`, id).Scan(&payload)
	switch {
	case err == nil:
		if jerr := json.Unmarshal([]byte(payload), &m); jerr != nil {
			return fmt.Errorf("store: decoding existing mapping: %w", jerr)
		}
	case err == sql.ErrNoRows:
		m = Mapping{
			GhostPostID:  id,
			GhostPostURL: ghostURL,
			SyndicatedAt: time.Now().UTC(),
			Platforms:    map[string]map[string]json.RawMessage{},
		}
	default:
		return fmt.Errorf("store: reading mapping for update: %w", err)
	}
	if m.Platforms == nil {
		m.Platforms = map[string]map[string]json.RawMessage{}
	}
	if m.Platforms[platform] == nil {
		m.Platforms[platform] = map[string]json.RawMessage{}
	}

	if !post.IsSplit {
		encoded, err := encodeEntries([]PlatformPost{post})
		if err != nil {
			return err
		}
		m.Platforms[platform][account] = encoded
	} else {
		var existing []PlatformPost
		if raw, ok := m.Platforms[platform][account]; ok {
			existing, err = decodeEntries(raw)
			if err != nil {
				return fmt.Errorf("store: decoding existing entry for split append: %w", err)
			}
		}
		duplicate := false
		for _, e := range existing {
			if e.StatusID != "" && e.StatusID == post.StatusID {
				duplicate = true
			}
			if e.PostURI != "" && e.PostURI == post.PostURI {
				duplicate = true
			}
		}
		if !duplicate {
			existing = append(existing, post)
		}
		encoded, err := encodeEntries(existing)
		if err != nil {
			return err
		}
		m.Platforms[platform][account] = encoded
	}

	payloadBytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO syndication_mappings (ghost_post_id, payload, syndicated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(ghost_post_id) DO UPDATE SET payload=excluded.payload
	`, m.GhostPostID, payloadBytes, m.SyndicatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: writing mapping: %w", err)
	}
	return tx.Commit()
}

// --- Interaction records ---------------------------------------------------

// InteractionRecord is the per-Ghost-post aggregated interaction data.
type InteractionRecord struct {
	GhostPostID      string                      `json:"ghost_post_id"`
	UpdatedAt        time.Time                    `json:"updated_at"`
	SyndicationLinks map[string]map[string]any   `json:"syndication_links"`
	Platforms        map[string]map[string]any   `json:"platforms"`
}

func (s *Store) GetInteractions(id string) (*InteractionRecord, bool, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM interaction_data WHERE ghost_post_id = ?`, id).Scan(&payload)
	if err == nil {
		var rec InteractionRecord
		if jerr := json.Unmarshal([]byte(payload), &rec); jerr != nil {
			return nil, false, fmt.Errorf("store: decoding interactions %s: %w", id, jerr)
		}
		return &rec, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("store: reading interactions %s: %w", id, err)
	}

	rec, ok, err := s.readLegacyInteractions(id)
	if err != nil || !ok {
		return nil, false, err
	}
	if writeErr := s.PutInteractions(id, rec); writeErr != nil {
		slog.Warn("failed to backfill legacy interactions into sqlite", "ghost_post_id", id, "error", writeErr)
	}
	return rec, true, nil
}

func (s *Store) readLegacyInteractions(id string) (*InteractionRecord, bool, error) {
	if s.legacyRoot == "" {
		return nil, false, nil
	}
	path := filepath.Join(s.legacyRoot, "interaction_data", id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: reading legacy interactions file: %w", err)
	}
	var rec InteractionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("store: decoding legacy interactions file: %w", err)
	}
	return &rec, true, nil
}

func (s *Store) PutInteractions(id string, rec *InteractionRecord) error {
	rec.GhostPostID = id
	rec.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO interaction_data (ghost_post_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(ghost_post_id) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at
	`, id, payload, rec.UpdatedAt.Format(time.RFC3339))
	return err
}

// AllMappingIDs returns every ghost_post_id with a syndication mapping,
// used by the scheduler's SYNC_ALL enumeration.
func (s *Store) AllMappingIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT ghost_post_id FROM syndication_mappings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetOutboundLinks returns the set of target URLs notified for a post the
// last time the webmention sender ran, used to compute the link-diff on
// update/delete (§4.K).
func (s *Store) GetOutboundLinks(ghostPostID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT target_url FROM outbound_links WHERE ghost_post_id = ?`, ghostPostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var links []string
	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// SetOutboundLinks replaces the full set of notified target URLs for a post
// in one transaction.
func (s *Store) SetOutboundLinks(ghostPostID string, links []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM outbound_links WHERE ghost_post_id = ?`, ghostPostID); err != nil {
		return err
	}
	for _, link := range links {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO outbound_links (ghost_post_id, target_url) VALUES (?, ?)`, ghostPostID, link); err != nil {
			return err
		}
	}
	return tx.Commit()
}
