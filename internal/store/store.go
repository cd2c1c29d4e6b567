// Package store provides the durable local record store for the courier agent.
//
// Records fall into two relations: structured events and artifact references.
// Both carry a synced flag that tracks whether the record has been accepted by
// the central server. The sync cycle reads unsynced records, uploads them in a
// batch, and marks exactly the uploaded ids synced once the server
// acknowledges the batch. Records only ever move from unsynced to synced.
//
// The database runs in embedded mode using SQLite with WAL enabled so that
// producer appends and the sync cycle's reads can proceed concurrently.
// Appends during a sync cycle are simply picked up by the next cycle.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// timeLayout is the stored timestamp format. Fixed-width fractional seconds
// keep lexicographic comparison consistent with time ordering; RFC3339Nano
// trims trailing zeros, which breaks sub-second string comparison.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Event is a structured record: a typed fact with an opaque key/value payload.
type Event struct {
	ID        int64
	Timestamp time.Time
	Type      string
	Details   map[string]string
}

// Artifact is a reference to a binary file produced on the endpoint.
// The bytes live on disk at Path; only the reference is stored here.
type Artifact struct {
	ID        int64
	Timestamp time.Time
	Path      string
	Size      int64
}

// Stats summarizes the current contents of the store.
type Stats struct {
	Events            int64
	Artifacts         int64
	UnsyncedEvents    int64
	UnsyncedArtifacts int64
	MissingArtifacts  int64
}

// EvictStats reports what a retention pass removed.
type EvictStats struct {
	EventsEvicted    int64
	ArtifactsEvicted int64
	FilesRemoved     int
	FileErrors       int
}

// Store wraps the SQLite database holding event and artifact records.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// Open creates a store at the given path, creating parent directories and the
// database file as needed. Call InitSchema before first use and Close when
// done.
//
// If logger is nil, a default logger writing to stderr is used.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		logger: logger,
	}

	// WAL lets producer appends proceed while the sync cycle reads.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return s, nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// InitSchema creates the events and artifacts tables if they don't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		synced INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		filepath TEXT NOT NULL,
		filesize INTEGER NOT NULL DEFAULT 0,
		synced INTEGER NOT NULL DEFAULT 0,
		missing INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_events_synced ON events(synced, id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_artifacts_synced ON artifacts(synced, missing, id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_timestamp ON artifacts(timestamp);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// AppendEvent inserts a structured event record and returns its id.
// New records always start unsynced.
func (s *Store) AppendEvent(ctx context.Context, eventType string, details map[string]string) (int64, error) {
	if eventType == "" {
		return 0, fmt.Errorf("event type cannot be empty")
	}

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event details: %w", err)
	}

	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO events (timestamp, event_type, details) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(timeLayout), eventType, string(detailsJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get event id: %w", err)
	}
	return id, nil
}

// AppendArtifact inserts an artifact reference record and returns its id.
func (s *Store) AppendArtifact(ctx context.Context, path string, size int64) (int64, error) {
	if path == "" {
		return 0, fmt.Errorf("artifact path cannot be empty")
	}

	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO artifacts (timestamp, filepath, filesize) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(timeLayout), path, size,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert artifact: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get artifact id: %w", err)
	}
	return id, nil
}

// UnsyncedEvents returns up to limit unsynced events in ascending id order.
// Repeated calls before any commit return the same prefix.
func (s *Store) UnsyncedEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, timestamp, event_type, details FROM events
		 WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var ts, detailsJSON string

		if err := rows.Scan(&ev.ID, &ts, &ev.Type, &detailsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}

		if detailsJSON != "" && detailsJSON != "null" {
			if err := json.Unmarshal([]byte(detailsJSON), &ev.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
			}
		}

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// UnsyncedArtifacts returns up to limit unsynced artifact references in
// ascending id order. Artifacts retired as missing are excluded so they
// cannot occupy the window head and starve later records.
func (s *Store) UnsyncedArtifacts(ctx context.Context, limit int) ([]Artifact, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, timestamp, filepath, filesize FROM artifacts
		 WHERE synced = 0 AND missing = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		var ts string

		if err := rows.Scan(&a.ID, &ts, &a.Path, &a.Size); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}

		a.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse artifact timestamp: %w", err)
		}

		artifacts = append(artifacts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return artifacts, nil
}

// MarkEventsSynced flags the given event ids as synced. Idempotent: ids that
// are already synced or unknown are silently ignored.
func (s *Store) MarkEventsSynced(ctx context.Context, ids []int64) error {
	return s.markSynced(ctx, "events", ids)
}

// MarkArtifactsSynced flags the given artifact ids as synced. Idempotent.
func (s *Store) MarkArtifactsSynced(ctx context.Context, ids []int64) error {
	return s.markSynced(ctx, "artifacts", ids)
}

// MarkArtifactsMissing retires artifacts whose backing file is permanently
// gone. Retired rows leave the unsynced window immediately and are removed
// by retention like synced rows. Already-synced ids are ignored. Idempotent.
func (s *Store) MarkArtifactsMissing(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := fmt.Sprintf(
		`UPDATE artifacts SET missing = 1 WHERE synced = 0 AND id IN (%s)`, placeholders)
	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark artifacts missing: %w", err)
	}

	return nil
}

func (s *Store) markSynced(ctx context.Context, table string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := fmt.Sprintf(`UPDATE %s SET synced = 1 WHERE id IN (%s)`, table, placeholders)
	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark %s synced: %w", table, err)
	}

	return nil
}

// EvictSyncedBefore deletes synced records older than cutoff, along with
// artifacts retired as missing. Artifact backing files are removed
// best-effort: a failed file deletion is logged and the row is removed
// anyway, so storage cleanup never blocks data hygiene. Unsynced records are
// never evicted regardless of age.
func (s *Store) EvictSyncedBefore(ctx context.Context, cutoff time.Time) (EvictStats, error) {
	var stats EvictStats
	cutoffStr := cutoff.UTC().Format(timeLayout)

	rows, err := s.conn.QueryContext(ctx,
		`SELECT filepath FROM artifacts WHERE (synced = 1 OR missing = 1) AND timestamp < ?`, cutoffStr)
	if err != nil {
		return stats, fmt.Errorf("failed to query expired artifacts: %w", err)
	}

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return stats, fmt.Errorf("failed to scan artifact path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return stats, fmt.Errorf("error iterating expired artifacts: %w", err)
	}
	rows.Close()

	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			s.logger.Printf("Warning: failed to remove artifact file %s: %v", p, err)
			stats.FileErrors++
			continue
		}
		stats.FilesRemoved++
	}

	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM events WHERE synced = 1 AND timestamp < ?`, cutoffStr)
	if err != nil {
		return stats, fmt.Errorf("failed to evict events: %w", err)
	}
	stats.EventsEvicted, _ = res.RowsAffected()

	res, err = s.conn.ExecContext(ctx,
		`DELETE FROM artifacts WHERE (synced = 1 OR missing = 1) AND timestamp < ?`, cutoffStr)
	if err != nil {
		return stats, fmt.Errorf("failed to evict artifacts: %w", err)
	}
	stats.ArtifactsEvicted, _ = res.RowsAffected()

	return stats, nil
}

// Stats returns record counts for the status command.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM events`, &stats.Events},
		{`SELECT COUNT(*) FROM artifacts`, &stats.Artifacts},
		{`SELECT COUNT(*) FROM events WHERE synced = 0`, &stats.UnsyncedEvents},
		{`SELECT COUNT(*) FROM artifacts WHERE synced = 0 AND missing = 0`, &stats.UnsyncedArtifacts},
		{`SELECT COUNT(*) FROM artifacts WHERE missing = 1`, &stats.MissingArtifacts},
	}

	for _, c := range counts {
		if err := s.conn.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return stats, fmt.Errorf("failed to count records: %w", err)
		}
	}

	return stats, nil
}
