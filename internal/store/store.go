// Package store persists the gateway's delivery audit log, synced
// contacts, and connection statistics in SQLite. The messages table is
// append-only: records are inserted with their final status and never
// updated afterwards.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"zapmail/internal/domain"

	_ "modernc.org/sqlite"
)

// Store implements domain.AuditStore using SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		envelope_id TEXT NOT NULL,
		recipient   TEXT NOT NULL,
		channel     TEXT NOT NULL,
		kind        TEXT NOT NULL,
		status      TEXT NOT NULL,
		summary     TEXT,
		message_id  TEXT,
		error       TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		sent_at     DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel, created_at);

	CREATE TABLE IF NOT EXISTS contacts (
		channel    TEXT NOT NULL,
		contact_id TEXT NOT NULL,
		name       TEXT,
		phone      TEXT,
		synced_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (channel, contact_id)
	);

	CREATE TABLE IF NOT EXISTS connections (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		channel     TEXT NOT NULL,
		state       TEXT NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_connections_time ON connections(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Append inserts one delivery record and returns its row ID. Records are
// never modified after this call.
func (s *Store) Append(ctx context.Context, rec domain.AuditRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var sentAt any
	if rec.SentAt != nil {
		sentAt = rec.SentAt.UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (envelope_id, recipient, channel, kind, status, summary, message_id, error, created_at, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EnvelopeID, rec.Recipient, rec.Channel, string(rec.Kind), string(rec.Status),
		rec.Summary, rec.MessageID, rec.Error, rec.CreatedAt.UTC(), sentAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// History returns the most recent records, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, envelope_id, recipient, channel, kind, status, summary, message_id, error, created_at, sent_at
		 FROM messages ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.AuditRecord
	for rows.Next() {
		var r domain.AuditRecord
		var kind, status string
		var messageID, errText sql.NullString
		var sentAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.EnvelopeID, &r.Recipient, &r.Channel, &kind, &status,
			&r.Summary, &messageID, &errText, &r.CreatedAt, &sentAt); err != nil {
			return nil, err
		}
		r.Kind = domain.MessageKind(kind)
		r.Status = domain.Status(status)
		r.MessageID = messageID.String
		r.Error = errText.String
		if sentAt.Valid {
			r.SentAt = &sentAt.Time
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// StatsSince aggregates record counts per day, channel, and status for the
// last N days.
func (s *Store) StatsSince(ctx context.Context, days int) ([]domain.DayStats, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	rows, err := s.db.QueryContext(ctx,
		`SELECT date(created_at), channel, status, COUNT(*)
		 FROM messages WHERE created_at >= ?
		 GROUP BY date(created_at), channel, status
		 ORDER BY date(created_at) DESC`, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []domain.DayStats
	for rows.Next() {
		var st domain.DayStats
		var status string
		if err := rows.Scan(&st.Day, &st.Channel, &status, &st.Count); err != nil {
			return nil, err
		}
		st.Status = domain.Status(status)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// SaveContacts replaces the synced contact list for a channel.
func (s *Store) SaveContacts(ctx context.Context, channel string, contacts []domain.Contact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, c := range contacts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contacts (channel, contact_id, name, phone, synced_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(channel, contact_id) DO UPDATE SET name=excluded.name, phone=excluded.phone, synced_at=excluded.synced_at`,
			channel, c.ID, c.Name, c.Phone, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListContacts returns the synced contacts for a channel, sorted by name.
func (s *Store) ListContacts(ctx context.Context, channel string) ([]domain.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT contact_id, name, phone FROM contacts WHERE channel = ? ORDER BY name, contact_id`, channel,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []domain.Contact
	for rows.Next() {
		var c domain.Contact
		var name, phone sql.NullString
		if err := rows.Scan(&c.ID, &name, &phone); err != nil {
			return nil, err
		}
		c.Name = name.String
		c.Phone = phone.String
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// RecordConnection logs a channel connection state change.
func (s *Store) RecordConnection(ctx context.Context, channel string, state domain.ConnectionState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (channel, state, created_at) VALUES (?, ?, ?)`,
		channel, string(state), time.Now().UTC(),
	)
	return err
}

// ConnectionsSince counts connection events per channel for the last N days.
func (s *Store) ConnectionsSince(ctx context.Context, days int) (map[string]int64, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, COUNT(*) FROM connections
		 WHERE created_at >= ? AND state = ? GROUP BY channel`, cutoff, string(domain.StateConnected),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var channel string
		var n int64
		if err := rows.Scan(&channel, &n); err != nil {
			return nil, err
		}
		counts[channel] = n
	}
	return counts, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
