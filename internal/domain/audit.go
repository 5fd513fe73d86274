package domain

import (
	"context"
	"time"
)

// AuditRecord is one append-only row in the delivery log. Records are
// immutable once written; a retried message produces a new record.
type AuditRecord struct {
	ID         int64       `json:"id"`
	EnvelopeID string      `json:"envelopeId"`
	Recipient  string      `json:"recipient"` // canonical address (+55... or mail)
	Channel    string      `json:"channel"`
	Kind       MessageKind `json:"kind"`
	Status     Status      `json:"status"`
	Summary    string      `json:"summary"` // truncated text body
	MessageID  string      `json:"messageId,omitempty"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	SentAt     *time.Time  `json:"sentAt,omitempty"`
}

// DayStats is one aggregated statistics row: messages per day, channel
// and final status.
type DayStats struct {
	Day     string `json:"day"` // YYYY-MM-DD
	Channel string `json:"channel"`
	Status  Status `json:"status"`
	Count   int64  `json:"count"`
}

// AuditStore persists delivery history, synced contacts, and connection
// statistics.
type AuditStore interface {
	Append(ctx context.Context, rec AuditRecord) (int64, error)
	History(ctx context.Context, limit int) ([]AuditRecord, error)
	StatsSince(ctx context.Context, days int) ([]DayStats, error)

	SaveContacts(ctx context.Context, channel string, contacts []Contact) error
	ListContacts(ctx context.Context, channel string) ([]Contact, error)

	RecordConnection(ctx context.Context, channel string, state ConnectionState) error
	ConnectionsSince(ctx context.Context, days int) (map[string]int64, error)

	Close() error
}
