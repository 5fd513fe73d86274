package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"zapmail/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "audit.db"), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func sampleRecord(status domain.Status) domain.AuditRecord {
	return domain.AuditRecord{
		EnvelopeID: "env-1",
		Recipient:  "+5511999998888",
		Channel:    "whatsapp",
		Kind:       domain.KindText,
		Status:     status,
		Summary:    "hello there",
	}
}

func TestNew_CreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "audit.db")
	s, err := New(dbPath, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := testStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// --- Append / History ---

func TestStore_AppendAndHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, sampleRecord(domain.StatusSent))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero row id")
	}

	recs, err := s.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	got := recs[0]
	if got.Recipient != "+5511999998888" || got.Channel != "whatsapp" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Status != domain.StatusSent || got.Kind != domain.KindText {
		t.Fatalf("unexpected status/kind: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("createdAt should be persisted")
	}
}

func TestStore_History_NewestFirstAndLimited(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := sampleRecord(domain.StatusSent)
		rec.EnvelopeID = string(rune('a' + i))
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := s.Append(ctx, rec); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	recs, err := s.History(ctx, 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].EnvelopeID != "e" || recs[2].EnvelopeID != "c" {
		t.Fatalf("expected newest first, got %s..%s", recs[0].EnvelopeID, recs[2].EnvelopeID)
	}
}

func TestStore_Append_PersistsErrorAndSentAt(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sentAt := time.Now().UTC()
	rec := sampleRecord(domain.StatusFailed)
	rec.Error = "provider: number not on whatsapp"
	rec.SentAt = &sentAt
	if _, err := s.Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	recs, err := s.History(ctx, 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if recs[0].Error != "provider: number not on whatsapp" {
		t.Fatalf("error not persisted: %q", recs[0].Error)
	}
	if recs[0].SentAt == nil {
		t.Fatal("sentAt not persisted")
	}
}

// --- Statistics ---

func TestStore_StatsSince(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, sampleRecord(domain.StatusSent)); err != nil {
			t.Fatal(err)
		}
	}
	failed := sampleRecord(domain.StatusFailed)
	if _, err := s.Append(ctx, failed); err != nil {
		t.Fatal(err)
	}
	mail := sampleRecord(domain.StatusSent)
	mail.Channel = "mail"
	mail.Recipient = "user@example.com"
	if _, err := s.Append(ctx, mail); err != nil {
		t.Fatal(err)
	}

	stats, err := s.StatsSince(ctx, 7)
	if err != nil {
		t.Fatalf("StatsSince: %v", err)
	}

	counts := make(map[string]int64)
	for _, st := range stats {
		counts[st.Channel+"/"+string(st.Status)] += st.Count
	}
	if counts["whatsapp/sent"] != 3 {
		t.Fatalf("expected 3 whatsapp/sent, got %d", counts["whatsapp/sent"])
	}
	if counts["whatsapp/failed"] != 1 {
		t.Fatalf("expected 1 whatsapp/failed, got %d", counts["whatsapp/failed"])
	}
	if counts["mail/sent"] != 1 {
		t.Fatalf("expected 1 mail/sent, got %d", counts["mail/sent"])
	}
}

func TestStore_StatsSince_ExcludesOldRecords(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := sampleRecord(domain.StatusSent)
	old.CreatedAt = time.Now().UTC().AddDate(0, 0, -40)
	if _, err := s.Append(ctx, old); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, sampleRecord(domain.StatusSent)); err != nil {
		t.Fatal(err)
	}

	stats, err := s.StatsSince(ctx, 7)
	if err != nil {
		t.Fatalf("StatsSince: %v", err)
	}
	var total int64
	for _, st := range stats {
		total += st.Count
	}
	if total != 1 {
		t.Fatalf("expected only the recent record, got %d", total)
	}
}

// --- Contacts ---

func TestStore_SaveAndListContacts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	contacts := []domain.Contact{
		{ID: "5511999998888@c.us", Name: "Maria", Phone: "+5511999998888"},
		{ID: "5511888887777@c.us", Name: "Ana", Phone: "+5511888887777"},
	}
	if err := s.SaveContacts(ctx, "whatsapp", contacts); err != nil {
		t.Fatalf("SaveContacts: %v", err)
	}

	got, err := s.ListContacts(ctx, "whatsapp")
	if err != nil {
		t.Fatalf("ListContacts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 contacts, got %d", len(got))
	}
	if got[0].Name != "Ana" {
		t.Fatalf("expected name order, got %q first", got[0].Name)
	}
}

func TestStore_SaveContacts_UpsertsExisting(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := []domain.Contact{{ID: "c1", Name: "Old Name", Phone: "+5511999998888"}}
	if err := s.SaveContacts(ctx, "whatsapp", first); err != nil {
		t.Fatal(err)
	}
	second := []domain.Contact{{ID: "c1", Name: "New Name", Phone: "+5511999998888"}}
	if err := s.SaveContacts(ctx, "whatsapp", second); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListContacts(ctx, "whatsapp")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 contact after upsert, got %d", len(got))
	}
	if got[0].Name != "New Name" {
		t.Fatalf("expected updated name, got %q", got[0].Name)
	}
}

func TestStore_ListContacts_ChannelIsolation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveContacts(ctx, "whatsapp", []domain.Contact{{ID: "c1", Name: "A"}}); err != nil {
		t.Fatal(err)
	}
	got, err := s.ListContacts(ctx, "mail")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no contacts for mail channel, got %d", len(got))
	}
}

// --- Connections ---

func TestStore_RecordConnection(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.RecordConnection(ctx, "whatsapp", domain.StateConnected); err != nil {
		t.Fatalf("RecordConnection: %v", err)
	}
	if err := s.RecordConnection(ctx, "whatsapp", domain.StateDisconnected); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordConnection(ctx, "whatsapp", domain.StateConnected); err != nil {
		t.Fatal(err)
	}

	counts, err := s.ConnectionsSince(ctx, 7)
	if err != nil {
		t.Fatalf("ConnectionsSince: %v", err)
	}
	if counts["whatsapp"] != 2 {
		t.Fatalf("expected 2 connected events, got %d", counts["whatsapp"])
	}
}
