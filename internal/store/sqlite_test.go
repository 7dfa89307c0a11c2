package store

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/shopdesk/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "shopdesk.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCredentialStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	creds := NewCredentialStore(s, "main")

	got, err := creds.Load(ctx)
	if err != nil || got != nil {
		t.Fatalf("expected no credentials, got %+v, %v", got, err)
	}

	saved := &domain.Credentials{
		Identity:  "5511999990000:7@s.whatsapp.net",
		Bundle:    []byte(`{"push_name":"Shop"}`),
		UpdatedAt: time.UnixMilli(1700000000123).UTC(),
	}
	if err := creds.Save(ctx, saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err = creds.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Identity != saved.Identity || string(got.Bundle) != string(saved.Bundle) || !got.UpdatedAt.Equal(saved.UpdatedAt) {
		t.Fatalf("loaded %+v, want %+v", got, saved)
	}

	saved.Identity = "5511999990000:9@s.whatsapp.net"
	if err := creds.Save(ctx, saved); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	if got, _ := creds.Load(ctx); got.Identity != saved.Identity {
		t.Fatalf("overwrite lost, got %s", got.Identity)
	}

	if other, _ := NewCredentialStore(s, "secondary").Load(ctx); other != nil {
		t.Fatal("sessions must not share credentials")
	}

	if err := creds.Erase(ctx); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if err := creds.Erase(ctx); err != nil {
		t.Fatalf("second Erase: %v", err)
	}
	if got, _ := creds.Load(ctx); got != nil {
		t.Fatalf("expected erased credentials, got %+v", got)
	}
}

func TestSaveCredentials_RequiresIdentity(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveCredentials(context.Background(), "main", &domain.Credentials{}); err == nil {
		t.Fatal("expected error for empty identity")
	}
}

func TestMessages_RecordAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	msgs := []domain.StoredMessage{
		{CorrespondentID: "a@s.whatsapp.net", Direction: domain.DirectionInbound, Kind: domain.KindText, Text: "oi", DisplayName: "Ana", CreatedAt: base},
		{CorrespondentID: "a@s.whatsapp.net", Direction: domain.DirectionOutbound, Text: "Olá Ana!", GatewayID: "3EB0", CreatedAt: base.Add(time.Second)},
		{CorrespondentID: "b@s.whatsapp.net", Direction: domain.DirectionInbound, Kind: domain.KindList, Text: "sku_1", CreatedAt: base.Add(2 * time.Second)},
	}
	for i := range msgs {
		if err := s.RecordMessage(ctx, &msgs[i]); err != nil {
			t.Fatalf("RecordMessage: %v", err)
		}
		if msgs[i].ID == "" {
			t.Fatal("expected an assigned ID")
		}
	}

	all, err := s.ListMessages(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(all) != 3 || all[0].Text != "sku_1" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	convo, err := s.ListMessages(ctx, "a@s.whatsapp.net", 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(convo) != 2 || convo[0].Direction != domain.DirectionOutbound || convo[0].GatewayID != "3EB0" {
		t.Fatalf("unexpected conversation %+v", convo)
	}
	if convo[1].DisplayName != "Ana" || convo[1].Kind != domain.KindText {
		t.Fatalf("inbound fields lost: %+v", convo[1])
	}

	limited, _ := s.ListMessages(ctx, "", 1)
	if len(limited) != 1 {
		t.Fatalf("limit ignored, got %d rows", len(limited))
	}

	empty, err := s.ListMessages(ctx, "nobody@s.whatsapp.net", 10)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v, %v", empty, err)
	}
}

func TestCleanupMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := domain.StoredMessage{CorrespondentID: "a", Direction: domain.DirectionInbound, Text: "old", CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := domain.StoredMessage{CorrespondentID: "a", Direction: domain.DirectionInbound, Text: "fresh"}
	for _, m := range []*domain.StoredMessage{&old, &fresh} {
		if err := s.RecordMessage(ctx, m); err != nil {
			t.Fatalf("RecordMessage: %v", err)
		}
	}

	deleted, err := s.CleanupMessages(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupMessages: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted %d rows, want 1", deleted)
	}
	left, _ := s.ListMessages(ctx, "", 10)
	if len(left) != 1 || left[0].Text != "fresh" {
		t.Fatalf("unexpected survivors %+v", left)
	}
}

type countingCleaner struct{ calls atomic.Int32 }

func (c *countingCleaner) CleanupMessages(context.Context, time.Duration) (int64, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestRetentionWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &countingCleaner{}
	startRetentionWorker(ctx, c, time.Hour, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for c.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.calls.Load() < 2 {
		t.Fatalf("worker swept %d times, want at least 2", c.calls.Load())
	}

	disabled := &countingCleaner{}
	startRetentionWorker(ctx, disabled, 0, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if disabled.calls.Load() != 0 {
		t.Fatal("disabled worker must not sweep")
	}
}
