package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/betbot/poskeeper/internal/domain"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(id, symbol string) *domain.PositionRecord {
	return &domain.PositionRecord{
		ID:         id,
		Symbol:     symbol,
		Side:       domain.SideLong,
		Size:       1.5,
		EntryPrice: 50000,
		Leverage:   5,
		Status:     domain.RecordStatusOpen,
		Ownership:  domain.OwnershipSystem,
		UpdatedAt:  time.Now(),
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.CreatePosition(ctx, record("p1", "BTCUSDT")); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetPosition(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Symbol != "BTCUSDT" || got.Size != 1.5 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	// 重复创建拒绝
	if err := s.CreatePosition(ctx, record("p1", "BTCUSDT")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := openStore(t)
	if _, err := s.GetPosition(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpdateUnderLock(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.CreatePosition(ctx, record("p1", "BTCUSDT")); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := s.UpdatePosition(ctx, "p1", func(rec *domain.PositionRecord) {
		rec.Size = 2.0
		rec.ID = "tampered" // 回调不得改键
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetPosition(ctx, "p1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Size != 2.0 {
		t.Fatalf("size: got %.2f, want 2.0", got.Size)
	}
	if got.ID != "p1" {
		t.Fatalf("id must survive callback tampering, got %s", got.ID)
	}
}

func TestStore_CloseKeepsRecord(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.CreatePosition(ctx, record("p1", "BTCUSDT")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.ClosePosition(ctx, "p1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, err := s.GetPosition(ctx, "p1")
	if err != nil {
		t.Fatalf("closed record must remain readable: %v", err)
	}
	if got.Status != domain.RecordStatusClosed {
		t.Fatalf("status: got %s, want closed", got.Status)
	}
}

func TestStore_GetPositionsSorted(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		if err := s.CreatePosition(ctx, record(id, "BTCUSDT")); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	records, err := s.GetPositions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("count: got %d, want 3", len(records))
	}
	for i, want := range []string{"a", "b", "c"} {
		if records[i].ID != want {
			t.Fatalf("order[%d]: got %s, want %s", i, records[i].ID, want)
		}
	}
}
