package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/smsrelay/internal/testutil/testlog"
)

func entryAt(id string, at time.Time) Entry {
	return Entry{ID: id, Kind: KindSms, ReceivedAt: at, Timestamp: at.UnixMilli(), From: "Alice", Body: "hi " + id}
}

func exerciseStore(t *testing.T, store Store, limit int) {
	t.Helper()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	for i := 0; i < limit+3; i++ {
		if err := store.Append(ctx, entryAt(fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != limit {
		t.Fatalf("expected %d entries, got %d", limit, len(list))
	}
	newest := fmt.Sprintf("m%d", limit+2)
	if list[0].ID != newest {
		t.Fatalf("expected newest first %q, got %q", newest, list[0].ID)
	}
	if _, err := store.Get(ctx, "m0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest trimmed, got %v", err)
	}
	got, err := store.Get(ctx, newest)
	if err != nil || got.Body != "hi "+newest {
		t.Fatalf("get newest: %+v err=%v", got, err)
	}
	if err := store.Delete(ctx, newest); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, newest); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	list, _ = store.List(ctx)
	if len(list) != 0 {
		t.Fatalf("expected empty after clear, got %d", len(list))
	}
	if err := store.Append(ctx, Entry{Kind: KindSms}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid entry error, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testlog.Start(t)
	exerciseStore(t, NewMemory(0), DefaultMemoryLimit)
}

func TestSQLiteStore(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := OpenSQLite(ctx, path, 5)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close() //nolint:errcheck
	exerciseStore(t, store, 5)
}

func TestSQLiteReopenKeepsEntries(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := OpenSQLite(ctx, path, 0)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	call := Entry{ID: "c1", Kind: KindCall, ReceivedAt: time.Now().UTC(), From: "Unknown caller"}
	if err := store.Append(ctx, call); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = OpenSQLite(ctx, path, 0)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer store.Close() //nolint:errcheck
	got, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Kind != KindCall || got.From != "Unknown caller" {
		t.Fatalf("unexpected entry after reopen: %+v", got)
	}
}
