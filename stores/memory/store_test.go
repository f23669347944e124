package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
)

func TestNewStore(t *testing.T) {
	store := NewStore()
	if store == nil {
		t.Fatal("NewStore() returned nil")
	}
	defer store.Close()
}

func TestInsert_Success(t *testing.T) {
	store := NewStore()
	defer store.Close()
	ctx := context.Background()

	id, err := store.Insert(ctx, "items", core.Fields{"title": "Desk"})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	// ULIDs are 26 characters
	if len(id) != 26 {
		t.Errorf("Insert() returned invalid ID length: got %d, want 26", len(id))
	}

	rec, err := store.Get(ctx, "items", id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.Fields["title"] != "Desk" {
		t.Errorf("Get() title mismatch: got %v, want Desk", rec.Fields["title"])
	}
}

func TestInsert_ResolvesServerTimestamp(t *testing.T) {
	store := NewStore()
	defer store.Close()
	fixed := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	id, err := store.Insert(context.Background(), "items", core.Fields{"createdAt": core.ServerTimestamp})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	rec, _ := store.Get(context.Background(), "items", id)
	if got, ok := rec.Fields["createdAt"].(time.Time); !ok || !got.Equal(fixed) {
		t.Errorf("createdAt mismatch: got %v, want %v", rec.Fields["createdAt"], fixed)
	}
}

func TestInsertWithID_Duplicate(t *testing.T) {
	store := NewStore()
	defer store.Close()
	ctx := context.Background()

	if err := store.InsertWithID(ctx, "accounts", "a@x.edu", core.Fields{"n": 1}); err != nil {
		t.Fatalf("InsertWithID() failed: %v", err)
	}
	err := store.InsertWithID(ctx, "accounts", "a@x.edu", core.Fields{"n": 2})
	if !errors.Is(err, core.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	store := NewStore()
	defer store.Close()

	_, err := store.Get(context.Background(), "items", "nonexistent-id")
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMergeUpdate(t *testing.T) {
	store := NewStore()
	defer store.Close()
	ctx := context.Background()

	id, _ := store.Insert(ctx, "items", core.Fields{"title": "Desk", "price": "5"})
	if err := store.MergeUpdate(ctx, "items", id, core.Fields{"title": "Table"}); err != nil {
		t.Fatalf("MergeUpdate() failed: %v", err)
	}

	rec, _ := store.Get(ctx, "items", id)
	if rec.Fields["title"] != "Table" || rec.Fields["price"] != "5" {
		t.Errorf("MergeUpdate() result mismatch: %v", rec.Fields)
	}

	err := store.MergeUpdate(ctx, "items", "missing", core.Fields{"title": "x"})
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	store := NewStore()
	defer store.Close()
	ctx := context.Background()

	id, _ := store.Insert(ctx, "items", core.Fields{"title": "Desk"})
	if err := store.Delete(ctx, "items", id); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := store.Delete(ctx, "items", id); err != nil {
		t.Errorf("second Delete() should succeed, got %v", err)
	}
	if _, err := store.Get(ctx, "items", id); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("record still present after Delete()")
	}
}

func TestSubscribe_ReflectsWrites(t *testing.T) {
	store := NewStore()
	defer store.Close()
	ctx := context.Background()

	snapshots := make(chan []core.Record, 8)
	unsubscribe := store.Subscribe("items", func(records []core.Record, err error) {
		if err == nil {
			snapshots <- records
		}
	})
	defer unsubscribe()

	wait := func() []core.Record {
		select {
		case recs := <-snapshots:
			return recs
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}

	if initial := wait(); len(initial) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d records", len(initial))
	}

	id, _ := store.Insert(ctx, "items", core.Fields{"title": "Desk"})
	recs := wait()
	if len(recs) != 1 || recs[0].ID != id {
		t.Fatalf("snapshot after insert mismatch: %v", recs)
	}

	_ = store.Delete(ctx, "items", id)
	if recs := wait(); len(recs) != 0 {
		t.Fatalf("snapshot after delete should be empty, got %v", recs)
	}
}

func TestCollectionsAreIsolated(t *testing.T) {
	store := NewStore()
	defer store.Close()
	ctx := context.Background()

	id, _ := store.Insert(ctx, "items", core.Fields{"title": "Desk"})
	if _, err := store.Get(ctx, "accounts", id); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("record leaked across collections")
	}

	other := NewStore()
	defer other.Close()
	if _, err := other.Get(ctx, "items", id); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("record leaked across store instances")
	}
}

func TestConcurrentInsert(t *testing.T) {
	store := NewStore()
	defer store.Close()
	ctx := context.Background()

	numGoroutines := 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := make(map[string]bool)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			id, err := store.Insert(ctx, "items", core.Fields{"title": strings.Repeat("x", index+1)})
			if err != nil {
				t.Errorf("Concurrent Insert() failed: %v", err)
				return
			}
			mu.Lock()
			ids[id] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(ids) != numGoroutines {
		t.Errorf("Expected %d unique IDs, got %d", numGoroutines, len(ids))
	}
}
