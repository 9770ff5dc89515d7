package reconnect

import (
	"testing"

	"github.com/kestrel-rt/syncore/internal/entitystore"
	"github.com/kestrel-rt/syncore/internal/oplog"
	"github.com/kestrel-rt/syncore/internal/subscription"
)

func TestResolveCurrentWhenVersionMatches(t *testing.T) {
	store := entitystore.New(oplog.NewMemoryOpLog(oplog.DefaultConfig()))
	store.Emit("User", "42", map[string]any{"name": "a"})

	results := Resolve(store, []Request{{ID: "s1", Entity: "User", EntityID: "42", Fields: subscription.AllFields(), Version: 1}})

	if results[0].Status != subscription.StatusCurrent || results[0].Version != 1 {
		t.Fatalf("unexpected result: %+v", results[0])
	}
}

func TestResolveDeletedWhenEntityMissing(t *testing.T) {
	store := entitystore.New(oplog.NewMemoryOpLog(oplog.DefaultConfig()))

	results := Resolve(store, []Request{{ID: "s1", Entity: "User", EntityID: "missing", Version: 0}})

	if results[0].Status != subscription.StatusDeleted {
		t.Fatalf("expected deleted, got %+v", results[0])
	}
}

func TestResolvePatchedWhenHistoryRetained(t *testing.T) {
	store := entitystore.New(oplog.NewMemoryOpLog(oplog.DefaultConfig()))
	for v := 1; v <= 8; v++ {
		store.Emit("User", "42", map[string]any{"n": float64(v)})
	}

	results := Resolve(store, []Request{{ID: "s1", Entity: "User", EntityID: "42", Fields: subscription.AllFields(), Version: 5}})

	r := results[0]
	if r.Status != subscription.StatusPatched || r.Version != 8 || len(r.Patches) != 3 {
		t.Fatalf("expected patched with 3 patch arrays (v6,v7,v8), got %+v", r)
	}
}

func TestResolveSnapshotWhenHistoryEvicted(t *testing.T) {
	cfg := oplog.Config{MaxEntries: 2, MaxAge: 0, MaxMemory: 1 << 30, CleanupInterval: 0}
	store := entitystore.New(oplog.NewMemoryOpLog(cfg))
	for v := 1; v <= 8; v++ {
		store.Emit("User", "42", map[string]any{"n": float64(v)})
	}

	results := Resolve(store, []Request{{ID: "s1", Entity: "User", EntityID: "42", Fields: subscription.AllFields(), Version: 5}})

	r := results[0]
	if r.Status != subscription.StatusSnapshot || r.Version != 8 || r.Data == nil {
		t.Fatalf("expected snapshot fallback, got %+v", r)
	}
}

func TestResolveHashMatchCollapsesToCurrent(t *testing.T) {
	store := entitystore.New(oplog.NewMemoryOpLog(oplog.DefaultConfig()))
	store.Emit("User", "42", map[string]any{"n": 1.0})
	store.Emit("User", "42", map[string]any{"n": 1.0}) // no-op emit, same data, version still advances

	currentData, currentVersion, _ := store.GetState("User", "42")
	hash := subscription.HashData(currentData)

	results := Resolve(store, []Request{{
		ID: "s1", Entity: "User", EntityID: "42", Fields: subscription.AllFields(),
		Version: currentVersion - 1, DataHash: hash,
	}})

	if results[0].Status != subscription.StatusCurrent {
		t.Fatalf("expected hash match to collapse to current, got %+v", results[0])
	}
}

func TestResolveHandlesEachSubscriptionIndependently(t *testing.T) {
	store := entitystore.New(oplog.NewMemoryOpLog(oplog.DefaultConfig()))
	store.Emit("User", "1", map[string]any{"n": 1.0})

	requests := []Request{
		{ID: "ok", Entity: "User", EntityID: "1", Fields: subscription.AllFields(), Version: 1},
		{ID: "also-ok", Entity: "User", EntityID: "2", Version: 0},
	}
	results := Resolve(store, requests)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Status != subscription.StatusCurrent {
		t.Fatalf("expected first request resolved normally, got %+v", results[0])
	}
	if results[1].Status != subscription.StatusDeleted {
		t.Fatalf("expected second request resolved deleted, got %+v", results[1])
	}
}
