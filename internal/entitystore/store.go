// Package entitystore implements the entity state store (C5): the
// authoritative current-state map for every synced entity, with
// atomic emit (state swap + patch computation + op-log append) and
// per-entity serialization so concurrent emits for different entities
// never contend, while emits for the same entity are strictly
// ordered.
package entitystore

import (
	"sync"

	"github.com/kestrel-rt/syncore/internal/jsonpatch"
	"github.com/kestrel-rt/syncore/internal/oplog"
)

const shardCount = 64

// Store holds the current state of every tracked entity, keyed by
// (entityType, entityId).
type Store struct {
	log     oplog.OpLog
	durable oplog.OpLog
	shards  [shardCount]*shard

	onEmit func(entityType, entityID string, version int64, state map[string]any)
}

type shard struct {
	mu      sync.Mutex
	records map[oplog.EntityKey]*record
}

type record struct {
	version int64
	state   map[string]any
}

// New constructs a Store backed by log, which receives one PatchEntry
// per Emit call.
func New(log oplog.OpLog) *Store {
	s := &Store{log: log}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[oplog.EntityKey]*record)}
	}
	return s
}

// SetOnEmit installs a callback invoked once per Emit, still inside
// the entity's per-shard lock, after the state swap and op-log append
// have both committed (spec §5's "version-advance critical section":
// broadcast must be serialized with the emit that produced the data
// it sends). Wiring fanout.Engine.Broadcast here is what lets a
// subscriber never observe version N+1's data paired with version N's
// broadcast, or vice versa, without fanout importing entitystore or
// entitystore importing fanout.
func (s *Store) SetOnEmit(fn func(entityType, entityID string, version int64, state map[string]any)) {
	s.onEmit = fn
}

// SetDurableLog installs a secondary op-log that every Emit also
// appends to, alongside (not instead of) the primary log passed to
// New. The primary log remains the read path (GetPatchesSince,
// GetLatestPatch); durable is write-only from Store's perspective,
// there for a backend like internal/oplogstore/kafka to make patches
// durable across restarts and replicate them to the rest of the
// fleet. Append runs under the same per-shard lock as the primary
// append, so a durable backend's Append must not block on I/O.
func (s *Store) SetDurableLog(log oplog.OpLog) {
	s.durable = log
}

func (s *Store) shardFor(key oplog.EntityKey) *shard {
	return s.shards[fnv32(key.String())%shardCount]
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// Emit sets the entity's state to nextData, computing and recording
// the patch from its previous state (spec §5: "emit is atomic: the
// state swap, patch computation, and op-log append all happen under
// the entity's lock"). The per-entity lock (one of shardCount stripes,
// selected by hashing the entity key) means concurrent emits for
// different entities never block each other, while emits for the same
// entity are strictly ordered and therefore strictly versioned.
func (s *Store) Emit(entityType, entityID string, nextData map[string]any) oplog.PatchEntry {
	key := oplog.EntityKey{Type: entityType, ID: entityID}
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, existed := sh.records[key]
	if !existed {
		rec = &record{}
		sh.records[key] = rec
	}

	prev := rec.state
	if prev == nil {
		prev = map[string]any{}
	}
	ops := jsonpatch.Diff(prev, nextData)

	rec.version++
	rec.state = deepCloneMap(nextData)

	entry := oplog.PatchEntry{
		EntityKey: key,
		Version:   rec.version,
		Timestamp: nowMillis(),
		Patch:     ops,
		PatchSize: int64(patchSize(ops)),
	}
	s.log.Append(entry)
	if s.durable != nil {
		s.durable.Append(entry)
	}

	if s.onEmit != nil {
		s.onEmit(entityType, entityID, rec.version, rec.state)
	}
	return entry
}

// Delete removes an entity's current record, after which GetState
// reports ok=false — the observable signal the reconnect protocol (C8)
// reads as a "deleted" result. It does not touch the op-log, so
// catch-up for clients already at a retained version prior to the
// delete remains possible right up until getState itself is consulted.
func (s *Store) Delete(entityType, entityID string) {
	key := oplog.EntityKey{Type: entityType, ID: entityID}
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.records, key)
}

// GetState returns the current state and version for an entity.
// ok is false if the entity has never been emitted.
func (s *Store) GetState(entityType, entityID string) (state map[string]any, version int64, ok bool) {
	key := oplog.EntityKey{Type: entityType, ID: entityID}
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, existed := sh.records[key]
	if !existed {
		return nil, 0, false
	}
	return deepCloneMap(rec.state), rec.version, true
}

// GetVersion returns only the current version, for clients checking
// staleness without paying for a state copy.
func (s *Store) GetVersion(entityType, entityID string) (version int64, ok bool) {
	key := oplog.EntityKey{Type: entityType, ID: entityID}
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, existed := sh.records[key]
	if !existed {
		return 0, false
	}
	return rec.version, true
}

// GetLatestPatch returns the patch that produced the entity's current
// version, from the backing op-log.
func (s *Store) GetLatestPatch(entityType, entityID string) (oplog.PatchEntry, bool) {
	key := oplog.EntityKey{Type: entityType, ID: entityID}
	newest, ok := s.log.GetNewestVersion(key)
	if !ok {
		return oplog.PatchEntry{}, false
	}
	entries, ok := s.log.GetSince(key, newest-1)
	if !ok || len(entries) == 0 {
		return oplog.PatchEntry{}, false
	}
	return entries[len(entries)-1], true
}

// GetPatchesSince returns the patches needed to reconstruct the
// entity's current state from fromVersion, or ok=false if that
// version is no longer reconstructible (spec §6's storage-adapter
// interface: "getPatchesSince ... -> [patch] | null").
func (s *Store) GetPatchesSince(entityType, entityID string, fromVersion int64) ([]oplog.PatchEntry, bool) {
	key := oplog.EntityKey{Type: entityType, ID: entityID}
	return s.log.GetSince(key, fromVersion)
}

func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCloneValue(v)
	}
	return out
}

func deepCloneValue(v any) any {
	switch node := v.(type) {
	case map[string]any:
		return deepCloneMap(node)
	case []any:
		out := make([]any, len(node))
		for i, e := range node {
			out[i] = deepCloneValue(e)
		}
		return out
	default:
		return v
	}
}

func patchSize(ops []jsonpatch.Operation) int {
	n := 0
	for _, op := range ops {
		n += len(op.Op) + len(op.Path) + len(op.From) + 32
	}
	return n
}
