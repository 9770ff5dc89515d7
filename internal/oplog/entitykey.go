// Package oplog implements the bounded, per-entity operation log (C4):
// a FIFO history of patches keyed by entity reference and version,
// evicted by age, count, or total memory, used by the reconnect
// protocol (C8) to compute minimal catch-up patches for disconnected
// clients.
package oplog

import "github.com/kestrel-rt/syncore/internal/jsonpatch"

// EntityKey identifies one entity reference, spec §3: pair
// (entityType, entityId).
type EntityKey struct {
	Type string
	ID   string
}

// String renders the "type:id" form used for logging and as a map key
// elsewhere in the core (the struct itself is already a valid,
// allocation-free map key; String is for human-readable output).
func (k EntityKey) String() string {
	return k.Type + ":" + k.ID
}

// PatchEntry is one op-log append: a post-patch version, the RFC 6902
// ops that produced it, and bookkeeping used for eviction.
type PatchEntry struct {
	EntityKey EntityKey
	Version   int64
	Timestamp int64 // unix milliseconds
	Patch     []jsonpatch.Operation
	PatchSize int64 // serialized byte size, used for memory-bound eviction
}
