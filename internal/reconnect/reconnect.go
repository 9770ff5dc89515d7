// Package reconnect implements the reconnect protocol (C8): given a
// client's last-known version and data hash for each of its
// subscriptions, compute whether the client is current, can be
// patched forward, needs a full snapshot, or has lost its entity to
// deletion.
package reconnect

import (
	"github.com/kestrel-rt/syncore/internal/entitystore"
	"github.com/kestrel-rt/syncore/internal/jsonpatch"
	"github.com/kestrel-rt/syncore/internal/subscription"
)

// Request is one subscription's catch-up claim, taken from the wire
// "reconnect" message's subscriptions array (spec §4.8).
type Request struct {
	ID       string
	Entity   string
	EntityID string
	Fields   subscription.FieldSelector
	Version  int64
	DataHash string // advisory; empty if the client didn't send one
}

// Resolve computes the reconnect decision for every request against
// store, implementing the §4.8 decision tree. A panic while resolving
// one request is recovered and reported as that request's own
// {status: error} result, so one failure never aborts the batch
// (spec §5: "if a per-subscription decision step throws, that
// subscription's result is {status: error...} and others proceed").
func Resolve(store *entitystore.Store, requests []Request) []subscription.ReconnectResult {
	results := make([]subscription.ReconnectResult, len(requests))
	for i, req := range requests {
		results[i] = resolveOne(store, req)
	}
	return results
}

func resolveOne(store *entitystore.Store, req Request) (result subscription.ReconnectResult) {
	defer func() {
		if r := recover(); r != nil {
			result = subscription.ReconnectResult{ID: req.ID, Status: subscription.StatusError, Error: "internal error resolving reconnect"}
		}
	}()

	currentData, currentVersion, ok := store.GetState(req.Entity, req.EntityID)
	if !ok {
		return subscription.ReconnectResult{ID: req.ID, Status: subscription.StatusDeleted, Version: 0}
	}

	filtered := subscription.FilterFields(currentData, req.Fields)

	if req.Version >= currentVersion {
		return subscription.ReconnectResult{ID: req.ID, Status: subscription.StatusCurrent, Version: currentVersion}
	}

	entries, reconstructible := store.GetPatchesSince(req.Entity, req.EntityID, req.Version)
	if reconstructible && len(entries) > 0 {
		if req.DataHash != "" && req.DataHash == subscription.HashData(filtered) {
			// Advisory hash matches current state despite the stale
			// version — collapse to current (spec §4.8, last
			// paragraph) rather than sending a redundant patch set.
			return subscription.ReconnectResult{ID: req.ID, Status: subscription.StatusCurrent, Version: currentVersion}
		}
		patches := make([][]jsonpatch.Operation, len(entries))
		for i, e := range entries {
			patches[i] = e.Patch
		}
		return subscription.ReconnectResult{ID: req.ID, Status: subscription.StatusPatched, Version: currentVersion, Patches: patches}
	}

	return subscription.ReconnectResult{
		ID: req.ID, Status: subscription.StatusSnapshot, Version: currentVersion,
		Data: filtered, DataHash: subscription.HashData(filtered),
	}
}
