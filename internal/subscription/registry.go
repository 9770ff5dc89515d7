package subscription

import "sync"

// Registry is the client-side subscription registry (C6), indexed by
// subscription id and by entity key.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Subscription
	byEntity map[string]map[string]*Subscription // entityKey -> subId -> sub
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*Subscription),
		byEntity: make(map[string]map[string]*Subscription),
	}
}

// Add stores sub with state pending and a recomputed lastDataHash if
// it already carries LastData (e.g. a subscription restored across a
// reconnect).
func (r *Registry) Add(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub.State = StatePending
	if sub.LastData != nil {
		sub.LastDataHash = HashData(sub.LastData)
	}

	r.byID[sub.ID] = sub
	key := sub.EntityKey()
	bucket, ok := r.byEntity[key]
	if !ok {
		bucket = make(map[string]*Subscription)
		r.byEntity[key] = bucket
	}
	bucket[sub.ID] = sub
}

// UpdateVersion advances a subscription on receipt of an update frame:
// version and data move forward, the hash is recomputed, and pending
// or reconnecting subscriptions are promoted to active.
func (r *Registry) UpdateVersion(id string, version int64, data map[string]any) {
	r.mu.Lock()
	sub, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	sub.Version = version
	if data != nil {
		sub.LastData = data
		sub.LastDataHash = HashData(data)
	}
	if sub.State == StatePending || sub.State == StateReconnecting {
		sub.State = StateActive
	}
	observer := sub.Observer
	r.mu.Unlock()

	if observer != nil {
		notify(func() { observer.Next(data) })
	}
}

// MarkAllReconnecting moves every active subscription to reconnecting,
// called on transport disconnect.
func (r *Registry) MarkAllReconnecting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.byID {
		if sub.State == StateActive {
			sub.State = StateReconnecting
		}
	}
}

// GetAllForReconnect returns the reconnect request payload: one entry
// per subscription currently known to the registry.
func (r *Registry) GetAllForReconnect() []ReconnectSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ReconnectSubscription, 0, len(r.byID))
	for _, sub := range r.byID {
		out = append(out, ReconnectSubscription{
			ID:       sub.ID,
			Entity:   sub.Entity,
			EntityID: sub.EntityID,
			Fields:   sub.Fields,
			Version:  sub.Version,
			DataHash: sub.LastDataHash,
		})
	}
	return out
}

// ProcessReconnectResult applies one reconnect decision to its
// subscription and notifies its observer. Unknown ids are ignored (the
// subscription may have been removed locally via unsubscribe while the
// reconnect round-trip was in flight).
func (r *Registry) ProcessReconnectResult(result ReconnectResult) {
	r.mu.Lock()
	sub, ok := r.byID[result.ID]
	if !ok {
		r.mu.Unlock()
		return
	}

	switch result.Status {
	case StatusCurrent:
		sub.State = StateActive
	case StatusPatched, StatusSnapshot:
		sub.Version = result.Version
		if result.Data != nil {
			sub.LastData = result.Data
			sub.LastDataHash = HashData(result.Data)
		} else if result.DataHash != "" {
			sub.LastDataHash = result.DataHash
		}
		sub.State = StateActive
	case StatusDeleted:
		sub.State = StateActive
		sub.LastData = nil
	case StatusError:
		sub.State = StateError
	}
	observer := sub.Observer
	status := result.Status
	errMsg := result.Error
	r.mu.Unlock()

	if observer == nil {
		return
	}
	switch status {
	case StatusError:
		notify(func() { observer.Error(&ReconnectError{Message: errMsg}) })
	default:
		notify(func() { observer.Next(sub.LastData) })
	}
}

// Clear removes every subscription (e.g. on a deliberate client
// teardown). It does not notify observers.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]*Subscription)
	r.byEntity = make(map[string]map[string]*Subscription)
}

// ClearErrors drops every subscription currently in the error state,
// leaving active/pending/reconnecting subscriptions untouched.
func (r *Registry) ClearErrors() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range r.byID {
		if sub.State != StateError {
			continue
		}
		delete(r.byID, id)
		key := sub.EntityKey()
		if bucket, ok := r.byEntity[key]; ok {
			delete(bucket, id)
			if len(bucket) == 0 {
				delete(r.byEntity, key)
			}
		}
	}
}

// Remove drops a single subscription by id, used on explicit
// unsubscribe. Its observer is sent a completion signal, not an error
// (spec §5: unsubscribe cancels only that subscription's delivery; the
// observer receives Complete, never Error).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	sub, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	key := sub.EntityKey()
	if bucket, ok := r.byEntity[key]; ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(r.byEntity, key)
		}
	}
	observer := sub.Observer
	r.mu.Unlock()

	if observer != nil {
		notify(func() { observer.Complete() })
	}
}

// Get returns the subscription with the given id, if any.
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	return sub, ok
}

// Stats summarizes the registry's subscriptions by state.
type Stats struct {
	Total        int
	Pending      int
	Active       int
	Reconnecting int
	Error        int
}

// GetStats tallies subscriptions by state.
func (r *Registry) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Stats
	s.Total = len(r.byID)
	for _, sub := range r.byID {
		switch sub.State {
		case StatePending:
			s.Pending++
		case StateActive:
			s.Active++
		case StateReconnecting:
			s.Reconnecting++
		case StateError:
			s.Error++
		}
	}
	return s
}

// ReconnectError wraps a server-reported per-subscription reconnect
// failure delivered to an observer's Error method.
type ReconnectError struct {
	Message string
}

func (e *ReconnectError) Error() string { return e.Message }

// notify invokes fn, recovering a panic so a misbehaving observer
// cannot corrupt registry state that was already committed before the
// call (spec §4.6: "observer callbacks throwing do not corrupt
// registry state").
func notify(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
