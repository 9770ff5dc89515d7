// Package fanout implements the server-side fan-out engine (C7): it
// routes one entity emit to every subscriber of that entity, computing
// a minimal per-client, per-field update via the encoder and isolating
// any single subscriber's failure from the rest of the broadcast.
package fanout

import (
	"sync"

	"github.com/kestrel-rt/syncore/internal/encoding"
	"github.com/kestrel-rt/syncore/internal/subscription"
)

// Sink delivers frames to a connected client. The fan-out engine is
// transport-agnostic: it never touches a socket directly, only a Sink
// implementation does (internal/transport/wsock's adapter, or a test
// double). Sink methods must not block the caller indefinitely — the
// spec requires broadcast to stay non-blocking, so a Sink backed by a
// real connection should apply its own per-client egress queue and
// slow-client policy, the way a transport adapter's send channel does.
type Sink interface {
	SendSubscriptionAck(clientID, subID, entity, entityID string, version int64, data map[string]any, dataHash string)
	SendUpdate(clientID, subID, entity, entityID string, updates map[string]encoding.Update)
}

type entityKey struct {
	entity   string
	entityID string
}

type subKey struct {
	clientID string
	subID    string
}

type subscriberInfo struct {
	clientID string
	subID    string
	entity   string
	entityID string
	fields   subscription.FieldSelector

	lastSentState   map[string]any
	lastSentVersion int64
}

// Engine holds the reverse index from entity to subscriber and the
// per-client mirror of what each client has last been sent (spec
// §4.7: clientState, entitySubscribers, clientFields — folded here
// into one subscriberInfo record per (client, subscription) pair,
// indexed both ways).
type Engine struct {
	sink Sink

	mu           sync.Mutex
	byEntity     map[entityKey]map[subKey]*subscriberInfo
	byClient     map[string]map[subKey]*subscriberInfo
	errorHandler func(clientID, subID string, err error)
}

// New constructs a fan-out engine delivering frames through sink.
// onError, if non-nil, is invoked (outside the engine's lock) whenever
// computing one subscriber's update fails and the engine falls back
// to a full-value snapshot for that subscriber — the spec's
// "internal_error log entry" hook.
func New(sink Sink, onError func(clientID, subID string, err error)) *Engine {
	return &Engine{
		sink:         sink,
		byEntity:     make(map[entityKey]map[subKey]*subscriberInfo),
		byClient:     make(map[string]map[subKey]*subscriberInfo),
		errorHandler: onError,
	}
}

// Subscribe registers (clientId, subId) as a subscriber of
// (entity, entityId) for fields, and immediately sends the initial
// snapshot through the sink (spec data-flow step 4: "Subscribe
// registers the client with the fan-out engine and emits the initial
// snapshot"). currentVersion/currentData is whatever the entity state
// store currently holds; pass currentVersion == 0, currentData == nil
// for an entity that has never been emitted.
func (e *Engine) Subscribe(clientID, subID, entity, entityID string, fields subscription.FieldSelector, currentVersion int64, currentData map[string]any) {
	info := &subscriberInfo{
		clientID: clientID,
		subID:    subID,
		entity:   entity,
		entityID: entityID,
		fields:   fields,
	}

	ek := entityKey{entity: entity, entityID: entityID}
	sk := subKey{clientID: clientID, subID: subID}

	e.mu.Lock()
	bucket, ok := e.byEntity[ek]
	if !ok {
		bucket = make(map[subKey]*subscriberInfo)
		e.byEntity[ek] = bucket
	}
	bucket[sk] = info

	clientBucket, ok := e.byClient[clientID]
	if !ok {
		clientBucket = make(map[subKey]*subscriberInfo)
		e.byClient[clientID] = clientBucket
	}
	clientBucket[sk] = info
	e.mu.Unlock()

	if currentData == nil {
		return
	}
	filtered := subscription.FilterFields(currentData, fields)
	info.lastSentState = filtered
	info.lastSentVersion = currentVersion
	e.sink.SendSubscriptionAck(clientID, subID, entity, entityID, currentVersion, filtered, subscription.HashData(filtered))
}

// Restore re-registers (clientId, subId) as a subscriber of
// (entity, entityId) without sending anything through the sink —
// used when a client reconnects and its subscription set is
// reinstated, since the reconnect_ack frame already carries whatever
// data the client needs for that subscription (spec §4.8). lastState
// seeds the engine's change-detection baseline so the next Broadcast
// only sends fields that actually changed since that point, not a
// full resend of data the reconnect_ack just delivered.
func (e *Engine) Restore(clientID, subID, entity, entityID string, fields subscription.FieldSelector, lastVersion int64, lastState map[string]any) {
	info := &subscriberInfo{
		clientID:        clientID,
		subID:           subID,
		entity:          entity,
		entityID:        entityID,
		fields:          fields,
		lastSentState:   lastState,
		lastSentVersion: lastVersion,
	}

	ek := entityKey{entity: entity, entityID: entityID}
	sk := subKey{clientID: clientID, subID: subID}

	e.mu.Lock()
	defer e.mu.Unlock()

	bucket, ok := e.byEntity[ek]
	if !ok {
		bucket = make(map[subKey]*subscriberInfo)
		e.byEntity[ek] = bucket
	}
	bucket[sk] = info

	clientBucket, ok := e.byClient[clientID]
	if !ok {
		clientBucket = make(map[subKey]*subscriberInfo)
		e.byClient[clientID] = clientBucket
	}
	clientBucket[sk] = info
}

// Unsubscribe removes exactly (clientId, subId), dropping empty
// reverse-index entries.
func (e *Engine) Unsubscribe(clientID, subID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sk := subKey{clientID: clientID, subID: subID}
	clientBucket, ok := e.byClient[clientID]
	if !ok {
		return
	}
	info, ok := clientBucket[sk]
	if !ok {
		return
	}
	delete(clientBucket, sk)
	if len(clientBucket) == 0 {
		delete(e.byClient, clientID)
	}

	ek := entityKey{entity: info.entity, entityID: info.entityID}
	if entityBucket, ok := e.byEntity[ek]; ok {
		delete(entityBucket, sk)
		if len(entityBucket) == 0 {
			delete(e.byEntity, ek)
		}
	}
}

// Disconnect purges every subscription belonging to clientID.
func (e *Engine) Disconnect(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clientBucket, ok := e.byClient[clientID]
	if !ok {
		return
	}
	for sk, info := range clientBucket {
		ek := entityKey{entity: info.entity, entityID: info.entityID}
		if entityBucket, ok := e.byEntity[ek]; ok {
			delete(entityBucket, sk)
			if len(entityBucket) == 0 {
				delete(e.byEntity, ek)
			}
		}
	}
	delete(e.byClient, clientID)
}

// Broadcast routes one entity emit to every current subscriber of
// (entity, entityId). The caller is responsible for serializing
// Broadcast with that entity's emit (spec §5's "version-advance
// critical section") — typically by invoking Broadcast from
// entitystore.Store's OnEmit hook, which already holds the entity's
// per-shard lock.
func (e *Engine) Broadcast(entity, entityID string, version int64, nextData map[string]any) {
	ek := entityKey{entity: entity, entityID: entityID}

	e.mu.Lock()
	bucket, ok := e.byEntity[ek]
	if !ok || len(bucket) == 0 {
		e.mu.Unlock()
		return
	}
	infos := make([]*subscriberInfo, 0, len(bucket))
	for _, info := range bucket {
		infos = append(infos, info)
	}
	e.mu.Unlock()

	for _, info := range infos {
		e.broadcastOne(info, version, nextData)
	}
}

func (e *Engine) broadcastOne(info *subscriberInfo, version int64, nextData map[string]any) {
	filtered := subscription.FilterFields(nextData, info.fields)

	if info.lastSentState == nil {
		info.lastSentState = filtered
		info.lastSentVersion = version
		e.sink.SendSubscriptionAck(info.clientID, info.subID, info.entity, info.entityID, version, filtered, subscription.HashData(filtered))
		return
	}

	updates, err := e.computeUpdates(info.lastSentState, filtered)
	if err != nil {
		if e.errorHandler != nil {
			e.errorHandler(info.clientID, info.subID, err)
		}
		updates = valueSnapshot(filtered)
	}
	if len(updates) == 0 {
		info.lastSentState = filtered
		info.lastSentVersion = version
		return
	}

	info.lastSentState = filtered
	info.lastSentVersion = version
	e.sink.SendUpdate(info.clientID, info.subID, info.entity, info.entityID, updates)
}

// computeUpdates diffs prev against next field by field, skipping
// unchanged fields, per spec §4.7 step 3. It never returns an error
// today (Encode is total) but keeps the return shape for symmetry with
// a future encoder that can fail on pathological input, and so a
// recovered panic from Encode can be surfaced the same way any other
// per-subscriber failure is.
func (e *Engine) computeUpdates(prev, next map[string]any) (updates map[string]encoding.Update, err error) {
	defer func() {
		if r := recover(); r != nil {
			updates = nil
			err = &ComputeError{Field: "", Cause: r}
		}
	}()

	updates = make(map[string]encoding.Update)
	for field, nv := range next {
		pv, existed := prev[field]
		if existed && encoding.Equal(pv, nv) {
			continue
		}
		updates[field] = encoding.Encode(pv, nv)
	}
	return updates, nil
}

func valueSnapshot(data map[string]any) map[string]encoding.Update {
	updates := make(map[string]encoding.Update, len(data))
	for field, v := range data {
		updates[field] = encoding.Update{Strategy: encoding.StrategyValue, Data: v}
	}
	return updates
}

// ComputeError wraps a panic recovered while computing one
// subscriber's diff, surfaced to errorHandler and replaced with a
// full-value fallback (spec §7: "the frame for that subscriber is
// replaced with a full value snapshot").
type ComputeError struct {
	Field string
	Cause any
}

func (e *ComputeError) Error() string {
	return "fanout: error computing update"
}
