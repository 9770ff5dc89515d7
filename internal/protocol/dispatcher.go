package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kestrel-rt/syncore/internal/entitystore"
	"github.com/kestrel-rt/syncore/internal/fanout"
	"github.com/kestrel-rt/syncore/internal/reconnect"
	"github.com/kestrel-rt/syncore/internal/subscription"
)

// QueryHandler resolves one named query against its (already validated)
// input. The router/builder DSL that picks a handler by route pattern
// is out of scope (spec's Non-goals); hosts register handlers directly
// by name with Dispatcher.RegisterQuery.
type QueryHandler func(ctx context.Context, input json.RawMessage) (any, error)

// MutationHandler resolves one named mutation the same way a
// QueryHandler resolves a query.
type MutationHandler func(ctx context.Context, input json.RawMessage) (any, error)

// SubscribeResolver turns a subscribe request's name and input into the
// (entity, entityId) pair the fan-out engine should track. It does not
// return data itself — the dispatcher reads current state from the
// entity store once the resolver tells it which entity to watch.
type SubscribeResolver func(ctx context.Context, input json.RawMessage) (entity string, entityID string, err error)

type subMeta struct {
	entity   string
	entityID string
	fields   subscription.FieldSelector
}

// Dispatcher is the C9 message-pump state machine: it classifies
// inbound frames by type and drives queries, mutations, subscriptions,
// unsubscribes, field-set changes, and reconnects against a shared
// entitystore.Store and fanout.Engine. It never touches a socket; Conn
// is its only egress dependency, matching the spec's "only the message
// stream contract matters to the core" framing (§1).
type Dispatcher struct {
	store  *entitystore.Store
	engine *fanout.Engine
	valid  Validator

	queries   map[string]QueryHandler
	mutations map[string]MutationHandler
	subs      map[string]SubscribeResolver

	mu      sync.Mutex
	clients map[string]map[string]subMeta // clientID -> subID -> meta
}

// NewDispatcher constructs a Dispatcher. validator may be nil, in
// which case every operation's input passes through unvalidated
// (NoopValidator).
func NewDispatcher(store *entitystore.Store, engine *fanout.Engine, validator Validator) *Dispatcher {
	if validator == nil {
		validator = NoopValidator{}
	}
	return &Dispatcher{
		store:     store,
		engine:    engine,
		valid:     validator,
		queries:   make(map[string]QueryHandler),
		mutations: make(map[string]MutationHandler),
		subs:      make(map[string]SubscribeResolver),
		clients:   make(map[string]map[string]subMeta),
	}
}

func (d *Dispatcher) RegisterQuery(name string, h QueryHandler)             { d.queries[name] = h }
func (d *Dispatcher) RegisterMutation(name string, h MutationHandler)       { d.mutations[name] = h }
func (d *Dispatcher) RegisterSubscription(name string, r SubscribeResolver) { d.subs[name] = r }

// Dispatch classifies one inbound frame from clientID and drives it to
// completion, sending every response or error through conn. It does
// not recover panics: operation handlers and resolvers run without a
// recover wrapper here, so a panicking handler propagates to the
// caller, because query/mutation/subscribe failures are expected
// to surface as Go errors, not panics — a handler that panics is a host
// bug, not a wire-protocol condition this layer defines behavior for.
func (d *Dispatcher) Dispatch(ctx context.Context, clientID string, conn Conn, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		conn.Send(NewErrorResponse("", ErrParse, "malformed frame"))
		return
	}

	switch env.Type {
	case TypeHandshake:
		d.handleHandshake(conn, raw, env)
	case TypeQuery:
		d.handleQuery(ctx, conn, raw, env)
	case TypeMutation:
		d.handleMutation(ctx, conn, raw, env)
	case TypeSubscribe:
		d.handleSubscribe(ctx, clientID, conn, raw, env)
	case TypeUnsubscribe:
		d.handleUnsubscribe(clientID, conn, raw, env)
	case TypeUpdateFields:
		d.handleUpdateFields(clientID, conn, raw, env)
	case TypeReconnect:
		d.handleReconnect(clientID, conn, raw)
	default:
		conn.Send(NewErrorResponse(env.ID, ErrParse, "unknown message type"))
	}
}

// Disconnect releases clientID's bookkeeping and every live
// subscription it holds, for the host to call once the underlying
// transport connection closes.
func (d *Dispatcher) Disconnect(clientID string) {
	d.engine.Disconnect(clientID)
	d.mu.Lock()
	delete(d.clients, clientID)
	d.mu.Unlock()
}

func (d *Dispatcher) handleHandshake(conn Conn, raw []byte, env Envelope) {
	var req HandshakeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		conn.Send(NewErrorResponse(env.ID, ErrParse, "malformed handshake"))
		return
	}
	conn.Send(HandshakeAck{
		Type:          TypeHandshakeAck,
		ID:            env.ID,
		Version:       req.ProtocolVersion,
		Queries:       names(d.queries),
		Mutations:     namesM(d.mutations),
		Subscriptions: namesS(d.subs),
	})
}

func (d *Dispatcher) handleQuery(ctx context.Context, conn Conn, raw []byte, env Envelope) {
	var req QueryRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		conn.Send(NewErrorResponse(env.ID, ErrParse, "malformed query"))
		return
	}
	handler, ok := d.queries[req.Name]
	if !ok {
		conn.Send(NewErrorResponse(env.ID, ErrNotFound, "no such query: "+req.Name))
		return
	}
	input, err := d.valid.Validate(req.Name, req.Input)
	if err != nil {
		conn.Send(NewErrorResponse(env.ID, ErrValidation, err.Error()))
		return
	}
	data, err := handler(ctx, input)
	if err != nil {
		conn.Send(NewErrorResponse(env.ID, ErrExecution, err.Error()))
		return
	}
	conn.Send(DataResponse{Type: TypeData, ID: env.ID, Data: data})
}

func (d *Dispatcher) handleMutation(ctx context.Context, conn Conn, raw []byte, env Envelope) {
	var req QueryRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		conn.Send(NewErrorResponse(env.ID, ErrParse, "malformed mutation"))
		return
	}
	handler, ok := d.mutations[req.Name]
	if !ok {
		conn.Send(NewErrorResponse(env.ID, ErrNotFound, "no such mutation: "+req.Name))
		return
	}
	input, err := d.valid.Validate(req.Name, req.Input)
	if err != nil {
		conn.Send(NewErrorResponse(env.ID, ErrValidation, err.Error()))
		return
	}
	data, err := handler(ctx, input)
	if err != nil {
		conn.Send(NewErrorResponse(env.ID, ErrExecution, err.Error()))
		return
	}
	conn.Send(DataResponse{Type: TypeData, ID: env.ID, Data: data})
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, clientID string, conn Conn, raw []byte, env Envelope) {
	var req SubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		conn.Send(NewErrorResponse(env.ID, ErrParse, "malformed subscribe"))
		return
	}
	resolver, ok := d.subs[req.Name]
	if !ok {
		conn.Send(NewErrorResponse(env.ID, ErrNotFound, "no such subscription: "+req.Name))
		return
	}
	input, err := d.valid.Validate(req.Name, req.Input)
	if err != nil {
		conn.Send(NewErrorResponse(env.ID, ErrValidation, err.Error()))
		return
	}
	entity, entityID, err := resolver(ctx, input)
	if err != nil {
		conn.Send(NewErrorResponse(env.ID, ErrExecution, err.Error()))
		return
	}

	fields := defaultFields(req.Fields)
	data, version, ok := d.store.GetState(entity, entityID)
	if !ok {
		data = nil
	}
	d.engine.Subscribe(clientID, env.ID, entity, entityID, fields, version, data)
	d.trackSub(clientID, env.ID, entity, entityID, fields)
}

func (d *Dispatcher) handleUnsubscribe(clientID string, conn Conn, raw []byte, env Envelope) {
	var req UnsubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	d.engine.Unsubscribe(clientID, env.ID)
	d.untrackSub(clientID, env.ID)
	conn.Send(CompleteFrame{Type: TypeComplete, ID: env.ID})
}

func (d *Dispatcher) handleUpdateFields(clientID string, conn Conn, raw []byte, env Envelope) {
	var req UpdateFieldsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		conn.Send(NewErrorResponse(env.ID, ErrParse, "malformed update_fields"))
		return
	}

	d.mu.Lock()
	subs, ok := d.clients[clientID]
	var meta subMeta
	if ok {
		meta, ok = subs[env.ID]
	}
	d.mu.Unlock()
	if !ok {
		conn.Send(NewErrorResponse(env.ID, ErrNotFound, "no such subscription: "+env.ID))
		return
	}

	newFields := defaultFields(req.Fields)
	d.engine.Unsubscribe(clientID, env.ID)
	data, version, ok := d.store.GetState(meta.entity, meta.entityID)
	if !ok {
		data = nil
	}
	d.engine.Subscribe(clientID, env.ID, meta.entity, meta.entityID, newFields, version, data)
	d.trackSub(clientID, env.ID, meta.entity, meta.entityID, newFields)
}

// handleReconnect resolves every subscription in a reconnect request
// against current entity state, restores each resolvable one into the
// fan-out engine's live index (so subsequent emits reach it again),
// and replies with one reconnect_ack carrying every result (spec
// §4.8).
func (d *Dispatcher) handleReconnect(clientID string, conn Conn, raw []byte) {
	start := time.Now()

	var req ReconnectRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		conn.Send(NewErrorResponse("", ErrParse, "malformed reconnect"))
		return
	}

	requests := make([]reconnect.Request, len(req.Subscriptions))
	for i, s := range req.Subscriptions {
		requests[i] = reconnect.Request{
			ID:       s.ID,
			Entity:   s.Entity,
			EntityID: s.EntityID,
			Fields:   defaultFields(s.Fields),
			Version:  s.Version,
			DataHash: s.DataHash,
		}
	}
	results := reconnect.Resolve(d.store, requests)

	wire := make([]ReconnectResultWire, len(results))
	for i, r := range results {
		wire[i] = ReconnectResultWire{
			ID:       r.ID,
			Status:   r.Status,
			Version:  r.Version,
			Patches:  r.Patches,
			Data:     r.Data,
			DataHash: r.DataHash,
			Error:    r.Error,
		}

		switch r.Status {
		case subscription.StatusDeleted, subscription.StatusError:
			// Entity is gone, or resolution failed: nothing to
			// restore into the fan-out engine.
			continue
		}

		req := requests[i]
		restoreState := r.Data
		if restoreState == nil {
			if state, _, ok := d.store.GetState(req.Entity, req.EntityID); ok {
				restoreState = subscription.FilterFields(state, req.Fields)
			}
		}
		d.engine.Restore(clientID, req.ID, req.Entity, req.EntityID, req.Fields, r.Version, restoreState)
		d.trackSub(clientID, req.ID, req.Entity, req.EntityID, req.Fields)
	}

	conn.Send(ReconnectAck{
		Type:           TypeReconnectAck,
		Results:        wire,
		ServerTime:     time.Now().UnixMilli(),
		ReconnectID:    req.ReconnectID,
		ProcessingTime: time.Since(start).Milliseconds(),
	})
}

func (d *Dispatcher) trackSub(clientID, subID, entity, entityID string, fields subscription.FieldSelector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs, ok := d.clients[clientID]
	if !ok {
		subs = make(map[string]subMeta)
		d.clients[clientID] = subs
	}
	subs[subID] = subMeta{entity: entity, entityID: entityID, fields: fields}
}

func (d *Dispatcher) untrackSub(clientID, subID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs, ok := d.clients[clientID]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(d.clients, clientID)
	}
}

// defaultFields treats an absent "fields" selector (the wire zero
// value: neither "*" nor an explicit array) as "*", since an omitted
// field list is how a client that wants everything spells it.
func defaultFields(f subscription.FieldSelector) subscription.FieldSelector {
	if !f.All && f.Fields == nil {
		return subscription.AllFields()
	}
	return f
}

func names(m map[string]QueryHandler) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func namesM(m map[string]MutationHandler) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func namesS(m map[string]SubscribeResolver) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
