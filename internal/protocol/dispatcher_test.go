package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/kestrel-rt/syncore/internal/encoding"
	"github.com/kestrel-rt/syncore/internal/entitystore"
	"github.com/kestrel-rt/syncore/internal/fanout"
	"github.com/kestrel-rt/syncore/internal/oplog"
	"github.com/kestrel-rt/syncore/internal/subscription"
)

type fakeConn struct {
	frames []any
}

func (c *fakeConn) Send(frame any) error {
	c.frames = append(c.frames, frame)
	return nil
}

type ackCall struct {
	clientID, subID, entity, entityID string
	version                           int64
	data                              map[string]any
	dataHash                         string
}

type updateCall struct {
	clientID, subID, entity, entityID string
	updates                           map[string]encoding.Update
}

type recSink struct {
	acks    []ackCall
	updates []updateCall
}

func (s *recSink) SendSubscriptionAck(clientID, subID, entity, entityID string, version int64, data map[string]any, dataHash string) {
	s.acks = append(s.acks, ackCall{clientID, subID, entity, entityID, version, data, dataHash})
}

func (s *recSink) SendUpdate(clientID, subID, entity, entityID string, updates map[string]encoding.Update) {
	s.updates = append(s.updates, updateCall{clientID, subID, entity, entityID, updates})
}

func newTestDispatcher() (*Dispatcher, *entitystore.Store, *recSink) {
	store := entitystore.New(oplog.NewMemoryOpLog(oplog.DefaultConfig()))
	sink := &recSink{}
	engine := fanout.New(sink, nil)
	store.SetOnEmit(func(entity, entityID string, version int64, state map[string]any) {
		engine.Broadcast(entity, entityID, version, state)
	})
	return NewDispatcher(store, engine, nil), store, sink
}

func TestHandshakeListsRegisteredOperations(t *testing.T) {
	d, _, _ := newTestDispatcher()
	d.RegisterQuery("getUser", func(ctx context.Context, input json.RawMessage) (any, error) { return nil, nil })

	conn := &fakeConn{}
	d.Dispatch(context.Background(), "c1", conn, []byte(`{"type":"handshake","id":"1","protocolVersion":1}`))

	if len(conn.frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(conn.frames))
	}
	ack, ok := conn.frames[0].(HandshakeAck)
	if !ok || len(ack.Queries) != 1 || ack.Queries[0] != "getUser" {
		t.Fatalf("unexpected handshake ack: %+v", conn.frames[0])
	}
}

func TestUnknownMessageTypeReturnsParseError(t *testing.T) {
	d, _, _ := newTestDispatcher()
	conn := &fakeConn{}
	d.Dispatch(context.Background(), "c1", conn, []byte(`{"type":"bogus","id":"1"}`))

	resp, ok := conn.frames[0].(ErrorResponse)
	if !ok || resp.Error.Code != ErrParse {
		t.Fatalf("expected parse_error, got %+v", conn.frames[0])
	}
}

func TestQueryNotFoundReturnsNotFoundError(t *testing.T) {
	d, _, _ := newTestDispatcher()
	conn := &fakeConn{}
	d.Dispatch(context.Background(), "c1", conn, []byte(`{"type":"query","id":"1","name":"missing"}`))

	resp, ok := conn.frames[0].(ErrorResponse)
	if !ok || resp.Error.Code != ErrNotFound {
		t.Fatalf("expected not_found, got %+v", conn.frames[0])
	}
}

func TestQuerySuccessReturnsDataResponse(t *testing.T) {
	d, _, _ := newTestDispatcher()
	d.RegisterQuery("ping", func(ctx context.Context, input json.RawMessage) (any, error) {
		return map[string]any{"pong": true}, nil
	})

	conn := &fakeConn{}
	d.Dispatch(context.Background(), "c1", conn, []byte(`{"type":"query","id":"1","name":"ping"}`))

	resp, ok := conn.frames[0].(DataResponse)
	if !ok || resp.ID != "1" {
		t.Fatalf("expected data response, got %+v", conn.frames[0])
	}
}

func TestQueryHandlerErrorReturnsExecutionError(t *testing.T) {
	d, _, _ := newTestDispatcher()
	d.RegisterQuery("broken", func(ctx context.Context, input json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})

	conn := &fakeConn{}
	d.Dispatch(context.Background(), "c1", conn, []byte(`{"type":"query","id":"1","name":"broken"}`))

	resp, ok := conn.frames[0].(ErrorResponse)
	if !ok || resp.Error.Code != ErrExecution {
		t.Fatalf("expected execution_error, got %+v", conn.frames[0])
	}
}

func TestValidationFailureReturnsValidationError(t *testing.T) {
	d, _, _ := newTestDispatcher()
	d.valid = rejectingValidator{}
	d.RegisterMutation("create", func(ctx context.Context, input json.RawMessage) (any, error) { return nil, nil })

	conn := &fakeConn{}
	d.Dispatch(context.Background(), "c1", conn, []byte(`{"type":"mutation","id":"1","name":"create"}`))

	resp, ok := conn.frames[0].(ErrorResponse)
	if !ok || resp.Error.Code != ErrValidation {
		t.Fatalf("expected validation_error, got %+v", conn.frames[0])
	}
}

type rejectingValidator struct{}

func (rejectingValidator) Validate(_ string, _ []byte) ([]byte, error) {
	return nil, errors.New("bad shape")
}

func TestSubscribeSendsInitialAckThroughSink(t *testing.T) {
	d, store, sink := newTestDispatcher()
	store.Emit("User", "42", map[string]any{"name": "ada"})
	d.RegisterSubscription("watchUser", func(ctx context.Context, input json.RawMessage) (string, string, error) {
		return "User", "42", nil
	})

	conn := &fakeConn{}
	d.Dispatch(context.Background(), "c1", conn, []byte(`{"type":"subscribe","id":"sub1","name":"watchUser"}`))

	if len(sink.acks) != 1 || sink.acks[0].clientID != "c1" || sink.acks[0].subID != "sub1" {
		t.Fatalf("expected one ack through the sink, got %+v", sink.acks)
	}
	if len(conn.frames) != 0 {
		t.Fatalf("expected nothing sent directly through conn for subscribe, got %+v", conn.frames)
	}
}

func TestSubscribeThenBroadcastDeliversMinimalUpdate(t *testing.T) {
	d, store, sink := newTestDispatcher()
	store.Emit("User", "42", map[string]any{"name": "ada", "age": 30.0})
	d.RegisterSubscription("watchUser", func(ctx context.Context, input json.RawMessage) (string, string, error) {
		return "User", "42", nil
	})

	d.Dispatch(context.Background(), "c1", &fakeConn{}, []byte(`{"type":"subscribe","id":"sub1","name":"watchUser"}`))

	store.Emit("User", "42", map[string]any{"name": "ada", "age": 31.0})

	if len(sink.updates) != 1 {
		t.Fatalf("expected one update through the sink, got %d", len(sink.updates))
	}
	if _, ok := sink.updates[0].updates["name"]; ok {
		t.Fatalf("expected unchanged field name to be omitted: %+v", sink.updates[0].updates)
	}
	if _, ok := sink.updates[0].updates["age"]; !ok {
		t.Fatalf("expected changed field age to be present: %+v", sink.updates[0].updates)
	}
}

func TestUnsubscribeStopsFurtherBroadcasts(t *testing.T) {
	d, store, sink := newTestDispatcher()
	store.Emit("User", "42", map[string]any{"name": "ada"})
	d.RegisterSubscription("watchUser", func(ctx context.Context, input json.RawMessage) (string, string, error) {
		return "User", "42", nil
	})

	d.Dispatch(context.Background(), "c1", &fakeConn{}, []byte(`{"type":"subscribe","id":"sub1","name":"watchUser"}`))
	unsubConn := &fakeConn{}
	d.Dispatch(context.Background(), "c1", unsubConn, []byte(`{"type":"unsubscribe","id":"sub1"}`))

	store.Emit("User", "42", map[string]any{"name": "eve"})

	if len(sink.updates) != 0 {
		t.Fatalf("expected no updates after unsubscribe, got %+v", sink.updates)
	}

	if len(unsubConn.frames) != 1 {
		t.Fatalf("expected one frame sent on unsubscribe, got %d", len(unsubConn.frames))
	}
	complete, ok := unsubConn.frames[0].(CompleteFrame)
	if !ok {
		t.Fatalf("expected CompleteFrame, got %T", unsubConn.frames[0])
	}
	if complete.Type != TypeComplete || complete.ID != "sub1" {
		t.Fatalf("unexpected complete frame: %+v", complete)
	}
}

func TestUpdateFieldsNarrowsSubsequentBroadcast(t *testing.T) {
	d, store, sink := newTestDispatcher()
	store.Emit("User", "42", map[string]any{"name": "ada", "age": 30.0})
	d.RegisterSubscription("watchUser", func(ctx context.Context, input json.RawMessage) (string, string, error) {
		return "User", "42", nil
	})

	d.Dispatch(context.Background(), "c1", &fakeConn{}, []byte(`{"type":"subscribe","id":"sub1","name":"watchUser"}`))
	d.Dispatch(context.Background(), "c1", &fakeConn{}, []byte(`{"type":"update_fields","id":"sub1","fields":["name"]}`))

	store.Emit("User", "42", map[string]any{"name": "eve", "age": 99.0})

	last := sink.updates[len(sink.updates)-1]
	if _, ok := last.updates["age"]; ok {
		t.Fatalf("expected age to be excluded after narrowing fields: %+v", last.updates)
	}
	if _, ok := last.updates["name"]; !ok {
		t.Fatalf("expected name to still be included: %+v", last.updates)
	}
}

func TestUpdateFieldsOnUnknownSubscriptionReturnsNotFound(t *testing.T) {
	d, _, _ := newTestDispatcher()
	conn := &fakeConn{}
	d.Dispatch(context.Background(), "c1", conn, []byte(`{"type":"update_fields","id":"nope","fields":["x"]}`))

	resp, ok := conn.frames[0].(ErrorResponse)
	if !ok || resp.Error.Code != ErrNotFound {
		t.Fatalf("expected not_found, got %+v", conn.frames[0])
	}
}

func TestReconnectDeletedEntityReportsDeletedStatus(t *testing.T) {
	d, _, _ := newTestDispatcher()
	conn := &fakeConn{}
	body := []byte(`{"type":"reconnect","reconnectId":"r1","subscriptions":[{"id":"s1","entity":"User","entityId":"missing","version":0}]}`)
	d.Dispatch(context.Background(), "c1", conn, body)

	ack, ok := conn.frames[0].(ReconnectAck)
	if !ok || len(ack.Results) != 1 || ack.Results[0].Status != subscription.StatusDeleted {
		t.Fatalf("expected deleted result, got %+v", conn.frames[0])
	}
}

func TestReconnectCurrentRestoresSubscriptionForFutureBroadcasts(t *testing.T) {
	d, store, sink := newTestDispatcher()
	store.Emit("User", "42", map[string]any{"name": "ada"})

	conn := &fakeConn{}
	body := []byte(`{"type":"reconnect","reconnectId":"r1","subscriptions":[{"id":"s1","entity":"User","entityId":"42","version":1}]}`)
	d.Dispatch(context.Background(), "c1", conn, body)

	ack, ok := conn.frames[0].(ReconnectAck)
	if !ok || ack.Results[0].Status != subscription.StatusCurrent {
		t.Fatalf("expected current result, got %+v", conn.frames[0])
	}

	store.Emit("User", "42", map[string]any{"name": "eve"})
	if len(sink.updates) != 1 {
		t.Fatalf("expected reconnect to restore live broadcast delivery, got %d updates", len(sink.updates))
	}
}

func TestReconnectMalformedFrameReturnsParseError(t *testing.T) {
	d, _, _ := newTestDispatcher()
	conn := &fakeConn{}
	d.Dispatch(context.Background(), "c1", conn, []byte(`{"type":"reconnect", not json`))

	resp, ok := conn.frames[0].(ErrorResponse)
	if !ok || resp.Error.Code != ErrParse {
		t.Fatalf("expected parse_error, got %+v", conn.frames[0])
	}
}
