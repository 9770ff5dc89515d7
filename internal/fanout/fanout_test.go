package fanout

import (
	"testing"

	"github.com/kestrel-rt/syncore/internal/encoding"
	"github.com/kestrel-rt/syncore/internal/subscription"
)

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

type fakeSink struct {
	acks    []ackCall
	updates []updateCall
}

func (s *fakeSink) SendSubscriptionAck(clientID, subID, entity, entityID string, version int64, data map[string]any, dataHash string) {
	s.acks = append(s.acks, ackCall{clientID, subID, entity, entityID, version, data, dataHash})
}

func (s *fakeSink) SendUpdate(clientID, subID, entity, entityID string, updates map[string]encoding.Update) {
	s.updates = append(s.updates, updateCall{clientID, subID, entity, entityID, updates})
}

func TestSubscribeSendsInitialSnapshot(t *testing.T) {
	sink := &fakeSink{}
	e := New(sink, nil)

	e.Subscribe("c1", "s1", "Post", "1", subscription.AllFields(), 1, map[string]any{"title": "A", "body": "hello"})

	if len(sink.acks) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(sink.acks))
	}
	ack := sink.acks[0]
	if ack.version != 1 || ack.data["title"] != "A" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestSubscribeWithNoCurrentDataSendsNothing(t *testing.T) {
	sink := &fakeSink{}
	e := New(sink, nil)
	e.Subscribe("c1", "s1", "Post", "1", subscription.AllFields(), 0, nil)
	if len(sink.acks) != 0 {
		t.Fatalf("expected no ack for nonexistent entity, got %d", len(sink.acks))
	}
}

func TestBroadcastSendsMinimalUpdateForChangedFieldsOnly(t *testing.T) {
	sink := &fakeSink{}
	e := New(sink, nil)
	e.Subscribe("c1", "s1", "Post", "1", subscription.AllFields(), 1, map[string]any{"title": "A", "body": "hello"})

	e.Broadcast("Post", "1", 2, map[string]any{"title": "A", "body": "world"})

	if len(sink.updates) != 1 {
		t.Fatalf("expected 1 update frame, got %d", len(sink.updates))
	}
	updates := sink.updates[0].updates
	if _, ok := updates["title"]; ok {
		t.Fatalf("expected unchanged field title to be elided, got %+v", updates)
	}
	if _, ok := updates["body"]; !ok {
		t.Fatalf("expected changed field body present, got %+v", updates)
	}
}

func TestBroadcastSendsNothingWhenNoFieldsChanged(t *testing.T) {
	sink := &fakeSink{}
	e := New(sink, nil)
	e.Subscribe("c1", "s1", "Post", "1", subscription.AllFields(), 1, map[string]any{"title": "A"})

	e.Broadcast("Post", "1", 2, map[string]any{"title": "A"})

	if len(sink.updates) != 0 {
		t.Fatalf("expected no update frame for unchanged data, got %d", len(sink.updates))
	}
}

func TestBroadcastFiltersFieldsForPartialSubscription(t *testing.T) {
	sink := &fakeSink{}
	e := New(sink, nil)
	e.Subscribe("c1", "s1", "Post", "1", subscription.SomeFields([]string{"title"}), 1, map[string]any{"title": "A", "body": "hello"})

	e.Broadcast("Post", "1", 2, map[string]any{"title": "B", "body": "world"})

	if len(sink.updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(sink.updates))
	}
	updates := sink.updates[0].updates
	if _, ok := updates["body"]; ok {
		t.Fatalf("expected unsubscribed field body excluded, got %+v", updates)
	}
	if _, ok := updates["title"]; !ok {
		t.Fatalf("expected subscribed field title present, got %+v", updates)
	}
}

func TestBroadcastToMultipleSubscribersOfDifferentEntitiesIsIsolated(t *testing.T) {
	sink := &fakeSink{}
	e := New(sink, nil)
	e.Subscribe("c1", "s1", "Post", "1", subscription.AllFields(), 1, map[string]any{"title": "A"})
	e.Subscribe("c2", "s2", "Post", "2", subscription.AllFields(), 1, map[string]any{"title": "X"})

	e.Broadcast("Post", "1", 2, map[string]any{"title": "B"})

	if len(sink.updates) != 1 || sink.updates[0].clientID != "c1" {
		t.Fatalf("expected update only for Post:1's subscriber, got %+v", sink.updates)
	}
}

func TestUnsubscribeRemovesOnlyThatSubscription(t *testing.T) {
	sink := &fakeSink{}
	e := New(sink, nil)
	e.Subscribe("c1", "s1", "Post", "1", subscription.AllFields(), 1, map[string]any{"title": "A"})
	e.Subscribe("c1", "s2", "Post", "1", subscription.AllFields(), 1, map[string]any{"title": "A"})

	e.Unsubscribe("c1", "s1")
	e.Broadcast("Post", "1", 2, map[string]any{"title": "B"})

	if len(sink.updates) != 1 || sink.updates[0].subID != "s2" {
		t.Fatalf("expected only s2 to still receive updates, got %+v", sink.updates)
	}
}

func TestDisconnectPurgesAllOfClientsSubscriptions(t *testing.T) {
	sink := &fakeSink{}
	e := New(sink, nil)
	e.Subscribe("c1", "s1", "Post", "1", subscription.AllFields(), 1, map[string]any{"title": "A"})
	e.Subscribe("c1", "s2", "User", "9", subscription.AllFields(), 1, map[string]any{"name": "x"})

	e.Disconnect("c1")

	e.Broadcast("Post", "1", 2, map[string]any{"title": "B"})
	e.Broadcast("User", "9", 2, map[string]any{"name": "y"})

	if len(sink.updates) != 0 {
		t.Fatalf("expected no updates after disconnect, got %+v", sink.updates)
	}
}

func TestBroadcastWithNoSubscribersIsNoop(t *testing.T) {
	sink := &fakeSink{}
	e := New(sink, nil)
	e.Broadcast("Post", "404", 1, map[string]any{"title": "ghost"})
	if len(sink.acks) != 0 || len(sink.updates) != 0 {
		t.Fatalf("expected no frames sent for an entity with no subscribers")
	}
}
