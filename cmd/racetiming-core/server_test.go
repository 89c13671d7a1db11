package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/config"
	"github.com/gridwire/racetiming/internal/hub"
)

type fakeSender struct {
	id string

	mu       sync.Mutex
	messages []hub.Message
}

func (f *fakeSender) ID() string { return f.id }

func (f *fakeSender) Send(_ context.Context, msg hub.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeSender) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = m.Method
	}
	return out
}

type fakeSessionRef struct {
	eventID string
}

func (f *fakeSessionRef) SessionRef() (string, string, string) {
	return f.eventID, "5", "Race"
}

type fakeCache struct {
	values map[string]string
}

func (f *fakeCache) GetCache(_ context.Context, key string) (string, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func newTestServer(cache *fakeCache) (*server, *hub.Hub) {
	if cache == nil {
		cache = &fakeCache{}
	}
	h := hub.New(zerolog.Nop())
	srv := newServer(config.Config{EventID: "e1"}, &fakeSessionRef{eventID: "e1"}, h, cache, zerolog.Nop())
	return srv, h
}

func args(values ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		data, _ := json.Marshal(v)
		out[i] = data
	}
	return out
}

func TestSubscribeRoutesEventPushes(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(nil)
	client := &fakeSender{id: "c1"}
	h.Register(client)

	srv.dispatchClient(context.Background(), "c1", clientMessage{
		Method:    "SubscribeToEvent",
		Arguments: args("e1"),
	})
	h.ReceiveReset(context.Background(), "e1")

	got := client.methods()
	if len(got) != 2 {
		t.Fatalf("expected 2 pushes, got %v", got)
	}
	for _, m := range got {
		if m != "ReceiveReset" {
			t.Fatalf("unexpected method %q", m)
		}
	}
}

func TestSubscribeReplaysCachedPayload(t *testing.T) {
	t.Parallel()
	cache := &fakeCache{values: map[string]string{
		"evt-e1-payload": `{"eventId":"e1","cars":[]}`,
	}}
	srv, h := newTestServer(cache)
	client := &fakeSender{id: "c1"}
	h.Register(client)

	srv.dispatchClient(context.Background(), "c1", clientMessage{
		Method:    "SubscribeToEvent",
		Arguments: args("e1"),
	})

	got := client.methods()
	if len(got) != 1 || got[0] != "ReceiveMessage" {
		t.Fatalf("expected one ReceiveMessage replay, got %v", got)
	}
}

func TestUnsubscribeStopsPushes(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(nil)
	client := &fakeSender{id: "c1"}
	h.Register(client)

	srv.dispatchClient(context.Background(), "c1", clientMessage{
		Method:    "SubscribeToEvent",
		Arguments: args("e1"),
	})
	srv.dispatchClient(context.Background(), "c1", clientMessage{
		Method:    "UnsubscribeFromEvent",
		Arguments: args("e1"),
	})
	h.ReceiveReset(context.Background(), "e1")

	if got := client.methods(); len(got) != 0 {
		t.Fatalf("expected no pushes after unsubscribe, got %v", got)
	}
}

func TestJoinGroupReceivesInCarPushes(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(nil)
	client := &fakeSender{id: "c1"}
	h.Register(client)

	srv.dispatchClient(context.Background(), "c1", clientMessage{
		Method:    "JoinGroup",
		Arguments: args(hub.InCarGroup("e1", "12")),
	})
	h.ReceiveInCarUpdateV2(context.Background(), "e1", "12", map[string]string{"number": "12"})
	h.ReceiveInCarUpdateV2(context.Background(), "e1", "7", map[string]string{"number": "7"})

	got := client.methods()
	if len(got) != 1 || got[0] != "ReceiveInCarUpdateV2" {
		t.Fatalf("expected one targeted push, got %v", got)
	}
}

func TestUnknownClientMethodIgnored(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(nil)
	client := &fakeSender{id: "c1"}
	h.Register(client)

	srv.dispatchClient(context.Background(), "c1", clientMessage{
		Method:    "ReverseEngineer",
		Arguments: args("e1"),
	})

	if got := client.methods(); len(got) != 0 {
		t.Fatalf("expected no pushes, got %v", got)
	}
}

func TestReplayFullStatusUsesLiveSession(t *testing.T) {
	t.Parallel()
	cache := &fakeCache{values: map[string]string{
		"evt-e1-payload": `{"eventId":"e1"}`,
	}}
	srv, h := newTestServer(cache)
	client := &fakeSender{id: "c1"}
	h.Register(client)
	if err := h.SubscribeToEvent("c1", "e1"); err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	srv.replayFullStatus(context.Background())

	got := client.methods()
	if len(got) != 1 || got[0] != "ReceiveMessage" {
		t.Fatalf("expected one ReceiveMessage, got %v", got)
	}
}
