package hub

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/timing"
)

type fakeSender struct {
	id string

	mu   sync.Mutex
	msgs []Message
}

func (f *fakeSender) ID() string { return f.id }

func (f *fakeSender) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSender) received() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.msgs...)
}

func TestSubscribeAndFanOut(t *testing.T) {
	t.Parallel()

	h := New(zerolog.Nop())
	sub := &fakeSender{id: "c1"}
	other := &fakeSender{id: "c2"}
	h.Register(sub)
	h.Register(other)
	if err := h.SubscribeToEvent("c1", "42"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h.ReceiveSessionPatch(context.Background(), "42", timing.SessionStatePatch{EventID: "42"})

	if got := sub.received(); len(got) != 1 || got[0].Method != "ReceiveSessionPatch" {
		t.Fatalf("subscriber did not receive patch: %+v", got)
	}
	if got := other.received(); len(got) != 0 {
		t.Fatalf("non-subscriber must not receive: %+v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	h := New(zerolog.Nop())
	sub := &fakeSender{id: "c1"}
	h.Register(sub)
	if err := h.SubscribeToEvent("c1", "42"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.UnsubscribeFromEvent("c1", "42")

	h.ReceiveCarPatches(context.Background(), "42", []timing.CarPositionPatch{{Number: "12"}})
	if got := sub.received(); len(got) != 0 {
		t.Fatalf("unsubscribed client must not receive: %+v", got)
	}
}

func TestInCarGroupTargeting(t *testing.T) {
	t.Parallel()

	h := New(zerolog.Nop())
	driver := &fakeSender{id: "d1"}
	rival := &fakeSender{id: "d2"}
	h.Register(driver)
	h.Register(rival)
	if err := h.JoinGroup("d1", InCarGroup("42", "12")); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := h.JoinGroup("d2", InCarGroup("42", "7")); err != nil {
		t.Fatalf("join: %v", err)
	}

	h.ReceiveInCarUpdateV2(context.Background(), "42", "12", "payload")

	if got := driver.received(); len(got) != 1 || got[0].Method != "ReceiveInCarUpdateV2" {
		t.Fatalf("targeted car did not receive: %+v", got)
	}
	if got := rival.received(); len(got) != 0 {
		t.Fatalf("other car must not receive: %+v", got)
	}
}

func TestResetReachesBothGroups(t *testing.T) {
	t.Parallel()

	h := New(zerolog.Nop())
	sub := &fakeSender{id: "c1"}
	h.Register(sub)
	if err := h.SubscribeToEvent("c1", "42"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h.ReceiveReset(context.Background(), "42")

	got := sub.received()
	if len(got) != 2 {
		t.Fatalf("reset must reach sub and legacy groups, got %d messages", len(got))
	}
	for _, m := range got {
		if m.Method != "ReceiveReset" {
			t.Fatalf("unexpected method: %s", m.Method)
		}
	}
}

func TestUnregisterLeavesAllGroups(t *testing.T) {
	t.Parallel()

	h := New(zerolog.Nop())
	sub := &fakeSender{id: "c1"}
	h.Register(sub)
	if err := h.SubscribeToEvent("c1", "42"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.Unregister("c1")

	h.ReceiveMessage(context.Background(), "42", "payload")
	if got := sub.received(); len(got) != 0 {
		t.Fatalf("unregistered client must not receive: %+v", got)
	}
}

func TestGroupKeys(t *testing.T) {
	t.Parallel()

	if got := SubGroup("42"); got != "evt42-sub" {
		t.Fatalf("sub group: %q", got)
	}
	if got := LegacyGroup("42"); got != "42" {
		t.Fatalf("legacy group: %q", got)
	}
	if got := InCarGroup("42", "12"); got != "in-car-evt-42-car-12" {
		t.Fatalf("in-car group: %q", got)
	}
}
