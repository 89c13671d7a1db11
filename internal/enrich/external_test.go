package enrich

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeResolver struct {
	byTransponder map[string]string
}

func (f *fakeResolver) CarNumberForTransponder(tid string) (string, bool) {
	n, ok := f.byTransponder[tid]
	return n, ok
}

type fakeVideoPusher struct {
	mu     sync.Mutex
	pushed map[string][]VideoUpdate
}

func (f *fakeVideoPusher) ReceiveInCarVideoMetadata(_ context.Context, _ string, carNumber string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushed == nil {
		f.pushed = map[string][]VideoUpdate{}
	}
	f.pushed[carNumber] = append(f.pushed[carNumber], payload.(VideoUpdate))
}

type fakeExternalCache struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func (f *fakeExternalCache) SetCache(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = map[string][]byte{}
	}
	f.keys[key] = value.([]byte)
	return nil
}

func (f *fakeExternalCache) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[key]
	return ok
}

func newExternal(t *testing.T) (*External, *fakeVideoPusher, *fakeExternalCache) {
	t.Helper()
	pusher := &fakeVideoPusher{}
	cache := &fakeExternalCache{}
	e, err := NewExternal(ExternalConfig{
		EventID: "evt-1",
		Cars:    &fakeResolver{byTransponder: map[string]string{"7700123": "12"}},
		Hub:     pusher,
		Cache:   cache,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewExternal: %v", err)
	}
	return e, pusher, cache
}

func driverBatch(t *testing.T, updates []DriverUpdate) []byte {
	t.Helper()
	data, err := json.Marshal(updates)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestDriverEventPatchesAndMirrors(t *testing.T) {
	t.Parallel()

	e, _, cache := newExternal(t)
	batch := driverBatch(t, []DriverUpdate{
		{CarNumber: "12", TransponderID: "7700123", DriverName: "A. Driver"},
	})

	patches, err := e.HandleDriverEvent(context.Background(), batch)
	if err != nil {
		t.Fatalf("HandleDriverEvent: %v", err)
	}
	if len(patches) != 1 || patches[0].Number != "12" {
		t.Fatalf("patches: %+v", patches)
	}
	if patches[0].DriverName == nil || *patches[0].DriverName != "A. Driver" {
		t.Fatalf("driver name patch: %+v", patches[0].DriverName)
	}
	if !cache.has("drevtevt-1-car12") || !cache.has("drtrans7700123") {
		t.Fatalf("mirrors missing: %v", cache.keys)
	}
}

func TestDriverRepeatIsSilent(t *testing.T) {
	t.Parallel()

	e, _, _ := newExternal(t)
	batch := driverBatch(t, []DriverUpdate{{CarNumber: "12", DriverName: "A. Driver"}})
	ctx := context.Background()

	if _, err := e.HandleDriverEvent(ctx, batch); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	patches, err := e.HandleDriverEvent(ctx, batch)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if len(patches) != 0 {
		t.Fatalf("unchanged driver must not fan out: %+v", patches)
	}

	// A driver swap fans out again.
	swap := driverBatch(t, []DriverUpdate{{CarNumber: "12", DriverName: "B. Driver"}})
	patches, err = e.HandleDriverEvent(ctx, swap)
	if err != nil {
		t.Fatalf("swap batch: %v", err)
	}
	if len(patches) != 1 {
		t.Fatalf("driver swap must fan out: %+v", patches)
	}
}

func TestDriverTransponderResolvesCar(t *testing.T) {
	t.Parallel()

	e, _, _ := newExternal(t)
	batch := driverBatch(t, []DriverUpdate{
		{TransponderID: "7700123", DriverName: "A. Driver"},
		{TransponderID: "9999999", DriverName: "Ghost"},
	})

	patches, err := e.HandleDriverTransponder(context.Background(), batch)
	if err != nil {
		t.Fatalf("HandleDriverTransponder: %v", err)
	}
	if len(patches) != 1 || patches[0].Number != "12" {
		t.Fatalf("unknown transponder must be skipped, known one resolved: %+v", patches)
	}
}

func TestVideoPushedToInCarGroup(t *testing.T) {
	t.Parallel()

	e, pusher, cache := newExternal(t)
	update := VideoUpdate{TransponderID: "7700123", Destination: "rtmp://cdn/12", IsLive: true}
	data, err := json.Marshal([]VideoUpdate{update})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx := context.Background()

	if err := e.HandleVideo(ctx, data); err != nil {
		t.Fatalf("HandleVideo: %v", err)
	}
	if len(pusher.pushed["12"]) != 1 {
		t.Fatalf("video must reach the resolved car: %+v", pusher.pushed)
	}
	if !cache.has("videoevtevt-1-car12-trans7700123") {
		t.Fatalf("video mirror missing: %v", cache.keys)
	}

	// Identical metadata is not re-pushed; a change is.
	if err := e.HandleVideo(ctx, data); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if len(pusher.pushed["12"]) != 1 {
		t.Fatalf("unchanged video must not re-push: %+v", pusher.pushed)
	}
	update.IsLive = false
	data, _ = json.Marshal([]VideoUpdate{update})
	if err := e.HandleVideo(ctx, data); err != nil {
		t.Fatalf("offline update: %v", err)
	}
	if len(pusher.pushed["12"]) != 2 {
		t.Fatalf("changed video must re-push: %+v", pusher.pushed)
	}
}

func TestExternalResetSession(t *testing.T) {
	t.Parallel()

	e, _, _ := newExternal(t)
	batch := driverBatch(t, []DriverUpdate{{CarNumber: "12", DriverName: "A. Driver"}})
	ctx := context.Background()

	if _, err := e.HandleDriverEvent(ctx, batch); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	e.ResetSession()
	patches, err := e.HandleDriverEvent(ctx, batch)
	if err != nil {
		t.Fatalf("after reset: %v", err)
	}
	if len(patches) != 1 {
		t.Fatalf("reset must clear the change tracker: %+v", patches)
	}
}

func TestExternalMalformedBatch(t *testing.T) {
	t.Parallel()

	e, _, _ := newExternal(t)
	if _, err := e.HandleDriverEvent(context.Background(), []byte("{not json")); err == nil {
		t.Fatal("malformed batch must error")
	}
	if err := e.HandleVideo(context.Background(), []byte("[}")); err == nil {
		t.Fatal("malformed video batch must error")
	}
}
