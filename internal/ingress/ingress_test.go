package ingress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/broker"
	"github.com/gridwire/racetiming/internal/timing"
)

type fakeBroker struct {
	mu       sync.Mutex
	ensured  int
	batches  [][]broker.StreamEntry
	readErrs []error
	acked    []string
	cancel   context.CancelFunc
}

func (f *fakeBroker) EnsureGroup(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	return nil
}

func (f *fakeBroker) ReadGroup(ctx context.Context, _, _, _ string, _ int64, _ time.Duration) ([]broker.StreamEntry, error) {
	f.mu.Lock()
	if len(f.readErrs) > 0 {
		err := f.readErrs[0]
		f.readErrs = f.readErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeBroker) Ack(_ context.Context, _, _ string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	messages []timing.Message
}

func (f *fakeDispatcher) Dispatch(_ context.Context, msg timing.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func newReader(t *testing.T, fb *fakeBroker, fd *fakeDispatcher) *Reader {
	t.Helper()
	r, err := New(Config{
		EventID:    "e1",
		Consumer:   "test-consumer",
		Broker:     fb,
		Dispatcher: fd,
		Logger:     zerolog.Nop(),
		Backoff:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRunDispatchesInBrokerOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fb := &fakeBroker{
		cancel: cancel,
		batches: [][]broker.StreamEntry{
			{
				{ID: "1-0", Fields: map[string]interface{}{"rmonitor-e1-5": "$F,14"}},
				{ID: "2-0", Fields: map[string]interface{}{"flags-e1-999999": "[]"}},
			},
		},
	}
	fd := &fakeDispatcher{}
	r := newReader(t, fb, fd)

	if err := r.Run(ctx); !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run: %v", err)
	}

	if len(fd.messages) != 2 {
		t.Fatalf("messages: %+v", fd.messages)
	}
	first := fd.messages[0]
	if first.Type != timing.TypeRMonitor || first.EventID != "e1" || first.SessionID != "5" {
		t.Fatalf("first message header: %+v", first)
	}
	if string(first.Data) != "$F,14" {
		t.Fatalf("first message data: %q", first.Data)
	}
	if fd.messages[1].Type != timing.TypeFlags || fd.messages[1].SessionID != timing.SessionScopeNone {
		t.Fatalf("second message header: %+v", fd.messages[1])
	}
	if len(fb.acked) != 2 || fb.acked[0] != "1-0" || fb.acked[1] != "2-0" {
		t.Fatalf("acks: %+v", fb.acked)
	}
}

func TestMalformedFieldSkipped(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fb := &fakeBroker{
		cancel: cancel,
		batches: [][]broker.StreamEntry{
			{{ID: "1-0", Fields: map[string]interface{}{
				"too-short":       "dropped",
				"nosuchtype-e1-5": "dropped",
			}}},
		},
	}
	fd := &fakeDispatcher{}
	r := newReader(t, fb, fd)

	_ = r.Run(ctx)

	if len(fd.messages) != 0 {
		t.Fatalf("malformed fields must not dispatch: %+v", fd.messages)
	}
	// The entry is still acked so it cannot wedge the group.
	if len(fb.acked) != 1 {
		t.Fatalf("acks: %+v", fb.acked)
	}
}

func TestTransientErrorBacksOffAndRecovers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fb := &fakeBroker{
		cancel:   cancel,
		readErrs: []error{errors.New("connection reset")},
		batches: [][]broker.StreamEntry{
			{{ID: "1-0", Fields: map[string]interface{}{"multiloop-e1-5": "$H"}}},
		},
	}
	fd := &fakeDispatcher{}
	r := newReader(t, fb, fd)

	_ = r.Run(ctx)

	if len(fd.messages) != 1 {
		t.Fatalf("reader must recover after a transient error: %+v", fd.messages)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.ensured < 2 {
		t.Fatalf("group must be re-ensured after an error, ensured=%d", fb.ensured)
	}
}
