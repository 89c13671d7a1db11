package controllog

import (
	"context"
	"errors"
	"testing"
)

type fakeCacheReader struct {
	values map[string]string
	err    error
}

func (f *fakeCacheReader) GetCache(_ context.Context, key string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.values[key]
	return v, ok, nil
}

func TestCacheSourceLoadsEntries(t *testing.T) {
	t.Parallel()
	reader := &fakeCacheReader{values: map[string]string{
		"control-log-e1": `[{"orderId":1,"car1":"12","status":"Penalty","penaltyAction":"drive through"}]`,
	}}
	src, err := NewCacheSource(reader)
	if err != nil {
		t.Fatalf("creating source: %v", err)
	}

	ok, entries, err := src.Load(context.Background(), "control-log-e1")
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if !ok {
		t.Fatal("expected a successful load")
	}
	if len(entries) != 1 || entries[0].Car1 != "12" || entries[0].PenaltyAction != "drive through" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestCacheSourceMissingKeyIsUnsuccessful(t *testing.T) {
	t.Parallel()
	src, err := NewCacheSource(&fakeCacheReader{})
	if err != nil {
		t.Fatalf("creating source: %v", err)
	}

	ok, entries, err := src.Load(context.Background(), "control-log-e1")
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if ok || entries != nil {
		t.Fatalf("expected an unsuccessful load, got ok=%v entries=%v", ok, entries)
	}
}

func TestCacheSourceMalformedPayload(t *testing.T) {
	t.Parallel()
	reader := &fakeCacheReader{values: map[string]string{"k": "not json"}}
	src, err := NewCacheSource(reader)
	if err != nil {
		t.Fatalf("creating source: %v", err)
	}

	ok, _, err := src.Load(context.Background(), "k")
	if err == nil {
		t.Fatal("expected a decode error")
	}
	if ok {
		t.Fatal("malformed payload must not report success")
	}
}

func TestCacheSourceReaderError(t *testing.T) {
	t.Parallel()
	boom := errors.New("broker down")
	src, err := NewCacheSource(&fakeCacheReader{err: boom})
	if err != nil {
		t.Fatalf("creating source: %v", err)
	}

	ok, _, err := src.Load(context.Background(), "k")
	if !errors.Is(err, boom) {
		t.Fatalf("expected the reader error, got %v", err)
	}
	if ok {
		t.Fatal("reader error must not report success")
	}
}
