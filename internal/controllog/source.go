package controllog

import (
	"context"
	"encoding/json"
	"fmt"
)

// CacheReader is the slice of the broker the cache source reads.
type CacheReader interface {
	GetCache(ctx context.Context, key string) (string, bool, error)
}

// CacheSource loads control-log entries from a broker cache key maintained by
// the race-control tooling. The parameter is the cache key.
type CacheSource struct {
	cache CacheReader
}

// NewCacheSource creates a cache-backed control-log source.
func NewCacheSource(cache CacheReader) (*CacheSource, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	return &CacheSource{cache: cache}, nil
}

// Type identifies the source.
func (s *CacheSource) Type() string {
	return "cache"
}

// Load fetches and decodes the entry list. A missing key is an unsuccessful
// load, not an error: the enricher keeps its last known state.
func (s *CacheSource) Load(ctx context.Context, parameter string) (bool, []Entry, error) {
	raw, ok, err := s.cache.GetCache(ctx, parameter)
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return false, nil, fmt.Errorf("decoding control log: %w", err)
	}
	return true, entries, nil
}
