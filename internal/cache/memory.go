package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the default memory budget for the in-process store (64 MiB).
const defaultMaxCost = 64 << 20

// avgEntrySize is a rough per-entry footprint estimate used to size the
// admission sketch. Token records and risk verdicts are small JSON blobs.
const avgEntrySize = 512

// MemoryStore implements Store with a local ristretto cache. State is
// per-instance: tokens issued by one replica are not visible to another.
// Use the Redis backend when running more than one instance.
//
// Ristretto handles concurrency, TTL expiry, and admission/eviction
// (TinyLFU policy) within a fixed memory budget.
type MemoryStore struct {
	cache *ristretto.Cache[string, []byte]
}

// NewMemoryStore creates an in-process store with the given memory budget
// in bytes. A budget <= 0 uses the 64 MiB default.
func NewMemoryStore(maxCost int64) *MemoryStore {
	if maxCost <= 0 {
		maxCost = defaultMaxCost
	}
	// NumCounters should be ~10x the expected max items so the frequency
	// sketch stays accurate.
	numCounters := (maxCost / avgEntrySize) * 10

	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &MemoryStore{cache: cache}
}

// Get implements Store. Ristretto never returns expired entries.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	return s.cache.Get(key)
}

// Set implements Store. Waits for the write buffer to drain so a value is
// visible to an immediate Get; token issuance is immediately followed by
// validation on the next request.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("memory store: ttl must be positive, got %s", ttl)
	}
	cost := int64(len(key) + len(value))
	if !s.cache.SetWithTTL(key, value, cost, ttl) {
		return fmt.Errorf("memory store: set %s: dropped by admission policy", key)
	}
	s.cache.Wait()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.cache.Del(key)
	s.cache.Wait()
	return nil
}

// Ping implements Store. Always healthy.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.cache.Close()
	return nil
}
