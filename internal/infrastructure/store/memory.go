package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps all buckets in process memory. It backs tests and
// single-node setups where durability comes from somewhere else.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemoryStore returns an empty store with the three engine buckets.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: map[string]map[string][]byte{
			BucketAudit:    {},
			BucketVault:    {},
			BucketSessions: {},
		},
	}
}

func (s *MemoryStore) Put(ctx context.Context, bucket, key string, value []byte) error {
	if err := validBucket(bucket); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, len(value))
	copy(buf, value)

	s.mu.Lock()
	s.buckets[bucket][key] = buf
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := validBucket(bucket); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	value, ok := s.buckets[bucket][key]
	s.mu.RUnlock()
	if !ok {
		return nil, NotFoundError{Bucket: bucket, Key: key}
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, nil
}

func (s *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	if err := validBucket(bucket); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.buckets[bucket], key)
	s.mu.Unlock()
	return nil
}

// Scan iterates a snapshot of the bucket in key order, so the callback may
// safely call back into the store.
func (s *MemoryStore) Scan(ctx context.Context, bucket string, fn func(key string, value []byte) error) error {
	if err := validBucket(bucket); err != nil {
		return err
	}

	s.mu.RLock()
	entries := s.buckets[bucket]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	snapshot := make([][]byte, len(keys))
	for i, key := range keys {
		value := entries[key]
		buf := make([]byte, len(value))
		copy(buf, value)
		snapshot[i] = buf
	}
	s.mu.RUnlock()

	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(key, snapshot[i]); err != nil {
			if err == ErrStopScan {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Len reports how many entries a bucket holds, for tests and health output.
func (s *MemoryStore) Len(bucket string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets[bucket])
}
