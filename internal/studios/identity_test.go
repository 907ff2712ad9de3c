package studios

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type memoryIdentityStore struct {
	refs  map[[2]int64]string
	reads int
}

func newMemoryIdentityStore() *memoryIdentityStore {
	return &memoryIdentityStore{refs: make(map[[2]int64]string)}
}

func (s *memoryIdentityStore) GetCustomerRef(ctx context.Context, studioID, familyID int64) (string, error) {
	s.reads++
	ref, ok := s.refs[[2]int64{studioID, familyID}]
	if !ok {
		return "", ErrIdentityNotFound
	}
	return ref, nil
}

func (s *memoryIdentityStore) SaveCustomerRef(ctx context.Context, studioID, familyID int64, customerRef string) (string, error) {
	key := [2]int64{studioID, familyID}
	if existing, ok := s.refs[key]; ok {
		return existing, nil
	}
	s.refs[key] = customerRef
	return customerRef, nil
}

func newTestCache(t *testing.T, store IdentityStore) *IdentityCache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewIdentityCache(store, rdb, time.Minute)
}

func TestIdentityCacheReadThrough(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIdentityStore()
	cache := newTestCache(t, store)

	_, err := cache.GetCustomerRef(ctx, 1, 10)
	require.ErrorIs(t, err, ErrIdentityNotFound)

	_, err = cache.SaveCustomerRef(ctx, 1, 10, "cus_123")
	require.NoError(t, err)

	ref, err := cache.GetCustomerRef(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, "cus_123", ref)

	readsBefore := store.reads
	ref, err = cache.GetCustomerRef(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, "cus_123", ref)
	require.Equal(t, readsBefore, store.reads, "second read should be served from cache")
}

func TestIdentityCacheFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIdentityStore()
	cache := newTestCache(t, store)

	ref, err := cache.SaveCustomerRef(ctx, 1, 10, "cus_first")
	require.NoError(t, err)
	require.Equal(t, "cus_first", ref)

	ref, err = cache.SaveCustomerRef(ctx, 1, 10, "cus_second")
	require.NoError(t, err)
	require.Equal(t, "cus_first", ref, "repeated save must return the reference that won")

	ref, err = cache.GetCustomerRef(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, "cus_first", ref)
}

func TestIdentityCacheWorksWithoutRedis(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIdentityStore()
	cache := NewIdentityCache(store, nil, time.Minute)

	_, err := cache.SaveCustomerRef(ctx, 2, 20, "cus_nored")
	require.NoError(t, err)

	ref, err := cache.GetCustomerRef(ctx, 2, 20)
	require.NoError(t, err)
	require.Equal(t, "cus_nored", ref)
}
