package studios

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// IdentityStore persists the processor customer reference for a family.
// The row is written exactly once per family; repeated saves return the
// reference that won.
type IdentityStore interface {
	GetCustomerRef(ctx context.Context, studioID, familyID int64) (string, error)
	SaveCustomerRef(ctx context.Context, studioID, familyID int64, customerRef string) (string, error)
}

// ErrIdentityNotFound indicates no billing identity exists yet for the family.
var ErrIdentityNotFound = errors.New("billing identity not found")

type identityStore struct {
	pool *pgxpool.Pool
}

// NewIdentityStore builds the pgx-backed IdentityStore.
func NewIdentityStore(pool *pgxpool.Pool) IdentityStore {
	return &identityStore{pool: pool}
}

func (s *identityStore) GetCustomerRef(ctx context.Context, studioID, familyID int64) (string, error) {
	const query = `SELECT customer_ref FROM billing_identities WHERE studio_id = $1 AND family_id = $2`

	var ref string
	err := s.pool.QueryRow(ctx, query, studioID, familyID).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrIdentityNotFound
		}
		return "", err
	}
	return ref, nil
}

func (s *identityStore) SaveCustomerRef(ctx context.Context, studioID, familyID int64, customerRef string) (string, error) {
	// ON CONFLICT DO NOTHING plus re-read makes concurrent creates converge
	// on a single reference instead of overwriting each other.
	const insert = `
		INSERT INTO billing_identities (studio_id, family_id, customer_ref, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (studio_id, family_id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, insert, studioID, familyID, customerRef); err != nil {
		return "", fmt.Errorf("save billing identity: %w", err)
	}
	return s.GetCustomerRef(ctx, studioID, familyID)
}

// IdentityCache is a read-through Redis cache in front of an IdentityStore.
type IdentityCache struct {
	store IdentityStore
	rdb   *redis.Client
	ttl   time.Duration
}

// NewIdentityCache wraps store with a Redis cache.
func NewIdentityCache(store IdentityStore, rdb *redis.Client, ttl time.Duration) *IdentityCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &IdentityCache{store: store, rdb: rdb, ttl: ttl}
}

func identityKey(studioID, familyID int64) string {
	return fmt.Sprintf("billing:identity:%d:%d", studioID, familyID)
}

// GetCustomerRef returns the cached reference or falls through to the store.
func (c *IdentityCache) GetCustomerRef(ctx context.Context, studioID, familyID int64) (string, error) {
	if c.rdb != nil {
		ref, err := c.rdb.Get(ctx, identityKey(studioID, familyID)).Result()
		if err == nil && ref != "" {
			return ref, nil
		}
	}
	ref, err := c.store.GetCustomerRef(ctx, studioID, familyID)
	if err != nil {
		return "", err
	}
	c.prime(ctx, studioID, familyID, ref)
	return ref, nil
}

// SaveCustomerRef writes through to the store and primes the cache with
// whichever reference the store kept.
func (c *IdentityCache) SaveCustomerRef(ctx context.Context, studioID, familyID int64, customerRef string) (string, error) {
	ref, err := c.store.SaveCustomerRef(ctx, studioID, familyID, customerRef)
	if err != nil {
		return "", err
	}
	c.prime(ctx, studioID, familyID, ref)
	return ref, nil
}

func (c *IdentityCache) prime(ctx context.Context, studioID, familyID int64, ref string) {
	if c.rdb == nil || ref == "" {
		return
	}
	// Cache miss on failure, nothing more.
	_ = c.rdb.Set(ctx, identityKey(studioID, familyID), ref, c.ttl).Err()
}
