package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/risk-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for single-account reads. Writes go to the primary store and
// invalidate the cache. Enumeration and multi-account reads always hit the
// primary so a price snapshot is never assembled from mixed cache ages.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) PutAccount(ctx context.Context, acct RawAccount) error {
	if err := s.primary.PutAccount(ctx, acct); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(acct.Address))
	return nil
}

func (s *CachedStore) CompareAndSwap(ctx context.Context, addr model.Key, prev, next []byte) (bool, error) {
	ok, err := s.primary.CompareAndSwap(ctx, addr, prev, next)
	if err != nil {
		return false, err
	}
	// Invalidate even on a lost swap: our cached copy may be the stale one.
	s.rdb.Del(ctx, accountKey(addr))
	return ok, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, addr model.Key) (*RawAccount, error) {
	data, err := s.rdb.Get(ctx, accountKey(addr)).Bytes()
	if err == nil {
		return &RawAccount{Address: addr, Data: data}, nil
	}

	// Cache miss: read from primary.
	acct, err := s.primary.GetAccount(ctx, addr)
	if err != nil {
		return nil, err
	}

	s.rdb.Set(ctx, accountKey(addr), acct.Data, s.ttl)
	return acct, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccounts(ctx context.Context) ([]RawAccount, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) GetAccounts(ctx context.Context, addrs []model.Key) (map[model.Key][]byte, error) {
	return s.primary.GetAccounts(ctx, addrs)
}

func (s *CachedStore) InsertLiquidationEvent(ctx context.Context, ev *model.LiquidationEvent) error {
	return s.primary.InsertLiquidationEvent(ctx, ev)
}

func (s *CachedStore) ListLiquidationEvents(ctx context.Context, limit int) ([]model.LiquidationEvent, error) {
	return s.primary.ListLiquidationEvents(ctx, limit)
}

// --- Cache helpers ---

func accountKey(addr model.Key) string { return fmt.Sprintf("account:%s", addr) }
