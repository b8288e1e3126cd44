package store

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/atmx/risk-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[model.Key][]byte
	events   []model.LiquidationEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[model.Key][]byte),
	}
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]RawAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RawAccount, 0, len(s.accounts))
	for addr, data := range s.accounts {
		out = append(out, RawAccount{Address: addr, Data: bytes.Clone(data)})
	}
	// Stable order keeps scans reproducible.
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, addr model.Key) (*RawAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.accounts[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return &RawAccount{Address: addr, Data: bytes.Clone(data)}, nil
}

func (s *MemoryStore) GetAccounts(_ context.Context, addrs []model.Key) (map[model.Key][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[model.Key][]byte, len(addrs))
	for _, addr := range addrs {
		if data, ok := s.accounts[addr]; ok {
			out[addr] = bytes.Clone(data)
		}
	}
	return out, nil
}

func (s *MemoryStore) PutAccount(_ context.Context, acct RawAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.accounts[acct.Address] = bytes.Clone(acct.Data)
	return nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, addr model.Key, prev, next []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.accounts[addr]
	if prev == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(current, prev) {
		return false, nil
	}
	s.accounts[addr] = bytes.Clone(next)
	return true, nil
}

func (s *MemoryStore) InsertLiquidationEvent(_ context.Context, ev *model.LiquidationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ev
	cp.ExposuresClosed = append([]model.ExposureDelta(nil), ev.ExposuresClosed...)
	s.events = append(s.events, cp)
	return nil
}

func (s *MemoryStore) ListLiquidationEvents(_ context.Context, limit int) ([]model.LiquidationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.LiquidationEvent, 0, n)
	for i := len(s.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}
