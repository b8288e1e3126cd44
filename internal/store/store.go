// Package store defines the ledger account interface consumed by the risk
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
//
// Records are opaque byte slices; interpretation happens in package account.
package store

import (
	"context"
	"errors"

	"github.com/atmx/risk-engine/internal/model"
)

// ErrNotFound is returned when an account does not exist.
var ErrNotFound = errors.New("store: account not found")

// RawAccount is one ledger record as stored, before any decoding.
type RawAccount struct {
	Address model.Key `json:"address"`
	Data    []byte    `json:"data"`
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Account reads ---

	// ListAccounts enumerates every account. The set is heterogeneous:
	// callers must check the record kind before decoding.
	ListAccounts(ctx context.Context) ([]RawAccount, error)

	// GetAccount fetches one account by address.
	GetAccount(ctx context.Context, addr model.Key) (*RawAccount, error)

	// GetAccounts fetches several accounts in one consistent read. Missing
	// addresses are absent from the result.
	GetAccounts(ctx context.Context, addrs []model.Key) (map[model.Key][]byte, error)

	// --- Account writes ---

	// PutAccount creates or overwrites an account.
	PutAccount(ctx context.Context, acct RawAccount) error

	// CompareAndSwap replaces the account data with next only if it still
	// equals prev. A nil prev means "must not exist yet".
	CompareAndSwap(ctx context.Context, addr model.Key, prev, next []byte) (bool, error)

	// --- Liquidation history ---

	// InsertLiquidationEvent appends an immutable liquidation record.
	InsertLiquidationEvent(ctx context.Context, ev *model.LiquidationEvent) error

	// ListLiquidationEvents returns the most recent events, newest first.
	ListLiquidationEvents(ctx context.Context, limit int) ([]model.LiquidationEvent, error)
}
