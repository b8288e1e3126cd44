// Package oracle implements the price feed: one authenticated, time-bounded
// price record per instrument, kept as an oracle account in the ledger store.
//
// Records are single-writer (the oracle authority) and multi-reader. Every
// write is a compare-and-swap on the stored bytes, so two concurrent
// updates can never both pass the monotonic-timestamp check.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/risk-engine/internal/account"
	"github.com/atmx/risk-engine/internal/fixed"
	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/store"
)

var (
	ErrUnknownInstrument     = errors.New("oracle: unknown instrument")
	ErrAlreadyInitialized    = errors.New("oracle: instrument already initialized")
	ErrUnauthorized          = errors.New("oracle: caller is not the oracle authority")
	ErrNonMonotonicTimestamp = errors.New("oracle: timestamp is not after the stored timestamp")
	ErrStalePrice            = errors.New("oracle: stale price")
	ErrLowConfidence         = errors.New("oracle: confidence interval too wide")
	ErrInactive              = errors.New("oracle: oracle is inactive")
	ErrInvalidPrice          = errors.New("oracle: price must be positive")
	ErrInvalidConfidence     = errors.New("oracle: confidence must not be negative")

	// ErrContention is returned when an update keeps losing the
	// compare-and-swap race to other writers.
	ErrContention = errors.New("oracle: update contended, retry")
)

// PriceError attaches the instrument to a feed error.
type PriceError struct {
	Instrument model.Key
	Err        error
}

func (e *PriceError) Error() string {
	return fmt.Sprintf("instrument %s: %v", e.Instrument, e.Err)
}

func (e *PriceError) Unwrap() error { return e.Err }

// Limits are the freshness requirements a price must meet before use.
type Limits struct {
	// MaxStaleness is the largest accepted age of a price.
	MaxStaleness time.Duration

	// MaxConfidence is the widest accepted confidence interval.
	MaxConfidence fixed.Value
}

const casAttempts = 5

// Feed reads and writes oracle accounts through a store.
type Feed struct {
	store  store.Store
	limits Limits
}

// NewFeed creates a feed whose snapshots enforce limits.
func NewFeed(st store.Store, limits Limits) *Feed {
	return &Feed{store: st, limits: limits}
}

// Limits returns the feed's default freshness requirements.
func (f *Feed) Limits() Limits { return f.limits }

// Initialize creates the oracle record for instrument, owned by authority.
// The record starts active with no price (timestamp 0), so it reads as
// stale until the first update.
func (f *Feed) Initialize(ctx context.Context, instrument, authority model.Key) (*model.PriceOracle, error) {
	o := &model.PriceOracle{
		Authority:  authority,
		Instrument: instrument,
		Active:     true,
	}
	ok, err := f.store.CompareAndSwap(ctx, account.OracleAddress(instrument), nil, account.EncodeOracle(o))
	if err != nil {
		return nil, &PriceError{Instrument: instrument, Err: err}
	}
	if !ok {
		return nil, &PriceError{Instrument: instrument, Err: ErrAlreadyInitialized}
	}

	slog.Info("oracle initialized",
		"instrument", instrument.String(),
		"authority", authority.String(),
	)
	return o, nil
}

// UpdatePrice overwrites the current price. It fails with ErrUnauthorized
// unless authority owns the oracle and with ErrNonMonotonicTimestamp unless
// timestamp is strictly after the stored one; in both cases the stored
// record is unchanged.
func (f *Feed) UpdatePrice(
	ctx context.Context,
	authority, instrument model.Key,
	price fixed.Value,
	timestamp int64,
	confidence fixed.Value,
) (*model.PriceOracle, error) {
	if !price.IsPositive() {
		return nil, f.reject(instrument, ErrInvalidPrice)
	}
	if confidence.IsNegative() {
		return nil, f.reject(instrument, ErrInvalidConfidence)
	}

	next, err := f.mutate(ctx, instrument, func(cur *model.PriceOracle) error {
		if cur.Authority != authority {
			return ErrUnauthorized
		}
		if timestamp <= cur.Timestamp {
			return fmt.Errorf("%w: %d <= %d", ErrNonMonotonicTimestamp, timestamp, cur.Timestamp)
		}
		cur.Price = price
		cur.Timestamp = timestamp
		cur.Confidence = confidence
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OracleUpdatesTotal.WithLabelValues("ok").Inc()
	slog.Debug("oracle price updated",
		"instrument", instrument.String(),
		"price", price.String(),
		"timestamp", timestamp,
		"confidence", confidence.String(),
	)
	return next, nil
}

// Deactivate marks the oracle inactive. Records are never deleted.
func (f *Feed) Deactivate(ctx context.Context, authority, instrument model.Key) error {
	_, err := f.mutate(ctx, instrument, func(cur *model.PriceOracle) error {
		if cur.Authority != authority {
			return ErrUnauthorized
		}
		cur.Active = false
		return nil
	})
	if err == nil {
		slog.Info("oracle deactivated", "instrument", instrument.String())
	}
	return err
}

// mutate applies fn to the current record and swaps it in, retrying when
// another writer got there first. fn sees a fresh record on every attempt.
func (f *Feed) mutate(ctx context.Context, instrument model.Key, fn func(*model.PriceOracle) error) (*model.PriceOracle, error) {
	addr := account.OracleAddress(instrument)
	for attempt := 0; attempt < casAttempts; attempt++ {
		acct, err := f.store.GetAccount(ctx, addr)
		if errors.Is(err, store.ErrNotFound) {
			return nil, f.reject(instrument, ErrUnknownInstrument)
		}
		if err != nil {
			return nil, &PriceError{Instrument: instrument, Err: err}
		}

		cur, err := account.DecodeOracle(acct.Data)
		if err != nil {
			return nil, f.reject(instrument, err)
		}
		if err := fn(cur); err != nil {
			return nil, f.reject(instrument, err)
		}

		ok, err := f.store.CompareAndSwap(ctx, addr, acct.Data, account.EncodeOracle(cur))
		if err != nil {
			return nil, &PriceError{Instrument: instrument, Err: err}
		}
		if ok {
			return cur, nil
		}
	}
	return nil, f.reject(instrument, ErrContention)
}

func (f *Feed) reject(instrument model.Key, err error) error {
	metrics.OracleUpdatesTotal.WithLabelValues(rejectLabel(err)).Inc()
	return &PriceError{Instrument: instrument, Err: err}
}

func rejectLabel(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNonMonotonicTimestamp):
		return "non_monotonic"
	case errors.Is(err, ErrUnknownInstrument):
		return "unknown_instrument"
	case errors.Is(err, ErrContention):
		return "contention"
	}
	return "invalid"
}

// Get returns the stored oracle record without freshness checks.
func (f *Feed) Get(ctx context.Context, instrument model.Key) (*model.PriceOracle, error) {
	acct, err := f.store.GetAccount(ctx, account.OracleAddress(instrument))
	if errors.Is(err, store.ErrNotFound) {
		return nil, &PriceError{Instrument: instrument, Err: ErrUnknownInstrument}
	}
	if err != nil {
		return nil, &PriceError{Instrument: instrument, Err: err}
	}
	o, err := account.DecodeOracle(acct.Data)
	if err != nil {
		return nil, &PriceError{Instrument: instrument, Err: err}
	}
	return o, nil
}

// GetPrice returns the current price if it is no older than maxStaleness
// at now and its confidence interval is no wider than maxConfidence.
func (f *Feed) GetPrice(
	ctx context.Context,
	instrument model.Key,
	now time.Time,
	maxStaleness time.Duration,
	maxConfidence fixed.Value,
) (fixed.Value, error) {
	o, err := f.Get(ctx, instrument)
	if err != nil {
		return 0, err
	}
	if err := check(o, now, Limits{MaxStaleness: maxStaleness, MaxConfidence: maxConfidence}); err != nil {
		return 0, &PriceError{Instrument: instrument, Err: err}
	}
	return o.Price, nil
}

// Snapshot reads the oracles of the given instruments in one consistent
// store read. Instruments without an oracle are absent from the snapshot
// and fail lookups with ErrUnknownInstrument.
func (f *Feed) Snapshot(ctx context.Context, instruments []model.Key, now time.Time) (*Snapshot, error) {
	addrs := make([]model.Key, len(instruments))
	for i, inst := range instruments {
		addrs[i] = account.OracleAddress(inst)
	}
	raw, err := f.store.GetAccounts(ctx, addrs)
	if err != nil {
		return nil, fmt.Errorf("oracle snapshot: %w", err)
	}

	snap := newSnapshot(now, f.limits)
	for i, inst := range instruments {
		data, ok := raw[addrs[i]]
		if !ok {
			continue
		}
		o, err := account.DecodeOracle(data)
		if err != nil || o.Instrument != inst {
			// A record at an oracle address that is not that instrument's
			// oracle is treated as missing.
			continue
		}
		snap.records[inst] = *o
	}
	return snap, nil
}

// SnapshotAll reads every oracle in one enumeration.
func (f *Feed) SnapshotAll(ctx context.Context, now time.Time) (*Snapshot, error) {
	all, err := f.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("oracle snapshot: %w", err)
	}

	snap := newSnapshot(now, f.limits)
	for _, acct := range all {
		if account.KindOf(acct.Data) != account.KindOracle {
			continue
		}
		o, err := account.DecodeOracle(acct.Data)
		if err != nil || acct.Address != account.OracleAddress(o.Instrument) {
			continue
		}
		snap.records[o.Instrument] = *o
	}
	return snap, nil
}

func check(o *model.PriceOracle, now time.Time, limits Limits) error {
	if !o.Active {
		return ErrInactive
	}
	age := now.Sub(time.Unix(o.Timestamp, 0))
	if age > limits.MaxStaleness {
		return fmt.Errorf("%w: age %s exceeds %s", ErrStalePrice, age.Truncate(time.Second), limits.MaxStaleness)
	}
	if o.Confidence > limits.MaxConfidence {
		return fmt.Errorf("%w: %s exceeds %s", ErrLowConfidence, o.Confidence, limits.MaxConfidence)
	}
	return nil
}
