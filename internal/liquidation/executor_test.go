package liquidation

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/account"
	"github.com/atmx/risk-engine/internal/fixed"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/router"
	"github.com/atmx/risk-engine/internal/store"
)

func TestLiquidate_ClosesUnderwaterPortfolio(t *testing.T) {
	e := newEnv(t)
	e.setPrice(instX, n(80))
	addr := e.put("a", longX(50))
	sink := &recordingSink{}

	ev, err := e.executor(e.ledger(), sink, Policy{}).Liquidate(e.ctx, addr, nil)
	require.NoError(t, err)

	assert.Equal(t, addr, ev.Portfolio)
	assert.Equal(t, model.SymbolKey("alice"), ev.User)
	assert.Equal(t, n(-90), ev.PreHealth)
	assert.True(t, ev.PostHealth.IsZero())
	assert.Equal(t, n(-100), ev.RealizedPnL)
	assert.Equal(t, n(100), ev.RealizedLoss)
	assert.Equal(t, []model.ExposureDelta{{Instrument: instX, Delta: n(-10)}}, ev.ExposuresClosed)
	assert.False(t, ev.Partial)
	assert.Equal(t, "keeper-test", ev.Liquidator)
	assert.Equal(t, t0.UTC(), ev.Timestamp)

	assert.Equal(t, 1, sink.len())
	assert.Empty(t, e.portfolio(addr).Exposures)
}

func TestLiquidate_HealthyPortfolioIsNotSubmitted(t *testing.T) {
	e := newEnv(t)
	e.setPrice(instX, n(100))
	addr := e.put("a", longX(50))

	var calls int
	r := routerFunc(func(context.Context, router.Closeout) (*router.Result, error) {
		calls++
		return &router.Result{Accepted: true}, nil
	})

	_, err := e.executor(r, nil, Policy{}).Liquidate(e.ctx, addr, nil)
	assert.ErrorIs(t, err, ErrNotLiquidatable)
	assert.Equal(t, ClassNotLiquidatable, Classify(err))
	assert.Zero(t, calls)
}

func TestLiquidate_ClosedAccountIsNotLiquidatable(t *testing.T) {
	e := newEnv(t)
	e.setPrice(instX, n(80))

	_, err := e.executor(e.ledger(), nil, Policy{}).Liquidate(e.ctx, model.SymbolKey("gone"), nil)
	assert.ErrorIs(t, err, ErrNotLiquidatable)
}

func TestLiquidate_MalformedAccountIsFatal(t *testing.T) {
	e := newEnv(t)
	addr := model.SymbolKey("junk")
	require.NoError(t, e.ms.PutAccount(e.ctx, store.RawAccount{Address: addr, Data: make([]byte, 10)}))

	_, err := e.executor(e.ledger(), nil, Policy{}).Liquidate(e.ctx, addr, nil)
	assert.ErrorIs(t, err, account.ErrMalformed)
	assert.Equal(t, ClassFatal, Classify(err))

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageDecode, se.Stage)
	assert.Equal(t, addr, se.Portfolio)
}

func TestLiquidate_StalePriceIsRetryableWithContext(t *testing.T) {
	e := newEnv(t)
	e.setPrice(instX, n(80))
	addr := e.put("a", longX(50))

	late := func() time.Time { return t0.Add(time.Hour) }
	_, err := e.executor(e.ledger(), nil, Policy{}).WithClock(late).Liquidate(e.ctx, addr, nil)
	assert.Equal(t, ClassRetryable, Classify(err))

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StagePrice, se.Stage)
	assert.Equal(t, instX, se.Instrument)
	assert.Contains(t, err.Error(), addr.String())
}

func TestLiquidate_RouterOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		result *router.Result
		err    error
		class  Class
		target error
	}{
		{"precondition", &router.Result{Reason: router.RejectPrecondition}, nil, ClassRaceLost, ErrRaceLost},
		{"unauthorized", &router.Result{Reason: router.RejectUnauthorized}, nil, ClassFatal, nil},
		{"unpriced", &router.Result{Reason: router.RejectUnpriced}, nil, ClassRetryable, nil},
		{"network", nil, router.ErrNetworkFault, ClassRetryable, router.ErrNetworkFault},
		{"conflict", nil, router.ErrConflict, ClassRetryable, router.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.setPrice(instX, n(80))
			addr := e.put("a", longX(50))
			sink := &recordingSink{}

			r := routerFunc(func(context.Context, router.Closeout) (*router.Result, error) {
				return tt.result, tt.err
			})
			ev, err := e.executor(r, sink, Policy{}).Liquidate(e.ctx, addr, nil)
			assert.Nil(t, ev)
			assert.Equal(t, tt.class, Classify(err))
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
			if tt.result != nil && tt.result.Reason != router.RejectPrecondition {
				var rej *RejectedError
				require.True(t, errors.As(err, &rej))
				assert.Equal(t, tt.result.Reason, rej.Reason)
			}
			assert.Zero(t, sink.len())
		})
	}
}

func TestLiquidate_SecondLiquidatorLosesRace(t *testing.T) {
	e := newEnv(t)
	e.setPrice(instX, n(80))
	addr := e.put("a", longX(50))
	ledger := e.ledger()

	first := e.executor(ledger, nil, Policy{})

	// The second liquidator checks health, then the first one closes the
	// portfolio before the second submission reaches the ledger.
	var firstErr error
	interleaved := routerFunc(func(ctx context.Context, c router.Closeout) (*router.Result, error) {
		_, firstErr = first.Liquidate(ctx, addr, nil)
		return ledger.Submit(ctx, c)
	})
	second := e.executor(interleaved, nil, Policy{})

	_, err := second.Liquidate(e.ctx, addr, nil)
	require.NoError(t, firstErr)
	assert.ErrorIs(t, err, ErrRaceLost)
	assert.True(t, Classify(err).Benign())
	assert.True(t, Classify(err).Retry())

	// Re-entering at the re-fetch step sees the restored portfolio.
	_, err = e.executor(ledger, nil, Policy{}).Liquidate(e.ctx, addr, nil)
	assert.ErrorIs(t, err, ErrNotLiquidatable)
}

func TestLiquidate_ConcurrentLiquidatorsActOnce(t *testing.T) {
	e := newEnv(t)
	e.setPrice(instX, n(80))
	addr := e.put("a", longX(50))
	ledger := e.ledger()
	sink := &recordingSink{}

	const workers = 8
	var ok, benign atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.executor(ledger, sink, Policy{}).Liquidate(context.Background(), addr, nil)
			switch c := Classify(err); {
			case c == ClassOK:
				ok.Add(1)
			case c.Benign():
				benign.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(workers-1), benign.Load())
	assert.Equal(t, 1, sink.len())
}

func TestLiquidate_MaxSizeGivesPartialLiquidation(t *testing.T) {
	e := newEnv(t)
	e.setPrice(instX, n(99))
	addr := e.put("thin", thin())

	maxSize := n(2)
	ev, err := e.executor(e.ledger(), nil, Policy{}).Liquidate(e.ctx, addr, &maxSize)
	require.NoError(t, err)
	assert.True(t, ev.Partial)
	assert.True(t, ev.PostHealth.IsNegative())
	assert.Greater(t, int64(ev.PostHealth), int64(ev.PreHealth))

	// Still liquidatable: a later attempt without a cap restores health.
	ev, err = e.executor(e.ledger(), nil, Policy{}).Liquidate(e.ctx, addr, nil)
	require.NoError(t, err)
	assert.False(t, ev.Partial)
	assert.False(t, ev.PostHealth.IsNegative())
	assert.NotEmpty(t, e.portfolio(addr).Exposures)
}

func TestLiquidate_CancelledBeforeSubmitHasNoEffect(t *testing.T) {
	e := newEnv(t)
	e.setPrice(instX, n(80))
	addr := e.put("a", longX(50))

	var calls int
	r := routerFunc(func(context.Context, router.Closeout) (*router.Result, error) {
		calls++
		return &router.Result{Accepted: true}, nil
	})
	ctx, cancel := context.WithCancel(e.ctx)
	cancel()

	_, err := e.executor(r, nil, Policy{}).Liquidate(ctx, addr, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestLiquidate_UnlistedLiquidatorIsFatal(t *testing.T) {
	e := newEnv(t)
	e.setPrice(instX, n(80))
	addr := e.put("a", longX(50))
	ledger := router.NewLedger(e.ms, e.feed, []string{"someone-else"}).WithClock(clock)

	_, err := e.executor(ledger, nil, Policy{}).Liquidate(e.ctx, addr, nil)
	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, router.RejectUnauthorized, rej.Reason)
	assert.Equal(t, ClassFatal, Classify(err))
}

// laggingStore serves single-account reads from a snapshot taken before
// later writes, as a read-through cache can.
type laggingStore struct {
	*store.MemoryStore
	stale map[model.Key][]byte
}

func (s *laggingStore) GetAccount(_ context.Context, addr model.Key) (*store.RawAccount, error) {
	data, ok := s.stale[addr]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.RawAccount{Address: addr, Data: data}, nil
}

func TestLiquidate_RefetchBypassesStaleCache(t *testing.T) {
	e := newEnv(t)
	e.setPrice(instX, n(80))
	addr := e.put("a", longX(50))

	before, err := e.ms.GetAccount(e.ctx, addr)
	require.NoError(t, err)
	lagging := &laggingStore{MemoryStore: e.ms, stale: map[model.Key][]byte{addr: before.Data}}

	_, err = e.executor(e.ledger(), nil, Policy{}).Liquidate(e.ctx, addr, nil)
	require.NoError(t, err)

	var calls int
	r := routerFunc(func(ctx context.Context, c router.Closeout) (*router.Result, error) {
		calls++
		return e.ledger().Submit(ctx, c)
	})
	exec := NewExecutor(lagging, e.feed, r, ExecutorConfig{Liquidator: "keeper-test"}).WithClock(clock)
	_, err = exec.Liquidate(e.ctx, addr, nil)
	assert.ErrorIs(t, err, ErrNotLiquidatable)
	assert.Zero(t, calls)
}

func TestLiquidate_RealizedLossOverflowIsFatal(t *testing.T) {
	e := newEnv(t)
	e.setPrice(instX, n(80))
	addr := e.put("a", longX(50))
	sink := &recordingSink{}

	r := routerFunc(func(context.Context, router.Closeout) (*router.Result, error) {
		return &router.Result{Accepted: true, RealizedPnL: fixed.FromRaw(math.MinInt64)}, nil
	})
	ev, err := e.executor(r, sink, Policy{}).Liquidate(e.ctx, addr, nil)
	assert.Nil(t, ev)
	assert.ErrorIs(t, err, fixed.ErrOverflow)
	assert.Equal(t, ClassFatal, Classify(err))
	assert.Zero(t, sink.len())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassOK, Classify(nil))
	assert.Equal(t, ClassFatal, Classify(fixed.ErrOverflow))
	assert.Equal(t, ClassFatal, Classify(errors.New("boom")))
	assert.Equal(t, ClassRetryable, Classify(&StageError{Err: ErrUnavailable}))
	assert.False(t, ClassFatal.Retry())
	assert.False(t, ClassRetryable.Benign())
}
