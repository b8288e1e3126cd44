package liquidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/account"
	"github.com/atmx/risk-engine/internal/fixed"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/oracle"
	"github.com/atmx/risk-engine/internal/router"
	"github.com/atmx/risk-engine/internal/store"
)

var (
	instX     = model.SymbolKey("X")
	instY     = model.SymbolKey("Y")
	authority = model.SymbolKey("oracle-authority")
	t0        = time.Unix(1_700_000_000, 0)
	clock     = func() time.Time { return t0 }
)

func n(i int64) fixed.Value { return fixed.MustFromInt(i) }

// prices is a map-backed risk.PriceLookup.
type prices map[model.Key]fixed.Value

func (p prices) Price(k model.Key) (fixed.Value, error) {
	v, ok := p[k]
	if !ok {
		return 0, errors.New("no price")
	}
	return v, nil
}

func exposure(inst model.Key, size, entry int64) model.Exposure {
	return model.Exposure{
		Instrument:            inst,
		Size:                  n(size),
		EntryPrice:            n(entry),
		RiskWeightInitial:     fixed.MustParse("0.10"),
		RiskWeightMaintenance: fixed.MustParse("0.05"),
	}
}

// longX is 10 X bought at 90 on 50 collateral: healthy at 100, health -90
// at 80.
func longX(collateral int64) *model.Portfolio {
	return &model.Portfolio{
		User:       model.SymbolKey("alice"),
		Collateral: n(collateral),
		Exposures:  []model.Exposure{exposure(instX, 10, 90)},
	}
}

type env struct {
	t    *testing.T
	ctx  context.Context
	ms   *store.MemoryStore
	feed *oracle.Feed
	tick int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	e := &env{
		t:    t,
		ctx:  context.Background(),
		ms:   ms,
		feed: oracle.NewFeed(ms, oracle.Limits{MaxStaleness: time.Minute, MaxConfidence: n(1)}),
	}
	return e
}

func (e *env) setPrice(inst model.Key, price fixed.Value) {
	e.t.Helper()
	if _, err := e.feed.Get(e.ctx, inst); err != nil {
		_, err = e.feed.Initialize(e.ctx, inst, authority)
		require.NoError(e.t, err)
	}
	// Timestamps strictly increase and stay inside the staleness window.
	e.tick++
	_, err := e.feed.UpdatePrice(e.ctx, authority, inst, price, t0.Unix()-50+e.tick, fixed.Zero)
	require.NoError(e.t, err)
}

func (e *env) put(name string, p *model.Portfolio) model.Key {
	e.t.Helper()
	addr := model.SymbolKey(name)
	data, err := account.EncodePortfolio(p, nil)
	require.NoError(e.t, err)
	require.NoError(e.t, e.ms.PutAccount(e.ctx, store.RawAccount{Address: addr, Data: data}))
	return addr
}

func (e *env) portfolio(addr model.Key) *model.Portfolio {
	e.t.Helper()
	acct, err := e.ms.GetAccount(e.ctx, addr)
	require.NoError(e.t, err)
	p, err := account.DecodePortfolio(addr, acct.Data)
	require.NoError(e.t, err)
	return p
}

func (e *env) ledger() *router.Ledger {
	return router.NewLedger(e.ms, e.feed, nil).WithClock(clock)
}

func (e *env) executor(r router.Router, sink EventSink, pol Policy) *Executor {
	return NewExecutor(e.ms, e.feed, r, ExecutorConfig{
		Policy:     pol,
		Liquidator: "keeper-test",
		Sink:       sink,
	}).WithClock(clock)
}

type routerFunc func(ctx context.Context, c router.Closeout) (*router.Result, error)

func (f routerFunc) Submit(ctx context.Context, c router.Closeout) (*router.Result, error) {
	return f(ctx, c)
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.LiquidationEvent
}

func (s *recordingSink) Publish(_ context.Context, ev model.LiquidationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
