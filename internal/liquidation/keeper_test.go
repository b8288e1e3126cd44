package liquidation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/router"
)

func TestKeeper_RunOnceLiquidatesWorstFirst(t *testing.T) {
	e := newEnv(t)
	e.setPrice(instX, n(80))
	worst := e.put("a", longX(50))
	second := e.put("b", longX(60))
	e.put("c", longX(1000))
	sink := &recordingSink{}

	k := NewKeeper(
		NewScanner(e.ms, e.feed).WithClock(clock),
		e.executor(e.ledger(), sink, Policy{}),
		KeeperConfig{Concurrency: 2},
	)

	report, err := k.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Candidates)
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, worst, report.Outcomes[0].Portfolio)
	assert.Equal(t, second, report.Outcomes[1].Portfolio)
	assert.Equal(t, 2, report.Count(ClassOK))
	assert.Equal(t, 2, sink.len())

	report, err = k.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Candidates)
}

func TestKeeper_RetriesTransientFailures(t *testing.T) {
	e := newEnv(t)
	e.setPrice(instX, n(80))
	e.put("a", longX(50))
	ledger := e.ledger()

	var calls atomic.Int32
	flaky := routerFunc(func(ctx context.Context, c router.Closeout) (*router.Result, error) {
		if calls.Add(1) == 1 {
			return nil, router.ErrNetworkFault
		}
		return ledger.Submit(ctx, c)
	})

	k := NewKeeper(
		NewScanner(e.ms, e.feed).WithClock(clock),
		e.executor(flaky, nil, Policy{}),
		KeeperConfig{MaxAttempts: 3},
	)
	report, err := k.RunOnce(e.ctx)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, ClassOK, report.Outcomes[0].Class)
	assert.Equal(t, 2, report.Outcomes[0].Attempts)
}

func TestKeeper_StopsOnFatal(t *testing.T) {
	e := newEnv(t)
	e.setPrice(instX, n(80))
	e.put("a", longX(50))

	var calls atomic.Int32
	refusing := routerFunc(func(context.Context, router.Closeout) (*router.Result, error) {
		calls.Add(1)
		return &router.Result{Reason: router.RejectUnauthorized}, nil
	})

	k := NewKeeper(
		NewScanner(e.ms, e.feed).WithClock(clock),
		e.executor(refusing, nil, Policy{}),
		KeeperConfig{MaxAttempts: 5},
	)
	report, err := k.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, ClassFatal, report.Outcomes[0].Class)
	assert.Equal(t, 1, report.Outcomes[0].Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestKeeper_RunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	k := NewKeeper(
		NewScanner(e.ms, e.feed).WithClock(clock),
		e.executor(e.ledger(), nil, Policy{}),
		KeeperConfig{Interval: 10 * time.Millisecond},
	)

	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
}
