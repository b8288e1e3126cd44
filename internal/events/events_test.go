package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/fixed"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/store"
)

func sampleEvent() model.LiquidationEvent {
	return model.LiquidationEvent{
		ID:          uuid.New(),
		Portfolio:   model.SymbolKey("portfolio-1"),
		User:        model.SymbolKey("alice"),
		PreHealth:   fixed.MustFromInt(-90),
		PostHealth:  fixed.Zero,
		RealizedPnL: fixed.MustFromInt(-100),
		ExposuresClosed: []model.ExposureDelta{
			{Instrument: model.SymbolKey("X"), Delta: fixed.MustFromInt(-10)},
		},
		RealizedLoss: fixed.MustFromInt(100),
		Liquidator:   "keeper-1",
		Timestamp:    time.Unix(1_700_000_000, 0).UTC(),
	}
}

type funcSink struct {
	name string
	fn   func(model.LiquidationEvent) error
}

func (s funcSink) Name() string { return s.name }

func (s funcSink) Publish(_ context.Context, ev model.LiquidationEvent) error { return s.fn(ev) }

func TestMulti_DeliversToAllDespiteFailures(t *testing.T) {
	var got []string
	boom := errors.New("boom")
	m := NewMulti(
		funcSink{"a", func(model.LiquidationEvent) error { got = append(got, "a"); return boom }},
		nil,
		funcSink{"b", func(model.LiquidationEvent) error { got = append(got, "b"); return nil }},
	)

	err := m.Publish(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, got)

	assert.NoError(t, NewMulti().Publish(context.Background(), sampleEvent()))
}

func TestStoreSink_RecordsHistory(t *testing.T) {
	ms := store.NewMemoryStore()
	ev := sampleEvent()

	require.NoError(t, NewStoreSink(ms).Publish(context.Background(), ev))

	history, err := ms.ListLiquidationEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ev.ID, history[0].ID)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSink_KeysByPortfolio(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaSink{writer: w, topic: "liquidations"}
	ev := sampleEvent()

	require.NoError(t, k.Publish(context.Background(), ev))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, ev.Portfolio.String(), string(msg.Key))
	assert.Equal(t, ev.Timestamp, msg.Time)

	var decoded model.LiquidationEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, ev.PreHealth, decoded.PreHealth)
	assert.Equal(t, ev.ExposuresClosed, decoded.ExposuresClosed)
}

func TestKafkaSink_WrapsWriteErrors(t *testing.T) {
	down := errors.New("broker down")
	k := &KafkaSink{writer: &fakeWriter{err: down}, topic: "liquidations"}
	err := k.Publish(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, down)
	assert.Contains(t, err.Error(), "liquidations")
}

// fakeRedis records XAdd calls; every other command is unimplemented.
type fakeRedis struct {
	redis.Cmdable
	added []*redis.XAddArgs
}

func (f *fakeRedis) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.added = append(f.added, a)
	return redis.NewStringResult("1-0", nil)
}

func TestStreamSink_AppendsEntry(t *testing.T) {
	rdb := &fakeRedis{}
	ev := sampleEvent()

	require.NoError(t, NewStreamSink(rdb, "risk:liquidations", 1000).Publish(context.Background(), ev))
	require.Len(t, rdb.added, 1)

	args := rdb.added[0]
	assert.Equal(t, "risk:liquidations", args.Stream)
	assert.Equal(t, int64(1000), args.MaxLen)
	assert.True(t, args.Approx)

	values := args.Values.(map[string]interface{})
	assert.Equal(t, ev.ID.String(), values["event_id"])
	assert.Equal(t, ev.Portfolio.String(), values["portfolio"])
}
