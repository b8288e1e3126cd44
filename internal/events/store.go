package events

import (
	"context"

	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/store"
)

// StoreSink appends events to the liquidation history in the store.
type StoreSink struct {
	store store.Store
}

func NewStoreSink(st store.Store) *StoreSink {
	return &StoreSink{store: st}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Publish(ctx context.Context, ev model.LiquidationEvent) error {
	return s.store.InsertLiquidationEvent(ctx, &ev)
}
