// Package events delivers accepted liquidations to history, streams and
// live subscribers.
package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/model"
)

// Sink receives liquidation events.
type Sink interface {
	Publish(ctx context.Context, ev model.LiquidationEvent) error
	Name() string
}

// Multi publishes each event to every sink in order. A failing sink is
// logged and counted; the others still receive the event.
type Multi struct {
	sinks []Sink
}

// NewMulti creates a fan-out over sinks. Nil sinks are ignored.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Name() string { return "multi" }

// Publish returns the joined errors of the failing sinks.
func (m *Multi) Publish(ctx context.Context, ev model.LiquidationEvent) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			metrics.EventPublishFailures.WithLabelValues(s.Name()).Inc()
			slog.Error("failed to publish liquidation event",
				"sink", s.Name(),
				"event_id", ev.ID.String(),
				"portfolio", ev.Portfolio.String(),
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
