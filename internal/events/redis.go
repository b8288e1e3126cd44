package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/risk-engine/internal/model"
)

// StreamSink appends events to a Redis stream. MaxLen bounds the stream
// approximately; zero keeps everything.
type StreamSink struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
}

func NewStreamSink(rdb redis.Cmdable, stream string, maxLen int64) *StreamSink {
	return &StreamSink{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Name() string { return "redis_stream" }

func (s *StreamSink) Publish(ctx context.Context, ev model.LiquidationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"event_type": EventType,
			"event_id":   ev.ID.String(),
			"portfolio":  ev.Portfolio.String(),
			"data":       string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis stream %s: %w", s.stream, err)
	}
	return nil
}
