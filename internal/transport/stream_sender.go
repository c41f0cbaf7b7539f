package transport

import (
	"context"
	"encoding/json"
	"fmt"

	rediscommon "watchmyparent-telemetry/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DefaultOutboundStream 默认上报 stream
const DefaultOutboundStream = "telemetry:readings"

// StreamSender 写入 Redis Streams，由下游服务消费；XADD 成功即视为确认
type StreamSender struct {
	redisClient *redis.Client
	stream      string
	logger      *zap.Logger
}

func NewStreamSender(redisClient *redis.Client, stream string, logger *zap.Logger) *StreamSender {
	if stream == "" {
		stream = DefaultOutboundStream
	}
	return &StreamSender{
		redisClient: redisClient,
		stream:      stream,
		logger:      logger,
	}
}

func (s *StreamSender) TransmitData(ctx context.Context, payload Payload, userID string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	id, err := rediscommon.PublishToStream(ctx, s.redisClient, s.stream, map[string]interface{}{
		"data":        string(body),
		"user_id":     userID,
		"reading_id":  payload.ReadingID,
		"sensor_type": payload.SensorType,
	})
	if err != nil {
		return networkError(payload.ReadingID, fmt.Errorf("failed to publish to stream: %w", err))
	}

	s.logger.Debug("Published reading to stream",
		zap.String("stream", s.stream),
		zap.String("message_id", id),
		zap.String("reading_id", payload.ReadingID),
	)
	return nil
}
