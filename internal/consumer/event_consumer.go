package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rediscommon "watchmyparent-telemetry/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DefaultStream 设备/应用事件流
const DefaultStream = "telemetry:events"

const (
	EventConnectivityRestored = "connectivity.restored"
	EventRetryRequested       = "retry.requested"
	EventAppBackgrounded      = "app.backgrounded"
)

// CycleController 事件触发的上报动作（由 service.RelayService 实现）
type CycleController interface {
	// TriggerCycle 为用户立即执行一次上报周期
	TriggerCycle(ctx context.Context, userID string) error
	// RetryFailed FAILED 重新入队后执行一次周期
	RetryFailed(ctx context.Context, userID string) error
	// CancelCycle 取消用户正在进行的周期，返回是否有周期被取消
	CancelCycle(userID string) bool
}

// EventConsumer 事件消费者
type EventConsumer struct {
	redisClient  *redis.Client
	controller   CycleController
	logger       *zap.Logger
	stream       string
	groupName    string
	consumerName string
	batchSize    int64
	block        time.Duration
}

// DeviceEvent 设备/应用事件
type DeviceEvent struct {
	EventType string `json:"event_type"`
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewEventConsumer 创建事件消费者
func NewEventConsumer(
	redisClient *redis.Client,
	controller CycleController,
	logger *zap.Logger,
	stream string,
	groupName string,
	consumerName string,
	batchSize int64,
) *EventConsumer {
	if stream == "" {
		stream = DefaultStream
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &EventConsumer{
		redisClient:  redisClient,
		controller:   controller,
		logger:       logger,
		stream:       stream,
		groupName:    groupName,
		consumerName: consumerName,
		batchSize:    batchSize,
		block:        2 * time.Second,
	}
}

// Start 启动事件消费者，阻塞直到 ctx 取消
func (c *EventConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.groupName); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Event consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.groupName),
		zap.String("consumer_name", c.consumerName),
	)

	// 消费事件（带指数退避）
	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if _, err := c.ConsumeOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("Failed to consume events",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
			} else {
				backoffDuration = time.Second
			}
		}
	}
}

// ConsumeOnce 读取并处理一批事件，返回处理成功的条数
func (c *EventConsumer) ConsumeOnce(ctx context.Context) (int, error) {
	messages, err := rediscommon.ReadFromStream(
		ctx,
		c.redisClient,
		c.stream,
		c.groupName,
		c.consumerName,
		c.batchSize,
		c.block,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to read from stream: %w", err)
	}

	handled := 0
	for _, msg := range messages {
		if err := c.processEvent(ctx, msg); err != nil {
			c.logger.Error("Failed to process event",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			// 未确认的消息留在 PEL 中
			continue
		}
		handled++
		if err := rediscommon.Ack(ctx, c.redisClient, c.stream, c.groupName, msg.ID); err != nil {
			c.logger.Warn("Failed to ack message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
	return handled, nil
}

func (c *EventConsumer) processEvent(ctx context.Context, msg rediscommon.StreamMessage) error {
	event, err := parseEvent(msg)
	if err != nil {
		return fmt.Errorf("failed to parse event: %w", err)
	}

	c.logger.Info("Processing device event",
		zap.String("event_type", event.EventType),
		zap.String("user_id", event.UserID),
	)

	switch event.EventType {
	case EventConnectivityRestored:
		return c.controller.TriggerCycle(ctx, event.UserID)

	case EventRetryRequested:
		return c.controller.RetryFailed(ctx, event.UserID)

	case EventAppBackgrounded:
		if c.controller.CancelCycle(event.UserID) {
			c.logger.Info("Cancelled in-flight cycle",
				zap.String("user_id", event.UserID),
			)
		}
		return nil

	default:
		c.logger.Warn("Unknown event type",
			zap.String("event_type", event.EventType),
		)
		return nil
	}
}

// parseEvent 优先解析 data 字段中的 JSON，否则直接读取字段
func parseEvent(msg rediscommon.StreamMessage) (*DeviceEvent, error) {
	if dataStr, ok := msg.Values["data"].(string); ok {
		var event DeviceEvent
		if err := json.Unmarshal([]byte(dataStr), &event); err == nil && event.EventType != "" {
			if event.UserID == "" {
				return nil, fmt.Errorf("invalid event: missing user_id")
			}
			return &event, nil
		}
	}

	event := &DeviceEvent{}
	if eventType, ok := msg.Values["event_type"].(string); ok {
		event.EventType = eventType
	}
	if userID, ok := msg.Values["user_id"].(string); ok {
		event.UserID = userID
	}
	if deviceID, ok := msg.Values["device_id"].(string); ok {
		event.DeviceID = deviceID
	}

	if event.EventType == "" || event.UserID == "" {
		return nil, fmt.Errorf("invalid event: missing event_type or user_id")
	}
	return event, nil
}
