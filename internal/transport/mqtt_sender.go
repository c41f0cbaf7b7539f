package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Publisher MQTT 发布能力（common/mqtt.Client 满足该接口）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte, timeout time.Duration) error
}

// MQTTSender 发布到 telemetry/{user_id}/readings；QoS>=1 时以 PUBACK 作为确认
type MQTTSender struct {
	publisher   Publisher
	topicPrefix string
	qos         byte
	timeout     time.Duration
	logger      *zap.Logger
}

func NewMQTTSender(publisher Publisher, topicPrefix string, qos byte, timeout time.Duration, logger *zap.Logger) *MQTTSender {
	if topicPrefix == "" {
		topicPrefix = "telemetry"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MQTTSender{
		publisher:   publisher,
		topicPrefix: topicPrefix,
		qos:         qos,
		timeout:     timeout,
		logger:      logger,
	}
}

// Topic 用户的上报 topic
func (s *MQTTSender) Topic(userID string) string {
	return fmt.Sprintf("%s/%s/readings", s.topicPrefix, userID)
}

func (s *MQTTSender) TransmitData(ctx context.Context, payload Payload, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	if err := s.publisher.Publish(s.Topic(userID), s.qos, false, body, timeout); err != nil {
		return networkError(payload.ReadingID, err)
	}

	s.logger.Debug("Published reading",
		zap.String("reading_id", payload.ReadingID),
		zap.String("topic", s.Topic(userID)),
	)
	return nil
}
