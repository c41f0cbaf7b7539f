package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter kafka.Writer 的写入能力
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter 以 user_id 为 key 做 hash 分区，保证同一用户的读数有序
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// KafkaSender 上报到 Kafka topic，RequireAll 的 ack 视为确认
type KafkaSender struct {
	writer MessageWriter
	logger *zap.Logger
	now    func() time.Time
}

func NewKafkaSender(writer MessageWriter, logger *zap.Logger) *KafkaSender {
	return &KafkaSender{writer: writer, logger: logger, now: time.Now}
}

func (s *KafkaSender) TransmitData(ctx context.Context, payload Payload, userID string) error {
	msg, err := s.message(payload, userID)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return networkError(payload.ReadingID, fmt.Errorf("failed to write kafka message: %w", err))
	}
	return nil
}

// TransmitBatch 一次写入整批；kafka.WriteErrors 给出逐条结果
func (s *KafkaSender) TransmitBatch(ctx context.Context, payloads []Payload, userID string) ([]error, error) {
	msgs := make([]kafka.Message, 0, len(payloads))
	for _, p := range payloads {
		msg, err := s.message(p, userID)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	results := make([]error, len(payloads))
	err := s.writer.WriteMessages(ctx, msgs...)
	if err == nil {
		return results, nil
	}

	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) && len(writeErrs) == len(payloads) {
		for i, e := range writeErrs {
			if e != nil {
				results[i] = networkError(payloads[i].ReadingID, e)
			}
		}
		s.logger.Warn("Partial kafka batch failure",
			zap.String("user_id", userID),
			zap.Int("failed", writeErrs.Count()),
			zap.Int("total", len(payloads)),
		)
		return results, nil
	}
	return nil, networkError("", fmt.Errorf("failed to write kafka batch: %w", err))
}

func (s *KafkaSender) message(p Payload, userID string) (kafka.Message, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return kafka.Message{
		Key:   []byte(userID),
		Value: body,
		Time:  s.now(),
		Headers: []kafka.Header{
			{Key: "reading_id", Value: []byte(p.ReadingID)},
			{Key: "sensor_type", Value: []byte(p.SensorType)},
		},
	}, nil
}
