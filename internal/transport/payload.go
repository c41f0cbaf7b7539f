// Package transport 出站上报通道：HTTP / MQTT / Kafka / Redis Streams
package transport

import (
	"time"

	"watchmyparent-telemetry/internal/models"
)

// Payload 单条读数的上报格式
type Payload struct {
	ReadingID  string            `json:"reading_id"`
	UserID     string            `json:"user_id"`
	SensorType string            `json:"sensor_type"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit"`
	Timestamp  string            `json:"timestamp"` // RFC3339
	DeviceID   string            `json:"device_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewPayload 由读数构造上报内容，时间统一为 UTC
func NewPayload(r models.SensorReading) Payload {
	p := Payload{
		ReadingID:  r.ID,
		UserID:     r.UserID,
		SensorType: r.SensorKind.Code(),
		Value:      r.Value,
		Unit:       r.Unit,
		Timestamp:  r.CapturedAt.UTC().Format(time.RFC3339Nano),
		DeviceID:   r.DeviceID,
	}
	if len(r.Metadata) > 0 {
		p.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			p.Metadata[k] = v
		}
	}
	return p
}

// networkError 包装为可重试的传输错误
func networkError(readingID string, err error) error {
	return &models.TransmissionError{ReadingID: readingID, Retryable: true, Err: err}
}
