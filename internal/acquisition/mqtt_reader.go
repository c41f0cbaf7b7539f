package acquisition

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"watchmyparent-telemetry/internal/catalog"
	"watchmyparent-telemetry/internal/models"

	"go.uber.org/zap"
)

// SampleTopic 设备上推样本的订阅 topic：telemetry/devices/{device_id}/samples
const SampleTopic = "telemetry/devices/+/samples"

// DeviceSample 设备通过 MQTT 推送的原始样本
type DeviceSample struct {
	UserID      string            `json:"user_id"`
	DeviceClass string            `json:"device_class"`
	SensorType  string            `json:"sensor_type"`
	Value       float64           `json:"value"`
	Unit        string            `json:"unit,omitempty"`
	Timestamp   string            `json:"timestamp"` // RFC3339
	Metadata    map[string]string `json:"metadata,omitempty"`

	// 仅 LOCATION
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

type sampleKey struct {
	deviceID string
	kind     models.SensorKind
}

type cachedSample struct {
	reading  models.SensorReading
	received time.Time
	consumed bool
}

// SampleHub 缓存设备最近一次推送的样本，按设备提供 SensorDataReader / LocationProvider
// 每个样本只会被读取一次，超过 freshness 的样本视为不可用
type SampleHub struct {
	mu        sync.Mutex
	samples   map[sampleKey]*cachedSample
	devices   map[string]Device
	freshness time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewSampleHub(freshness time.Duration, logger *zap.Logger) *SampleHub {
	if freshness <= 0 {
		freshness = 5 * time.Minute
	}
	return &SampleHub{
		samples:   map[sampleKey]*cachedSample{},
		devices:   map[string]Device{},
		freshness: freshness,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleMessage MQTT 消息处理（签名与 common/mqtt.MessageHandler 一致）
func (h *SampleHub) HandleMessage(topic string, payload []byte) error {
	deviceID, err := deviceIDFromTopic(topic)
	if err != nil {
		return err
	}

	var sample DeviceSample
	if err := json.Unmarshal(payload, &sample); err != nil {
		return fmt.Errorf("failed to decode sample: %w", err)
	}
	return h.Ingest(deviceID, sample)
}

// Ingest 记录一个样本
func (h *SampleHub) Ingest(deviceID string, sample DeviceSample) error {
	if sample.UserID == "" {
		return fmt.Errorf("sample from %s has no user_id", deviceID)
	}
	entry, ok := catalog.Lookup(sample.SensorType)
	if !ok {
		return fmt.Errorf("unknown sensor type %q", sample.SensorType)
	}

	class := models.DeviceClass(strings.ToUpper(sample.DeviceClass))
	if class != models.DevicePhone {
		class = models.DeviceWatch
	}

	capturedAt := h.now()
	if sample.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, sample.Timestamp)
		if err != nil {
			return fmt.Errorf("invalid sample timestamp %q: %w", sample.Timestamp, err)
		}
		capturedAt = t
	}

	reading := models.SensorReading{
		UserID:     sample.UserID,
		SensorKind: entry.Kind,
		Value:      sample.Value,
		Unit:       sample.Unit,
		CapturedAt: capturedAt,
		DeviceID:   deviceID,
		Metadata:   copyMetadata(sample.Metadata),
	}
	if reading.Unit == "" {
		reading.Unit = entry.Unit
	}

	if entry.Kind == models.SensorLocation {
		if sample.Latitude == nil || sample.Longitude == nil {
			return fmt.Errorf("location sample from %s has no coordinates", deviceID)
		}
		if reading.Metadata == nil {
			reading.Metadata = map[string]string{}
		}
		reading.Metadata["latitude"] = strconv.FormatFloat(*sample.Latitude, 'f', -1, 64)
		reading.Metadata["longitude"] = strconv.FormatFloat(*sample.Longitude, 'f', -1, 64)
		if sample.Accuracy != nil {
			reading.Value = *sample.Accuracy
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[deviceID] = Device{ID: deviceID, UserID: sample.UserID, Class: class}
	h.samples[sampleKey{deviceID: deviceID, kind: entry.Kind}] = &cachedSample{
		reading:  reading,
		received: h.now(),
	}
	return nil
}

// Devices 已上报过样本的设备
func (h *SampleHub) Devices() []Device {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Device, 0, len(h.devices))
	for _, d := range h.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reader 设备视图
func (h *SampleHub) Reader(deviceID string) *DeviceReader {
	return &DeviceReader{hub: h, deviceID: deviceID}
}

// take 取出未消费且新鲜的样本
func (h *SampleHub) take(deviceID string, kind models.SensorKind) (*models.SensorReading, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.samples[sampleKey{deviceID: deviceID, kind: kind}]
	if !ok || s.consumed {
		return nil, &models.AcquisitionError{SensorKind: kind, Err: models.ErrSensorUnavailable}
	}
	if h.now().Sub(s.received) > h.freshness {
		return nil, &models.AcquisitionError{SensorKind: kind, Err: fmt.Errorf("sample is stale: %w", models.ErrSensorUnavailable)}
	}
	s.consumed = true
	r := s.reading.Clone()
	return &r, nil
}

func (h *SampleHub) has(deviceID string, kind models.SensorKind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.samples[sampleKey{deviceID: deviceID, kind: kind}]
	return ok
}

// DeviceReader 单个设备上的 SensorDataReader + LocationProvider
type DeviceReader struct {
	hub      *SampleHub
	deviceID string
}

func (r *DeviceReader) ReadSensorData(ctx context.Context, kinds []models.SensorKind) ([]models.SensorReading, error) {
	out := make([]models.SensorReading, 0, len(kinds))
	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		reading, err := r.ReadSingleSensor(ctx, kind)
		if err != nil {
			continue
		}
		out = append(out, *reading)
	}
	return out, nil
}

func (r *DeviceReader) ReadSingleSensor(ctx context.Context, kind models.SensorKind) (*models.SensorReading, error) {
	if err := ctx.Err(); err != nil {
		return nil, &models.AcquisitionError{SensorKind: kind, Err: err}
	}
	return r.hub.take(r.deviceID, kind)
}

// IsSensorAvailable 设备是否推送过该传感器的样本
func (r *DeviceReader) IsSensorAvailable(kind models.SensorKind) bool {
	return r.hub.has(r.deviceID, kind)
}

func (r *DeviceReader) CurrentLocation(ctx context.Context) (*models.SensorReading, error) {
	return r.ReadSingleSensor(ctx, models.SensorLocation)
}

func deviceIDFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "telemetry" || parts[1] != "devices" || parts[3] != "samples" || parts[2] == "" {
		return "", fmt.Errorf("unexpected sample topic %q", topic)
	}
	return parts[2], nil
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
