package service

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"watchmyparent-telemetry/common/mqtt"
	"watchmyparent-telemetry/internal/acquisition"
	"watchmyparent-telemetry/internal/cache"
	"watchmyparent-telemetry/internal/metrics"
	"watchmyparent-telemetry/internal/models"
	"watchmyparent-telemetry/internal/repository"
	"watchmyparent-telemetry/internal/scheduler"
	"watchmyparent-telemetry/internal/transmission"
	"watchmyparent-telemetry/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type blockingSender struct {
	mu    sync.Mutex
	sent  []string
	block chan struct{}
}

func (s *blockingSender) TransmitData(ctx context.Context, p transport.Payload, _ string) error {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.sent = append(s.sent, p.ReadingID)
	s.mu.Unlock()
	return nil
}

func (s *blockingSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fakeSubscriber struct {
	mu      sync.Mutex
	topic   string
	handler mqtt.MessageHandler
}

func (f *fakeSubscriber) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topic = topic
	f.handler = handler
	return nil
}

func (f *fakeSubscriber) subscribed() (string, mqtt.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topic, f.handler
}

type relayFixture struct {
	svc     *RelayService
	store   *repository.MemoryReadingStore
	configs *repository.MemorySensorConfigRepo
	sender  *blockingSender
	metrics *metrics.Metrics
	hub     *acquisition.SampleHub
}

func setupRelay(t *testing.T, opts Options) *relayFixture {
	t.Helper()
	logger := zap.NewNop()
	store := repository.NewMemoryReadingStore()
	configs := repository.NewMemorySensorConfigRepo()
	sender := &blockingSender{}
	m := metrics.New()

	latest := cache.NewLatestCache(nil, store, 0, m, logger)
	sched := scheduler.New(configs, store, logger)
	hub := acquisition.NewSampleHub(time.Minute, logger)

	svc := NewRelayService(Components{
		Store: store,
		Orchestrator: transmission.NewOrchestrator(store, sender, transmission.NewLocalFlightGuard(),
			transmission.NewBackoff(time.Minute, 30*time.Minute), m, logger, transmission.DefaultConfig()),
		Acquirer: acquisition.NewAcquirer(sched.DueSensors, store, latest, m, logger, time.Second),
		Hub:      hub,
		Latest:   latest,
		Metrics:  m,
	}, opts, logger)

	return &relayFixture{svc: svc, store: store, configs: configs, sender: sender, metrics: m, hub: hub}
}

func (f *relayFixture) insert(t *testing.T, id, userID string) {
	t.Helper()
	_, err := f.store.Insert(context.Background(), models.SensorReading{
		ID: id, UserID: userID, SensorKind: models.SensorHeartRate, Value: 72,
		CapturedAt: time.Now().Add(-time.Minute), DeviceID: "watch-1",
	})
	require.NoError(t, err)
}

func (f *relayFixture) enable(t *testing.T, userID string, kind models.SensorKind) {
	t.Helper()
	_, err := f.configs.Upsert(context.Background(), models.SensorConfiguration{
		UserID: userID, SensorKind: kind, Enabled: true, FrequencySeconds: 60,
	})
	require.NoError(t, err)
}

func (f *relayFixture) status(t *testing.T, id string) models.TransmissionState {
	t.Helper()
	r, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return r.State
}

func TestRunCycle_TransmitsAndReportsPending(t *testing.T) {
	f := setupRelay(t, Options{})
	f.insert(t, "R1", "u-1")
	f.insert(t, "R2", "u-1")

	n, err := f.svc.RunCycle(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"R1", "R2"}, f.sender.Sent())
	assert.Equal(t, models.StatusTransmitted, f.status(t, "R1").Status)

	rec := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `telemetry_readings_pending{user_id="u-1"} 0`)
}

func TestCancelCycle_RevertsInFlight(t *testing.T) {
	f := setupRelay(t, Options{})
	f.sender.block = make(chan struct{})
	f.insert(t, "R1", "u-1")

	assert.False(t, f.svc.CancelCycle("u-1"))

	done := make(chan error, 1)
	go func() {
		done <- f.svc.TriggerCycle(context.Background(), "u-1")
	}()

	require.Eventually(t, func() bool {
		return f.status(t, "R1").Status == models.StatusTransmitting
	}, time.Second, 5*time.Millisecond)

	assert.True(t, f.svc.CancelCycle("u-1"))
	// 取消不视为错误
	assert.NoError(t, <-done)

	st := f.status(t, "R1")
	assert.Equal(t, models.StatusPending, st.Status)
	assert.Zero(t, st.AttemptCount)
	assert.Empty(t, f.sender.Sent())
	assert.False(t, f.svc.CancelCycle("u-1"))
}

func TestRunCycle_SecondCycleRejected(t *testing.T) {
	f := setupRelay(t, Options{})
	f.sender.block = make(chan struct{})
	f.insert(t, "R1", "u-1")

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.RunCycle(context.Background(), "u-1")
		done <- err
	}()
	require.Eventually(t, func() bool {
		return f.status(t, "R1").Status == models.StatusTransmitting
	}, time.Second, 5*time.Millisecond)

	_, err := f.svc.RunCycle(context.Background(), "u-1")
	assert.ErrorIs(t, err, transmission.ErrCycleInProgress)
	assert.NoError(t, f.svc.TriggerCycle(context.Background(), "u-1"))

	close(f.sender.block)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"R1"}, f.sender.Sent())
}

func TestRunAllCycles(t *testing.T) {
	f := setupRelay(t, Options{})
	f.enable(t, "u-1", models.SensorHeartRate)
	f.enable(t, "u-2", models.SensorSteps)
	f.insert(t, "R1", "u-1")
	f.insert(t, "R2", "u-2")
	// 从未配置过传感器的用户
	f.insert(t, "R3", "u-3")

	assert.Equal(t, 3, f.svc.RunAllCycles(context.Background()))
	for _, id := range []string{"R1", "R2", "R3"} {
		assert.Equal(t, models.StatusTransmitted, f.status(t, id).Status, id)
	}

	// 没有 PENDING 读数时不发送
	assert.Zero(t, f.svc.RunAllCycles(context.Background()))
}

func TestRunAllCycles_DeliversAfterSensorDisabled(t *testing.T) {
	f := setupRelay(t, Options{})
	ctx := context.Background()
	f.enable(t, "u-1", models.SensorHeartRate)
	f.insert(t, "R1", "u-1")

	_, err := f.configs.Upsert(ctx, models.SensorConfiguration{
		UserID: "u-1", SensorKind: models.SensorHeartRate, Enabled: false, FrequencySeconds: 60,
	})
	require.NoError(t, err)
	enabled, err := f.configs.FindEnabledByUserID(ctx, "u-1")
	require.NoError(t, err)
	require.Empty(t, enabled)

	assert.Equal(t, 1, f.svc.RunAllCycles(ctx))
	assert.Equal(t, models.StatusTransmitted, f.status(t, "R1").Status)
	assert.Equal(t, []string{"R1"}, f.sender.Sent())
}

func TestRetryFailed(t *testing.T) {
	f := setupRelay(t, Options{})
	ctx := context.Background()
	f.insert(t, "R1", "u-1")
	f.insert(t, "R2", "u-2")
	require.NoError(t, f.store.UpdateStatus(ctx, "R1", models.StatusFailed, time.Now()))
	require.NoError(t, f.store.UpdateStatus(ctx, "R2", models.StatusFailed, time.Now()))

	require.NoError(t, f.svc.RetryFailed(ctx, "u-1"))
	assert.Equal(t, models.StatusTransmitted, f.status(t, "R1").Status)
	assert.Equal(t, models.StatusFailed, f.status(t, "R2").Status)

	requeued, err := f.svc.RequeueFailed(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, requeued)
}

func TestSampleDevices(t *testing.T) {
	f := setupRelay(t, Options{})
	ctx := context.Background()
	f.enable(t, "u-1", models.SensorHeartRate)
	f.enable(t, "u-1", models.SensorSleep)

	require.NoError(t, f.hub.Ingest("watch-1", acquisition.DeviceSample{
		UserID: "u-1", DeviceClass: "WATCH", SensorType: "HEART_RATE", Value: 68,
	}))

	assert.Equal(t, 1, f.svc.SampleDevices(ctx))

	readings, err := f.store.FindByUserID(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, models.SensorHeartRate, readings[0].SensorKind)
	assert.Equal(t, models.StatusPending, readings[0].State.Status)

	// 样本只消费一次
	assert.Zero(t, f.svc.SampleDevices(ctx))

	pending, err := f.svc.PendingCount(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestPurge(t *testing.T) {
	f := setupRelay(t, Options{})
	ctx := context.Background()
	f.enable(t, "u-1", models.SensorHeartRate)
	f.insert(t, "R1", "u-1")
	f.insert(t, "R2", "u-1")
	require.NoError(t, f.store.UpdateStatus(ctx, "R2", models.StatusFailed, time.Now()))

	_, err := f.svc.RunCycle(ctx, "u-1")
	require.NoError(t, err)

	n, err := f.svc.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	n, err = f.svc.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.Get(ctx, "R1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	// 只清理已上报的读数
	assert.Equal(t, models.StatusFailed, f.status(t, "R2").Status)
}

func TestStartStop(t *testing.T) {
	f := setupRelay(t, Options{
		CycleInterval:    10 * time.Millisecond,
		SamplingInterval: 10 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
		PurgeInterval:    time.Hour,
	})
	sub := &fakeSubscriber{}
	f.svc.Subscriber = sub
	closed := false
	f.svc.Closers = []func() error{func() error {
		closed = true
		return errors.New("close failed")
	}}

	f.enable(t, "u-1", models.SensorHeartRate)
	f.enable(t, "u-1", models.SensorSteps)
	f.insert(t, "R1", "u-1")
	// 上次进程崩溃时遗留的 TRANSMITTING
	require.NoError(t, f.store.UpdateStatus(context.Background(), "R1", models.StatusTransmitting, time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.svc.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return f.status(t, "R1").Status == models.StatusTransmitted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.status(t, "R1").AttemptCount)

	require.Eventually(t, func() bool {
		_, h := sub.subscribed()
		return h != nil
	}, time.Second, 5*time.Millisecond)
	topic, handler := sub.subscribed()
	assert.Equal(t, acquisition.SampleTopic, topic)
	require.NoError(t, handler("telemetry/devices/watch-9/samples",
		[]byte(`{"user_id":"u-1","device_class":"watch","sensor_type":"STEPS","value":800}`)))

	require.Eventually(t, func() bool {
		readings, err := f.store.FindByUserID(context.Background(), "u-1")
		if err != nil {
			return false
		}
		for _, r := range readings {
			if r.DeviceID == "watch-9" && r.State.Status == models.StatusTransmitted {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, f.svc.Stop(context.Background()))
	assert.True(t, closed)
}
