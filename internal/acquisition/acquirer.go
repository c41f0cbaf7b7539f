// Package acquisition 读取到期传感器并以 PENDING 状态入库
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"watchmyparent-telemetry/internal/catalog"
	"watchmyparent-telemetry/internal/metrics"
	"watchmyparent-telemetry/internal/models"
	"watchmyparent-telemetry/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SensorDataReader 设备传感器读取能力
// 失败以 error 返回，由调用方视为"本周期无读数"
type SensorDataReader interface {
	// ReadSensorData 读取多个传感器，没有样本的种类不出现在结果中
	ReadSensorData(ctx context.Context, kinds []models.SensorKind) ([]models.SensorReading, error)
	ReadSingleSensor(ctx context.Context, kind models.SensorKind) (*models.SensorReading, error)
	IsSensorAvailable(kind models.SensorKind) bool
}

// LocationProvider 定位读数（value 为精度，经纬度放在 metadata）
type LocationProvider interface {
	CurrentLocation(ctx context.Context) (*models.SensorReading, error)
}

// Device 采集目标设备
type Device struct {
	ID     string             `json:"device_id"`
	UserID string             `json:"user_id"`
	Class  models.DeviceClass `json:"device_class"`
}

// DueSensorsFunc 返回用户当前到期的传感器（scheduler.Scheduler.DueSensors）
type DueSensorsFunc func(ctx context.Context, userID string, now time.Time) ([]models.SensorKind, error)

// LatestRecorder 最新读数缓存
type LatestRecorder interface {
	Put(ctx context.Context, reading models.SensorReading) error
}

// Acquirer 采集协调器
type Acquirer struct {
	dueSensors DueSensorsFunc
	store      repository.ReadingStore
	latest     LatestRecorder
	metrics    *metrics.Metrics
	logger     *zap.Logger
	timeout    time.Duration
}

func NewAcquirer(dueSensors DueSensorsFunc, store repository.ReadingStore, latest LatestRecorder, m *metrics.Metrics, logger *zap.Logger, timeout time.Duration) *Acquirer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Acquirer{
		dueSensors: dueSensors,
		store:      store,
		latest:     latest,
		metrics:    m,
		logger:     logger,
		timeout:    timeout,
	}
}

// Acquire 采集设备上所有到期传感器，返回入库条数
// 传感器读取与定位各自在独立 goroutine 中执行，采集错误只记录不返回
func (a *Acquirer) Acquire(ctx context.Context, device Device, reader SensorDataReader, location LocationProvider, now time.Time) (int, error) {
	due, err := a.dueSensors(ctx, device.UserID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to compute due sensors: %w", err)
	}

	var (
		sensorKinds  []models.SensorKind
		wantLocation bool
	)
	for _, kind := range due {
		if !catalog.IsAvailableOnDevice(kind, device.Class) {
			continue
		}
		if kind == models.SensorLocation {
			wantLocation = location != nil
			continue
		}
		if reader == nil || !reader.IsSensorAvailable(kind) {
			continue
		}
		sensorKinds = append(sensorKinds, kind)
	}
	if len(sensorKinds) == 0 && !wantLocation {
		return 0, nil
	}

	readCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired []models.SensorReading
	)
	collect := func(readings ...models.SensorReading) {
		mu.Lock()
		acquired = append(acquired, readings...)
		mu.Unlock()
	}

	if len(sensorKinds) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			readings, err := reader.ReadSensorData(readCtx, sensorKinds)
			if err != nil {
				for _, kind := range sensorKinds {
					a.acquisitionFailed(device, &models.AcquisitionError{SensorKind: kind, Err: err})
				}
				return
			}
			got := make(map[models.SensorKind]bool, len(readings))
			for _, r := range readings {
				got[r.SensorKind] = true
			}
			for _, kind := range sensorKinds {
				if !got[kind] {
					a.acquisitionFailed(device, &models.AcquisitionError{SensorKind: kind, Err: models.ErrSensorUnavailable})
				}
			}
			collect(readings...)
		}()
	}

	if wantLocation {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := location.CurrentLocation(readCtx)
			if err != nil {
				a.acquisitionFailed(device, &models.AcquisitionError{SensorKind: models.SensorLocation, Err: err})
				return
			}
			collect(*r)
		}()
	}

	wg.Wait()

	// 单条入库失败不影响同批其他读数，返回第一个错误
	var firstErr error
	stored := 0
	for _, r := range acquired {
		if err := a.persist(ctx, device, r, now); err != nil {
			a.logger.Error("Failed to persist reading",
				zap.String("user_id", device.UserID),
				zap.String("device_id", device.ID),
				zap.String("sensor_type", string(r.SensorKind)),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stored++
	}

	if stored > 0 {
		a.logger.Debug("Acquired readings",
			zap.String("user_id", device.UserID),
			zap.String("device_id", device.ID),
			zap.Int("count", stored),
		)
	}
	return stored, firstErr
}

// persist 补全读数字段后入库；ID 冲突时重新生成一次
func (a *Acquirer) persist(ctx context.Context, device Device, r models.SensorReading, now time.Time) error {
	r.UserID = device.UserID
	if r.DeviceID == "" {
		r.DeviceID = device.ID
	}
	if r.Unit == "" {
		r.Unit = catalog.UnitOf(r.SensorKind)
	}
	if r.CapturedAt.IsZero() {
		r.CapturedAt = now
	}

	id, err := a.store.Insert(ctx, r)
	if errors.Is(err, repository.ErrDuplicateKey) {
		r.ID = uuid.NewString()
		id, err = a.store.Insert(ctx, r)
	}
	if err != nil {
		return fmt.Errorf("failed to store %s reading: %w", r.SensorKind, err)
	}
	r.ID = id
	a.metrics.Acquired(string(r.SensorKind))

	if a.latest != nil {
		if err := a.latest.Put(ctx, r); err != nil {
			a.logger.Warn("Failed to update latest reading cache",
				zap.String("reading_id", id),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (a *Acquirer) acquisitionFailed(device Device, err *models.AcquisitionError) {
	a.metrics.AcquisitionError(string(err.SensorKind))
	a.logger.Debug("No reading this cycle",
		zap.String("user_id", device.UserID),
		zap.String("device_id", device.ID),
		zap.String("sensor_type", string(err.SensorKind)),
		zap.Error(err),
	)
}
