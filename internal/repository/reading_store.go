package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"watchmyparent-telemetry/internal/catalog"
	"watchmyparent-telemetry/internal/models"
)

var (
	// ErrDuplicateKey 读数 ID 冲突，调用方需重新生成 ID
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrInvalidTransition 非法的上报状态迁移
	ErrInvalidTransition = errors.New("invalid transmission status transition")
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")
)

// InvalidTransitionError 携带迁移细节，errors.Is(err, ErrInvalidTransition) 为 true
type InvalidTransitionError struct {
	ReadingID string
	From      models.TransmissionStatus
	To        models.TransmissionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transmission status transition %s -> %s for reading %s", e.From, e.To, e.ReadingID)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// 迁移表：
//
//	PENDING      -> TRANSMITTING
//	TRANSMITTING -> TRANSMITTED
//	TRANSMITTING -> PENDING
//	PENDING      -> FAILED
//	FAILED       -> PENDING
var allowedTransitions = map[models.TransmissionStatus]map[models.TransmissionStatus]bool{
	models.StatusPending: {
		models.StatusTransmitting: true,
		models.StatusFailed:       true,
	},
	models.StatusTransmitting: {
		models.StatusTransmitted: true,
		models.StatusPending:     true,
	},
	models.StatusFailed: {
		models.StatusPending: true,
	},
}

// CanTransition 迁移是否合法
func CanTransition(from, to models.TransmissionStatus) bool {
	return allowedTransitions[from][to]
}

// StatusChange 一次状态迁移请求
type StatusChange struct {
	To         models.TransmissionStatus
	OccurredAt time.Time

	// IncrementAttempt 仅对 TRANSMITTING -> PENDING 生效（发送失败）；取消导致的回退不计次数
	IncrementAttempt bool
	// NextEligibleAt 退避后最早可重发时间，仅对 -> PENDING 生效
	NextEligibleAt *time.Time
	// LastError 最近一次失败原因
	LastError string
}

// ReadingStore 读数 + 上报状态的持久化能力；所有状态修改必须经过 ApplyTransition
type ReadingStore interface {
	// Insert 以 PENDING 状态写入；ID 为空时自动生成
	Insert(ctx context.Context, reading models.SensorReading) (string, error)
	Get(ctx context.Context, id string) (*models.SensorReading, error)

	// UpdateStatus 仅修改状态（时间戳记为 occurredAt），按迁移表校验
	UpdateStatus(ctx context.Context, id string, newStatus models.TransmissionStatus, occurredAt time.Time) error
	// ApplyTransition 按迁移表校验并应用完整的状态变更，返回变更后的读数
	ApplyTransition(ctx context.Context, id string, change StatusChange) (*models.SensorReading, error)

	// FindByStatus 按 captured_at 升序
	FindByStatus(ctx context.Context, status models.TransmissionStatus) ([]models.SensorReading, error)
	FindByUserAndStatus(ctx context.Context, userID string, status models.TransmissionStatus) ([]models.SensorReading, error)
	FindPendingTransmissions(ctx context.Context, userID string) ([]models.SensorReading, error)
	FindByUserIDAndSensorType(ctx context.Context, userID string, kind models.SensorKind) ([]models.SensorReading, error)
	// FindLatestPerSensor 每个传感器 captured_at 最大的一条
	FindLatestPerSensor(ctx context.Context, userID string) (map[models.SensorKind]models.SensorReading, error)
	FindByUserID(ctx context.Context, userID string) ([]models.SensorReading, error)

	CountByStatus(ctx context.Context, userID string, statuses ...models.TransmissionStatus) (int, error)
	// ListUsersWithStatus 持有该状态读数的用户（去重、升序），与传感器配置无关
	ListUsersWithStatus(ctx context.Context, status models.TransmissionStatus) ([]string, error)
	// PurgeOlderThan 只删除 TRANSMITTED 且 captured_at < cutoff 的读数
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// applyChange 校验并把 change 应用到 state 上（内存与 PostgreSQL 实现共用）
func applyChange(id string, state *models.TransmissionState, change StatusChange) error {
	from := state.Status
	if !CanTransition(from, change.To) {
		return &InvalidTransitionError{ReadingID: id, From: from, To: change.To}
	}

	at := change.OccurredAt
	switch change.To {
	case models.StatusTransmitting:
		state.LastAttemptAt = &at
	case models.StatusTransmitted:
		state.TransmittedAt = &at
		state.NextEligibleAt = nil
		state.LastError = ""
	case models.StatusPending:
		if from == models.StatusFailed {
			// 手动重新入队：清零
			state.AttemptCount = 0
			state.NextEligibleAt = nil
			state.LastError = ""
		} else {
			if change.IncrementAttempt {
				state.AttemptCount++
			}
			state.NextEligibleAt = change.NextEligibleAt
			if change.LastError != "" {
				state.LastError = change.LastError
			}
		}
	case models.StatusFailed:
		state.NextEligibleAt = nil
		if change.LastError != "" {
			state.LastError = change.LastError
		}
	}
	state.Status = change.To
	state.UpdatedAt = at
	return nil
}

// sortByCapturedAt 按 captured_at 升序（相同时按 ID 保证稳定）
func sortByCapturedAt(readings []models.SensorReading) {
	sort.SliceStable(readings, func(i, j int) bool {
		a, b := readings[i], readings[j]
		if !a.CapturedAt.Equal(b.CapturedAt) {
			return a.CapturedAt.Before(b.CapturedAt)
		}
		return a.ID < b.ID
	})
}

func validateReading(r models.SensorReading) error {
	if r.UserID == "" {
		return fmt.Errorf("reading user_id is required")
	}
	if r.SensorKind == "" {
		return fmt.Errorf("reading sensor_type is required")
	}
	if !catalog.Known(r.SensorKind) {
		return fmt.Errorf("unknown sensor_type %q", r.SensorKind)
	}
	if r.CapturedAt.IsZero() {
		return fmt.Errorf("reading captured_at is required")
	}
	return nil
}
