// Package queue 由待上报读数推导有序的本轮工作列表
package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"watchmyparent-telemetry/internal/catalog"
	"watchmyparent-telemetry/internal/models"
	"watchmyparent-telemetry/internal/repository"

	"go.uber.org/zap"
)

// DefaultBatchSize 每轮最多发送条数
const DefaultBatchSize = 20

// Build 过滤出可发送的 PENDING 读数并排序：
//  1. criticality 升序（CRITICAL 优先）
//  2. captured_at 升序
//  3. attempt_count 升序
//
// NextEligibleAt 晚于 now 的读数被排除；FAILED 不参与自动重试；
// 目录中不存在的传感器类型无法排序，同样排除。
func Build(candidates []models.SensorReading, now time.Time, limit int) []models.SensorReading {
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	work := make([]models.SensorReading, 0, len(candidates))
	for _, r := range candidates {
		if r.State.Status != models.StatusPending {
			continue
		}
		if !r.State.EligibleAt(now) {
			continue
		}
		if !catalog.Known(r.SensorKind) {
			continue
		}
		work = append(work, r)
	}

	sort.SliceStable(work, func(i, j int) bool {
		return less(work[i], work[j])
	})

	if len(work) > limit {
		work = work[:limit]
	}
	return work
}

func less(a, b models.SensorReading) bool {
	ca, cb := catalog.CriticalityOf(a.SensorKind), catalog.CriticalityOf(b.SensorKind)
	if ca != cb {
		return ca < cb
	}
	if !a.CapturedAt.Equal(b.CapturedAt) {
		return a.CapturedAt.Before(b.CapturedAt)
	}
	if a.State.AttemptCount != b.State.AttemptCount {
		return a.State.AttemptCount < b.State.AttemptCount
	}
	return a.ID < b.ID
}

// Queue 从 ReadingStore 读取候选并生成工作列表
type Queue struct {
	store     repository.ReadingStore
	batchSize int
	logger    *zap.Logger
}

func New(store repository.ReadingStore, batchSize int, logger *zap.Logger) *Queue {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: store, batchSize: batchSize, logger: logger}
}

// BatchSize 当前批大小
func (q *Queue) BatchSize() int {
	return q.batchSize
}

// Next 返回用户本轮的有序工作列表
func (q *Queue) Next(ctx context.Context, userID string, now time.Time) ([]models.SensorReading, error) {
	pending, err := q.store.FindPendingTransmissions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending readings: %w", err)
	}

	// 其他版本写入的读数可能带有本目录未知的类型，留在 PENDING 等待人工处理
	for _, r := range pending {
		if !catalog.Known(r.SensorKind) {
			q.logger.Warn("Skipping reading with unknown sensor type",
				zap.String("user_id", userID),
				zap.String("reading_id", r.ID),
				zap.String("sensor_type", string(r.SensorKind)),
			)
		}
	}
	return Build(pending, now, q.batchSize), nil
}
