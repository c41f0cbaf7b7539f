// Package scheduler 根据用户配置计算各传感器的下一次采集时间
package scheduler

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

// SensorSchedule 单个传感器的采集进度
type SensorSchedule struct {
	SensorKind       models.SensorKind `json:"sensor_type"`
	FrequencySeconds int               `json:"frequency_seconds"`
	LastCapturedAt   *time.Time        `json:"last_captured_at,omitempty"`
	// NextDueAt 为空表示从未采集过，立即到期
	NextDueAt *time.Time `json:"next_due_at,omitempty"`
	Due       bool       `json:"due"`
}

// Scheduler 只做时间推算，不接触硬件
type Scheduler struct {
	configs  repository.SensorConfigurationRepository
	readings repository.ReadingStore
	logger   *zap.Logger
}

func New(configs repository.SensorConfigurationRepository, readings repository.ReadingStore, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		configs:  configs,
		readings: readings,
		logger:   logger,
	}
}

// Frequency 配置的频率（限制到允许范围），未设置时使用目录默认值
func Frequency(cfg models.SensorConfiguration) time.Duration {
	seconds := cfg.FrequencySeconds
	if seconds < 1 {
		seconds = catalog.DefaultCadenceSeconds(cfg.SensorKind)
	}
	return time.Duration(catalog.ClampFrequency(cfg.SensorKind, seconds)) * time.Second
}

// Schedule 用户所有启用传感器的采集进度，按 (criticality, code) 排序
func (s *Scheduler) Schedule(ctx context.Context, userID string, now time.Time) ([]SensorSchedule, error) {
	configs, err := s.configs.FindEnabledByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sensor configurations: %w", err)
	}
	if len(configs) == 0 {
		return []SensorSchedule{}, nil
	}

	latest, err := s.readings.FindLatestPerSensor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest readings: %w", err)
	}

	out := make([]SensorSchedule, 0, len(configs))
	for _, cfg := range configs {
		if !catalog.Known(cfg.SensorKind) {
			s.logger.Warn("Ignoring configuration for unknown sensor",
				zap.String("user_id", userID),
				zap.String("sensor_type", string(cfg.SensorKind)),
			)
			continue
		}

		freq := Frequency(cfg)
		entry := SensorSchedule{
			SensorKind:       cfg.SensorKind,
			FrequencySeconds: int(freq / time.Second),
			Due:              true,
		}
		if last, ok := latest[cfg.SensorKind]; ok {
			captured := last.CapturedAt
			next := captured.Add(freq)
			entry.LastCapturedAt = &captured
			entry.NextDueAt = &next
			entry.Due = !next.After(now)
		}
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool {
		ci, cj := catalog.CriticalityOf(out[i].SensorKind), catalog.CriticalityOf(out[j].SensorKind)
		if ci != cj {
			return ci < cj
		}
		return out[i].SensorKind < out[j].SensorKind
	})
	return out, nil
}

// DueSensors 当前已到期的传感器
func (s *Scheduler) DueSensors(ctx context.Context, userID string, now time.Time) ([]models.SensorKind, error) {
	schedule, err := s.Schedule(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	due := make([]models.SensorKind, 0, len(schedule))
	for _, entry := range schedule {
		if entry.Due {
			due = append(due, entry.SensorKind)
		}
	}
	return due, nil
}

// NextDue 单个传感器的下一次到期时间；从未采集过时返回零值（立即到期）
// 未启用或未配置的传感器返回 repository.ErrNotFound
func (s *Scheduler) NextDue(ctx context.Context, userID string, kind models.SensorKind) (time.Time, error) {
	cfg, err := s.configs.FindByUserIDAndSensorType(ctx, userID, kind)
	if err != nil {
		return time.Time{}, err
	}
	if !cfg.Enabled {
		return time.Time{}, repository.ErrNotFound
	}

	latest, err := s.readings.FindLatestPerSensor(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load latest readings: %w", err)
	}
	last, ok := latest[kind]
	if !ok {
		return time.Time{}, nil
	}
	return last.CapturedAt.Add(Frequency(*cfg)), nil
}
