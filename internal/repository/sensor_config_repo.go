package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"watchmyparent-telemetry/internal/catalog"
	"watchmyparent-telemetry/internal/models"

	"github.com/google/uuid"
)

// SensorConfigurationRepository 用户传感器采样配置仓库，(user_id, sensor_type) 唯一
type SensorConfigurationRepository interface {
	// Upsert 创建或更新配置，频率会被限制到该传感器允许的范围
	Upsert(ctx context.Context, cfg models.SensorConfiguration) (*models.SensorConfiguration, error)
	FindByUserIDAndSensorType(ctx context.Context, userID string, kind models.SensorKind) (*models.SensorConfiguration, error)
	FindEnabledByUserID(ctx context.Context, userID string) ([]models.SensorConfiguration, error)
	FindByUserID(ctx context.Context, userID string) ([]models.SensorConfiguration, error)
	// ListUserIDs 至少有一个启用配置的用户
	ListUserIDs(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, userID string, kind models.SensorKind) error
}

// normalizeConfiguration 校验并限制频率；未知传感器返回错误（来自外部输入，不 panic）
func normalizeConfiguration(cfg models.SensorConfiguration) (models.SensorConfiguration, error) {
	if cfg.UserID == "" {
		return cfg, fmt.Errorf("configuration user_id is required")
	}
	if !catalog.Known(cfg.SensorKind) {
		return cfg, fmt.Errorf("unknown sensor type %q", string(cfg.SensorKind))
	}
	if cfg.FrequencySeconds < 1 {
		cfg.FrequencySeconds = catalog.DefaultCadenceSeconds(cfg.SensorKind)
	}
	cfg.FrequencySeconds = catalog.ClampFrequency(cfg.SensorKind, cfg.FrequencySeconds)
	return cfg, nil
}

type configKey struct {
	userID string
	kind   models.SensorKind
}

// MemorySensorConfigRepo 内存版配置仓库
type MemorySensorConfigRepo struct {
	mu      sync.RWMutex
	configs map[configKey]models.SensorConfiguration
	now     func() time.Time
}

func NewMemorySensorConfigRepo() *MemorySensorConfigRepo {
	return &MemorySensorConfigRepo{
		configs: map[configKey]models.SensorConfiguration{},
		now:     time.Now,
	}
}

func (r *MemorySensorConfigRepo) Upsert(_ context.Context, cfg models.SensorConfiguration) (*models.SensorConfiguration, error) {
	cfg, err := normalizeConfiguration(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := configKey{userID: cfg.UserID, kind: cfg.SensorKind}
	if existing, ok := r.configs[key]; ok {
		cfg.ID = existing.ID
		cfg.CreatedAt = existing.CreatedAt
	} else {
		if cfg.ID == "" {
			cfg.ID = uuid.NewString()
		}
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	r.configs[key] = cfg

	out := cfg
	return &out, nil
}

func (r *MemorySensorConfigRepo) FindByUserIDAndSensorType(_ context.Context, userID string, kind models.SensorKind) (*models.SensorConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[configKey{userID: userID, kind: kind}]
	if !ok {
		return nil, ErrNotFound
	}
	return &cfg, nil
}

func (r *MemorySensorConfigRepo) FindEnabledByUserID(ctx context.Context, userID string) ([]models.SensorConfiguration, error) {
	all, err := r.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	enabled := all[:0]
	for _, c := range all {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	return enabled, nil
}

func (r *MemorySensorConfigRepo) FindByUserID(_ context.Context, userID string) ([]models.SensorConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.SensorConfiguration, 0)
	for key, c := range r.configs {
		if key.userID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorKind < out[j].SensorKind })
	return out, nil
}

func (r *MemorySensorConfigRepo) ListUserIDs(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{}
	users := make([]string, 0)
	for key, c := range r.configs {
		if c.Enabled && !seen[key.userID] {
			seen[key.userID] = true
			users = append(users, key.userID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (r *MemorySensorConfigRepo) Delete(_ context.Context, userID string, kind models.SensorKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := configKey{userID: userID, kind: kind}
	if _, ok := r.configs[key]; !ok {
		return ErrNotFound
	}
	delete(r.configs, key)
	return nil
}
