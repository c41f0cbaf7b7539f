package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"watchmyparent-telemetry/internal/models"

	"github.com/google/uuid"
)

// MemoryReadingStore 内存版 ReadingStore：单机网关 / 测试使用
// - 按 ID 保存读数，对外只返回副本
// - 状态迁移在写锁内完成，与 PostgreSQL 版共用 applyChange
type MemoryReadingStore struct {
	mu       sync.RWMutex
	readings map[string]*models.SensorReading
	now      func() time.Time
}

func NewMemoryReadingStore() *MemoryReadingStore {
	return &MemoryReadingStore{
		readings: map[string]*models.SensorReading{},
		now:      time.Now,
	}
}

func (s *MemoryReadingStore) Insert(_ context.Context, reading models.SensorReading) (string, error) {
	if err := validateReading(reading); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if reading.ID == "" {
		reading.ID = uuid.NewString()
	}
	if _, exists := s.readings[reading.ID]; exists {
		return "", ErrDuplicateKey
	}

	now := s.now()
	r := reading.Clone()
	r.CreatedAt = now
	r.State = models.TransmissionState{
		Status:    models.StatusPending,
		UpdatedAt: now,
	}
	s.readings[r.ID] = &r
	return r.ID, nil
}

func (s *MemoryReadingStore) Get(_ context.Context, id string) (*models.SensorReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.readings[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := r.Clone()
	return &out, nil
}

func (s *MemoryReadingStore) UpdateStatus(ctx context.Context, id string, newStatus models.TransmissionStatus, occurredAt time.Time) error {
	_, err := s.ApplyTransition(ctx, id, StatusChange{To: newStatus, OccurredAt: occurredAt})
	return err
}

func (s *MemoryReadingStore) ApplyTransition(_ context.Context, id string, change StatusChange) (*models.SensorReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.readings[id]
	if !ok {
		return nil, ErrNotFound
	}

	// 在副本上应用，失败时原记录保持不变
	state := r.Clone().State
	if err := applyChange(id, &state, change); err != nil {
		return nil, err
	}
	r.State = state

	out := r.Clone()
	return &out, nil
}

func (s *MemoryReadingStore) FindByStatus(_ context.Context, status models.TransmissionStatus) ([]models.SensorReading, error) {
	return s.filter(func(r *models.SensorReading) bool {
		return r.State.Status == status
	}), nil
}

func (s *MemoryReadingStore) FindByUserAndStatus(_ context.Context, userID string, status models.TransmissionStatus) ([]models.SensorReading, error) {
	return s.filter(func(r *models.SensorReading) bool {
		return r.UserID == userID && r.State.Status == status
	}), nil
}

func (s *MemoryReadingStore) FindPendingTransmissions(ctx context.Context, userID string) ([]models.SensorReading, error) {
	return s.FindByUserAndStatus(ctx, userID, models.StatusPending)
}

func (s *MemoryReadingStore) FindByUserIDAndSensorType(_ context.Context, userID string, kind models.SensorKind) ([]models.SensorReading, error) {
	return s.filter(func(r *models.SensorReading) bool {
		return r.UserID == userID && r.SensorKind == kind
	}), nil
}

func (s *MemoryReadingStore) FindByUserID(_ context.Context, userID string) ([]models.SensorReading, error) {
	return s.filter(func(r *models.SensorReading) bool {
		return r.UserID == userID
	}), nil
}

func (s *MemoryReadingStore) FindLatestPerSensor(_ context.Context, userID string) (map[models.SensorKind]models.SensorReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := map[models.SensorKind]models.SensorReading{}
	for _, r := range s.readings {
		if r.UserID != userID {
			continue
		}
		cur, ok := latest[r.SensorKind]
		if !ok || newerThan(r, &cur) {
			latest[r.SensorKind] = r.Clone()
		}
	}
	return latest, nil
}

// newerThan captured_at 更大者为新；相同时取后写入的
func newerThan(a, b *models.SensorReading) bool {
	if !a.CapturedAt.Equal(b.CapturedAt) {
		return a.CapturedAt.After(b.CapturedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (s *MemoryReadingStore) CountByStatus(_ context.Context, userID string, statuses ...models.TransmissionStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, r := range s.readings {
		if r.UserID != userID {
			continue
		}
		for _, st := range statuses {
			if r.State.Status == st {
				count++
				break
			}
		}
	}
	return count, nil
}

func (s *MemoryReadingStore) ListUsersWithStatus(_ context.Context, status models.TransmissionStatus) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	users := make([]string, 0)
	for _, r := range s.readings {
		if r.State.Status != status || seen[r.UserID] {
			continue
		}
		seen[r.UserID] = true
		users = append(users, r.UserID)
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryReadingStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, r := range s.readings {
		if r.State.Status == models.StatusTransmitted && r.CapturedAt.Before(cutoff) {
			delete(s.readings, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryReadingStore) filter(keep func(r *models.SensorReading) bool) []models.SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.SensorReading, 0)
	for _, r := range s.readings {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sortByCapturedAt(out)
	return out
}
