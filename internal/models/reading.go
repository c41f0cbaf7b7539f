package models

import (
	"time"
)

// TransmissionStatus 上报状态
type TransmissionStatus string

const (
	StatusPending      TransmissionStatus = "PENDING"
	StatusTransmitting TransmissionStatus = "TRANSMITTING"
	StatusTransmitted  TransmissionStatus = "TRANSMITTED"
	StatusFailed       TransmissionStatus = "FAILED"
)

// Valid 是否为已知状态
func (s TransmissionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusTransmitting, StatusTransmitted, StatusFailed:
		return true
	}
	return false
}

// TransmissionState 读数上的可变上报状态，只能经由 ReadingStore 的迁移检查修改
type TransmissionState struct {
	Status         TransmissionStatus `json:"status"`
	TransmittedAt  *time.Time         `json:"transmitted_at,omitempty"`
	AttemptCount   int                `json:"attempt_count"`
	NextEligibleAt *time.Time         `json:"next_eligible_at,omitempty"`
	LastAttemptAt  *time.Time         `json:"last_attempt_at,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// EligibleAt 是否在 now 时刻可被再次发送
func (s TransmissionState) EligibleAt(now time.Time) bool {
	return s.NextEligibleAt == nil || !s.NextEligibleAt.After(now)
}

// SensorReading 一次传感器读数；创建后除 State 外不可变
type SensorReading struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	SensorKind SensorKind        `json:"sensor_type"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit"`
	CapturedAt time.Time         `json:"captured_at"`
	DeviceID   string            `json:"device_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`

	State TransmissionState `json:"transmission"`
}

// Clone 深拷贝（内存仓库对外只返回副本）
func (r SensorReading) Clone() SensorReading {
	out := r
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	out.State.TransmittedAt = cloneTime(r.State.TransmittedAt)
	out.State.NextEligibleAt = cloneTime(r.State.NextEligibleAt)
	out.State.LastAttemptAt = cloneTime(r.State.LastAttemptAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SensorConfiguration 用户对某个传感器的采样配置，(UserID, SensorKind) 唯一
type SensorConfiguration struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	SensorKind       SensorKind `json:"sensor_type"`
	Enabled          bool       `json:"enabled"`
	FrequencySeconds int        `json:"frequency_seconds"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
