// Package catalog 传感器静态目录：种类 → 临床紧急程度 → 默认采样间隔 / 设备可用性
package catalog

import (
	"fmt"
	"sort"

	"watchmyparent-telemetry/internal/models"
)

// Entry 目录条目
type Entry struct {
	Kind        models.SensorKind
	DisplayName string
	Unit        string
	Criticality models.Criticality
	// SamsungHealthType Samsung Health 数据类型映射，空表示无对应类型
	SamsungHealthType string
	OnWatch           bool
	OnPhone           bool
}

var entries = map[models.SensorKind]Entry{
	models.SensorHeartRate: {
		Kind: models.SensorHeartRate, DisplayName: "Heart Rate", Unit: "bpm",
		Criticality: models.CriticalityCritical, SamsungHealthType: "com.samsung.health.heart_rate",
		OnWatch: true,
	},
	models.SensorBloodOxygen: {
		Kind: models.SensorBloodOxygen, DisplayName: "Blood Oxygen", Unit: "%",
		Criticality: models.CriticalityCritical, SamsungHealthType: "com.samsung.health.oxygen_saturation",
		OnWatch: true,
	},
	models.SensorFallDetection: {
		Kind: models.SensorFallDetection, DisplayName: "Fall Detection", Unit: "event",
		Criticality: models.CriticalityCritical,
		OnWatch: true, OnPhone: true,
	},
	models.SensorECG: {
		Kind: models.SensorECG, DisplayName: "ECG", Unit: "mV",
		Criticality: models.CriticalityCritical, SamsungHealthType: "com.samsung.health.ecg",
		OnWatch: true,
	},
	models.SensorBloodPressure: {
		Kind: models.SensorBloodPressure, DisplayName: "Blood Pressure", Unit: "mmHg",
		Criticality: models.CriticalityImportant, SamsungHealthType: "com.samsung.health.blood_pressure",
		OnWatch: true,
	},
	models.SensorBodyTemperature: {
		Kind: models.SensorBodyTemperature, DisplayName: "Body Temperature", Unit: "°C",
		Criticality: models.CriticalityImportant, SamsungHealthType: "com.samsung.health.body_temperature",
		OnWatch: true,
	},
	models.SensorAccelerometer: {
		Kind: models.SensorAccelerometer, DisplayName: "Accelerometer", Unit: "m/s²",
		Criticality: models.CriticalityImportant,
		OnWatch: true, OnPhone: true,
	},
	models.SensorGyroscope: {
		Kind: models.SensorGyroscope, DisplayName: "Gyroscope", Unit: "rad/s",
		Criticality: models.CriticalityImportant,
		OnWatch: true, OnPhone: true,
	},
	models.SensorLocation: {
		Kind: models.SensorLocation, DisplayName: "Location", Unit: "m",
		Criticality: models.CriticalityImportant,
		OnPhone: true,
	},
	models.SensorSteps: {
		Kind: models.SensorSteps, DisplayName: "Steps", Unit: "steps",
		Criticality: models.CriticalityRegular, SamsungHealthType: "com.samsung.shealth.step_daily_trend",
		OnWatch: true, OnPhone: true,
	},
	models.SensorStress: {
		Kind: models.SensorStress, DisplayName: "Stress", Unit: "score",
		Criticality: models.CriticalityRegular, SamsungHealthType: "com.samsung.shealth.stress",
		OnWatch: true,
	},
	models.SensorCalories: {
		Kind: models.SensorCalories, DisplayName: "Calories", Unit: "kcal",
		Criticality: models.CriticalityRegular, SamsungHealthType: "com.samsung.shealth.calories_burned",
		OnWatch: true, OnPhone: true,
	},
	models.SensorSleep: {
		Kind: models.SensorSleep, DisplayName: "Sleep", Unit: "min",
		Criticality: models.CriticalityLongTerm, SamsungHealthType: "com.samsung.health.sleep",
		OnWatch: true,
	},
	models.SensorWeight: {
		Kind: models.SensorWeight, DisplayName: "Weight", Unit: "kg",
		Criticality: models.CriticalityLongTerm, SamsungHealthType: "com.samsung.health.weight",
		OnPhone: true,
	},
}

// Get 获取条目；未知种类属于编程错误，直接 panic
func Get(kind models.SensorKind) Entry {
	e, ok := entries[kind]
	if !ok {
		panic(fmt.Sprintf("catalog: unknown sensor kind %q", string(kind)))
	}
	return e
}

// Lookup 按编码查找（用于解析外部输入）
func Lookup(code string) (Entry, bool) {
	e, ok := entries[models.ParseSensorKind(code)]
	return e, ok
}

// Known 是否为目录中的种类
func Known(kind models.SensorKind) bool {
	_, ok := entries[kind]
	return ok
}

// All 按 (criticality, code) 排序返回所有条目
func All() []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Criticality != out[j].Criticality {
			return out[i].Criticality < out[j].Criticality
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// CriticalityOf 传感器的临床紧急程度
func CriticalityOf(kind models.SensorKind) models.Criticality {
	return Get(kind).Criticality
}

// DefaultCadenceSeconds 传感器默认采样间隔（秒）
func DefaultCadenceSeconds(kind models.SensorKind) int {
	return Get(kind).Criticality.DefaultCadenceSeconds()
}

// UnitOf 传感器的计量单位
func UnitOf(kind models.SensorKind) string {
	return Get(kind).Unit
}

// IsAvailableOnDevice 传感器是否存在于该类设备上
func IsAvailableOnDevice(kind models.SensorKind, class models.DeviceClass) bool {
	e := Get(kind)
	switch class {
	case models.DeviceWatch:
		return e.OnWatch
	case models.DevicePhone:
		return e.OnPhone
	default:
		return false
	}
}

// FrequencyBounds 传感器允许的采样频率范围（秒）
func FrequencyBounds(kind models.SensorKind) (min, max int) {
	return Get(kind).Criticality.FrequencyBounds()
}

// ClampFrequency 将用户配置的频率限制到允许范围
func ClampFrequency(kind models.SensorKind, seconds int) int {
	min, max := FrequencyBounds(kind)
	if seconds < min {
		return min
	}
	if seconds > max {
		return max
	}
	return seconds
}
