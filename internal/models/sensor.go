package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SensorKind 传感器种类（稳定的字符串编码，用于存储与上报）
type SensorKind string

const (
	SensorHeartRate       SensorKind = "HEART_RATE"
	SensorBloodOxygen     SensorKind = "BLOOD_OXYGEN"
	SensorFallDetection   SensorKind = "FALL_DETECTION"
	SensorECG             SensorKind = "ECG"
	SensorBloodPressure   SensorKind = "BLOOD_PRESSURE"
	SensorBodyTemperature SensorKind = "BODY_TEMPERATURE"
	SensorAccelerometer   SensorKind = "ACCELEROMETER"
	SensorGyroscope       SensorKind = "GYROSCOPE"
	SensorLocation        SensorKind = "LOCATION"
	SensorSteps           SensorKind = "STEPS"
	SensorStress          SensorKind = "STRESS"
	SensorCalories        SensorKind = "CALORIES"
	SensorSleep           SensorKind = "SLEEP"
	SensorWeight          SensorKind = "WEIGHT"
)

// Code 返回稳定编码
func (k SensorKind) Code() string { return string(k) }

// ParseSensorKind 解析编码（大小写不敏感），不校验是否在目录中
func ParseSensorKind(s string) SensorKind {
	return SensorKind(strings.ToUpper(strings.TrimSpace(s)))
}

// Criticality 临床紧急程度，数值越小越紧急（排序时 CRITICAL 在前）
type Criticality int

const (
	CriticalityCritical Criticality = iota
	CriticalityImportant
	CriticalityRegular
	CriticalityLongTerm
)

var criticalityNames = [...]string{"CRITICAL", "IMPORTANT", "REGULAR", "LONG_TERM"}

// 各级别默认采样间隔（秒）
var defaultCadenceSeconds = [...]int{30, 120, 300, 900}

// 各级别允许的频率范围（秒），关键传感器不允许过长的间隔
var frequencyBounds = [...][2]int{
	{10, 300},
	{30, 1800},
	{60, 3600},
	{300, 86400},
}

func (c Criticality) valid() bool {
	return c >= CriticalityCritical && c <= CriticalityLongTerm
}

func (c Criticality) String() string {
	if !c.valid() {
		return fmt.Sprintf("Criticality(%d)", int(c))
	}
	return criticalityNames[c]
}

// MarshalJSON 以名称输出
func (c Criticality) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// DefaultCadenceSeconds 该级别默认采样间隔
func (c Criticality) DefaultCadenceSeconds() int {
	if !c.valid() {
		panic(fmt.Sprintf("models: unknown criticality %d", int(c)))
	}
	return defaultCadenceSeconds[c]
}

// FrequencyBounds 该级别允许的 [min,max] 频率
func (c Criticality) FrequencyBounds() (min, max int) {
	if !c.valid() {
		panic(fmt.Sprintf("models: unknown criticality %d", int(c)))
	}
	b := frequencyBounds[c]
	return b[0], b[1]
}

// DeviceClass 设备类别
type DeviceClass string

const (
	DeviceWatch DeviceClass = "WATCH"
	DevicePhone DeviceClass = "PHONE"
)
