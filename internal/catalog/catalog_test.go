package catalog

import (
	"testing"

	"watchmyparent-telemetry/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestCriticalityOf(t *testing.T) {
	assert.Equal(t, models.CriticalityCritical, CriticalityOf(models.SensorHeartRate))
	assert.Equal(t, models.CriticalityCritical, CriticalityOf(models.SensorFallDetection))
	assert.Equal(t, models.CriticalityImportant, CriticalityOf(models.SensorLocation))
	assert.Equal(t, models.CriticalityRegular, CriticalityOf(models.SensorSteps))
	assert.Equal(t, models.CriticalityLongTerm, CriticalityOf(models.SensorSleep))
}

func TestDefaultCadenceSeconds(t *testing.T) {
	assert.Equal(t, 30, DefaultCadenceSeconds(models.SensorHeartRate))
	assert.Equal(t, 120, DefaultCadenceSeconds(models.SensorBloodPressure))
	assert.Equal(t, 300, DefaultCadenceSeconds(models.SensorStress))
	assert.Equal(t, 900, DefaultCadenceSeconds(models.SensorWeight))
}

func TestIsAvailableOnDevice(t *testing.T) {
	assert.True(t, IsAvailableOnDevice(models.SensorHeartRate, models.DeviceWatch))
	assert.False(t, IsAvailableOnDevice(models.SensorHeartRate, models.DevicePhone))
	assert.True(t, IsAvailableOnDevice(models.SensorLocation, models.DevicePhone))
	assert.False(t, IsAvailableOnDevice(models.SensorLocation, models.DeviceWatch))
	assert.True(t, IsAvailableOnDevice(models.SensorSteps, models.DevicePhone))
	assert.False(t, IsAvailableOnDevice(models.SensorSteps, models.DeviceClass("TABLET")))
}

func TestClampFrequency(t *testing.T) {
	// 关键传感器不允许很长的间隔
	assert.Equal(t, 300, ClampFrequency(models.SensorHeartRate, 3600))
	assert.Equal(t, 10, ClampFrequency(models.SensorHeartRate, 1))
	assert.Equal(t, 45, ClampFrequency(models.SensorHeartRate, 45))
	assert.Equal(t, 86400, ClampFrequency(models.SensorSleep, 100000))
}

func TestUnknownKindPanics(t *testing.T) {
	assert.Panics(t, func() { CriticalityOf(models.SensorKind("TELEPATHY")) })
	assert.False(t, Known(models.SensorKind("TELEPATHY")))
}

func TestLookupAndAll(t *testing.T) {
	e, ok := Lookup("blood_oxygen")
	assert.True(t, ok)
	assert.Equal(t, "%", e.Unit)

	all := All()
	assert.Len(t, all, 14)
	assert.Equal(t, models.CriticalityCritical, all[0].Criticality)
	assert.Equal(t, models.CriticalityLongTerm, all[len(all)-1].Criticality)

	// 每个种类必须至少在一类设备上存在
	for _, e := range all {
		assert.True(t, e.OnWatch || e.OnPhone, string(e.Kind))
		assert.NotEmpty(t, e.Unit, string(e.Kind))
	}
}
