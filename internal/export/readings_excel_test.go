package export

import (
	"bytes"
	"testing"
	"time"

	"watchmyparent-telemetry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestGenerateReadingsWorkbook(t *testing.T) {
	captured := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	next := captured.Add(2 * time.Minute)
	readings := []models.SensorReading{
		{
			ID: "r-1", UserID: "u-1", SensorKind: models.SensorHeartRate, Value: 72, Unit: "bpm",
			CapturedAt: captured, DeviceID: "watch-1",
			State: models.TransmissionState{Status: models.StatusPending, AttemptCount: 2, NextEligibleAt: &next, LastError: "connection refused"},
		},
		{
			ID: "r-2", UserID: "u-1", SensorKind: models.SensorSleep, Value: 410, Unit: "min",
			CapturedAt: captured.Add(time.Hour), DeviceID: "watch-1",
			State: models.TransmissionState{Status: models.StatusTransmitted},
		},
	}

	data, err := GenerateReadingsWorkbook("u-1", readings, captured.Add(24*time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, data)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{ReadingsSheet, SummarySheet}, f.GetSheetList())

	rows, err := f.GetRows(ReadingsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ReadingsExportHeader, rows[0])
	assert.Equal(t, "r-1", rows[1][0])
	assert.Equal(t, "HEART_RATE", rows[1][1])
	assert.Equal(t, "CRITICAL", rows[1][2])
	assert.Equal(t, "72", rows[1][3])
	assert.Equal(t, "2026-03-01 08:00:00", rows[1][5])
	assert.Equal(t, "PENDING", rows[1][7])
	assert.Equal(t, "2", rows[1][8])
	assert.Equal(t, "2026-03-01 08:02:00", rows[1][9])
	assert.Equal(t, "connection refused", rows[1][12])
	assert.Equal(t, "LONG_TERM", rows[2][2])

	summary, err := f.GetRows(SummarySheet)
	require.NoError(t, err)
	assert.Equal(t, []string{"User ID", "u-1"}, summary[0])
	assert.Equal(t, []string{"Total", "2"}, summary[2])
	assert.Equal(t, []string{"PENDING", "1"}, summary[3])
	assert.Equal(t, []string{"TRANSMITTED", "1"}, summary[5])
}

func TestGenerateReadingsWorkbook_Empty(t *testing.T) {
	data, err := GenerateReadingsWorkbook("u-1", nil, time.Now())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(ReadingsSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
