// Package export 用户读数及上报状态的 Excel 审计导出
package export

import (
	"bytes"
	"fmt"
	"time"

	"watchmyparent-telemetry/internal/catalog"
	"watchmyparent-telemetry/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	ReadingsSheet = "Readings"
	SummarySheet  = "Summary"
	timeLayout    = "2006-01-02 15:04:05"
)

// ReadingsExportHeader 导出表头
var ReadingsExportHeader = []string{
	"Reading ID",
	"Sensor Type",
	"Criticality",
	"Value",
	"Unit",
	"Captured At",
	"Device ID",
	"Status",
	"Attempts",
	"Next Eligible At",
	"Last Attempt At",
	"Transmitted At",
	"Last Error",
}

var columnWidths = []float64{38, 18, 12, 10, 8, 20, 16, 14, 10, 20, 20, 20, 40}

// GenerateReadingsWorkbook 生成用户读数审计 Excel（Readings + Summary 两个工作表）
func GenerateReadingsWorkbook(userID string, readings []models.SensorReading, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(ReadingsSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeRow(f, ReadingsSheet, 1, toCells(ReadingsExportHeader)); err != nil {
		f.Close()
		return nil, err
	}
	last, _ := excelize.CoordinatesToCellName(len(ReadingsExportHeader), 1)
	if err := f.SetCellStyle(ReadingsSheet, "A1", last, headerStyle); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}

	for i, width := range columnWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(ReadingsSheet, col, col, width); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	counts := map[models.TransmissionStatus]int{}
	for i, r := range readings {
		counts[r.State.Status]++
		if err := writeRow(f, ReadingsSheet, i+2, readingCells(r)); err != nil {
			f.Close()
			return nil, err
		}
	}

	// 冻结表头
	if err := f.SetPanes(ReadingsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	if err := writeSummary(f, userID, len(readings), counts, generatedAt); err != nil {
		f.Close()
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSummary(f *excelize.File, userID string, total int, counts map[models.TransmissionStatus]int, generatedAt time.Time) error {
	if _, err := f.NewSheet(SummarySheet); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	rows := [][]interface{}{
		{"User ID", userID},
		{"Generated At", generatedAt.UTC().Format(timeLayout)},
		{"Total", total},
	}
	for _, s := range []models.TransmissionStatus{models.StatusPending, models.StatusTransmitting, models.StatusTransmitted, models.StatusFailed} {
		rows = append(rows, []interface{}{string(s), counts[s]})
	}
	for i, row := range rows {
		if err := writeRow(f, SummarySheet, i+1, row); err != nil {
			return err
		}
	}
	return f.SetColWidth(SummarySheet, "A", "A", 16)
}

func readingCells(r models.SensorReading) []interface{} {
	criticality := ""
	if catalog.Known(r.SensorKind) {
		criticality = catalog.CriticalityOf(r.SensorKind).String()
	}
	return []interface{}{
		r.ID,
		string(r.SensorKind),
		criticality,
		r.Value,
		r.Unit,
		formatTime(&r.CapturedAt),
		r.DeviceID,
		string(r.State.Status),
		r.State.AttemptCount,
		formatTime(r.State.NextEligibleAt),
		formatTime(r.State.LastAttemptAt),
		formatTime(r.State.TransmittedAt),
		r.State.LastError,
	}
}

// writeRow 写入一行，空字符串跳过
func writeRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	for col, value := range values {
		if s, ok := value.(string); ok && s == "" {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, value); err != nil {
			return fmt.Errorf("failed to set cell %s: %w", cell, err)
		}
	}
	return nil
}

func toCells(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
