package models

import (
	"errors"
	"fmt"
)

// ErrSensorUnavailable 传感器在当前设备上不可用或没有新样本
var ErrSensorUnavailable = errors.New("sensor unavailable")

// AcquisitionError 采集失败（权限、无定位、传感器不可用等），非致命：本周期跳过
type AcquisitionError struct {
	SensorKind SensorKind
	Err        error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquisition of %s failed: %v", e.SensorKind, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// TransmissionError 发送失败；Retryable=false 表示后端明确拒绝（仍计入尝试次数）
type TransmissionError struct {
	ReadingID  string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransmissionError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transmission of %s failed (status %d): %v", e.ReadingID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transmission of %s failed: %v", e.ReadingID, e.Err)
}

func (e *TransmissionError) Unwrap() error { return e.Err }

// IsAcquisitionError 判断是否为采集错误
func IsAcquisitionError(err error) bool {
	var ae *AcquisitionError
	return errors.As(err, &ae)
}
