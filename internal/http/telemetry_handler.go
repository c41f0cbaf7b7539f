package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"watchmyparent-telemetry/internal/catalog"
	"watchmyparent-telemetry/internal/export"
	"watchmyparent-telemetry/internal/models"
	"watchmyparent-telemetry/internal/repository"
	"watchmyparent-telemetry/internal/scheduler"
	"watchmyparent-telemetry/internal/transmission"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// CycleService 上报周期控制（service.RelayService）
type CycleService interface {
	RunCycle(ctx context.Context, userID string) (int, error)
	RequeueFailed(ctx context.Context, userID string) (bool, error)
	PendingCount(ctx context.Context, userID string) (int, error)
}

// LatestReader 最新读数
type LatestReader interface {
	Latest(ctx context.Context, userID string) (map[models.SensorKind]models.SensorReading, error)
}

// ScheduleReader 采集进度
type ScheduleReader interface {
	Schedule(ctx context.Context, userID string, now time.Time) ([]scheduler.SensorSchedule, error)
}

// TelemetryHandler 遥测中继管理接口
type TelemetryHandler struct {
	cycles   CycleService
	latest   LatestReader
	schedule ScheduleReader
	configs  repository.SensorConfigurationRepository
	readings repository.ReadingStore
	logger   *zap.Logger
	now      func() time.Time
}

func NewTelemetryHandler(
	cycles CycleService,
	latest LatestReader,
	schedule ScheduleReader,
	configs repository.SensorConfigurationRepository,
	readings repository.ReadingStore,
	logger *zap.Logger,
) *TelemetryHandler {
	return &TelemetryHandler{
		cycles:   cycles,
		latest:   latest,
		schedule: schedule,
		configs:  configs,
		readings: readings,
		logger:   logger,
		now:      time.Now,
	}
}

func (h *TelemetryHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondOK(w, map[string]string{
		"status":  "ok",
		"service": "telemetry-relay",
	})
}

// GET /api/v1/users/{user_id}/pending-count
func (h *TelemetryHandler) PendingCount(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	n, err := h.cycles.PendingCount(r.Context(), userID)
	if err != nil {
		h.internalError(w, "count pending readings", userID, err)
		return
	}
	respondOK(w, map[string]any{"user_id": userID, "pending": n})
}

// POST /api/v1/users/{user_id}/transmit
func (h *TelemetryHandler) Transmit(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	n, err := h.cycles.RunCycle(r.Context(), userID)
	if err != nil {
		if errors.Is(err, transmission.ErrCycleInProgress) {
			respondError(w, http.StatusConflict, "transmission cycle already in progress")
			return
		}
		h.internalError(w, "transmit", userID, err)
		return
	}
	respondOK(w, map[string]any{"user_id": userID, "transmitted": n})
}

// POST /api/v1/users/{user_id}/retry-failed
// FAILED 重新入队后立即尝试一次周期；周期正在进行时只返回入队结果
func (h *TelemetryHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	requeued, err := h.cycles.RequeueFailed(r.Context(), userID)
	if err != nil {
		h.internalError(w, "re-queue failed readings", userID, err)
		return
	}

	transmitted := 0
	if requeued {
		n, err := h.cycles.RunCycle(r.Context(), userID)
		switch {
		case errors.Is(err, transmission.ErrCycleInProgress):
		case err != nil:
			h.logger.Warn("Cycle after re-queue failed",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		default:
			transmitted = n
		}
	}
	respondOK(w, map[string]any{
		"user_id":     userID,
		"requeued":    requeued,
		"transmitted": transmitted,
	})
}

// GET /api/v1/users/{user_id}/latest
func (h *TelemetryHandler) Latest(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	latest, err := h.latest.Latest(r.Context(), userID)
	if err != nil {
		h.internalError(w, "load latest readings", userID, err)
		return
	}
	respondOK(w, latest)
}

// GET /api/v1/users/{user_id}/due-sensors
func (h *TelemetryHandler) DueSensors(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	schedule, err := h.schedule.Schedule(r.Context(), userID, h.now())
	if err != nil {
		h.internalError(w, "compute due sensors", userID, err)
		return
	}
	respondOK(w, schedule)
}

// GET /api/v1/users/{user_id}/sensors
func (h *TelemetryHandler) ListSensors(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	configs, err := h.configs.FindByUserID(r.Context(), userID)
	if err != nil {
		h.internalError(w, "list sensors", userID, err)
		return
	}
	respondOK(w, configs)
}

type sensorConfigRequest struct {
	Enabled          *bool `json:"enabled"`
	FrequencySeconds int   `json:"frequency_seconds"`
}

// PUT /api/v1/users/{user_id}/sensors/{sensor_type}
func (h *TelemetryHandler) PutSensor(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID := vars["user_id"]

	entry, ok := catalog.Lookup(vars["sensor_type"])
	if !ok {
		respond(w, http.StatusBadRequest, Failf("unknown sensor type %q", vars["sensor_type"]))
		return
	}

	var req sensorConfigRequest
	if err := decodeBody(w, r, maxSensorConfigBody, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FrequencySeconds < 0 {
		respondError(w, http.StatusBadRequest, "frequency_seconds must be positive")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	saved, err := h.configs.Upsert(r.Context(), models.SensorConfiguration{
		UserID:           userID,
		SensorKind:       entry.Kind,
		Enabled:          enabled,
		FrequencySeconds: req.FrequencySeconds,
	})
	if err != nil {
		h.internalError(w, "save sensor configuration", userID, err)
		return
	}

	h.logger.Info("Sensor configuration saved",
		zap.String("user_id", userID),
		zap.String("sensor_type", string(entry.Kind)),
		zap.Bool("enabled", saved.Enabled),
		zap.Int("frequency_seconds", saved.FrequencySeconds),
	)
	respondOK(w, saved)
}

// DELETE /api/v1/users/{user_id}/sensors/{sensor_type}
func (h *TelemetryHandler) DeleteSensor(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID := vars["user_id"]
	entry, ok := catalog.Lookup(vars["sensor_type"])
	if !ok {
		respond(w, http.StatusBadRequest, Failf("unknown sensor type %q", vars["sensor_type"]))
		return
	}

	if err := h.configs.Delete(r.Context(), userID, entry.Kind); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "sensor configuration not found")
			return
		}
		h.internalError(w, "delete sensor configuration", userID, err)
		return
	}
	respondOK(w, map[string]any{"user_id": userID, "sensor_type": entry.Kind})
}

// GET /api/v1/users/{user_id}/export
func (h *TelemetryHandler) Export(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	readings, err := h.readings.FindByUserID(r.Context(), userID)
	if err != nil {
		h.internalError(w, "export", userID, err)
		return
	}

	now := h.now()
	data, err := export.GenerateReadingsWorkbook(userID, readings, now)
	if err != nil {
		h.internalError(w, "export", userID, err)
		return
	}

	filename := fmt.Sprintf("readings_%s_%s.xlsx", userID, now.UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *TelemetryHandler) internalError(w http.ResponseWriter, op, userID string, err error) {
	h.logger.Error("Request failed",
		zap.String("operation", op),
		zap.String("user_id", userID),
		zap.Error(err),
	)
	respond(w, http.StatusInternalServerError, Failf("failed to %s", op))
}
