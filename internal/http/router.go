package httpapi

import (
	"net/http"
	"time"

	"watchmyparent-telemetry/internal/metrics"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// NewRouter 注册管理接口；每个路由以模板名记录请求指标
func NewRouter(h *TelemetryHandler, m *metrics.Metrics, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(accessLog(logger))

	handle := func(router *mux.Router, path string, fn http.HandlerFunc, route string, methods ...string) {
		router.Handle(path, m.WrapHandler(route, fn)).Methods(methods...)
	}

	handle(r, "/health", h.Health, "/health", http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1/users/{user_id}").Subrouter()
	handle(api, "/pending-count", h.PendingCount, "/api/v1/users/{user_id}/pending-count", http.MethodGet)
	handle(api, "/transmit", h.Transmit, "/api/v1/users/{user_id}/transmit", http.MethodPost)
	handle(api, "/retry-failed", h.RetryFailed, "/api/v1/users/{user_id}/retry-failed", http.MethodPost)
	handle(api, "/latest", h.Latest, "/api/v1/users/{user_id}/latest", http.MethodGet)
	handle(api, "/due-sensors", h.DueSensors, "/api/v1/users/{user_id}/due-sensors", http.MethodGet)
	handle(api, "/sensors", h.ListSensors, "/api/v1/users/{user_id}/sensors", http.MethodGet)
	handle(api, "/sensors/{sensor_type}", h.PutSensor, "/api/v1/users/{user_id}/sensors/{sensor_type}", http.MethodPut)
	handle(api, "/sensors/{sensor_type}", h.DeleteSensor, "/api/v1/users/{user_id}/sensors/{sensor_type}", http.MethodDelete)
	handle(api, "/export", h.Export, "/api/v1/users/{user_id}/export", http.MethodGet)

	return r
}

func accessLog(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
