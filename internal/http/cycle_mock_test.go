package httpapi

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"watchmyparent-telemetry/internal/metrics"
	"watchmyparent-telemetry/internal/repository"
	"watchmyparent-telemetry/internal/scheduler"
	"watchmyparent-telemetry/internal/transmission"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockCycleService is a mock implementation of CycleService
type MockCycleService struct {
	mock.Mock
}

func (m *MockCycleService) RunCycle(ctx context.Context, userID string) (int, error) {
	args := m.Called(userID)
	return args.Int(0), args.Error(1)
}

func (m *MockCycleService) RequeueFailed(ctx context.Context, userID string) (bool, error) {
	args := m.Called(userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockCycleService) PendingCount(ctx context.Context, userID string) (int, error) {
	args := m.Called(userID)
	return args.Int(0), args.Error(1)
}

func setupMockRouter(t *testing.T) (*fixture, *MockCycleService) {
	t.Helper()
	store := repository.NewMemoryReadingStore()
	configs := repository.NewMemorySensorConfigRepo()
	mockCycles := new(MockCycleService)
	h := NewTelemetryHandler(mockCycles, storeLatest{store}, scheduler.New(configs, store, zap.NewNop()), configs, store, zap.NewNop())
	h.now = func() time.Time { return now }
	return &fixture{
		router:  NewRouter(h, metrics.New(), zap.NewNop()),
		store:   store,
		configs: configs,
	}, mockCycles
}

func TestRetryFailed_CycleInProgressStillOK(t *testing.T) {
	f, mockCycles := setupMockRouter(t)
	mockCycles.On("RequeueFailed", "u-7").Return(true, nil)
	mockCycles.On("RunCycle", "u-7").Return(0, transmission.ErrCycleInProgress)

	rec := f.do(t, http.MethodPost, "/api/v1/users/u-7/retry-failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode(t, rec)
	assert.Equal(t, true, res.Result["requeued"])
	assert.Equal(t, 0.0, res.Result["transmitted"])

	mockCycles.AssertExpectations(t)
}

func TestRetryFailed_RequeueErrorSkipsCycle(t *testing.T) {
	f, mockCycles := setupMockRouter(t)
	mockCycles.On("RequeueFailed", "u-7").Return(false, errors.New("db down"))

	rec := f.do(t, http.MethodPost, "/api/v1/users/u-7/retry-failed", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	mockCycles.AssertExpectations(t)
	mockCycles.AssertNotCalled(t, "RunCycle", mock.Anything)
}

func TestPendingCount_Error(t *testing.T) {
	f, mockCycles := setupMockRouter(t)
	mockCycles.On("PendingCount", "u-7").Return(0, errors.New("db down"))

	rec := f.do(t, http.MethodGet, "/api/v1/users/u-7/pending-count", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ResultError, decode(t, rec).Code)

	mockCycles.AssertExpectations(t)
}
