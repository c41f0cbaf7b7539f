package repository

import (
	"context"
	"testing"
	"time"

	"watchmyparent-telemetry/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemorySensorConfigRepo_UpsertClampsAndKeepsIdentity(t *testing.T) {
	repo := NewMemorySensorConfigRepo()
	ctx := context.Background()

	first, err := repo.Upsert(ctx, models.SensorConfiguration{
		UserID:           "u-1",
		SensorKind:       models.SensorHeartRate,
		Enabled:          true,
		FrequencySeconds: 1,
	})
	require.NoError(t, err)
	// CRITICAL 最小 10 秒
	assert.Equal(t, 10, first.FrequencySeconds)

	second, err := repo.Upsert(ctx, models.SensorConfiguration{
		UserID:           "u-1",
		SensorKind:       models.SensorHeartRate,
		Enabled:          false,
		FrequencySeconds: 100000,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 300, second.FrequencySeconds)
	assert.False(t, second.Enabled)

	all, err := repo.FindByUserID(ctx, "u-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemorySensorConfigRepo_DefaultFrequency(t *testing.T) {
	repo := NewMemorySensorConfigRepo()
	cfg, err := repo.Upsert(context.Background(), models.SensorConfiguration{
		UserID:     "u-1",
		SensorKind: models.SensorWeight,
		Enabled:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.CriticalityLongTerm.DefaultCadenceSeconds(), cfg.FrequencySeconds)
}

func TestMemorySensorConfigRepo_RejectsUnknownSensor(t *testing.T) {
	repo := NewMemorySensorConfigRepo()
	_, err := repo.Upsert(context.Background(), models.SensorConfiguration{
		UserID:     "u-1",
		SensorKind: models.SensorKind("GLUCOSE"),
	})
	assert.Error(t, err)
}

func TestMemorySensorConfigRepo_EnabledAndUsers(t *testing.T) {
	repo := NewMemorySensorConfigRepo()
	ctx := context.Background()
	for _, c := range []models.SensorConfiguration{
		{UserID: "u-2", SensorKind: models.SensorSteps, Enabled: true},
		{UserID: "u-1", SensorKind: models.SensorSteps, Enabled: true},
		{UserID: "u-1", SensorKind: models.SensorSleep, Enabled: false},
		{UserID: "u-3", SensorKind: models.SensorSleep, Enabled: false},
	} {
		_, err := repo.Upsert(ctx, c)
		require.NoError(t, err)
	}

	enabled, err := repo.FindEnabledByUserID(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, models.SensorSteps, enabled[0].SensorKind)

	users, err := repo.ListUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u-1", "u-2"}, users)

	require.NoError(t, repo.Delete(ctx, "u-1", models.SensorSteps))
	assert.ErrorIs(t, repo.Delete(ctx, "u-1", models.SensorSteps), ErrNotFound)

	_, err = repo.FindByUserIDAndSensorType(ctx, "u-1", models.SensorSteps)
	assert.ErrorIs(t, err, ErrNotFound)
}

var configColumnNames = []string{"id", "user_id", "sensor_type", "enabled", "frequency_seconds", "created_at", "updated_at"}

func setupMockConfigDB(t *testing.T) (sqlmock.Sqlmock, *PostgresSensorConfigRepo, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresSensorConfigRepo(db, zap.NewNop())
	repo.now = func() time.Time { return t0 }
	return mock, repo, func() { db.Close() }
}

func TestPostgresSensorConfigRepo_Upsert(t *testing.T) {
	mock, repo, done := setupMockConfigDB(t)
	defer done()

	mock.ExpectQuery(`INSERT INTO sensor_configurations`).
		WithArgs("cfg-1", "u-1", "HEART_RATE", true, 300, t0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("cfg-existing", t0.Add(-time.Hour), t0))

	cfg, err := repo.Upsert(context.Background(), models.SensorConfiguration{
		ID:               "cfg-1",
		UserID:           "u-1",
		SensorKind:       models.SensorHeartRate,
		Enabled:          true,
		FrequencySeconds: 900,
	})
	require.NoError(t, err)
	assert.Equal(t, "cfg-existing", cfg.ID)
	assert.Equal(t, 300, cfg.FrequencySeconds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSensorConfigRepo_FindEnabledByUserID(t *testing.T) {
	mock, repo, done := setupMockConfigDB(t)
	defer done()

	mock.ExpectQuery(`enabled = TRUE`).
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows(configColumnNames).
			AddRow("c-1", "u-1", "HEART_RATE", true, 30, t0, t0).
			AddRow("c-2", "u-1", "STEPS", true, 600, t0, t0))

	configs, err := repo.FindEnabledByUserID(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, models.SensorSteps, configs[1].SensorKind)
	assert.Equal(t, 600, configs[1].FrequencySeconds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSensorConfigRepo_FindNotFound(t *testing.T) {
	mock, repo, done := setupMockConfigDB(t)
	defer done()

	mock.ExpectQuery(`FROM sensor_configurations`).
		WithArgs("u-1", "ECG").
		WillReturnRows(sqlmock.NewRows(configColumnNames))

	_, err := repo.FindByUserIDAndSensorType(context.Background(), "u-1", models.SensorECG)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSensorConfigRepo_ListUserIDsAndDelete(t *testing.T) {
	mock, repo, done := setupMockConfigDB(t)
	defer done()

	mock.ExpectQuery(`SELECT DISTINCT user_id`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u-1").AddRow("u-2"))
	mock.ExpectExec(`DELETE FROM sensor_configurations`).
		WithArgs("u-1", "ECG").
		WillReturnResult(sqlmock.NewResult(0, 0))

	users, err := repo.ListUserIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u-1", "u-2"}, users)

	err = repo.Delete(context.Background(), "u-1", models.SensorECG)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
