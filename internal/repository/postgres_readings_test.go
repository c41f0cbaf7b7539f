package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"watchmyparent-telemetry/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var readingColumnNames = []string{
	"id", "user_id", "sensor_type", "value", "unit", "captured_at", "device_id", "metadata", "created_at",
	"transmission_status", "transmitted_at", "attempt_count", "next_eligible_at", "last_attempt_at",
	"last_error", "updated_at",
}

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresReadingStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresReadingStore(db, zap.NewNop())
	repo.now = func() time.Time { return t0 }

	return db, mock, repo
}

func readingRow(id, status string, attempts int) []driver.Value {
	return []driver.Value{
		id, "u-1", "HEART_RATE", 72.0, "bpm", t0, "watch-1", []byte(`{"source":"watch"}`), t0,
		status, nil, attempts, nil, nil, "", t0,
	}
}

func TestPostgresReadingStore_Insert(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO sensor_readings`).
		WithArgs("r-1", "u-1", "HEART_RATE", 72.0, "bpm", t0, "watch-1", sqlmock.AnyArg(), t0, "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := repo.Insert(context.Background(), newReading("r-1", "u-1", models.SensorHeartRate, t0))
	require.NoError(t, err)
	assert.Equal(t, "r-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingStore_InsertDuplicateKey(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO sensor_readings`).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	_, err := repo.Insert(context.Background(), newReading("r-1", "u-1", models.SensorHeartRate, t0))
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingStore_InsertRejectsUnknownKind(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	_, err := repo.Insert(context.Background(), newReading("r-1", "u-1", models.SensorKind("BOGUS"), t0))
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingStore_GetNotFound(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`FROM sensor_readings WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(readingColumnNames))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingStore_ApplyTransition_Pickup(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	occurred := t0.Add(time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows(readingColumnNames).AddRow(readingRow("r-1", "PENDING", 0)...))
	mock.ExpectExec(`UPDATE sensor_readings`).
		WithArgs("r-1", "TRANSMITTING", sqlmock.AnyArg(), 0, sqlmock.AnyArg(), sqlmock.AnyArg(), "", occurred).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r, err := repo.ApplyTransition(context.Background(), "r-1", StatusChange{To: models.StatusTransmitting, OccurredAt: occurred})
	require.NoError(t, err)
	assert.Equal(t, models.StatusTransmitting, r.State.Status)
	require.NotNil(t, r.State.LastAttemptAt)
	assert.True(t, r.State.LastAttemptAt.Equal(occurred))
	assert.Equal(t, "watch", r.Metadata["source"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingStore_ApplyTransition_FailureIncrementsAttempt(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	next := t0.Add(2 * time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows(readingColumnNames).AddRow(readingRow("r-1", "TRANSMITTING", 1)...))
	mock.ExpectExec(`UPDATE sensor_readings`).
		WithArgs("r-1", "PENDING", sqlmock.AnyArg(), 2, sqlmock.AnyArg(), sqlmock.AnyArg(), "timeout", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r, err := repo.ApplyTransition(context.Background(), "r-1", StatusChange{
		To:               models.StatusPending,
		OccurredAt:       t0,
		IncrementAttempt: true,
		NextEligibleAt:   &next,
		LastError:        "timeout",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.State.AttemptCount)
	assert.True(t, r.State.NextEligibleAt.Equal(next))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingStore_ApplyTransition_InvalidRollsBack(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows(readingColumnNames).AddRow(readingRow("r-1", "TRANSMITTED", 1)...))
	mock.ExpectRollback()

	_, err := repo.ApplyTransition(context.Background(), "r-1", StatusChange{To: models.StatusPending, OccurredAt: t0})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, models.StatusTransmitted, invalid.From)
	assert.Equal(t, models.StatusPending, invalid.To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingStore_ApplyTransition_NotFound(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(readingColumnNames))
	mock.ExpectRollback()

	_, err := repo.ApplyTransition(context.Background(), "missing", StatusChange{To: models.StatusTransmitting, OccurredAt: t0})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingStore_FindPendingTransmissions(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`WHERE user_id = \$1 AND transmission_status = \$2`).
		WithArgs("u-1", "PENDING").
		WillReturnRows(sqlmock.NewRows(readingColumnNames).
			AddRow(readingRow("r-1", "PENDING", 0)...).
			AddRow(readingRow("r-2", "PENDING", 3)...))

	readings, err := repo.FindPendingTransmissions(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, "r-1", readings[0].ID)
	assert.Equal(t, 3, readings[1].State.AttemptCount)
	assert.Nil(t, readings[1].State.NextEligibleAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingStore_FindLatestPerSensor(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	hr := readingRow("hr", "PENDING", 0)
	sleep := readingRow("sleep", "TRANSMITTED", 0)
	sleep[2] = "SLEEP"
	sleep[10] = t0

	mock.ExpectQuery(`SELECT DISTINCT ON \(sensor_type\)`).
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows(readingColumnNames).AddRow(hr...).AddRow(sleep...))

	latest, err := repo.FindLatestPerSensor(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Len(t, latest, 2)
	assert.Equal(t, "hr", latest[models.SensorHeartRate].ID)
	require.NotNil(t, latest[models.SensorSleep].State.TransmittedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingStore_CountByStatus(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sensor_readings`).
		WithArgs("u-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := repo.CountByStatus(context.Background(), "u-1", models.StatusPending, models.StatusTransmitting)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingStore_CountByStatusNoStatuses(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	n, err := repo.CountByStatus(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingStore_ListUsersWithStatus(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT DISTINCT user_id FROM sensor_readings WHERE transmission_status = \$1 ORDER BY user_id`).
		WithArgs("PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u-1").AddRow("u-2"))

	users, err := repo.ListUsersWithStatus(context.Background(), models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, []string{"u-1", "u-2"}, users)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingStore_ListUsersWithStatusError(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT DISTINCT user_id`).
		WithArgs("PENDING").
		WillReturnError(errors.New("connection reset"))

	_, err := repo.ListUsersWithStatus(context.Background(), models.StatusPending)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadingStore_PurgeOlderThan(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	cutoff := t0.Add(-24 * time.Hour)
	mock.ExpectExec(`DELETE FROM sensor_readings`).
		WithArgs("TRANSMITTED", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.PurgeOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for range schemaStatements {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, EnsureSchema(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
