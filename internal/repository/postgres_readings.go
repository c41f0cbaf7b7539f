package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"watchmyparent-telemetry/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// uniqueViolation PostgreSQL unique_violation
const uniqueViolation = "23505"

const readingColumns = `
	id, user_id, sensor_type, value, unit, captured_at, device_id, metadata, created_at,
	transmission_status, transmitted_at, attempt_count, next_eligible_at, last_attempt_at,
	last_error, updated_at`

// PostgresReadingStore sensor_readings 表上的 ReadingStore 实现
type PostgresReadingStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewPostgresReadingStore 创建 PostgreSQL 读数仓库
func NewPostgresReadingStore(db *sql.DB, logger *zap.Logger) *PostgresReadingStore {
	return &PostgresReadingStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Insert 插入读数，状态固定为 PENDING
func (r *PostgresReadingStore) Insert(ctx context.Context, reading models.SensorReading) (string, error) {
	if err := validateReading(reading); err != nil {
		return "", err
	}
	if reading.ID == "" {
		reading.ID = uuid.NewString()
	}

	var metadata []byte
	if len(reading.Metadata) > 0 {
		b, err := json.Marshal(reading.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = b
	}

	now := r.now()
	query := `
		INSERT INTO sensor_readings (
			id, user_id, sensor_type, value, unit, captured_at, device_id, metadata,
			created_at, transmission_status, attempt_count, last_error, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, '', $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		reading.ID,
		reading.UserID,
		string(reading.SensorKind),
		reading.Value,
		reading.Unit,
		reading.CapturedAt,
		reading.DeviceID,
		metadata,
		now,
		string(models.StatusPending),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return "", ErrDuplicateKey
		}
		return "", fmt.Errorf("failed to insert sensor reading: %w", err)
	}

	return reading.ID, nil
}

// Get 按 ID 查询
func (r *PostgresReadingStore) Get(ctx context.Context, id string) (*models.SensorReading, error) {
	query := `SELECT ` + readingColumns + ` FROM sensor_readings WHERE id = $1`
	reading, err := scanReading(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sensor reading: %w", err)
	}
	return reading, nil
}

func (r *PostgresReadingStore) UpdateStatus(ctx context.Context, id string, newStatus models.TransmissionStatus, occurredAt time.Time) error {
	_, err := r.ApplyTransition(ctx, id, StatusChange{To: newStatus, OccurredAt: occurredAt})
	return err
}

// ApplyTransition 在事务内 SELECT ... FOR UPDATE，校验迁移后整体写回状态列
func (r *PostgresReadingStore) ApplyTransition(ctx context.Context, id string, change StatusChange) (*models.SensorReading, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + readingColumns + ` FROM sensor_readings WHERE id = $1 FOR UPDATE`
	reading, err := scanReading(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock sensor reading: %w", err)
	}

	if err := applyChange(id, &reading.State, change); err != nil {
		r.logger.Warn("Rejected transmission status transition",
			zap.String("reading_id", id),
			zap.String("from", string(reading.State.Status)),
			zap.String("to", string(change.To)),
		)
		return nil, err
	}

	st := reading.State
	update := `
		UPDATE sensor_readings
		SET transmission_status = $2,
			transmitted_at = $3,
			attempt_count = $4,
			next_eligible_at = $5,
			last_attempt_at = $6,
			last_error = $7,
			updated_at = $8
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, update,
		id,
		string(st.Status),
		nullTime(st.TransmittedAt),
		st.AttemptCount,
		nullTime(st.NextEligibleAt),
		nullTime(st.LastAttemptAt),
		st.LastError,
		st.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to update transmission status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transmission status: %w", err)
	}
	return reading, nil
}

func (r *PostgresReadingStore) FindByStatus(ctx context.Context, status models.TransmissionStatus) ([]models.SensorReading, error) {
	query := `SELECT ` + readingColumns + `
		FROM sensor_readings
		WHERE transmission_status = $1
		ORDER BY captured_at ASC, id ASC`
	return r.queryReadings(ctx, query, string(status))
}

func (r *PostgresReadingStore) FindByUserAndStatus(ctx context.Context, userID string, status models.TransmissionStatus) ([]models.SensorReading, error) {
	query := `SELECT ` + readingColumns + `
		FROM sensor_readings
		WHERE user_id = $1 AND transmission_status = $2
		ORDER BY captured_at ASC, id ASC`
	return r.queryReadings(ctx, query, userID, string(status))
}

func (r *PostgresReadingStore) FindPendingTransmissions(ctx context.Context, userID string) ([]models.SensorReading, error) {
	return r.FindByUserAndStatus(ctx, userID, models.StatusPending)
}

func (r *PostgresReadingStore) FindByUserIDAndSensorType(ctx context.Context, userID string, kind models.SensorKind) ([]models.SensorReading, error) {
	query := `SELECT ` + readingColumns + `
		FROM sensor_readings
		WHERE user_id = $1 AND sensor_type = $2
		ORDER BY captured_at ASC, id ASC`
	return r.queryReadings(ctx, query, userID, string(kind))
}

func (r *PostgresReadingStore) FindByUserID(ctx context.Context, userID string) ([]models.SensorReading, error) {
	query := `SELECT ` + readingColumns + `
		FROM sensor_readings
		WHERE user_id = $1
		ORDER BY captured_at ASC, id ASC`
	return r.queryReadings(ctx, query, userID)
}

// FindLatestPerSensor 每个 sensor_type 取 captured_at 最大的一行（DISTINCT ON，结果确定）
func (r *PostgresReadingStore) FindLatestPerSensor(ctx context.Context, userID string) (map[models.SensorKind]models.SensorReading, error) {
	query := `SELECT DISTINCT ON (sensor_type) ` + readingColumns + `
		FROM sensor_readings
		WHERE user_id = $1
		ORDER BY sensor_type, captured_at DESC, created_at DESC, id DESC`
	readings, err := r.queryReadings(ctx, query, userID)
	if err != nil {
		return nil, err
	}

	latest := make(map[models.SensorKind]models.SensorReading, len(readings))
	for _, reading := range readings {
		latest[reading.SensorKind] = reading
	}
	return latest, nil
}

func (r *PostgresReadingStore) CountByStatus(ctx context.Context, userID string, statuses ...models.TransmissionStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	codes := make([]string, len(statuses))
	for i, s := range statuses {
		codes[i] = string(s)
	}

	var count int
	query := `SELECT COUNT(*) FROM sensor_readings WHERE user_id = $1 AND transmission_status = ANY($2)`
	if err := r.db.QueryRowContext(ctx, query, userID, pq.Array(codes)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sensor readings: %w", err)
	}
	return count, nil
}

func (r *PostgresReadingStore) ListUsersWithStatus(ctx context.Context, status models.TransmissionStatus) ([]string, error) {
	query := `SELECT DISTINCT user_id FROM sensor_readings WHERE transmission_status = $1 ORDER BY user_id`
	rows, err := r.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list users with %s readings: %w", status, err)
	}
	defer rows.Close()

	users := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan user_id: %w", err)
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

func (r *PostgresReadingStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	query := `DELETE FROM sensor_readings WHERE transmission_status = $1 AND captured_at < $2`
	res, err := r.db.ExecContext(ctx, query, string(models.StatusTransmitted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sensor readings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}
	return int(n), nil
}

func (r *PostgresReadingStore) queryReadings(ctx context.Context, query string, args ...interface{}) ([]models.SensorReading, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor readings: %w", err)
	}
	defer rows.Close()

	readings := make([]models.SensorReading, 0)
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sensor reading: %w", err)
		}
		readings = append(readings, *reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sensor readings: %w", err)
	}
	return readings, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReading(row rowScanner) (*models.SensorReading, error) {
	var (
		reading        models.SensorReading
		sensorType     string
		status         string
		metadata       []byte
		transmittedAt  sql.NullTime
		nextEligibleAt sql.NullTime
		lastAttemptAt  sql.NullTime
	)

	if err := row.Scan(
		&reading.ID,
		&reading.UserID,
		&sensorType,
		&reading.Value,
		&reading.Unit,
		&reading.CapturedAt,
		&reading.DeviceID,
		&metadata,
		&reading.CreatedAt,
		&status,
		&transmittedAt,
		&reading.State.AttemptCount,
		&nextEligibleAt,
		&lastAttemptAt,
		&reading.State.LastError,
		&reading.State.UpdatedAt,
	); err != nil {
		return nil, err
	}

	reading.SensorKind = models.SensorKind(sensorType)
	reading.State.Status = models.TransmissionStatus(status)
	reading.State.TransmittedAt = timePtr(transmittedAt)
	reading.State.NextEligibleAt = timePtr(nextEligibleAt)
	reading.State.LastAttemptAt = timePtr(lastAttemptAt)

	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &reading.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &reading, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
