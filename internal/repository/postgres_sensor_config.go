package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"watchmyparent-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostgresSensorConfigRepo sensor_configurations 表上的配置仓库
type PostgresSensorConfigRepo struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewPostgresSensorConfigRepo 创建 PostgreSQL 配置仓库
func NewPostgresSensorConfigRepo(db *sql.DB, logger *zap.Logger) *PostgresSensorConfigRepo {
	return &PostgresSensorConfigRepo{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Upsert 依赖 UNIQUE (user_id, sensor_type) 做 ON CONFLICT 更新
func (r *PostgresSensorConfigRepo) Upsert(ctx context.Context, cfg models.SensorConfiguration) (*models.SensorConfiguration, error) {
	cfg, err := normalizeConfiguration(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := r.now()

	query := `
		INSERT INTO sensor_configurations (
			id, user_id, sensor_type, enabled, frequency_seconds, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (user_id, sensor_type) DO UPDATE
		SET enabled = EXCLUDED.enabled,
			frequency_seconds = EXCLUDED.frequency_seconds,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`
	err = r.db.QueryRowContext(ctx, query,
		cfg.ID,
		cfg.UserID,
		string(cfg.SensorKind),
		cfg.Enabled,
		cfg.FrequencySeconds,
		now,
	).Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert sensor configuration: %w", err)
	}

	r.logger.Debug("Upserted sensor configuration",
		zap.String("user_id", cfg.UserID),
		zap.String("sensor_type", string(cfg.SensorKind)),
		zap.Int("frequency_seconds", cfg.FrequencySeconds),
	)
	return &cfg, nil
}

func (r *PostgresSensorConfigRepo) FindByUserIDAndSensorType(ctx context.Context, userID string, kind models.SensorKind) (*models.SensorConfiguration, error) {
	query := `
		SELECT id, user_id, sensor_type, enabled, frequency_seconds, created_at, updated_at
		FROM sensor_configurations
		WHERE user_id = $1 AND sensor_type = $2
	`
	cfg, err := scanConfiguration(r.db.QueryRowContext(ctx, query, userID, string(kind)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query sensor configuration: %w", err)
	}
	return cfg, nil
}

func (r *PostgresSensorConfigRepo) FindEnabledByUserID(ctx context.Context, userID string) ([]models.SensorConfiguration, error) {
	query := `
		SELECT id, user_id, sensor_type, enabled, frequency_seconds, created_at, updated_at
		FROM sensor_configurations
		WHERE user_id = $1 AND enabled = TRUE
		ORDER BY sensor_type
	`
	return r.queryConfigurations(ctx, query, userID)
}

func (r *PostgresSensorConfigRepo) FindByUserID(ctx context.Context, userID string) ([]models.SensorConfiguration, error) {
	query := `
		SELECT id, user_id, sensor_type, enabled, frequency_seconds, created_at, updated_at
		FROM sensor_configurations
		WHERE user_id = $1
		ORDER BY sensor_type
	`
	return r.queryConfigurations(ctx, query, userID)
}

func (r *PostgresSensorConfigRepo) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT user_id
		FROM sensor_configurations
		WHERE enabled = TRUE
		ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (r *PostgresSensorConfigRepo) Delete(ctx context.Context, userID string, kind models.SensorKind) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sensor_configurations WHERE user_id = $1 AND sensor_type = $2`,
		userID, string(kind),
	)
	if err != nil {
		return fmt.Errorf("failed to delete sensor configuration: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresSensorConfigRepo) queryConfigurations(ctx context.Context, query string, args ...interface{}) ([]models.SensorConfiguration, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor configurations: %w", err)
	}
	defer rows.Close()

	configs := make([]models.SensorConfiguration, 0)
	for rows.Next() {
		cfg, err := scanConfiguration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sensor configuration: %w", err)
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

func scanConfiguration(row rowScanner) (*models.SensorConfiguration, error) {
	var (
		cfg        models.SensorConfiguration
		sensorType string
	)
	if err := row.Scan(
		&cfg.ID,
		&cfg.UserID,
		&sensorType,
		&cfg.Enabled,
		&cfg.FrequencySeconds,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	cfg.SensorKind = models.SensorKind(sensorType)
	return &cfg, nil
}
