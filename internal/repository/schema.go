package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements 网关本地表（幂等创建，不负责迁移）
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sensor_readings (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		sensor_type         TEXT NOT NULL,
		value               DOUBLE PRECISION NOT NULL,
		unit                TEXT NOT NULL DEFAULT '',
		captured_at         TIMESTAMPTZ NOT NULL,
		device_id           TEXT NOT NULL DEFAULT '',
		metadata            JSONB,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		transmission_status TEXT NOT NULL DEFAULT 'PENDING',
		transmitted_at      TIMESTAMPTZ,
		attempt_count       INTEGER NOT NULL DEFAULT 0 CHECK (attempt_count >= 0),
		next_eligible_at    TIMESTAMPTZ,
		last_attempt_at     TIMESTAMPTZ,
		last_error          TEXT NOT NULL DEFAULT '',
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sensor_readings_status_captured
		ON sensor_readings (transmission_status, captured_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sensor_readings_user_sensor_captured
		ON sensor_readings (user_id, sensor_type, captured_at DESC)`,
	`CREATE TABLE IF NOT EXISTS sensor_configurations (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		sensor_type       TEXT NOT NULL,
		enabled           BOOLEAN NOT NULL DEFAULT TRUE,
		frequency_seconds INTEGER NOT NULL CHECK (frequency_seconds >= 1),
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, sensor_type)
	)`,
}

// EnsureSchema 创建网关所需的表和索引
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
