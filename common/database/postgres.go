// Package database 读数缓冲库的 PostgreSQL 连接
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"watchmyparent-telemetry/common/config"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	connectAttempts = 3
	pingTimeout     = 5 * time.Second
)

// retryDelay 连接失败后的首次等待，之后翻倍
var retryDelay = time.Second

// OpenReadingDB 打开读数缓冲库连接池；网关常与数据库同时启动，连通性检查最多重试 3 次
func OpenReadingDB(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open reading database: %w", err)
	}
	configurePool(db, cfg)

	if err := waitReady(ctx, db, cfg, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func configurePool(db *sql.DB, cfg *config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	// 周期之间连接大多空闲
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(time.Hour)
}

func waitReady(ctx context.Context, db *sql.DB, cfg *config.DatabaseConfig, logger *zap.Logger) error {
	delay := retryDelay
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		lastErr = db.PingContext(pingCtx)
		cancel()
		if lastErr == nil {
			logger.Info("Reading database ready",
				zap.String("host", cfg.Host),
				zap.String("database", cfg.Database),
				zap.Int("attempt", attempt),
			)
			return nil
		}

		logger.Warn("Reading database not reachable",
			zap.String("host", cfg.Host),
			zap.String("database", cfg.Database),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt == connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to reach reading database: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("failed to reach reading database after %d attempts: %w", connectAttempts, lastErr)
}

// Close nil 安全
func Close(db *sql.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
