package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"watchmyparent-telemetry/common/mqtt"
	"watchmyparent-telemetry/internal/acquisition"
	"watchmyparent-telemetry/internal/cache"
	"watchmyparent-telemetry/internal/consumer"
	"watchmyparent-telemetry/internal/metrics"
	"watchmyparent-telemetry/internal/models"
	"watchmyparent-telemetry/internal/repository"
	"watchmyparent-telemetry/internal/transmission"

	"go.uber.org/zap"
)

// Options 周期任务参数
type Options struct {
	CycleInterval    time.Duration
	SamplingInterval time.Duration
	SweepInterval    time.Duration
	PurgeInterval    time.Duration
	// Retention 已上报读数保留时长
	Retention time.Duration
	// SampleQoS 设备样本订阅 QoS
	SampleQoS byte
}

// Subscriber MQTT 订阅能力（common/mqtt.Client）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Components 中继服务依赖
type Components struct {
	Store        repository.ReadingStore
	Orchestrator *transmission.Orchestrator
	Acquirer     *acquisition.Acquirer
	Hub          *acquisition.SampleHub
	Latest       *cache.LatestCache
	Metrics      *metrics.Metrics

	// 以下可选
	Subscriber Subscriber
	Consumer   *consumer.EventConsumer
	HTTPServer *http.Server
	// Closers Stop 时按逆序调用
	Closers []func() error
}

// RelayService 遥测中继服务：恢复、定时上报、采样、清理
type RelayService struct {
	Components
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	seq    uint64
	cycles map[string]map[uint64]context.CancelFunc
	wg     sync.WaitGroup
}

func NewRelayService(c Components, opts Options, logger *zap.Logger) *RelayService {
	if opts.CycleInterval <= 0 {
		opts.CycleInterval = 30 * time.Second
	}
	if opts.SamplingInterval <= 0 {
		opts.SamplingInterval = 10 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = time.Hour
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	return &RelayService{
		Components: c,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		cycles:     map[string]map[uint64]context.CancelFunc{},
	}
}

// Start 启动服务，阻塞直到 ctx 取消
// 先执行启动恢复（TRANSMITTING -> PENDING），再开始任何上报周期
func (s *RelayService) Start(ctx context.Context) error {
	s.logger.Info("Starting telemetry relay service",
		zap.Duration("cycle_interval", s.opts.CycleInterval),
		zap.Duration("sampling_interval", s.opts.SamplingInterval),
		zap.Duration("retention", s.opts.Retention),
	)

	if _, err := s.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	if s.Subscriber != nil && s.Hub != nil {
		if err := s.Subscriber.Subscribe(acquisition.SampleTopic, s.opts.SampleQoS, s.Hub.HandleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to device samples: %w", err)
		}
		s.logger.Info("Subscribed to device samples", zap.String("topic", acquisition.SampleTopic))
	}

	s.every(ctx, "transmission", s.opts.CycleInterval, func(ctx context.Context) {
		s.RunAllCycles(ctx)
	})
	if s.Acquirer != nil && s.Hub != nil {
		s.every(ctx, "sampling", s.opts.SamplingInterval, func(ctx context.Context) {
			s.SampleDevices(ctx)
		})
	}
	s.every(ctx, "sweep", s.opts.SweepInterval, func(ctx context.Context) {
		if _, err := s.Orchestrator.SweepStale(ctx); err != nil {
			s.logger.Error("Failed to sweep stale transmissions", zap.Error(err))
		}
	})
	s.every(ctx, "purge", s.opts.PurgeInterval, func(ctx context.Context) {
		if _, err := s.Purge(ctx, s.opts.Retention); err != nil {
			s.logger.Error("Failed to purge transmitted readings", zap.Error(err))
		}
	})

	if s.Consumer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Consumer.Start(ctx); err != nil {
				s.logger.Error("Event consumer stopped", zap.Error(err))
			}
		}()
	}

	if s.HTTPServer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("Admin HTTP server listening", zap.String("addr", s.HTTPServer.Addr))
			if err := s.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("Admin HTTP server failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	return nil
}

// every 以固定间隔执行 fn，首次在一个间隔后
func (s *RelayService) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.Debug("Periodic task started",
			zap.String("task", name),
			zap.Duration("interval", interval),
		)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Stop 停止服务：关闭 HTTP、取消进行中的周期、等待后台任务、释放连接
func (s *RelayService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping telemetry relay service")

	if s.HTTPServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.HTTPServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Error shutting down HTTP server", zap.Error(err))
		}
		cancel()
	}

	s.mu.Lock()
	for _, byID := range s.cycles {
		for _, cancel := range byID {
			cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.Close()

	s.logger.Info("Telemetry relay service stopped")
	return nil
}

// Close 释放连接（按创建逆序）；命令行一次性任务结束时直接调用
func (s *RelayService) Close() {
	for i := len(s.Closers) - 1; i >= 0; i-- {
		if err := s.Closers[i](); err != nil {
			s.logger.Error("Error closing resource", zap.Error(err))
		}
	}
	s.Closers = nil
}

// RunCycle 为用户执行一次上报周期；周期可经 CancelCycle 取消
func (s *RelayService) RunCycle(ctx context.Context, userID string) (int, error) {
	cycleCtx, cancel := context.WithCancel(ctx)
	id := s.register(userID, cancel)
	defer func() {
		s.unregister(userID, id)
		cancel()
	}()

	n, err := s.Orchestrator.TransmitPending(cycleCtx, userID)

	if pending, perr := s.Orchestrator.PendingCount(context.WithoutCancel(ctx), userID); perr == nil {
		s.Metrics.PendingReadings(userID, pending)
	}
	return n, err
}

// TriggerCycle 事件触发的周期；已有周期在运行或被取消不视为错误
func (s *RelayService) TriggerCycle(ctx context.Context, userID string) error {
	_, err := s.RunCycle(ctx, userID)
	if errors.Is(err, transmission.ErrCycleInProgress) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RequeueFailed FAILED -> PENDING（仅该用户）
func (s *RelayService) RequeueFailed(ctx context.Context, userID string) (bool, error) {
	return s.Orchestrator.RetryFailedTransmissions(ctx, userID)
}

// RetryFailed 重新入队后立即执行一次周期
func (s *RelayService) RetryFailed(ctx context.Context, userID string) error {
	requeued, err := s.RequeueFailed(ctx, userID)
	if err != nil {
		return err
	}
	if !requeued {
		return nil
	}
	return s.TriggerCycle(ctx, userID)
}

func (s *RelayService) PendingCount(ctx context.Context, userID string) (int, error) {
	return s.Orchestrator.PendingCount(ctx, userID)
}

// CancelCycle 取消用户所有进行中的周期
func (s *RelayService) CancelCycle(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.cycles[userID]
	for _, cancel := range byID {
		cancel()
	}
	return len(byID) > 0
}

func (s *RelayService) register(userID string, cancel context.CancelFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	if s.cycles[userID] == nil {
		s.cycles[userID] = map[uint64]context.CancelFunc{}
	}
	s.cycles[userID][s.seq] = cancel
	return s.seq
}

func (s *RelayService) unregister(userID string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cycles[userID], id)
	if len(s.cycles[userID]) == 0 {
		delete(s.cycles, userID)
	}
}

// RunAllCycles 为所有持有 PENDING 读数的用户依次执行一次周期
// 以读数为准而非传感器配置：停用或删除配置后，已缓冲的读数仍需送达
func (s *RelayService) RunAllCycles(ctx context.Context) int {
	users, err := s.Store.ListUsersWithStatus(ctx, models.StatusPending)
	if err != nil {
		s.logger.Error("Failed to list users with pending readings", zap.Error(err))
		return 0
	}

	total := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return total
		}
		n, err := s.RunCycle(ctx, userID)
		total += n
		if err != nil && !errors.Is(err, transmission.ErrCycleInProgress) && !errors.Is(err, context.Canceled) {
			s.logger.Error("Transmission cycle failed",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}
	return total
}

// SampleDevices 对所有上报过样本的设备执行一次采集
func (s *RelayService) SampleDevices(ctx context.Context) int {
	now := s.now()
	total := 0
	for _, device := range s.Hub.Devices() {
		reader := s.Hub.Reader(device.ID)
		n, err := s.Acquirer.Acquire(ctx, device, reader, reader, now)
		total += n
		if err != nil {
			s.logger.Error("Acquisition failed",
				zap.String("user_id", device.UserID),
				zap.String("device_id", device.ID),
				zap.Error(err),
			)
		}
	}
	return total
}

// Recover 启动恢复
func (s *RelayService) Recover(ctx context.Context) (int, error) {
	n, err := s.Orchestrator.RecoverInFlight(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Recovered in-flight readings", zap.Int("count", n))
	}
	return n, nil
}

// Purge 删除 captured_at 早于 now-olderThan 的已上报读数
func (s *RelayService) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)

	// 删除前记下受影响的用户，其快照可能引用被删除的读数
	var affected []string
	if s.Latest != nil {
		users, err := s.Store.ListUsersWithStatus(ctx, models.StatusTransmitted)
		if err != nil {
			s.logger.Warn("Failed to list users for cache invalidation", zap.Error(err))
		}
		affected = users
	}

	n, err := s.Store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge readings: %w", err)
	}
	s.Metrics.Purged(n)
	if n == 0 {
		return 0, nil
	}
	s.logger.Info("Purged transmitted readings",
		zap.Int("count", n),
		zap.Time("cutoff", cutoff),
		zap.Int("users", len(affected)),
	)

	for _, userID := range affected {
		if err := s.Latest.Invalidate(ctx, userID); err != nil {
			s.logger.Warn("Failed to invalidate latest reading cache",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}
	return n, nil
}
