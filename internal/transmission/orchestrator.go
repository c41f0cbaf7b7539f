// Package transmission 驱动读数上报：批次、退避重试、单飞、崩溃恢复
package transmission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"watchmyparent-telemetry/internal/metrics"
	"watchmyparent-telemetry/internal/models"
	"watchmyparent-telemetry/internal/queue"
	"watchmyparent-telemetry/internal/repository"
	"watchmyparent-telemetry/internal/transport"

	"go.uber.org/zap"
)

// ErrCycleInProgress 该用户已有编排周期在运行
var ErrCycleInProgress = errors.New("transmission cycle already in progress")

// DataTransmissionService 出站上报能力；返回 nil 表示后端已确认
type DataTransmissionService interface {
	TransmitData(ctx context.Context, payload transport.Payload, userID string) error
}

// BatchTransmitter 支持批量的通道，results 与 payloads 一一对应；返回 error 视为整批失败
type BatchTransmitter interface {
	TransmitBatch(ctx context.Context, payloads []transport.Payload, userID string) ([]error, error)
}

// Config 编排参数
type Config struct {
	BatchSize   int
	MaxAttempts int
	// SendTimeout 单次发送（单条或整批）的超时
	SendTimeout time.Duration
	// StuckTimeout TRANSMITTING 超过该时长视为卡住，由 SweepStale 回退
	StuckTimeout time.Duration
	// UseBatch 通道支持时整批发送
	UseBatch bool
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    queue.DefaultBatchSize,
		MaxAttempts:  5,
		SendTimeout:  30 * time.Second,
		StuckTimeout: 5 * time.Minute,
		UseBatch:     true,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	// 卡住判定必须长于一次发送，否则会回退仍在发送中的读数
	if c.StuckTimeout <= c.SendTimeout {
		c.StuckTimeout = 2 * c.SendTimeout
	}
	return c
}

// Orchestrator 上报编排器
// 所有状态修改都经过 ReadingStore.ApplyTransition
type Orchestrator struct {
	store   repository.ReadingStore
	queue   *queue.Queue
	sender  DataTransmissionService
	guard   FlightGuard
	backoff *Backoff
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time
}

// NewOrchestrator 创建编排器；guard 为 nil 时使用进程内互斥
func NewOrchestrator(
	store repository.ReadingStore,
	sender DataTransmissionService,
	guard FlightGuard,
	backoff *Backoff,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg Config,
) *Orchestrator {
	cfg = cfg.normalize()
	if guard == nil {
		guard = NewLocalFlightGuard()
	}
	if backoff == nil {
		backoff = NewBackoff(DefaultBackoffBase, DefaultBackoffMax)
	}
	return &Orchestrator{
		store:   store,
		queue:   queue.New(store, cfg.BatchSize, logger),
		sender:  sender,
		guard:   guard,
		backoff: backoff,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Config 生效的参数
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// TransmitPending 对用户执行一轮上报，返回确认成功的条数
// 同一用户并发调用时，后到者返回 ErrCycleInProgress
// ctx 取消时已标记 TRANSMITTING 的读数回退为 PENDING，不计尝试次数
func (o *Orchestrator) TransmitPending(ctx context.Context, userID string) (int, error) {
	release, ok, err := o.guard.TryAcquire(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		o.metrics.CycleSkipped()
		return 0, ErrCycleInProgress
	}
	defer release()

	start := time.Now()
	defer func() { o.metrics.CycleCompleted(time.Since(start)) }()

	work, err := o.queue.Next(ctx, userID, o.now())
	if err != nil {
		return 0, err
	}
	if len(work) == 0 {
		return 0, nil
	}

	sendable := make([]models.SensorReading, 0, len(work))
	for _, r := range work {
		// 上限被调低时，已超出预算的读数直接进入 FAILED
		if r.State.AttemptCount >= o.cfg.MaxAttempts {
			o.markFailed(ctx, r, r.State.LastError)
			continue
		}
		sendable = append(sendable, r)
	}

	o.logger.Debug("Starting transmission cycle",
		zap.String("user_id", userID),
		zap.Int("batch_size", len(sendable)),
	)

	var transmitted int
	if batcher, ok := o.sender.(BatchTransmitter); ok && o.cfg.UseBatch && len(sendable) > 1 {
		transmitted, err = o.sendBatch(ctx, batcher, userID, sendable)
	} else {
		transmitted, err = o.sendSequential(ctx, userID, sendable)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Error("Transmission cycle aborted",
			zap.String("user_id", userID),
			zap.Int("transmitted", transmitted),
			zap.Error(err),
		)
	} else {
		o.logger.Info("Transmission cycle finished",
			zap.String("user_id", userID),
			zap.Int("transmitted", transmitted),
			zap.Int("attempted", len(sendable)),
		)
	}
	return transmitted, err
}

// sendSequential 按工作列表顺序逐条发送，同一时刻只有一条 TRANSMITTING
func (o *Orchestrator) sendSequential(ctx context.Context, userID string, work []models.SensorReading) (int, error) {
	transmitted := 0
	for _, r := range work {
		if err := ctx.Err(); err != nil {
			return transmitted, err
		}

		inFlight, err := o.begin(ctx, r)
		if err != nil {
			return transmitted, err
		}
		if inFlight == nil {
			continue
		}

		sendErr := o.sendOne(ctx, *inFlight, userID)
		if sendErr != nil && ctx.Err() != nil {
			o.revert(ctx, []models.SensorReading{*inFlight}, "cancelled")
			return transmitted, ctx.Err()
		}
		if o.complete(ctx, *inFlight, sendErr) {
			transmitted++
		}
	}
	return transmitted, nil
}

// sendBatch 整批标记 TRANSMITTING 后一次发送，逐条应用结果
func (o *Orchestrator) sendBatch(ctx context.Context, batcher BatchTransmitter, userID string, work []models.SensorReading) (int, error) {
	inFlight := make([]models.SensorReading, 0, len(work))
	for _, r := range work {
		if ctx.Err() != nil {
			break
		}
		started, err := o.begin(ctx, r)
		if err != nil {
			o.revert(ctx, inFlight, "aborted")
			return 0, err
		}
		if started != nil {
			inFlight = append(inFlight, *started)
		}
	}
	if err := ctx.Err(); err != nil {
		o.revert(ctx, inFlight, "cancelled")
		return 0, err
	}
	if len(inFlight) == 0 {
		return 0, nil
	}

	payloads := make([]transport.Payload, len(inFlight))
	for i, r := range inFlight {
		payloads[i] = transport.NewPayload(r)
	}

	results, batchErr := o.sendBatchUnit(ctx, batcher, payloads, userID)
	if batchErr == nil && len(results) != len(inFlight) {
		batchErr = &models.TransmissionError{
			Retryable: true,
			Err:       fmt.Errorf("batch returned %d results for %d readings", len(results), len(inFlight)),
		}
	}
	if batchErr != nil && ctx.Err() != nil {
		o.revert(ctx, inFlight, "cancelled")
		return 0, ctx.Err()
	}

	transmitted := 0
	for i, r := range inFlight {
		itemErr := batchErr
		if itemErr == nil {
			itemErr = results[i]
		}
		if o.complete(ctx, r, itemErr) {
			transmitted++
		}
	}
	return transmitted, nil
}

// sendOne 在独立 goroutine 中发送，调用方只等待到超时或取消
func (o *Orchestrator) sendOne(ctx context.Context, r models.SensorReading, userID string) error {
	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- o.sender.TransmitData(sendCtx, transport.NewPayload(r), userID)
	}()

	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		return sendCtx.Err()
	}
}

func (o *Orchestrator) sendBatchUnit(ctx context.Context, batcher BatchTransmitter, payloads []transport.Payload, userID string) ([]error, error) {
	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	defer cancel()

	type batchResult struct {
		results []error
		err     error
	}
	done := make(chan batchResult, 1)
	go func() {
		results, err := batcher.TransmitBatch(sendCtx, payloads, userID)
		done <- batchResult{results: results, err: err}
	}()

	select {
	case res := <-done:
		return res.results, res.err
	case <-sendCtx.Done():
		return nil, sendCtx.Err()
	}
}

// begin PENDING -> TRANSMITTING；读数已被其他流程改变时返回 nil 跳过
func (o *Orchestrator) begin(ctx context.Context, r models.SensorReading) (*models.SensorReading, error) {
	updated, err := o.store.ApplyTransition(context.WithoutCancel(ctx), r.ID, repository.StatusChange{
		To:         models.StatusTransmitting,
		OccurredAt: o.now(),
	})
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrNotFound) {
			o.logger.Warn("Skipping reading no longer pending",
				zap.String("reading_id", r.ID),
				zap.Error(err),
			)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to mark reading transmitting: %w", err)
	}
	return updated, nil
}

// complete 应用单条发送结果，成功返回 true
// 状态写入不受 ctx 取消影响，避免读数停留在 TRANSMITTING
func (o *Orchestrator) complete(ctx context.Context, r models.SensorReading, sendErr error) bool {
	storeCtx := context.WithoutCancel(ctx)
	kind := string(r.SensorKind)

	if sendErr == nil {
		if _, err := o.store.ApplyTransition(storeCtx, r.ID, repository.StatusChange{
			To:         models.StatusTransmitted,
			OccurredAt: o.now(),
		}); err != nil {
			o.logger.Error("Failed to mark reading transmitted",
				zap.String("reading_id", r.ID),
				zap.Error(err),
			)
			return false
		}
		o.metrics.Transmitted(kind)
		return true
	}

	retryable := true
	var te *models.TransmissionError
	if errors.As(sendErr, &te) {
		retryable = te.Retryable
	}

	now := o.now()
	attempt := r.State.AttemptCount + 1
	next := o.backoff.NextEligibleAt(now, attempt)
	updated, err := o.store.ApplyTransition(storeCtx, r.ID, repository.StatusChange{
		To:               models.StatusPending,
		OccurredAt:       now,
		IncrementAttempt: true,
		NextEligibleAt:   &next,
		LastError:        sendErr.Error(),
	})
	if err != nil {
		o.logger.Error("Failed to record transmission failure",
			zap.String("reading_id", r.ID),
			zap.Error(err),
		)
		return false
	}
	o.metrics.FailedAttempt(kind, retryable)

	if !retryable || updated.State.AttemptCount >= o.cfg.MaxAttempts {
		o.markFailed(ctx, *updated, sendErr.Error())
		return false
	}

	o.logger.Warn("Transmission failed, will retry",
		zap.String("reading_id", r.ID),
		zap.String("sensor_type", kind),
		zap.Int("attempt", updated.State.AttemptCount),
		zap.Time("next_eligible_at", next),
		zap.Error(sendErr),
	)
	return false
}

// markFailed PENDING -> FAILED，需要人工重新入队
func (o *Orchestrator) markFailed(ctx context.Context, r models.SensorReading, reason string) {
	if _, err := o.store.ApplyTransition(context.WithoutCancel(ctx), r.ID, repository.StatusChange{
		To:         models.StatusFailed,
		OccurredAt: o.now(),
		LastError:  reason,
	}); err != nil {
		o.logger.Error("Failed to mark reading failed",
			zap.String("reading_id", r.ID),
			zap.Error(err),
		)
		return
	}
	o.metrics.Exhausted(string(r.SensorKind))
	o.logger.Warn("Reading exhausted transmission attempts",
		zap.String("reading_id", r.ID),
		zap.String("user_id", r.UserID),
		zap.String("sensor_type", string(r.SensorKind)),
		zap.Int("attempt", r.State.AttemptCount),
		zap.String("last_error", reason),
	)
}

// revert TRANSMITTING -> PENDING，不计尝试次数
func (o *Orchestrator) revert(ctx context.Context, readings []models.SensorReading, reason string) int {
	storeCtx := context.WithoutCancel(ctx)
	reverted := 0
	for _, r := range readings {
		if _, err := o.store.ApplyTransition(storeCtx, r.ID, repository.StatusChange{
			To:         models.StatusPending,
			OccurredAt: o.now(),
		}); err != nil {
			o.logger.Error("Failed to revert in-flight reading",
				zap.String("reading_id", r.ID),
				zap.String("reason", reason),
				zap.Error(err),
			)
			continue
		}
		reverted++
	}
	if reverted > 0 {
		o.metrics.Recovered(reason, reverted)
		o.logger.Info("Reverted in-flight readings to pending",
			zap.String("reason", reason),
			zap.Int("count", reverted),
		)
	}
	return reverted
}

// RetryFailedTransmissions 把该用户所有 FAILED 读数重新入队（尝试次数清零），返回是否有读数被入队
func (o *Orchestrator) RetryFailedTransmissions(ctx context.Context, userID string) (bool, error) {
	failed, err := o.store.FindByUserAndStatus(ctx, userID, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to load failed readings: %w", err)
	}

	requeued := 0
	for _, r := range failed {
		_, err := o.store.ApplyTransition(ctx, r.ID, repository.StatusChange{
			To:         models.StatusPending,
			OccurredAt: o.now(),
		})
		if err != nil {
			if errors.Is(err, repository.ErrInvalidTransition) {
				continue
			}
			return requeued > 0, fmt.Errorf("failed to requeue reading %s: %w", r.ID, err)
		}
		requeued++
	}

	o.metrics.Requeued(requeued)
	if requeued > 0 {
		o.logger.Info("Re-queued failed readings",
			zap.String("user_id", userID),
			zap.Int("count", requeued),
		)
	}
	return requeued > 0, nil
}

// PendingCount PENDING + TRANSMITTING 数量
func (o *Orchestrator) PendingCount(ctx context.Context, userID string) (int, error) {
	return o.store.CountByStatus(ctx, userID, models.StatusPending, models.StatusTransmitting)
}

// RecoverInFlight 启动恢复：TRANSMITTING 回退为 PENDING，须在开始编排之前调用
// 周期锁仍被其他实例持有的用户跳过，由持有者完成或回退
func (o *Orchestrator) RecoverInFlight(ctx context.Context) (int, error) {
	stuck, err := o.store.FindByStatus(ctx, models.StatusTransmitting)
	if err != nil {
		return 0, fmt.Errorf("failed to load in-flight readings: %w", err)
	}
	return o.revertUnowned(ctx, stuck, "startup"), nil
}

// SweepStale 回退 TRANSMITTING 超过 StuckTimeout 的读数
func (o *Orchestrator) SweepStale(ctx context.Context) (int, error) {
	inFlight, err := o.store.FindByStatus(ctx, models.StatusTransmitting)
	if err != nil {
		return 0, fmt.Errorf("failed to load in-flight readings: %w", err)
	}

	cutoff := o.now().Add(-o.cfg.StuckTimeout)
	stale := make([]models.SensorReading, 0)
	for _, r := range inFlight {
		since := r.State.UpdatedAt
		if r.State.LastAttemptAt != nil {
			since = *r.State.LastAttemptAt
		}
		if since.Before(cutoff) {
			stale = append(stale, r)
		}
	}
	return o.revertUnowned(ctx, stale, "stale"), nil
}

// revertUnowned 按用户分组，只回退能拿到周期锁的用户的读数；回退期间持有锁，
// 避免与同一用户的新周期交错
func (o *Orchestrator) revertUnowned(ctx context.Context, readings []models.SensorReading, reason string) int {
	byUser := make(map[string][]models.SensorReading)
	users := make([]string, 0)
	for _, r := range readings {
		if _, seen := byUser[r.UserID]; !seen {
			users = append(users, r.UserID)
		}
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}
	sort.Strings(users)

	reverted := 0
	for _, userID := range users {
		release, ok, err := o.guard.TryAcquire(ctx, userID)
		if err != nil {
			o.logger.Warn("Failed to acquire cycle lock for recovery",
				zap.String("user_id", userID),
				zap.String("reason", reason),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			o.logger.Info("Skipping in-flight readings owned by an active cycle",
				zap.String("user_id", userID),
				zap.String("reason", reason),
				zap.Int("count", len(byUser[userID])),
			)
			continue
		}
		reverted += o.revert(ctx, byUser[userID], reason)
		release()
	}
	return reverted
}
