package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"watchmyparent-telemetry/common/database"
	"watchmyparent-telemetry/common/mqtt"
	commonredis "watchmyparent-telemetry/common/redis"
	"watchmyparent-telemetry/internal/acquisition"
	"watchmyparent-telemetry/internal/cache"
	"watchmyparent-telemetry/internal/config"
	"watchmyparent-telemetry/internal/consumer"
	httpapi "watchmyparent-telemetry/internal/http"
	"watchmyparent-telemetry/internal/metrics"
	"watchmyparent-telemetry/internal/repository"
	"watchmyparent-telemetry/internal/scheduler"
	"watchmyparent-telemetry/internal/transmission"
	"watchmyparent-telemetry/internal/transport"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Build 按配置组装中继服务
// serve=false 时（命令行一次性任务）不连接样本订阅、事件流和 HTTP
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, serve bool) (*RelayService, error) {
	var closers []func() error
	fail := func(err error) (*RelayService, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	m := metrics.New()

	// 存储
	var (
		store   repository.ReadingStore
		configs repository.SensorConfigurationRepository
	)
	switch cfg.Telemetry.Store {
	case "memory":
		store = repository.NewMemoryReadingStore()
		configs = repository.NewMemorySensorConfigRepo()
		logger.Warn("Using in-memory reading store, readings will not survive restarts")
	default:
		db, err := database.OpenReadingDB(ctx, &cfg.Database, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() error { return database.Close(db) })
		if err := repository.EnsureSchema(ctx, db); err != nil {
			return fail(fmt.Errorf("failed to ensure schema: %w", err))
		}
		store = repository.NewPostgresReadingStore(db, logger)
		configs = repository.NewPostgresSensorConfigRepo(db, logger)
	}

	// Redis
	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		client, err := commonredis.Connect(ctx, &cfg.Redis, logger)
		if err != nil {
			return fail(err)
		}
		redisClient = client
		closers = append(closers, func() error { return commonredis.Close(redisClient) })
	}

	// 单飞锁
	var guard transmission.FlightGuard
	if cfg.Telemetry.LockMode == "redis" {
		ttl := time.Duration(cfg.Telemetry.BatchSize)*cfg.Telemetry.SendTimeout + time.Minute
		guard = transmission.NewRedisFlightGuard(redisClient, "", ttl)
	} else {
		guard = transmission.NewLocalFlightGuard()
	}

	// MQTT：上报通道为 mqtt 时必须连接；样本订阅只在服务模式下需要
	var mqttClient *mqtt.Client
	if cfg.Telemetry.Transport == "mqtt" || (serve && cfg.NeedsMQTT()) {
		client, err := mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			return fail(err)
		}
		mqttClient = client
		closers = append(closers, func() error {
			client.Disconnect()
			return nil
		})
	}

	sender, err := buildSender(cfg, mqttClient, redisClient, logger, &closers)
	if err != nil {
		return fail(err)
	}

	var kv cache.KVStore
	if redisClient != nil {
		kv = cache.NewRedisKVStore(redisClient)
	}
	latest := cache.NewLatestCache(kv, store, cfg.Telemetry.LatestCacheTTL, m, logger)

	sched := scheduler.New(configs, store, logger)
	acquirer := acquisition.NewAcquirer(sched.DueSensors, store, latest, m, logger, 0)
	hub := acquisition.NewSampleHub(cfg.Telemetry.SampleFreshness, logger)

	orchestrator := transmission.NewOrchestrator(
		store,
		sender,
		guard,
		transmission.NewBackoff(cfg.Telemetry.BackoffBase, cfg.Telemetry.BackoffMax),
		m,
		logger,
		transmission.Config{
			BatchSize:    cfg.Telemetry.BatchSize,
			MaxAttempts:  cfg.Telemetry.MaxAttempts,
			SendTimeout:  cfg.Telemetry.SendTimeout,
			StuckTimeout: cfg.Telemetry.StuckTimeout,
			UseBatch:     cfg.Telemetry.UseBatch,
		},
	)

	svc := NewRelayService(Components{
		Store:        store,
		Orchestrator: orchestrator,
		Acquirer:     acquirer,
		Hub:          hub,
		Latest:       latest,
		Metrics:      m,
		Closers:      closers,
	}, Options{
		CycleInterval:    cfg.Telemetry.CycleInterval,
		SamplingInterval: cfg.Telemetry.SamplingInterval,
		SweepInterval:    cfg.Telemetry.SweepInterval,
		PurgeInterval:    cfg.Telemetry.PurgeInterval,
		Retention:        time.Duration(cfg.Telemetry.RetentionDays) * 24 * time.Hour,
		SampleQoS:        cfg.MQTT.QoS,
	}, logger)

	if !serve {
		return svc, nil
	}

	if mqttClient != nil && cfg.Telemetry.SubscribeSamples {
		svc.Subscriber = mqttClient
	}

	if cfg.Events.Enabled && redisClient != nil {
		svc.Consumer = consumer.NewEventConsumer(
			redisClient,
			svc,
			logger,
			cfg.Events.Stream,
			cfg.Events.ConsumerGroup,
			cfg.Events.ConsumerName,
			int64(cfg.Events.BatchSize),
		)
	}

	handler := httpapi.NewTelemetryHandler(svc, latest, sched, configs, store, logger)
	svc.HTTPServer = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(handler, m, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Telemetry relay assembled",
		zap.String("store", cfg.Telemetry.Store),
		zap.String("transport", cfg.Telemetry.Transport),
		zap.String("lock_mode", cfg.Telemetry.LockMode),
		zap.Bool("subscribe_samples", svc.Subscriber != nil),
		zap.Bool("events", svc.Consumer != nil),
	)
	return svc, nil
}

func buildSender(cfg *config.Config, mqttClient *mqtt.Client, redisClient *redis.Client, logger *zap.Logger, closers *[]func() error) (transmission.DataTransmissionService, error) {
	switch cfg.Telemetry.Transport {
	case "mqtt":
		return transport.NewMQTTSender(mqttClient, cfg.Telemetry.MQTTTopicPrefix, cfg.MQTT.QoS, cfg.Telemetry.SendTimeout, logger), nil
	case "kafka":
		writer := transport.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		*closers = append(*closers, writer.Close)
		return transport.NewKafkaSender(writer, logger), nil
	case "stream":
		if redisClient == nil {
			return nil, fmt.Errorf("stream transport requires Redis")
		}
		return transport.NewStreamSender(redisClient, cfg.Telemetry.OutboundStream, logger), nil
	case "http":
		return transport.NewHTTPSender(cfg.Backend.BaseURL, cfg.Backend.Token, cfg.Backend.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Telemetry.Transport)
	}
}
