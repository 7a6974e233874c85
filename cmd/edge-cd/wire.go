package main

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"edge-cd/internal/adapter/artifact"
	"edge-cd/internal/adapter/cache"
	"edge-cd/internal/adapter/mq"
	"edge-cd/internal/adapter/notification"
	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/consumer"
	"edge-cd/internal/core/assets"
	"edge-cd/internal/core/binding"
	"edge-cd/internal/core/deployment"
	"edge-cd/internal/core/enforcement"
	"edge-cd/internal/pkg/config"
	"edge-cd/internal/repository"
	"edge-cd/internal/scheduler"
	"edge-cd/internal/template"
)

// app 进程内组件
type app struct {
	client    *platform.HTTPClient
	store     artifact.Store
	templates template.Registry
	engine    *deployment.Engine
	scheduler *scheduler.Scheduler
	consumer  *consumer.Consumer

	redis    *redis.Client
	mqConn   *amqp.Connection
	notifier *notification.LarkNotifier
}

// Close 释放外部连接
func (a *app) Close() {
	if a.mqConn != nil {
		_ = a.mqConn.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.notifier != nil {
		_ = a.notifier.Close()
	}
	if a.client != nil {
		_ = a.client.Close()
	}
}

func duration(name, raw string, def time.Duration, logger *zap.Logger) time.Duration {
	d, ok := config.ParseDuration(raw, def)
	if !ok {
		logger.Warn("时长配置非法, 使用默认值", zap.String("key", name), zap.String("value", raw), zap.Duration("default", def))
	}
	return d
}

func buildApp(ctx context.Context, cfg *config.Config, db *gorm.DB, logger *zap.Logger) (*app, error) {
	a := &app{}

	// 云厂商 API
	a.client = platform.NewHTTPClient(platform.Options{
		BaseURL:          cfg.Platform.BaseURL,
		GraphQLURL:       cfg.Platform.GraphQLURL,
		AccountID:        cfg.Platform.AccountID,
		APIToken:         cfg.Platform.APIToken,
		Timeout:          duration("platform.timeout", cfg.Platform.Timeout, 30*time.Second, logger),
		D1CreateAttempts: cfg.Platform.D1CreateAttempts,
		D1CreateBackoff:  duration("platform.d1_create_backoff", cfg.Platform.D1CreateBackoff, time.Second, logger),
	}, logger.Named("platform"))

	// 制品存储
	switch cfg.ObjectStore.Driver {
	case "memory":
		logger.Warn("制品存储使用内存实现, 重启后制品丢失")
		a.store = artifact.NewMemoryStore()
	default:
		store, err := artifact.NewMinioStore(ctx, artifact.MinioConfig{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			Bucket:    cfg.ObjectStore.Bucket,
			Region:    cfg.ObjectStore.Region,
			UseSSL:    cfg.ObjectStore.UseSSL,
		}, logger.Named("artifact"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("初始化制品存储失败: %w", err)
		}
		a.store = store
	}

	// 预构建模板
	templates, err := template.LoadFile(cfg.Templates.RegistryFile, cfg.Templates.Namespace)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("加载模板注册表失败: %w", err)
	}
	a.templates = templates
	logger.Info("模板注册表已加载", zap.Int("templates", len(templates.List())))

	// Redis 租户缓存与部署锁
	var tenantCache cache.TenantCache = cache.NopCache{}
	var locker cache.Locker = cache.NopLocker{}
	if cfg.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		tenantCache = cache.NewRedisCache(client, duration("redis.cache_ttl", cfg.Redis.CacheTTL, 0, logger))
		locker = cache.NewRedisLocker(client)
		logger.Info("Redis 连接成功", zap.String("addr", cfg.Redis.Addr))
	} else if cfg.Deploy.ProjectLock {
		logger.Warn("deploy.project_lock 需要 Redis, 当前未启用, 锁不生效")
	}

	// 部署事件队列
	var publisher mq.Publisher = mq.NopPublisher{}
	deployments := repository.NewDeploymentRepository(db)
	if cfg.MQ.Enabled {
		conn, ch, err := mq.Dial(cfg.MQ.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.mqConn = conn
		topology := mq.Topology{Exchange: cfg.MQ.Exchange, Queue: cfg.MQ.Queue, DelayQueue: cfg.MQ.DelayQueue}
		if err := topology.Declare(ch); err != nil {
			a.Close()
			return nil, err
		}
		publisher = mq.NewAMQPPublisher(ch, topology)

		policy := consumer.DefaultRetryPolicy()
		if cfg.MQ.MaxAttempts > 0 {
			policy.MaxAttempts = cfg.MQ.MaxAttempts
		}
		a.consumer = consumer.NewConsumer(ch, publisher, consumer.NewIndexer(deployments, a.store, logger.Named("indexer")), policy, cfg.MQ.Queue, cfg.MQ.ConsumerTag, logger.Named("consumer"))
		logger.Info("RabbitMQ 连接成功", zap.String("exchange", cfg.MQ.Exchange), zap.String("queue", cfg.MQ.Queue))
	}

	// 通知
	var notifier notification.Notifier = notification.NewLogNotifier(logger.Named("notify"))
	if cfg.Notify.Enabled && cfg.Notify.LarkWebhook != "" {
		a.notifier = notification.NewLarkNotifier(cfg.Notify.LarkWebhook, true, logger.Named("notify"))
		notifier = notification.NewMultiNotifier(logger.Named("notify"), notifier, a.notifier)
	}

	projects := repository.NewProjectRepository(db)
	resources := repository.NewResourceRepository(db)

	resolver := binding.NewResolver(a.client, resources, binding.Options{
		ProxyService:     cfg.Platform.ProxyService,
		AnalyticsDataset: cfg.Platform.AnalyticsDataset,
	}, logger.Named("binding"))

	a.engine = deployment.NewEngine(deployment.Deps{
		Deployments: deployments,
		Projects:    projects,
		Store:       a.store,
		Client:      a.client,
		Resolver:    resolver,
		Assets:      assets.NewCoordinator(a.client, cfg.Deploy.AssetUploadParallel, logger.Named("assets")),
		Cache:       tenantCache,
		Publisher:   publisher,
		Locker:      locker,
		Notifier:    notifier,
	}, deployment.Options{
		ProjectLock:    cfg.Deploy.ProjectLock,
		ProjectLockTTL: duration("deploy.project_lock_ttl", cfg.Deploy.ProjectLockTTL, 10*time.Minute, logger),
		Timeout:        duration("deploy.timeout", cfg.Deploy.Timeout, 10*time.Minute, logger),
	}, logger.Named("deployment"))

	// 用量限制, 阈值启动时读取一次
	enforcer := enforcement.NewEngine(projects, repository.NewEnforcementRepository(db), a.client, enforcement.Options{
		DailyCeiling:   hoursToDuration(cfg.Enforcement.DailyCeilingHours),
		MonthlyCeiling: hoursToDuration(cfg.Enforcement.MonthlyCeilingHours),
		MinInterval:    time.Duration(cfg.Enforcement.MinIntervalSeconds) * time.Second,
		TrailingBuffer: duration("enforcement.trailing_buffer", cfg.Enforcement.TrailingBuffer, 2*time.Minute, logger),
		Dataset:        cfg.Platform.AnalyticsDataset,
		AccountID:      cfg.Platform.AccountID,
	}, logger.Named("enforcement")).WithNotifier(notifier)
	a.scheduler = scheduler.NewScheduler(enforcer, logger.Named("scheduler"))

	return a, nil
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
