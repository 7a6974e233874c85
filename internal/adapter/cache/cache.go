package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss 缓存未命中
var ErrMiss = errors.New("cache: key not found")

// TenantInfo 请求链路使用的租户快照, 部署变为 live 后刷新
type TenantInfo struct {
	ProjectID    string    `json:"project_id"`
	OrgID        string    `json:"org_id"`
	WorkerName   string    `json:"worker_name"`
	DatabaseID   string    `json:"database_id,omitempty"`
	BucketName   string    `json:"bucket_name,omitempty"`
	Tier         string    `json:"tier"`
	Status       string    `json:"status"`
	DeploymentID string    `json:"deployment_id"`
	RefreshedAt  time.Time `json:"refreshed_at"`
}

// TenantCache 租户读缓存
type TenantCache interface {
	Refresh(ctx context.Context, info *TenantInfo) error
	Get(ctx context.Context, workerName string) (*TenantInfo, error)
}

// RedisCache go-redis 实现
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ TenantCache = (*RedisCache)(nil)

// NewRedisClient 创建客户端并 Ping
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// NewRedisCache ttl 为 0 表示不过期
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func tenantKey(workerName string) string {
	return "tenant:" + workerName
}

func (c *RedisCache) Refresh(ctx context.Context, info *TenantInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, tenantKey(info.WorkerName), data, c.ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, workerName string) (*TenantInfo, error) {
	data, err := c.client.Get(ctx, tenantKey(workerName)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, err
	}
	var info TenantInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// NopCache 未启用 Redis 时使用
type NopCache struct{}

func (NopCache) Refresh(context.Context, *TenantInfo) error { return nil }

func (NopCache) Get(context.Context, string) (*TenantInfo, error) { return nil, ErrMiss }
