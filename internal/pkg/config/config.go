package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var GlobalConfig *Config

// Config 全局配置
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Log         LogConfig         `mapstructure:"log"`
	Redis       RedisConfig       `mapstructure:"redis"`
	MQ          MQConfig          `mapstructure:"mq"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
	Platform    PlatformConfig    `mapstructure:"platform"`
	Deploy      DeployConfig      `mapstructure:"deploy"`
	Enforcement EnforcementConfig `mapstructure:"enforcement"`
	Templates   TemplatesConfig   `mapstructure:"templates"`
	Notify      NotifyConfig      `mapstructure:"notify"`
}

// ServerConfig 服务配置
type ServerConfig struct {
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Database        string `mapstructure:"database"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	LogLevel        string `mapstructure:"log_level"`         // SQL日志级别: silent/error/warn/info
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level    string `mapstructure:"level"`  // debug, info, warn, error
	Format   string `mapstructure:"format"` // json, console
	Output   string `mapstructure:"output"` // stdout, file
	FilePath string `mapstructure:"file_path"`
}

// RedisConfig 租户读缓存 / 部署锁
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	CacheTTL string `mapstructure:"cache_ttl"` // 0 表示不过期
}

// MQConfig 部署事件队列
type MQConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	URL         string `mapstructure:"url"`
	Exchange    string `mapstructure:"exchange"`
	Queue       string `mapstructure:"queue"`
	DelayQueue  string `mapstructure:"delay_queue"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	ConsumerTag string `mapstructure:"consumer_tag"`
}

// ObjectStoreConfig 制品存储 (S3 兼容)
type ObjectStoreConfig struct {
	Driver    string `mapstructure:"driver"` // minio, memory
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// PlatformConfig 云厂商控制面 API
type PlatformConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	GraphQLURL       string `mapstructure:"graphql_url"`
	AccountID        string `mapstructure:"account_id"`
	APIToken         string `mapstructure:"api_token"`
	Timeout          string `mapstructure:"timeout"`
	D1CreateAttempts int    `mapstructure:"d1_create_attempts"`
	D1CreateBackoff  string `mapstructure:"d1_create_backoff"`
	AnalyticsDataset string `mapstructure:"analytics_dataset"`
	ProxyService     string `mapstructure:"proxy_service"` // AI/Vectorize 计量代理 worker 名
}

// DeployConfig 部署配置
type DeployConfig struct {
	ProjectLock         bool   `mapstructure:"project_lock"` // 同项目部署单飞锁
	ProjectLockTTL      string `mapstructure:"project_lock_ttl"`
	AssetUploadParallel int    `mapstructure:"asset_upload_parallel"`
	Timeout             string `mapstructure:"timeout"` // 单次部署整体超时
	WorkerNamePrefix    string `mapstructure:"worker_name_prefix"`
}

// EnforcementConfig 用量限制配置, 启动时读取一次
type EnforcementConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	Cron                string  `mapstructure:"cron"`
	DailyCeilingHours   float64 `mapstructure:"daily_ceiling_hours"`
	MonthlyCeilingHours float64 `mapstructure:"monthly_ceiling_hours"`
	MinIntervalSeconds  int     `mapstructure:"min_interval_seconds"`
	TrailingBuffer      string  `mapstructure:"trailing_buffer"`
}

// TemplatesConfig 预构建模板
type TemplatesConfig struct {
	RegistryFile string `mapstructure:"registry_file"`
	Namespace    string `mapstructure:"namespace"`
}

// NotifyConfig 部署/限流通知
type NotifyConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	LarkWebhook string `mapstructure:"lark_webhook"`
}

// Load 加载配置
// 优先级: 参数 > CONFIG_FILE 环境变量 > configs/config.yaml
func Load(configPath string) (*Config, error) {
	// .env 可选
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("加载 .env 失败: %w", err)
		}
	}

	if configPath == "" {
		configPath = os.Getenv("CONFIG_FILE")
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	GlobalConfig = config

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "edge-cd")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.conn_max_lifetime", 3600)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("object_store.driver", "minio")
	v.SetDefault("object_store.bucket", "edge-cd-artifacts")
	v.SetDefault("mq.exchange", "edge-cd")
	v.SetDefault("mq.queue", "deployments")
	v.SetDefault("mq.delay_queue", "deployments.delay")
	v.SetDefault("mq.max_attempts", 5)
	v.SetDefault("platform.timeout", "30s")
	v.SetDefault("platform.d1_create_attempts", 3)
	v.SetDefault("platform.d1_create_backoff", "1s")
	v.SetDefault("platform.proxy_service", "edge-cd-proxy")
	v.SetDefault("platform.analytics_dataset", "do_metrics")
	v.SetDefault("deploy.project_lock", false)
	v.SetDefault("deploy.project_lock_ttl", "10m")
	v.SetDefault("deploy.asset_upload_parallel", 3)
	v.SetDefault("deploy.timeout", "10m")
	v.SetDefault("deploy.worker_name_prefix", "p-")
	v.SetDefault("enforcement.enabled", true)
	v.SetDefault("enforcement.cron", "0 */5 * * * *")
	v.SetDefault("enforcement.daily_ceiling_hours", 2)
	v.SetDefault("enforcement.monthly_ceiling_hours", 1000)
	v.SetDefault("enforcement.min_interval_seconds", 300)
	v.SetDefault("enforcement.trailing_buffer", "2m")
	v.SetDefault("templates.registry_file", "configs/templates.yaml")
	v.SetDefault("templates.namespace", "official")
	v.SetDefault("notify.enabled", false)
}

// GetDSN 获取数据库DSN
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.Username,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

// ParseDuration 解析时长配置, 为空或非法时返回默认值
func ParseDuration(raw string, def time.Duration) (time.Duration, bool) {
	if raw == "" {
		return def, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return def, false
	}
	return d, true
}
