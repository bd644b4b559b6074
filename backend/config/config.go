// Package config 读取协调服务的配置：YAML 文件 + COLLAB_* 环境变量覆盖 + 可选的 .env。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	FileName  = "coordinatorConfig"
	EnvPrefix = "COLLAB"
)

type CoordinatorConfig struct {
	Running struct {
		Port int  `mapstructure:"port"`
		Cors bool `mapstructure:"cors"`
		// AllowedOrigins 是 WebSocket 的 Origin 前缀白名单
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
		MaxSessions    int      `mapstructure:"maxSessions"`
	} `mapstructure:"running"`
	Redis struct {
		// Addrs 为空时使用进程内存储，只适合单实例开发
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		DB       int      `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		// Brokers 为空时不发布事件
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		// Path 是 auth-service 地址；JWTSecret 非空时改为本地校验
		Path      string `mapstructure:"path"`
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Presence struct {
		InactivityWindow time.Duration `mapstructure:"inactivityWindow"`
		AsyncPrune       bool          `mapstructure:"asyncPrune"`
		PruneTimeout     time.Duration `mapstructure:"pruneTimeout"`
	} `mapstructure:"presence"`
	Lock struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"lock"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.cors", false)
	v.SetDefault("running.allowedOrigins", []string{})
	v.SetDefault("running.maxSessions", 10_000)
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "collab-coordination-events")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("auth.path", "")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("presence.inactivityWindow", 15*time.Minute)
	v.SetDefault("presence.asyncPrune", true)
	v.SetDefault("presence.pruneTimeout", 2*time.Second)
	v.SetDefault("lock.ttl", 2*time.Minute)
}

// Load 依次在 paths 里找 coordinatorConfig.yaml；paths 为空时兼容从项目根目录或 backend 目录启动。
// 找不到配置文件时只用默认值和环境变量。
func Load(paths ...string) (*CoordinatorConfig, error) {
	// .env 只用于本地开发，不覆盖已有的环境变量
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &CoordinatorConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// 环境变量里的列表是逗号分隔的字符串
	cfg.Redis.Addrs = splitList(cfg.Redis.Addrs)
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Running.AllowedOrigins = splitList(cfg.Running.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *CoordinatorConfig) Validate() error {
	var errs []error
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		errs = append(errs, fmt.Errorf("running.port %d out of range", c.Running.Port))
	}
	if c.Presence.InactivityWindow <= 0 {
		errs = append(errs, errors.New("presence.inactivityWindow must be positive"))
	}
	if c.Presence.PruneTimeout <= 0 {
		errs = append(errs, errors.New("presence.pruneTimeout must be positive"))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, errors.New("lock.ttl must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 {
		if c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
		}
		if c.Kafka.BaseBackoff <= 0 || c.Kafka.MaxBackoff <= 0 {
			errs = append(errs, errors.New("kafka backoff must be positive"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// String 打印时隐藏密码和密钥
func (c *CoordinatorConfig) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "port=%d cors=%v maxSessions=%d", c.Running.Port, c.Running.Cors, c.Running.MaxSessions)
	fmt.Fprintf(&sb, " redis=%v db=%d password=%s", c.Redis.Addrs, c.Redis.DB, mask(c.Redis.Password))
	fmt.Fprintf(&sb, " kafka=%v topic=%s", c.Kafka.Brokers, c.Kafka.Topic)
	fmt.Fprintf(&sb, " auth=%q jwtSecret=%s", c.Auth.Path, mask(c.Auth.JWTSecret))
	fmt.Fprintf(&sb, " inactivityWindow=%s asyncPrune=%v lockTTL=%s",
		c.Presence.InactivityWindow, c.Presence.AsyncPrune, c.Lock.TTL)
	return sb.String()
}

func mask(s string) string {
	if s == "" {
		return "(empty)"
	}
	return "********"
}
