package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// envBindings 将配置键映射到进程环境变量，变量名沿用历史部署中的命名。
var envBindings = map[string]string{
	"Server.ListenPort":         "LISTEN_PORT",
	"Server.MetricsPath":        "METRICS_PATH",
	"Log.Level":                 "LOG_LEVEL",
	"Log.FilePath":              "LOG_FILE_PATH",
	"Log.MaxSize":               "LOG_MAX_SIZE",
	"Log.MaxBackups":            "LOG_MAX_BACKUPS",
	"Log.Compress":              "LOG_COMPRESS",
	"Upstream.URL":              "PROXY_URL",
	"Upstream.ConnectTimeout":   "UPSTREAM_CONNECT_TIMEOUT",
	"Upstream.ReadTimeout":      "UPSTREAM_READ_TIMEOUT",
	"Upstream.UserAgent":        "UPSTREAM_USER_AGENT",
	"Upstream.MaxResponseBytes": "UPSTREAM_MAX_RESPONSE_BYTES",
	"Cache.Backend":             "CACHE_BACKEND",
	"Cache.TTL":                 "PROXY_EXPIRY",
	"Cache.KeyPrefix":           "CACHE_KEY_PREFIX",
	"Cache.CompressionLevel":    "CACHE_COMPRESSION_LEVEL",
	"Cache.MaxBodyBytes":        "CACHE_MAX_BODY_BYTES",
	"Cache.OperationTimeout":    "CACHE_OPERATION_TIMEOUT",
	"Cache.SQLitePath":          "CACHE_SQLITE_PATH",
	"Redis.Host":                "REDIS_HOST",
	"Redis.Port":                "REDIS_PORT",
	"Redis.Password":            "REDIS_PASSWORD",
	"Redis.DB":                  "REDIS_DB",
	"Redis.PoolSize":            "REDIS_POOL_SIZE",
	"Redis.ConnectTimeout":      "REDIS_CONNECT_TIMEOUT",
	"Redis.SocketTimeout":       "REDIS_SOCKET_TIMEOUT",
	"WriteBack.Workers":         "WRITEBACK_WORKERS",
	"WriteBack.QueueSize":       "WRITEBACK_QUEUE_SIZE",
}

// EnvName 返回配置键对应的环境变量名，未绑定时返回空串。
func EnvName(key string) string {
	return envBindings[key]
}

// EnvNames 返回全部绑定的环境变量名（已排序）。
func EnvNames() []string {
	names := make([]string, 0, len(envBindings))
	for _, env := range envBindings {
		names = append(names, env)
	}
	sort.Strings(names)
	return names
}

// Load 读取可选的 TOML 配置文件并叠加环境变量，同时注入默认值与校验逻辑。
// 环境变量优先级高于配置文件；path 为空时仅使用环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("绑定环境变量 %s 失败: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Server.ListenPort", 5000)
	v.SetDefault("Server.MetricsPath", "/-/metrics")
	v.SetDefault("Log.Level", "info")
	v.SetDefault("Log.FilePath", "")
	v.SetDefault("Log.MaxSize", 100)
	v.SetDefault("Log.MaxBackups", 10)
	v.SetDefault("Log.Compress", true)
	v.SetDefault("Upstream.ConnectTimeout", "3s")
	v.SetDefault("Upstream.ReadTimeout", "10s")
	v.SetDefault("Upstream.UserAgent", "CachingProxy/1.0")
	v.SetDefault("Upstream.MaxResponseBytes", DefaultMaxResponseBytes)
	v.SetDefault("Cache.Backend", BackendValkey)
	v.SetDefault("Cache.KeyPrefix", "cache:")
	v.SetDefault("Cache.CompressionLevel", 6)
	v.SetDefault("Cache.MaxBodyBytes", 32*1024*1024)
	v.SetDefault("Cache.OperationTimeout", "5s")
	v.SetDefault("Cache.SQLitePath", "./cache.db")
	v.SetDefault("Redis.DB", 0)
	v.SetDefault("Redis.PoolSize", 20)
	v.SetDefault("Redis.ConnectTimeout", "5s")
	v.SetDefault("Redis.SocketTimeout", "5s")
	v.SetDefault("WriteBack.Workers", 10)
	v.SetDefault("WriteBack.QueueSize", 1024)
}

// applyDefaults 兜底处理显式写成 0 或空串的字段；必填项不在此填充。
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenPort == 0 {
		cfg.Server.ListenPort = 5000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Upstream.ConnectTimeout.DurationValue() == 0 {
		cfg.Upstream.ConnectTimeout = Duration(3 * time.Second)
	}
	if cfg.Upstream.ReadTimeout.DurationValue() == 0 {
		cfg.Upstream.ReadTimeout = Duration(10 * time.Second)
	}
	if strings.TrimSpace(cfg.Upstream.UserAgent) == "" {
		cfg.Upstream.UserAgent = "CachingProxy/1.0"
	}
	if cfg.Upstream.MaxResponseBytes <= 0 {
		cfg.Upstream.MaxResponseBytes = DefaultMaxResponseBytes
	}
	cfg.Upstream.URL = strings.TrimSpace(cfg.Upstream.URL)
	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = BackendValkey
	}
	if cfg.Cache.OperationTimeout.DurationValue() == 0 {
		cfg.Cache.OperationTimeout = Duration(5 * time.Second)
	}
	if cfg.Redis.ConnectTimeout.DurationValue() == 0 {
		cfg.Redis.ConnectTimeout = Duration(5 * time.Second)
	}
	if cfg.Redis.SocketTimeout.DurationValue() == 0 {
		cfg.Redis.SocketTimeout = Duration(5 * time.Second)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			v = strings.TrimSpace(v)
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
