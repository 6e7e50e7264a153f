package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存后端。
const (
	BackendValkey = "valkey"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// ServerConfig 描述对外监听与诊断端点。
type ServerConfig struct {
	ListenPort  int    `mapstructure:"ListenPort"`
	MetricsPath string `mapstructure:"MetricsPath"`
}

// LogConfig 控制日志级别与输出位置，LogFilePath 为空时输出到 stdout。
type LogConfig struct {
	Level      string `mapstructure:"Level"`
	FilePath   string `mapstructure:"FilePath"`
	MaxSize    int    `mapstructure:"MaxSize"`
	MaxBackups int    `mapstructure:"MaxBackups"`
	Compress   bool   `mapstructure:"Compress"`
}

// UpstreamConfig 描述回源目标与连接/读取两段独立超时。
type UpstreamConfig struct {
	URL            string   `mapstructure:"URL"`
	ConnectTimeout Duration `mapstructure:"ConnectTimeout"`
	ReadTimeout    Duration `mapstructure:"ReadTimeout"`
	UserAgent      string   `mapstructure:"UserAgent"`
	// MaxResponseBytes 限制上游响应体（解压前后）的最大字节数。
	MaxResponseBytes int64 `mapstructure:"MaxResponseBytes"`
}

// DefaultMaxResponseBytes 是上游响应体的默认上限。
const DefaultMaxResponseBytes = 256 * 1024 * 1024

// CacheConfig 描述缓存条目的 TTL、编码参数以及后端选择。
type CacheConfig struct {
	Backend          string   `mapstructure:"Backend"`
	TTL              Duration `mapstructure:"TTL"`
	KeyPrefix        string   `mapstructure:"KeyPrefix"`
	CompressionLevel int      `mapstructure:"CompressionLevel"`
	MaxBodyBytes     int64    `mapstructure:"MaxBodyBytes"`
	OperationTimeout Duration `mapstructure:"OperationTimeout"`
	SQLitePath       string   `mapstructure:"SQLitePath"`
}

// RedisConfig 对应 valkey/redis 连接池参数。
type RedisConfig struct {
	Host           string   `mapstructure:"Host"`
	Port           int      `mapstructure:"Port"`
	Password       string   `mapstructure:"Password"`
	DB             int      `mapstructure:"DB"`
	PoolSize       int      `mapstructure:"PoolSize"`
	ConnectTimeout Duration `mapstructure:"ConnectTimeout"`
	SocketTimeout  Duration `mapstructure:"SocketTimeout"`
}

// Address 返回 host:port 形式的地址。
func (r RedisConfig) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// WriteBackConfig 控制异步回写的 worker 数与队列上限。
type WriteBackConfig struct {
	Workers   int `mapstructure:"Workers"`
	QueueSize int `mapstructure:"QueueSize"`
}

// Config 是环境变量/配置文件映射后的整体结构。
type Config struct {
	Server    ServerConfig    `mapstructure:"Server"`
	Log       LogConfig       `mapstructure:"Log"`
	Upstream  UpstreamConfig  `mapstructure:"Upstream"`
	Cache     CacheConfig     `mapstructure:"Cache"`
	Redis     RedisConfig     `mapstructure:"Redis"`
	WriteBack WriteBackConfig `mapstructure:"WriteBack"`
}
