package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，缺失必填项时拒绝启动。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	s := c.Server
	if s.ListenPort <= 0 || s.ListenPort > 65535 {
		return newFieldError("Server.ListenPort", "必须在 1-65535")
	}
	if s.MetricsPath != "" && !strings.HasPrefix(s.MetricsPath, "/") {
		return newFieldError("Server.MetricsPath", "必须以 / 开头")
	}

	if err := c.validateUpstream(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}

	w := c.WriteBack
	if w.Workers <= 0 {
		return newFieldError("WriteBack.Workers", "必须大于 0")
	}
	if w.QueueSize <= 0 {
		return newFieldError("WriteBack.QueueSize", "必须大于 0")
	}
	return nil
}

func (c *Config) validateUpstream() error {
	u := c.Upstream
	if u.URL == "" {
		return requiredField("Upstream.URL", EnvName("Upstream.URL"))
	}
	if err := validateUpstreamURL(u.URL); err != nil {
		return fmt.Errorf("Upstream.URL: %w", err)
	}
	if u.ConnectTimeout.DurationValue() <= 0 {
		return newFieldError("Upstream.ConnectTimeout", "必须大于 0")
	}
	if u.ReadTimeout.DurationValue() <= 0 {
		return newFieldError("Upstream.ReadTimeout", "必须大于 0")
	}
	return nil
}

func (c *Config) validateCache() error {
	cc := c.Cache
	if cc.TTL.DurationValue() <= 0 {
		return requiredField("Cache.TTL", EnvName("Cache.TTL"))
	}
	if cc.CompressionLevel < -1 || cc.CompressionLevel > 9 {
		return newFieldError("Cache.CompressionLevel", "必须在 -1-9")
	}
	if cc.MaxBodyBytes <= 0 {
		return newFieldError("Cache.MaxBodyBytes", "必须大于 0")
	}
	if cc.OperationTimeout.DurationValue() <= 0 {
		return newFieldError("Cache.OperationTimeout", "必须大于 0")
	}

	switch cc.Backend {
	case BackendValkey:
		return c.validateRedis()
	case BackendSQLite:
		if strings.TrimSpace(cc.SQLitePath) == "" {
			return requiredField("Cache.SQLitePath", EnvName("Cache.SQLitePath"))
		}
	case BackendMemory:
	default:
		return newFieldError("Cache.Backend", "仅支持 valkey/sqlite/memory")
	}
	return nil
}

func (c *Config) validateRedis() error {
	r := c.Redis
	if strings.TrimSpace(r.Host) == "" {
		return requiredField("Redis.Host", EnvName("Redis.Host"))
	}
	if r.Port == 0 {
		return requiredField("Redis.Port", EnvName("Redis.Port"))
	}
	if r.Port < 0 || r.Port > 65535 {
		return newFieldError("Redis.Port", "必须在 1-65535")
	}
	if r.DB < 0 {
		return newFieldError("Redis.DB", "不能为负数")
	}
	if r.PoolSize <= 0 {
		return newFieldError("Redis.PoolSize", "必须大于 0")
	}
	if r.ConnectTimeout.DurationValue() <= 0 {
		return newFieldError("Redis.ConnectTimeout", "必须大于 0")
	}
	if r.SocketTimeout.DurationValue() <= 0 {
		return newFieldError("Redis.SocketTimeout", "必须大于 0")
	}
	return nil
}

func validateUpstreamURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
