package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/any-hub/cacheproxy/internal/config"
)

// Store 抽象缓存后端。实现必须并发安全，请求 goroutine 与回写 worker 共享同一实例。
type Store interface {
	// Get 返回 key 对应的字节。不存在或已过期时返回 ErrNotFound。
	Get(ctx context.Context, key string) ([]byte, error)

	// Set 覆盖写入 key，ttl <= 0 表示不过期。无 CAS，最后写入者胜出。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// FlushAll 清空当前库/命名空间中的全部条目，仅供管理端点使用。
	FlushAll(ctx context.Context) error

	// Ping 检查后端连通性，用于启动诊断。
	Ping(ctx context.Context) error

	// Close 释放连接池等资源。
	Close() error
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// NewStore 根据配置中的后端类型构建 Store，整个进程复用一份实例。
func NewStore(cfg *config.Config) (Store, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	switch cfg.Cache.Backend {
	case config.BackendValkey:
		return NewValkeyStore(cfg.Redis), nil
	case config.BackendSQLite:
		return NewSQLiteStore(cfg.Cache.SQLitePath)
	case config.BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Cache.Backend)
	}
}
