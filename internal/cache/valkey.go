package cache

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/any-hub/cacheproxy/internal/config"
)

// redialInterval 限制后端不可达时重新建连的频率，避免每个请求都同步拨号。
const redialInterval = time.Second

// ValkeyStore 通过 RESP 协议访问 Redis/Valkey。客户端在首次使用时建立，
// 启动时后端不可达不会阻止代理提供服务。
type ValkeyStore struct {
	opt     valkey.ClientOption
	timeout time.Duration

	mu       sync.Mutex
	client   valkey.Client
	lastDial time.Time
	dialErr  error
	dialing  chan struct{}
	closed   bool
}

// NewValkeyStore 基于 Redis 配置创建 Store，不会立即发起连接。
func NewValkeyStore(cfg config.RedisConfig) *ValkeyStore {
	return &ValkeyStore{
		opt: valkey.ClientOption{
			InitAddress:      []string{cfg.Address()},
			Password:         cfg.Password,
			SelectDB:         cfg.DB,
			BlockingPoolSize: cfg.PoolSize,
			Dialer: net.Dialer{
				Timeout:   cfg.ConnectTimeout.DurationValue(),
				KeepAlive: 30 * time.Second,
			},
			ConnWriteTimeout:  cfg.SocketTimeout.DurationValue(),
			DisableCache:      true,
			ForceSingleClient: true,
			// 普通命令也从 BlockingPoolSize 限定的连接池取连接。
			DisableAutoPipelining: true,
		},
		timeout: cfg.SocketTimeout.DurationValue(),
	}
}

var errStoreClosed = errors.New("cache store closed")

// acquire 返回已建立的客户端。建连在后台进行且同一时刻至多一个，
// 调用方只等待到自身 ctx 截止。
func (s *ValkeyStore) acquire(ctx context.Context) (valkey.Client, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errStoreClosed
	}
	if s.client != nil {
		client := s.client
		s.mu.Unlock()
		return client, nil
	}
	if s.dialing == nil {
		if s.dialErr != nil && time.Since(s.lastDial) < redialInterval {
			err := s.dialErr
			s.mu.Unlock()
			return nil, err
		}
		s.dialing = make(chan struct{})
		go s.dial(s.dialing)
	}
	done := s.dialing
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errStoreClosed
	}
	if s.client != nil {
		return s.client, nil
	}
	return nil, s.dialErr
}

func (s *ValkeyStore) dial(done chan struct{}) {
	client, err := valkey.NewClient(s.opt)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(done)

	s.dialing = nil
	s.lastDial = time.Now()
	if err != nil {
		s.dialErr = err
		return
	}
	if s.closed {
		client.Close()
		return
	}
	s.client, s.dialErr = client, nil
}

func (s *ValkeyStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *ValkeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	client, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	data, err := client.Do(ctx, client.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *ValkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	client, err := s.acquire(ctx)
	if err != nil {
		return err
	}

	if ttl <= 0 {
		return client.Do(ctx, client.B().Set().Key(key).Value(valkey.BinaryString(value)).Build()).Error()
	}
	// EX 以秒为精度，小于 1s 的 TTL 向上取整。
	if ttl < time.Second {
		ttl = time.Second
	}
	return client.Do(ctx, client.B().Set().Key(key).Value(valkey.BinaryString(value)).Ex(ttl).Build()).Error()
}

// FlushAll 执行 FLUSHDB，只影响配置中选中的库。
func (s *ValkeyStore) FlushAll(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	client, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	return client.Do(ctx, client.B().Flushdb().Build()).Error()
}

func (s *ValkeyStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	client, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	return client.Do(ctx, client.B().Ping().Build()).Error()
}

func (s *ValkeyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	return nil
}
