package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cacheproxy/internal/cache"
	"github.com/any-hub/cacheproxy/internal/codec"
	"github.com/any-hub/cacheproxy/internal/config"
	"github.com/any-hub/cacheproxy/internal/server"
	"github.com/any-hub/cacheproxy/internal/upstream"
	"github.com/any-hub/cacheproxy/internal/writeback"
)

// origin 是可编程的测试上游，记录收到的请求次数。
type origin struct {
	*httptest.Server
	hits    atomic.Int32
	mu      sync.Mutex
	status  int
	body    []byte
	header  http.Header
	lastReq *http.Request
	reqBody []byte
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{status: http.StatusOK, body: []byte("hello from origin"), header: http.Header{}}
	o.header.Set("Content-Type", "text/plain; charset=utf-8")
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		o.mu.Lock()
		o.lastReq = r.Clone(context.Background())
		o.reqBody = body
		status, payload := o.status, o.body
		for key, values := range o.header {
			for _, v := range values {
				w.Header().Add(key, v)
			}
		}
		o.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write(payload)
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) respondWith(status int, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = status
	o.body = []byte(body)
}

// syncSubmitter 立即执行任务，便于断言写入结果；err 非空时模拟拒绝。
type syncSubmitter struct {
	submitted atomic.Int32
	err       error
}

func (s *syncSubmitter) Submit(task writeback.Task) error {
	s.submitted.Add(1)
	if s.err != nil {
		return s.err
	}
	_ = task(context.Background())
	return nil
}

type fetcherFunc func(ctx context.Context, req upstream.Request) (*upstream.Response, error)

func (f fetcherFunc) Fetch(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	return f(ctx, req)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// recordingStore 包装真实 store，记录 Set 调用并可注入错误。
type recordingStore struct {
	inner  *cache.MemoryStore
	mu     sync.Mutex
	sets   []time.Duration
	getErr error
	setErr error
}

func (s *recordingStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.inner.Get(ctx, key)
}

func (s *recordingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	s.sets = append(s.sets, ttl)
	s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	return s.inner.Set(ctx, key, value, ttl)
}

func (s *recordingStore) setCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sets)
}

var errStoreDown = errors.New("store down")

type testEnv struct {
	app       *fiber.App
	origin    *origin
	store     *recordingStore
	submitter *syncSubmitter
	codec     *codec.Codec
}

type envOption func(*Options)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	logger := quietLogger()

	o := newOrigin(t)
	fetcher, err := upstream.NewFetcher(config.UpstreamConfig{
		URL:            o.URL,
		ConnectTimeout: config.Duration(time.Second),
		ReadTimeout:    config.Duration(2 * time.Second),
	}, nil)
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}

	store := &recordingStore{inner: cache.NewMemoryStore()}
	submitter := &syncSubmitter{}
	c := codec.New(codec.Options{})

	handlerOpts := Options{
		Store:            store,
		Fetcher:          fetcher,
		WriteBack:        submitter,
		Codec:            c,
		Logger:           logger,
		TTL:              time.Minute,
		KeyPrefix:        DefaultKeyPrefix,
		MaxBodyBytes:     1 << 20,
		OperationTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&handlerOpts)
	}

	handler, err := NewHandler(handlerOpts)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{Logger: logger, Proxy: handler})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}

	return &testEnv{app: app, origin: o, store: store, submitter: submitter, codec: c}
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, "http://proxy.local"+target, body)
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(payload)
}
