package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cacheproxy/internal/cache"
	"github.com/any-hub/cacheproxy/internal/codec"
	"github.com/any-hub/cacheproxy/internal/logging"
	"github.com/any-hub/cacheproxy/internal/metrics"
	"github.com/any-hub/cacheproxy/internal/server"
	"github.com/any-hub/cacheproxy/internal/upstream"
	"github.com/any-hub/cacheproxy/internal/writeback"
)

// X-Cache 取值。
const (
	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// Store 是 Handler 对缓存后端的最小依赖。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Fetcher 执行回源请求。
type Fetcher interface {
	Fetch(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// Submitter 接收异步回写任务，不得阻塞。
type Submitter interface {
	Submit(task writeback.Task) error
}

// Options 汇总 Handler 依赖，全部在启动时注入。
type Options struct {
	Store            Store
	Fetcher          Fetcher
	WriteBack        Submitter
	Codec            *codec.Codec
	Logger           *logrus.Logger
	Metrics          *metrics.Metrics
	TTL              time.Duration
	KeyPrefix        string
	MaxBodyBytes     int64
	OperationTimeout time.Duration
}

// Handler 实现 cache-aside 流程：派生键 → 查缓存 → 解码 → 回源 → 响应。
// 只持有不可变依赖，可被任意多个请求并发调用。
type Handler struct {
	store     Store
	fetcher   Fetcher
	writeBack Submitter
	codec     *codec.Codec
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	ttl       time.Duration
	prefix    string
	maxBody   int64
	opTimeout time.Duration
}

// NewHandler validates dependencies and constructs a proxy handler.
func NewHandler(opts Options) (*Handler, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("cache store is required")
	case opts.Fetcher == nil:
		return nil, errors.New("upstream fetcher is required")
	case opts.WriteBack == nil:
		return nil, errors.New("write-back scheduler is required")
	case opts.Logger == nil:
		return nil, errors.New("logger is required")
	case opts.TTL <= 0:
		return nil, fmt.Errorf("invalid cache ttl: %s", opts.TTL)
	}

	h := &Handler{
		store:     opts.Store,
		fetcher:   opts.Fetcher,
		writeBack: opts.WriteBack,
		codec:     opts.Codec,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		ttl:       opts.TTL,
		prefix:    opts.KeyPrefix,
		maxBody:   opts.MaxBodyBytes,
		opTimeout: opts.OperationTimeout,
	}
	if h.codec == nil {
		h.codec = codec.New(codec.Options{})
	}
	if h.opTimeout <= 0 {
		h.opTimeout = 5 * time.Second
	}
	return h, nil
}

// requestState 携带单次请求在各阶段之间传递的数据。
type requestState struct {
	started   time.Time
	requestID string
	method    string
	path      string
	rawQuery  string
	key       string
	cacheable bool
}

// Handle 执行一次 cache-aside 流程。缓存层的任何错误都只会降级为回源，
// 只有回源失败才会返回 502。
func (h *Handler) Handle(c fiber.Ctx) error {
	state := requestState{
		started:   time.Now(),
		requestID: server.RequestID(c),
		method:    c.Method(),
		path:      requestPath(c),
		rawQuery:  string(c.Request().URI().QueryString()),
	}
	state.cacheable = state.method == http.MethodGet
	if state.cacheable {
		state.key = CacheKey(h.prefix, state.path, state.rawQuery)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if !state.cacheable {
		h.metrics.RecordLookup(metrics.LookupBypass)
		return h.fetchAndRespond(c, ctx, &state)
	}

	if entry, ok := h.lookup(ctx, &state); ok {
		return h.respond(c, &state, entry.StatusCode, entry.Header, entry.Body, CacheHit)
	}
	return h.fetchAndRespond(c, ctx, &state)
}

// lookup 查询并解码缓存。未命中、后端错误与损坏条目均返回 false。
func (h *Handler) lookup(ctx context.Context, state *requestState) (codec.CachedResponse, bool) {
	lookupCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
	data, err := h.store.Get(lookupCtx, state.key)
	cancel()

	switch {
	case errors.Is(err, cache.ErrNotFound):
		h.metrics.RecordLookup(metrics.LookupMiss)
		return codec.CachedResponse{}, false
	case err != nil:
		h.metrics.RecordLookup(metrics.LookupError)
		h.logger.WithError(err).
			WithFields(logging.RequestFields(state.key, state.method, state.path, CacheMiss)).
			WithField("action", "cache_lookup").
			Warn("cache_get_failed")
		return codec.CachedResponse{}, false
	}

	entry, err := h.codec.Decode(data)
	if err != nil {
		h.metrics.RecordLookup(metrics.LookupCorrupt)
		h.logger.WithError(err).
			WithFields(logging.RequestFields(state.key, state.method, state.path, CacheMiss)).
			WithField("action", "cache_decode").
			Warn("cache_entry_corrupt")
		return codec.CachedResponse{}, false
	}

	h.metrics.RecordLookup(metrics.LookupHit)
	return entry, true
}

func (h *Handler) fetchAndRespond(c fiber.Ctx, ctx context.Context, state *requestState) error {
	resp, err := h.fetcher.Fetch(ctx, upstream.Request{
		Method:   state.method,
		Path:     state.path,
		RawQuery: state.rawQuery,
		Header:   requestHeaders(&c.Request().Header),
		Body:     c.Body(),
		ClientIP: c.IP(),
		Host:     c.Hostname(),
		Proto:    c.Protocol(),
	})
	if err != nil {
		h.metrics.RecordUpstream(0)
		h.logResult(state, fiber.StatusBadGateway, CacheMiss, err)
		c.Set("X-Cache", CacheMiss)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}
	h.metrics.RecordUpstream(resp.StatusCode)

	if state.cacheable && resp.StatusCode == http.StatusOK {
		h.scheduleWriteBack(state, resp)
	}
	return h.respond(c, state, resp.StatusCode, resp.Header, resp.Body, CacheMiss)
}

// scheduleWriteBack 将编码与写入交给回写池；提交失败只记录日志，不影响响应。
func (h *Handler) scheduleWriteBack(state *requestState, resp *upstream.Response) {
	if h.maxBody > 0 && int64(len(resp.Body)) > h.maxBody {
		h.logger.WithFields(logging.RequestFields(state.key, state.method, state.path, CacheMiss)).
			WithFields(logrus.Fields{"action": "writeback", "body_bytes": len(resp.Body)}).
			Debug("writeback_skipped_oversized")
		return
	}

	entry := codec.CachedResponse{
		StatusCode: resp.StatusCode,
		Header:     storableHeaders(resp.Header),
		Body:       resp.Body,
	}
	key := state.key
	task := func(ctx context.Context) error {
		data, err := h.codec.Encode(entry)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		setCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
		defer cancel()
		if err := h.store.Set(setCtx, key, data, h.ttl); err != nil {
			return fmt.Errorf("store %s: %w", key, err)
		}
		return nil
	}

	if err := h.writeBack.Submit(task); err != nil {
		h.logger.WithError(err).
			WithFields(logging.RequestFields(key, state.method, state.path, CacheMiss)).
			WithField("action", "writeback").
			Warn("writeback_submit_failed")
	}
}

// respond 回放状态码、头与响应体，并附加 X-Cache 与 X-Request-ID。
func (h *Handler) respond(c fiber.Ctx, state *requestState, status int, header http.Header, body []byte, cacheStatus string) error {
	copyResponseHeaders(c, header)
	c.Set("X-Cache", cacheStatus)
	if state.requestID != "" {
		c.Set("X-Request-ID", state.requestID)
	}
	c.Status(status)
	err := c.Send(body)
	h.logResult(state, status, cacheStatus, err)
	return err
}

func (h *Handler) logResult(state *requestState, status int, cacheStatus string, err error) {
	elapsed := time.Since(state.started)
	h.metrics.ObserveRequest(cacheStatus, elapsed)

	fields := logging.RequestFields(state.key, state.method, state.path, cacheStatus)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = elapsed.Milliseconds()
	if state.requestID != "" {
		fields["request_id"] = state.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
