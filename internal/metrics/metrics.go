// Package metrics exposes Prometheus counters for the cache-aside path on a
// private registry. Every method is safe to call on a nil *Metrics so callers
// can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/cacheproxy/internal/writeback"
)

// 缓存查找结果标签。
const (
	LookupHit     = "hit"
	LookupMiss    = "miss"
	LookupError   = "error"
	LookupCorrupt = "corrupt"
	LookupBypass  = "bypass"
)

type Metrics struct {
	registry        *prometheus.Registry
	cacheLookups    *prometheus.CounterVec
	upstream        *prometheus.CounterVec
	writeBacks      *prometheus.CounterVec
	cacheClears     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	queueOnce       sync.Once
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cacheproxy_cache_lookups_total",
		Help: "Total cache lookups by result",
	}, []string{"result"})

	upstream := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cacheproxy_upstream_requests_total",
		Help: "Total upstream fetches by status class",
	}, []string{"status_class"})

	writeBacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cacheproxy_writeback_total",
		Help: "Total write-back tasks by result",
	}, []string{"result"})

	cacheClears := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cacheproxy_cache_clear_total",
		Help: "Total cache clear requests by result",
	}, []string{"result"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cacheproxy_request_duration_seconds",
		Help:    "Proxy request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"cache"})

	registry.MustRegister(cacheLookups, upstream, writeBacks, cacheClears, requestDuration)

	return &Metrics{
		registry:        registry,
		cacheLookups:    cacheLookups,
		upstream:        upstream,
		writeBacks:      writeBacks,
		cacheClears:     cacheClears,
		requestDuration: requestDuration,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterQueueDepth 注册回写队列深度 gauge，只生效一次。
func (m *Metrics) RegisterQueueDepth(depth func() int) {
	if m == nil || depth == nil {
		return
	}
	m.queueOnce.Do(func() {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cacheproxy_writeback_queue_depth",
			Help: "Write-back tasks waiting in the queue",
		}, func() float64 {
			return float64(depth())
		}))
	})
}

func (m *Metrics) RecordLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordUpstream 按状态分类计数，status 为 0 表示传输失败。
func (m *Metrics) RecordUpstream(status int) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(statusClass(status)).Inc()
}

func (m *Metrics) RecordCacheClear(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cacheClears.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRequest(cacheStatus string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(cacheStatus).Observe(duration.Seconds())
}

// ObserveWriteBack 实现 writeback.Observer。
func (m *Metrics) ObserveWriteBack(result writeback.Result) {
	if m == nil {
		return
	}
	m.writeBacks.WithLabelValues(string(result)).Inc()
}

func statusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	if status < 100 || status > 599 {
		return strconv.Itoa(status)
	}
	return strconv.Itoa(status/100) + "xx"
}
