package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/any-hub/cacheproxy/internal/config"
)

// ErrTransport 表示回源失败（拨号、DNS、TLS、超时、读体或解码错误），调用方应返回 502。
var ErrTransport = errors.New("upstream transport failed")

var errBodyTooLarge = errors.New("body too large")

// Request 描述一次回源所需的客户端请求信息。Path 为已解码路径。
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte

	// 用于 X-Forwarded-* 头，缺省时不设置。
	ClientIP string
	Host     string
	Proto    string
}

// Response 是完整读取并解压后的上游响应。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher 将请求转发到单一上游 origin。
type Fetcher struct {
	client      *http.Client
	base        *url.URL
	userAgent   string
	readTimeout time.Duration
	maxBytes    int64
}

// NewFetcher 基于上游配置构建 Fetcher；client 为 nil 时使用 NewClient(cfg)。
func NewFetcher(cfg config.UpstreamConfig, client *http.Client) (*Fetcher, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream url %q must include scheme and host", cfg.URL)
	}
	if client == nil {
		client = NewClient(cfg)
	}
	read := cfg.ReadTimeout.DurationValue()
	if read <= 0 {
		read = 10 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "CachingProxy/1.0"
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultMaxResponseBytes
	}
	return &Fetcher{
		client:      client,
		base:        base,
		userAgent:   ua,
		readTimeout: read,
		maxBytes:    maxBytes,
	}, nil
}

// Target 返回请求对应的上游 URL：base 路径与请求路径拼接，并附带原始查询串。
func (f *Fetcher) Target(path, rawQuery string) *url.URL {
	target := *f.base
	if path == "" {
		path = "/"
	}
	target.Path = strings.TrimRight(f.base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	target.RawPath = ""
	target.RawQuery = rawQuery
	target.Fragment = ""
	return &target
}

// Fetch 执行一次回源，不重试。所有传输层错误均包装 ErrTransport。
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	target := f.Target(req.Path, req.RawQuery)
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrTransport, err)
	}
	f.applyHeaders(httpReq, req)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	// 读体阶段单独计时，超时即取消请求上下文。
	timer := time.AfterFunc(f.readTimeout, cancel)
	raw, err := readLimited(resp.Body, f.maxBytes)
	timedOut := !timer.Stop()
	if err != nil {
		if timedOut {
			return nil, fmt.Errorf("%w: read body: timeout after %s", ErrTransport, f.readTimeout)
		}
		return nil, fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}

	header := resp.Header.Clone()
	decoded, err := decodeBody(header, raw, f.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: decode body: %w", ErrTransport, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       decoded,
	}, nil
}

func (f *Fetcher) applyHeaders(httpReq *http.Request, req Request) {
	if req.Header != nil {
		CopyHeaders(httpReq.Header, req.Header)
	}
	httpReq.Header.Del("Host")
	httpReq.Header.Del("Content-Length")
	httpReq.Host = httpReq.URL.Host
	httpReq.Header.Set("User-Agent", f.userAgent)
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate")

	if req.Host != "" {
		httpReq.Header.Set("X-Forwarded-Host", req.Host)
	}
	if req.ClientIP != "" {
		if prior := httpReq.Header.Get("X-Forwarded-For"); prior != "" {
			httpReq.Header.Set("X-Forwarded-For", prior+", "+req.ClientIP)
		} else {
			httpReq.Header.Set("X-Forwarded-For", req.ClientIP)
		}
	}
	if req.Proto != "" {
		httpReq.Header.Set("X-Forwarded-Proto", req.Proto)
	}
}

// decodeBody 解开 gzip/deflate 编码并移除相关头；其他编码保持原样。
func decodeBody(header http.Header, raw []byte, limit int64) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(header.Get("Content-Encoding")))
	var decoded []byte
	var err error
	switch encoding {
	case "gzip", "x-gzip":
		decoded, err = gunzip(raw, limit)
	case "deflate":
		decoded, err = inflate(raw, limit)
	default:
		return raw, nil
	}
	if err != nil {
		return nil, err
	}
	header.Del("Content-Encoding")
	header.Del("Content-Length")
	return decoded, nil
}

// readLimited 读取至多 limit 字节，超出时返回 errBodyTooLarge。
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", errBodyTooLarge, limit)
	}
	return out, nil
}

func gunzip(raw []byte, limit int64) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return readLimited(reader, limit)
}

// inflate 优先按 zlib 封装解码，失败时回退到裸 deflate 流。
func inflate(raw []byte, limit int64) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	if reader, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
		defer reader.Close()
		out, err := readLimited(reader, limit)
		if err == nil || errors.Is(err, errBodyTooLarge) {
			return out, err
		}
	}
	reader := flate.NewReader(bytes.NewReader(raw))
	defer reader.Close()
	return readLimited(reader, limit)
}
