package proxy

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/cacheproxy/internal/upstream"
)

// requestPath 返回解码并归一化后的请求路径。
func requestPath(c fiber.Ctx) string {
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	p := string(uri.Path())
	if p == "" {
		return "/"
	}
	return p
}

// requestHeaders 将 fasthttp 请求头转换为 net/http 形式，保留重复字段。
func requestHeaders(src *fasthttp.RequestHeader) http.Header {
	header := http.Header{}
	src.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// skipResponseHeader 判断头部是否不应回放给客户端或写入缓存。
// Content-Length 由服务端按实际响应体重新计算。
func skipResponseHeader(key string) bool {
	return upstream.IsHopByHopHeader(key) ||
		strings.EqualFold(key, fiber.HeaderContentLength) ||
		strings.EqualFold(key, "X-Cache") ||
		strings.EqualFold(key, "X-Request-ID")
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	if headers.Get(fiber.HeaderContentType) == "" {
		c.Response().Header.SetNoDefaultContentType(true)
	}
	for key, values := range headers {
		if skipResponseHeader(key) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

// storableHeaders 复制可缓存的头部，回写任务持有独立副本。
// Set-Cookie 属于单个客户端，只随未命中响应转发，不写入缓存。
func storableHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, values := range src {
		if skipResponseHeader(key) || strings.EqualFold(key, fiber.HeaderSetCookie) {
			continue
		}
		dst[key] = append([]string(nil), values...)
	}
	return dst
}
