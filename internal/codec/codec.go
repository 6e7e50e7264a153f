// Package codec converts upstream responses into the opaque byte blobs kept in
// the cache store and back. Entries are a MessagePack map holding only the
// status code, the header multimap and the raw body, compressed with gzip.
// Decoding never builds anything beyond those three fields, so a poisoned
// store cannot make the proxy run code.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/tinylib/msgp/msgp"
)

// ErrCorruptEntry 表示缓存条目无法解压或结构不符合预期，调用方应按未命中处理。
var ErrCorruptEntry = errors.New("corrupt cache entry")

// DefaultMaxDecodedBytes 限制单条目解压后的最大体积，防止 gzip 炸弹。
const DefaultMaxDecodedBytes = 64 * 1024 * 1024

const (
	fieldStatus  = "status"
	fieldHeaders = "headers"
	fieldBody    = "body"
)

// CachedResponse 是一次上游响应的缓存单元，构造后不可修改。
type CachedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Options 控制压缩级别与解压上限。
type Options struct {
	Level           int
	MaxDecodedBytes int64
}

// Codec 无状态，可被请求 goroutine 与回写 worker 并发使用。
type Codec struct {
	level           int
	maxDecodedBytes int64
}

// New 创建 Codec；Level 超出 gzip 支持范围时回退默认级别。
func New(opts Options) *Codec {
	level := opts.Level
	if level < gzip.DefaultCompression || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	maxBytes := opts.MaxDecodedBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDecodedBytes
	}
	return &Codec{level: level, maxDecodedBytes: maxBytes}
}

// Encode 将响应编码为 MessagePack 后压缩；相同输入总是产出相同字节。
func (c *Codec) Encode(resp CachedResponse) ([]byte, error) {
	raw := appendResponse(make([]byte, 0, len(resp.Body)+256), resp)

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, fmt.Errorf("compress entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress entry: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode 还原 Encode 的结果；任何解压或结构错误都包装为 ErrCorruptEntry。
func (c *Codec) Decode(data []byte) (CachedResponse, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return CachedResponse{}, corrupt(err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, c.maxDecodedBytes+1))
	if err != nil {
		return CachedResponse{}, corrupt(err)
	}
	if int64(len(raw)) > c.maxDecodedBytes {
		return CachedResponse{}, corrupt(fmt.Errorf("decoded entry exceeds %d bytes", c.maxDecodedBytes))
	}

	resp, err := readResponse(raw)
	if err != nil {
		return CachedResponse{}, corrupt(err)
	}
	return resp, nil
}

func corrupt(err error) error {
	return fmt.Errorf("%w: %v", ErrCorruptEntry, err)
}

func appendResponse(b []byte, resp CachedResponse) []byte {
	b = msgp.AppendMapHeader(b, 3)
	b = msgp.AppendString(b, fieldStatus)
	b = msgp.AppendInt(b, resp.StatusCode)

	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	b = msgp.AppendString(b, fieldHeaders)
	b = msgp.AppendMapHeader(b, uint32(len(names)))
	for _, name := range names {
		values := resp.Header[name]
		b = msgp.AppendString(b, name)
		b = msgp.AppendArrayHeader(b, uint32(len(values)))
		for _, value := range values {
			b = msgp.AppendString(b, value)
		}
	}

	b = msgp.AppendString(b, fieldBody)
	b = msgp.AppendBytes(b, resp.Body)
	return b
}

func readResponse(b []byte) (CachedResponse, error) {
	var resp CachedResponse

	fields, o, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return resp, err
	}

	var seenStatus bool
	for i := uint32(0); i < fields; i++ {
		var key []byte
		key, o, err = msgp.ReadMapKeyZC(o)
		if err != nil {
			return resp, err
		}
		switch msgp.UnsafeString(key) {
		case fieldStatus:
			resp.StatusCode, o, err = msgp.ReadIntBytes(o)
			seenStatus = true
		case fieldHeaders:
			resp.Header, o, err = readHeader(o)
		case fieldBody:
			resp.Body, o, err = msgp.ReadBytesBytes(o, nil)
		default:
			o, err = msgp.Skip(o)
		}
		if err != nil {
			return resp, err
		}
	}

	if len(o) != 0 {
		return resp, fmt.Errorf("%d trailing bytes", len(o))
	}
	if !seenStatus {
		return resp, errors.New("status missing")
	}
	if resp.StatusCode < 100 || resp.StatusCode > 599 {
		return resp, fmt.Errorf("status %d out of range", resp.StatusCode)
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	return resp, nil
}

func readHeader(b []byte) (http.Header, []byte, error) {
	count, o, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	// 每个键值对至少占 2 字节，计数不能超过剩余数据。
	if uint64(count)*2 > uint64(len(o)) {
		return nil, o, fmt.Errorf("header count %d exceeds %d remaining bytes", count, len(o))
	}

	header := make(http.Header, count)
	for i := uint32(0); i < count; i++ {
		var name string
		name, o, err = msgp.ReadStringBytes(o)
		if err != nil {
			return nil, o, err
		}
		var n uint32
		n, o, err = msgp.ReadArrayHeaderBytes(o)
		if err != nil {
			return nil, o, err
		}
		if uint64(n) > uint64(len(o)) {
			return nil, o, fmt.Errorf("header %q has %d values but %d bytes remain", name, n, len(o))
		}
		values := make([]string, 0, n)
		for j := uint32(0); j < n; j++ {
			var value string
			value, o, err = msgp.ReadStringBytes(o)
			if err != nil {
				return nil, o, err
			}
			values = append(values, value)
		}
		header[name] = values
	}
	return header, o, nil
}
