package codec

import (
	"bytes"
	"errors"
	"math/rand"
	"net/http"
	"reflect"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/tinylib/msgp/msgp"
)

func TestRoundTrip(t *testing.T) {
	c := New(Options{Level: 6})

	testCases := []struct {
		name string
		resp CachedResponse
	}{
		{
			name: "json body",
			resp: CachedResponse{
				StatusCode: http.StatusOK,
				Header: http.Header{
					"Content-Type":  {"application/json"},
					"Cache-Control": {"max-age=60"},
				},
				Body: []byte(`{"ok":true}`),
			},
		},
		{
			name: "empty body",
			resp: CachedResponse{StatusCode: http.StatusNoContent, Header: http.Header{}},
		},
		{
			name: "non utf8 body",
			resp: CachedResponse{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": {"application/octet-stream"}},
				Body:       []byte{0xff, 0xfe, 0x00, 0x80, 0xc3, 0x28},
			},
		},
		{
			name: "multi valued headers",
			resp: CachedResponse{
				StatusCode: http.StatusNotFound,
				Header: http.Header{
					"Set-Cookie": {"a=1", "b=2"},
					"Vary":       {"Accept", "Accept-Encoding"},
					"X-Empty":    {},
				},
				Body: []byte("missing"),
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := c.Encode(tc.resp)
			if err != nil {
				t.Fatalf("encode error: %v", err)
			}
			got, err := c.Decode(data)
			if err != nil {
				t.Fatalf("decode error: %v", err)
			}
			assertEqualResponse(t, tc.resp, got)
		})
	}
}

func TestRoundTripRandomResponses(t *testing.T) {
	c := New(Options{Level: 1})
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		resp := CachedResponse{
			StatusCode: 100 + rng.Intn(500),
			Header:     http.Header{},
			Body:       randomBytes(rng, rng.Intn(4096)),
		}
		for h := rng.Intn(6); h > 0; h-- {
			name := http.CanonicalHeaderKey("X-" + string(randomBytes(rng, 1+rng.Intn(8))))
			for v := 1 + rng.Intn(3); v > 0; v-- {
				resp.Header.Add(name, string(randomBytes(rng, rng.Intn(32))))
			}
		}

		data, err := c.Encode(resp)
		if err != nil {
			t.Fatalf("encode error: %v", err)
		}
		got, err := c.Decode(data)
		if err != nil {
			t.Fatalf("decode error on iteration %d: %v", i, err)
		}
		assertEqualResponse(t, resp, got)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	c := New(Options{})
	resp := CachedResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"B": {"2"}, "A": {"1"}, "C": {"3"}},
		Body:       []byte("same"),
	}
	first, err := c.Encode(resp)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	second, err := c.Encode(resp)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("encoding should not depend on map iteration order")
	}
}

func TestDecodeRejectsCorruptEntries(t *testing.T) {
	c := New(Options{MaxDecodedBytes: 1024})
	valid, err := c.Encode(CachedResponse{StatusCode: http.StatusOK, Body: []byte("payload")})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not gzip", []byte("definitely not gzip")},
		{"truncated gzip", valid[:len(valid)/2]},
		{"gzip of garbage", gzipBytes(t, []byte{0xc1, 0xc1, 0xc1})},
		{"wrong shape", gzipBytes(t, msgp.AppendArrayHeader(nil, 0))},
		{"trailing bytes", gzipBytes(t, append(appendResponse(nil, CachedResponse{StatusCode: 200}), 0x01))},
		{"status missing", gzipBytes(t, msgp.AppendMapHeader(nil, 0))},
		{"status out of range", gzipBytes(t, appendResponse(nil, CachedResponse{StatusCode: 42}))},
		{"header value not string", gzipBytes(t, headerWithIntValue())},
		{"header value count too large", gzipBytes(t, headerWithArrayCount(0xFFFFFFFF))},
		{"header map count too large", gzipBytes(t, headerWithMapCount(0x7FFFFFFF))},
		{"oversized", gzipBytes(t, appendResponse(nil, CachedResponse{StatusCode: 200, Body: make([]byte, 4096)}))},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Decode(tc.data)
			if err == nil {
				t.Fatalf("expected decode error")
			}
			if !errors.Is(err, ErrCorruptEntry) {
				t.Fatalf("expected ErrCorruptEntry, got %v", err)
			}
		})
	}
}

func headerWithArrayCount(n uint32) []byte {
	raw := msgp.AppendMapHeader(nil, 2)
	raw = msgp.AppendString(raw, fieldStatus)
	raw = msgp.AppendInt(raw, http.StatusOK)
	raw = msgp.AppendString(raw, fieldHeaders)
	raw = msgp.AppendMapHeader(raw, 1)
	raw = msgp.AppendString(raw, "X")
	return msgp.AppendArrayHeader(raw, n)
}

func headerWithMapCount(n uint32) []byte {
	raw := msgp.AppendMapHeader(nil, 2)
	raw = msgp.AppendString(raw, fieldStatus)
	raw = msgp.AppendInt(raw, http.StatusOK)
	raw = msgp.AppendString(raw, fieldHeaders)
	return msgp.AppendMapHeader(raw, n)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	raw := msgp.AppendMapHeader(nil, 2)
	raw = msgp.AppendString(raw, "extra")
	raw = msgp.AppendFloat64(raw, 1.5)
	raw = msgp.AppendString(raw, fieldStatus)
	raw = msgp.AppendInt(raw, http.StatusAccepted)

	got, err := New(Options{}).Decode(gzipBytes(t, raw))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if got.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d", got.StatusCode)
	}
	if got.Header == nil {
		t.Fatalf("decoded header should never be nil")
	}
}

func assertEqualResponse(t *testing.T, want, got CachedResponse) {
	t.Helper()
	if want.StatusCode != got.StatusCode {
		t.Fatalf("status mismatch: want %d got %d", want.StatusCode, got.StatusCode)
	}
	if !bytes.Equal(want.Body, got.Body) {
		t.Fatalf("body mismatch: want %q got %q", want.Body, got.Body)
	}
	if len(want.Header) != len(got.Header) {
		t.Fatalf("header count mismatch: want %v got %v", want.Header, got.Header)
	}
	for name, values := range want.Header {
		gotValues := got.Header[name]
		if len(values) == 0 && len(gotValues) == 0 {
			continue
		}
		if !reflect.DeepEqual(values, gotValues) {
			t.Fatalf("header %s mismatch: want %v got %v", name, values, gotValues)
		}
	}
}

func headerWithIntValue() []byte {
	raw := msgp.AppendMapHeader(nil, 2)
	raw = msgp.AppendString(raw, fieldStatus)
	raw = msgp.AppendInt(raw, http.StatusOK)
	raw = msgp.AppendString(raw, fieldHeaders)
	raw = msgp.AppendMapHeader(raw, 1)
	raw = msgp.AppendString(raw, "X-Bad")
	raw = msgp.AppendArrayHeader(raw, 1)
	raw = msgp.AppendInt(raw, 7)
	return raw
}

func gzipBytes(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatalf("gzip write error: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close error: %v", err)
	}
	return buf.Bytes()
}

func randomBytes(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rng.Read(b)
	return b
}
