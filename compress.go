package shadowguard

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Content-Encoding values understood on both the rule list fetch path
// and the admin API response path.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// compressPreference is the server-side encoding order when a client
// accepts several.
var compressPreference = []string{EncodingZstd, EncodingBrotli, EncodingGzip}

// compressMinSize is the smallest response body worth compressing.
const compressMinSize = 256

// compressibleTypes are content-type prefixes eligible for admin
// response compression.
var compressibleTypes = []string{
	"text/",
	"application/json",
	"application/x-pem-file",
	"application/openmetrics-text",
}

// CompressHandler compresses admin API responses when the client asks
// for it. Responses are buffered whole; the admin payloads are small
// JSON documents and PEM blobs, never streams.
type CompressHandler struct {
	Handler http.Handler
}

// NewCompressHandler wraps h with response compression.
func NewCompressHandler(h http.Handler) *CompressHandler {
	return &CompressHandler{Handler: h}
}

// ServeHTTP implements http.Handler.
func (c *CompressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	encoding := selectEncoding(r.Header.Get("Accept-Encoding"))
	if encoding == "" {
		c.Handler.ServeHTTP(w, r)
		return
	}

	rec := &bufferedResponse{header: make(http.Header), status: http.StatusOK}
	c.Handler.ServeHTTP(rec, r)

	body := rec.body.Bytes()
	if len(body) >= compressMinSize &&
		rec.header.Get("Content-Encoding") == "" &&
		compressibleType(rec.header.Get("Content-Type")) {
		if packed, err := CompressBytes(body, encoding); err == nil && len(packed) < len(body) {
			body = packed
			rec.header.Set("Content-Encoding", encoding)
			rec.header.Add("Vary", "Accept-Encoding")
			rec.header.Del("Content-Length")
		}
	}

	for k, vs := range rec.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(rec.status)
	w.Write(body)
}

type bufferedResponse struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (b *bufferedResponse) Header() http.Header         { return b.header }
func (b *bufferedResponse) WriteHeader(status int)      { b.status = status }
func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

// selectEncoding picks the first supported encoding from an
// Accept-Encoding header, honoring compressPreference.
func selectEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	accepted := make(map[string]bool)
	for _, part := range strings.Split(acceptEncoding, ",") {
		part = strings.TrimSpace(part)
		if i := strings.Index(part, ";"); i >= 0 {
			part = strings.TrimSpace(part[:i])
		}
		if part != "" && part != "identity" {
			accepted[part] = true
		}
	}
	for _, enc := range compressPreference {
		if accepted[enc] {
			return enc
		}
	}
	return ""
}

func compressibleType(contentType string) bool {
	if contentType == "" {
		return false
	}
	ct := strings.ToLower(contentType)
	for _, prefix := range compressibleTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	},
}

// CompressBytes compresses data with the named encoding. Unknown
// encodings return the data unchanged.
func CompressBytes(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingGzip:
		var buf bytes.Buffer
		w := gzipWriterPool.Get().(*gzip.Writer)
		w.Reset(&buf)
		defer func() {
			w.Reset(io.Discard)
			gzipWriterPool.Put(w)
		}()
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case EncodingZstd:
		w, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer w.Close()
		return w.EncodeAll(data, nil), nil

	case EncodingBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	default:
		return data, nil
	}
}

// DecompressBytes reverses CompressBytes.
func DecompressBytes(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)

	case EncodingZstd:
		r, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return r.DecodeAll(data, nil)

	case EncodingBrotli:
		return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))

	default:
		return data, nil
	}
}
