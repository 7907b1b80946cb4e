package adproxy

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Content codings understood by CompressHandler.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// CompressionConfig tunes CompressHandler.
type CompressionConfig struct {
	// MinSize is the smallest body worth compressing. Zero means 256.
	MinSize int

	// ContentTypes lists media-type prefixes eligible for compression.
	// Empty means JSON and text/*.
	ContentTypes []string

	// PreferOrder ranks codings when the client accepts several.
	PreferOrder []string
}

// DefaultCompressionConfig prefers brotli, then zstd, then gzip.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:     256,
		PreferOrder: []string{EncodingBrotli, EncodingZstd, EncodingGzip},
	}
}

// CompressHandler compresses the responses of an admin handler. The whole
// body is buffered until Handler returns, so it must not wrap relayed
// traffic.
type CompressHandler struct {
	Handler http.Handler
	Config  CompressionConfig
}

// NewCompressHandler wraps h using DefaultCompressionConfig.
func NewCompressHandler(h http.Handler) *CompressHandler {
	return &CompressHandler{Handler: h, Config: DefaultCompressionConfig()}
}

func (c *CompressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	coding := c.selectEncoding(r.Header.Get("Accept-Encoding"))
	if coding == "" {
		c.Handler.ServeHTTP(w, r)
		return
	}

	rec := &bufferedResponseWriter{ResponseWriter: w, status: http.StatusOK}
	c.Handler.ServeHTTP(rec, r)

	h := w.Header()
	body := rec.buf.Bytes()
	if c.eligible(rec.status, h, len(body)) {
		if packed, err := CompressBytes(body, coding); err == nil {
			body = packed
			h.Set("Content-Encoding", coding)
			h.Add("Vary", "Accept-Encoding")
		}
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(rec.status)
	_, _ = w.Write(body)
}

// eligible reports whether a buffered response should be compressed.
func (c *CompressHandler) eligible(status int, h http.Header, size int) bool {
	switch {
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	case h.Get("Content-Encoding") != "":
		return false
	}

	minSize := c.Config.MinSize
	if minSize == 0 {
		minSize = 256
	}
	if size < minSize {
		return false
	}

	types := c.Config.ContentTypes
	if len(types) == 0 {
		types = []string{"application/json", "text/"}
	}
	ct := strings.ToLower(h.Get("Content-Type"))
	for _, prefix := range types {
		if strings.HasPrefix(ct, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// selectEncoding returns the most preferred coding in acceptEncoding, or ""
// when the client accepts none of them.
func (c *CompressHandler) selectEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	order := c.Config.PreferOrder
	if len(order) == 0 {
		order = DefaultCompressionConfig().PreferOrder
	}
	accepted := parseAcceptEncoding(acceptEncoding)
	for _, coding := range order {
		if _, ok := accepted[coding]; ok {
			return coding
		}
	}
	return ""
}

// parseAcceptEncoding returns the codings named in an Accept-Encoding
// header, minus identity and anything refused with q=0.
func parseAcceptEncoding(header string) map[string]struct{} {
	set := make(map[string]struct{})
	for part := range strings.SplitSeq(header, ",") {
		name, params, _ := strings.Cut(part, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "identity" {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if f, err := strconv.ParseFloat(q, 64); err == nil && f == 0 {
				continue
			}
		}
		set[name] = struct{}{}
	}
	return set
}

// bufferedResponseWriter records status and body for CompressHandler.
type bufferedResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (bw *bufferedResponseWriter) WriteHeader(statusCode int) {
	if !bw.wroteHeader {
		bw.wroteHeader = true
		bw.status = statusCode
	}
}

func (bw *bufferedResponseWriter) Write(b []byte) (int, error) {
	bw.wroteHeader = true
	return bw.buf.Write(b)
}

var (
	gzipPool = sync.Pool{New: func() any { return gzip.NewWriter(nil) }}

	// EncodeAll is safe for concurrent use.
	zstdEncoder, _ = zstd.NewWriter(nil)
)

// CompressBytes encodes data with the given content coding. Unknown
// codings return data unchanged.
func CompressBytes(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case EncodingGzip:
		zw := gzipPool.Get().(*gzip.Writer)
		defer gzipPool.Put(zw)
		return encodeWith(data, func(w io.Writer) io.WriteCloser {
			zw.Reset(w)
			return zw
		})
	case EncodingBrotli:
		return encodeWith(data, func(w io.Writer) io.WriteCloser {
			return brotli.NewWriter(w)
		})
	default:
		return data, nil
	}
}

func encodeWith(data []byte, newWriter func(io.Writer) io.WriteCloser) ([]byte, error) {
	var buf bytes.Buffer
	w := newWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
