package paygate

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Content encodings understood by CompressHandler.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// CompressionConfig controls response compression on the authority API.
type CompressionConfig struct {
	// MinSize is the smallest body that gets compressed (default 256).
	MinSize int

	// Level is passed to the encoder; 0 uses each encoder's default.
	Level int

	// PreferOrder picks among encodings the client accepts.
	PreferOrder []string
}

// DefaultCompressionConfig prefers brotli, then zstd, then gzip.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:     256,
		PreferOrder: []string{EncodingBrotli, EncodingZstd, EncodingGzip},
	}
}

// CompressHandler compresses JSON and text responses for clients that
// send Accept-Encoding. Long listings of pending flows shrink well.
type CompressHandler struct {
	Handler http.Handler
	Config  CompressionConfig
}

// NewCompressHandler wraps h with the default config.
func NewCompressHandler(h http.Handler) *CompressHandler {
	return &CompressHandler{Handler: h, Config: DefaultCompressionConfig()}
}

// ServeHTTP implements http.Handler.
func (c *CompressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	enc := c.selectEncoding(r.Header.Get("Accept-Encoding"))
	if enc == "" {
		c.Handler.ServeHTTP(w, r)
		return
	}

	w.Header().Add("Vary", "Accept-Encoding")
	cw := &compressWriter{ResponseWriter: w, encoding: enc, cfg: c.Config, status: http.StatusOK}
	defer func() { _ = cw.Close() }()
	c.Handler.ServeHTTP(cw, r)
}

func (c *CompressHandler) selectEncoding(header string) string {
	if header == "" {
		return ""
	}
	accepted := parseAcceptEncoding(header)
	order := c.Config.PreferOrder
	if len(order) == 0 {
		order = DefaultCompressionConfig().PreferOrder
	}
	for _, enc := range order {
		if _, ok := accepted[enc]; ok {
			return enc
		}
	}
	return ""
}

// parseAcceptEncoding returns the accepted codings, dropping identity
// and any coding with q=0.
func parseAcceptEncoding(header string) map[string]struct{} {
	out := make(map[string]struct{})
	for part := range strings.SplitSeq(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "identity" {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				continue
			}
		}
		out[name] = struct{}{}
	}
	return out
}

func compressible(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "text/")
}

// compressWriter buffers until MinSize bytes are written, then decides
// whether to compress. The status line is held back until that decision
// so Content-Encoding can still be set.
type compressWriter struct {
	http.ResponseWriter
	encoding string
	cfg      CompressionConfig

	status      int
	wroteHeader bool
	decided     bool
	buf         []byte
	zw          io.WriteCloser
}

func (cw *compressWriter) WriteHeader(code int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	cw.status = code
	if code == http.StatusNoContent || code == http.StatusNotModified {
		cw.decided = true
		cw.ResponseWriter.WriteHeader(code)
	}
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.decided {
		if cw.zw != nil {
			return cw.zw.Write(b)
		}
		return cw.ResponseWriter.Write(b)
	}

	cw.buf = append(cw.buf, b...)
	minSize := cw.cfg.MinSize
	if minSize <= 0 {
		minSize = 256
	}
	if len(cw.buf) < minSize {
		return len(b), nil
	}
	if err := cw.decide(true); err != nil {
		return 0, err
	}
	return len(b), nil
}

// decide commits the headers and flushes the buffer. big reports that
// the body reached MinSize.
func (cw *compressWriter) decide(big bool) error {
	cw.decided = true
	h := cw.Header()
	if big && h.Get("Content-Encoding") == "" && compressible(h.Get("Content-Type")) {
		h.Del("Content-Length")
		h.Set("Content-Encoding", cw.encoding)
		var err error
		cw.zw, err = cw.newEncoder()
		if err != nil {
			h.Del("Content-Encoding")
			cw.zw = nil
		}
	}
	cw.ResponseWriter.WriteHeader(cw.status)

	buf := cw.buf
	cw.buf = nil
	if len(buf) == 0 {
		return nil
	}
	if cw.zw != nil {
		_, err := cw.zw.Write(buf)
		return err
	}
	_, err := cw.ResponseWriter.Write(buf)
	return err
}

func (cw *compressWriter) newEncoder() (io.WriteCloser, error) {
	level := cw.cfg.Level
	switch cw.encoding {
	case EncodingGzip:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		return gzip.NewWriterLevel(cw.ResponseWriter, level)
	case EncodingZstd:
		zl := zstd.SpeedDefault
		if level != 0 {
			zl = zstd.EncoderLevelFromZstd(level)
		}
		return zstd.NewWriter(cw.ResponseWriter, zstd.WithEncoderLevel(zl))
	case EncodingBrotli:
		if level == 0 {
			level = brotli.DefaultCompression
		}
		return brotli.NewWriterLevel(cw.ResponseWriter, level), nil
	}
	return nil, http.ErrNotSupported
}

// Flush implements http.Flusher.
func (cw *compressWriter) Flush() {
	if !cw.decided {
		if !cw.wroteHeader {
			cw.WriteHeader(http.StatusOK)
		}
		_ = cw.decide(false)
	}
	if f, ok := cw.zw.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Close writes any buffered body and finishes the encoder.
func (cw *compressWriter) Close() error {
	if !cw.decided {
		if !cw.wroteHeader {
			// handler wrote nothing; let net/http send its default response
			return nil
		}
		if err := cw.decide(false); err != nil {
			return err
		}
	}
	if cw.zw != nil {
		return cw.zw.Close()
	}
	return nil
}
