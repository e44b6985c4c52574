package paygate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Decision is a reviewer verdict on a held flow.
type Decision string

const (
	Approve Decision = "approve"
	Deny    Decision = "deny"
)

// Valid reports whether d is one of the two terminal verdicts.
func (d Decision) Valid() bool {
	return d == Approve || d == Deny
}

// ParseDecision parses a wire action into a Decision.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
	}
	return d, nil
}

// Sentinel errors shared by the client, gate and authority.
var (
	ErrUnknownFlow       = errors.New("unknown flow id")
	ErrInvalidDecision   = errors.New("action must be approve or deny")
	ErrInvalidDescriptor = errors.New("invalid request descriptor")
	ErrBreakerOpen       = errors.New("approval authority circuit open")
	ErrUnauthorized      = errors.New("invalid or missing api key")
	ErrWaitTimeout       = errors.New("timed out waiting for decision")
)

// DefaultMaxBody is the number of request body bytes captured for classification.
const DefaultMaxBody = 64 << 10

// Descriptor is the snapshot of an intercepted request that travels
// between the proxy, the classifier and the approval authority. It is
// built once per flow and never mutated afterwards.
type Descriptor struct {
	ID        string      `json:"id"`
	Method    string      `json:"method"`
	URL       string      `json:"url"`
	Host      string      `json:"host"`
	Header    http.Header `json:"headers"`
	Body      *string     `json:"body,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewDescriptor captures req. Up to maxBody bytes of the body are read
// for classification; req.Body is replaced so the full payload is still
// forwarded upstream. gzip, br and zstd bodies are decoded, again to at
// most maxBody bytes. The captured body is nil when it is empty or is not
// valid UTF-8 text after content decoding.
func NewDescriptor(req *http.Request, maxBody int64) *Descriptor {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	u := *req.URL
	if u.Host == "" {
		u.Host = req.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}

	d := &Descriptor{
		ID:        uuid.NewString(),
		Method:    req.Method,
		URL:       u.String(),
		Host:      strings.ToLower(host),
		Header:    req.Header.Clone(),
		Timestamp: time.Now().UTC(),
	}
	if d.Header == nil {
		d.Header = http.Header{}
	}

	if req.Body != nil && req.Body != http.NoBody && maxBody > 0 {
		buf, err := io.ReadAll(io.LimitReader(req.Body, maxBody))
		req.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(buf), req.Body), closer: req.Body}
		if err == nil {
			d.Body = decodeBody(buf, req.Header.Get("Content-Encoding"), maxBody)
		}
	}

	return d
}

// Path returns the URL path with the query stripped. It is the second
// half of the decision cache key.
func (d *Descriptor) Path() string {
	u, err := url.Parse(d.URL)
	if err != nil {
		p, _, _ := strings.Cut(d.URL, "?")
		return p
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// Validate checks the fields required by the authority intake endpoint.
func (d *Descriptor) Validate() error {
	var missing []string
	if d.ID == "" {
		missing = append(missing, "id")
	}
	if d.URL == "" {
		missing = append(missing, "url")
	}
	if d.Method == "" {
		missing = append(missing, "method")
	}
	if d.Host == "" {
		missing = append(missing, "host")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidDescriptor, strings.Join(missing, ", "))
	}
	return nil
}

// BodyText returns the captured body or the empty string.
func (d *Descriptor) BodyText() string {
	if d.Body == nil {
		return ""
	}
	return *d.Body
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error { return b.closer.Close() }

// decodeBody turns captured bytes into classifier text. Compressed
// bodies are inflated to at most limit bytes; nil means empty or binary.
func decodeBody(buf []byte, encoding string, limit int64) *string {
	if len(buf) == 0 {
		return nil
	}

	var zr io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(bytes.NewReader(buf))
		if err != nil {
			return nil
		}
		defer func() { _ = gr.Close() }()
		zr = gr
	case "br":
		zr = brotli.NewReader(bytes.NewReader(buf))
	case "zstd":
		dec, err := zstd.NewReader(bytes.NewReader(buf), zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
		if err != nil {
			return nil
		}
		defer dec.Close()
		zr = dec
	}
	if zr != nil {
		// a truncated capture yields a partial stream; keep what inflated
		plain, err := io.ReadAll(io.LimitReader(zr, limit))
		if err != nil && len(plain) == 0 {
			return nil
		}
		buf = plain
	}

	if int64(len(buf)) >= limit {
		buf = trimPartialRune(buf)
	}
	if len(buf) == 0 || !utf8.Valid(buf) {
		return nil
	}
	s := string(buf)
	return &s
}

// trimPartialRune drops a UTF-8 sequence cut off at the end of b.
func trimPartialRune(b []byte) []byte {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		tail := b[len(b)-i:]
		if utf8.RuneStart(tail[0]) {
			if utf8.FullRune(tail) {
				return b
			}
			return b[:len(b)-i]
		}
	}
	return b
}
