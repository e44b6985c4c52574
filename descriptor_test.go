package paygate

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// testDescriptor builds a descriptor the way the proxy does.
func testDescriptor(t testing.TB, method, target, body string) *Descriptor {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	return NewDescriptor(req, DefaultMaxBody)
}

func TestNewDescriptor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "https://API.Stripe.com:443/v1/charges?expand=x", strings.NewReader(`{"amount":500}`))
	req.Header.Set("Content-Type", "application/json")

	d := NewDescriptor(req, DefaultMaxBody)

	if d.ID == "" {
		t.Error("ID should be set")
	}
	if d.Method != http.MethodPost {
		t.Errorf("Method = %q", d.Method)
	}
	if d.Host != "api.stripe.com" {
		t.Errorf("Host = %q, want lowercased host without port", d.Host)
	}
	if !strings.HasPrefix(d.URL, "https://") || !strings.Contains(d.URL, "/v1/charges?expand=x") {
		t.Errorf("URL = %q", d.URL)
	}
	if d.BodyText() != `{"amount":500}` {
		t.Errorf("Body = %q", d.BodyText())
	}
	if d.Header.Get("Content-Type") != "application/json" {
		t.Error("headers should be captured")
	}
	if d.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}

	// the body is still readable for forwarding
	forwarded, _ := io.ReadAll(req.Body)
	if string(forwarded) != `{"amount":500}` {
		t.Errorf("forwarded body = %q", forwarded)
	}
}

func TestNewDescriptor_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		d := testDescriptor(t, http.MethodGet, "http://example.com/", "")
		if seen[d.ID] {
			t.Fatalf("duplicate id %s", d.ID)
		}
		seen[d.ID] = true
	}
}

func TestNewDescriptor_Body(t *testing.T) {
	gz := compressed(t, "gzip", "card_number=4242")
	br := compressed(t, "br", "card_number=4242")
	zst := compressed(t, "zstd", "card_number=4242")
	// a few KiB on the wire, megabytes once inflated
	bomb := compressed(t, "gzip", strings.Repeat("a", 8<<20))

	tests := []struct {
		name     string
		body     []byte
		encoding string
		maxBody  int64
		want     *string
	}{
		{"empty", nil, "", DefaultMaxBody, nil},
		{"text", []byte("hello"), "", DefaultMaxBody, ptr("hello")},
		{"binary", []byte{0xff, 0xfe, 0x00, 0x81}, "", DefaultMaxBody, nil},
		{"gzip", gz, "gzip", DefaultMaxBody, ptr("card_number=4242")},
		{"brotli", br, "br", DefaultMaxBody, ptr("card_number=4242")},
		{"zstd", zst, "zstd", DefaultMaxBody, ptr("card_number=4242")},
		{"inflation is capped", bomb, "gzip", DefaultMaxBody, ptr(strings.Repeat("a", DefaultMaxBody))},
		{"corrupt gzip", []byte("not gzip"), "gzip", DefaultMaxBody, nil},
		{"truncated", []byte("abcdefghij"), "", 4, ptr("abcd")},
		{"truncated mid rune", []byte("hé"), "", 2, ptr("h")},
		{"capture disabled", []byte("abc"), "", 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r io.Reader
			if tt.body != nil {
				r = bytes.NewReader(tt.body)
			}
			req := httptest.NewRequest(http.MethodPost, "http://shop.example/pay", r)
			if tt.encoding != "" {
				req.Header.Set("Content-Encoding", tt.encoding)
			}
			d := NewDescriptor(req, tt.maxBody)

			switch {
			case tt.want == nil && d.Body != nil:
				t.Errorf("Body = %q, want nil", *d.Body)
			case tt.want != nil && (d.Body == nil || *d.Body != *tt.want):
				t.Errorf("Body = %v, want %q", d.Body, *tt.want)
			}

			forwarded, _ := io.ReadAll(req.Body)
			if !bytes.Equal(forwarded, tt.body) {
				t.Errorf("forwarded %d bytes, want %d", len(forwarded), len(tt.body))
			}
		})
	}
}

func ptr(s string) *string { return &s }

// compressed encodes text with the named content coding.
func compressed(t *testing.T, encoding, text string) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch encoding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "br":
		w = brotli.NewWriter(&buf)
	case "zstd":
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			t.Fatal(err)
		}
		w = zw
	default:
		t.Fatalf("unknown encoding %q", encoding)
	}
	if _, err := io.WriteString(w, text); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestNewDescriptor_CompressedBodyStaysBounded(t *testing.T) {
	bomb := compressed(t, "gzip", strings.Repeat(`{"amount":1}`, 1<<20))
	if len(bomb) > DefaultMaxBody {
		t.Fatalf("compressed body is %d bytes, want it captured whole", len(bomb))
	}

	req := httptest.NewRequest(http.MethodPost, "https://api.stripe.com/v1/charges", bytes.NewReader(bomb))
	req.Header.Set("Content-Encoding", "gzip")
	d := NewDescriptor(req, DefaultMaxBody)

	if n := len(d.BodyText()); n == 0 || n > DefaultMaxBody {
		t.Errorf("decoded body is %d bytes, want 1..%d", n, DefaultMaxBody)
	}
	if err := d.Validate(); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) > maxRequestBody {
		t.Errorf("encoded descriptor is %d bytes, over the authority intake limit", len(data))
	}
}

func TestDescriptor_Path(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://api.stripe.com/v1/charges?amount=5", "/v1/charges"},
		{"https://api.stripe.com", "/"},
		{"https://api.stripe.com/", "/"},
		{"http://shop.example/a/b/", "/a/b/"},
	}
	for _, tt := range tests {
		d := &Descriptor{URL: tt.url}
		if got := d.Path(); got != tt.want {
			t.Errorf("Path(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestDescriptor_Validate(t *testing.T) {
	valid := &Descriptor{ID: "1", Method: "POST", URL: "https://x.example/", Host: "x.example"}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	err := (&Descriptor{ID: "1"}).Validate()
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("Validate() = %v, want ErrInvalidDescriptor", err)
	}
	for _, field := range []string{"url", "method", "host"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q should name %s", err, field)
		}
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in      string
		want    Decision
		wantErr bool
	}{
		{"approve", Approve, false},
		{"DENY", Deny, false},
		{" approve ", Approve, false},
		{"maybe", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDecision(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDecision(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidDecision) {
			t.Errorf("ParseDecision(%q) err = %v, want ErrInvalidDecision", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseDecision(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
