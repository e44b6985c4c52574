package paygate

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Proxy is a forward proxy that intercepts TLS and holds payment
// requests at its Gate until they are approved.
type Proxy struct {
	// Addr is the address to listen on (e.g. ":8080").
	Addr string

	// CertManager mints leaf certificates for intercepted hosts.
	CertManager *CertManager

	// Gate decides whether each request may continue. A nil Gate
	// forwards everything.
	Gate *Gate

	// MaxBody is how much of each request body is captured for
	// classification (default DefaultMaxBody).
	MaxBody int64

	// BlockPage renders refusals (optional, default page if nil).
	BlockPage *BlockPage

	Logger *slog.Logger

	// Transport for outbound requests (optional). TransportPool wins if set.
	Transport     http.RoundTripper
	TransportPool *TransportPool

	Metrics       *Metrics
	HealthChecker *HealthChecker
	AccessLog     *AccessLogger

	// RateLimiter throttles clients before any gating (optional).
	RateLimiter *RateLimiter

	// IdleTimeout closes an intercepted connection with no new request.
	IdleTimeout time.Duration

	mu  sync.Mutex
	srv *http.Server
}

// NewProxy creates a proxy with default settings.
func NewProxy(addr string, cm *CertManager) *Proxy {
	return &Proxy{
		Addr:        addr,
		CertManager: cm,
		MaxBody:     DefaultMaxBody,
		Logger:      slog.Default(),
		Transport:   http.DefaultTransport,
		IdleTimeout: 30 * time.Second,
	}
}

// ListenAndServe listens on Addr and serves until Shutdown.
func (p *Proxy) ListenAndServe() error {
	ln, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return p.Serve(ln)
}

// Serve accepts proxy connections on ln.
func (p *Proxy) Serve(ln net.Listener) error {
	srv := &http.Server{Handler: p}
	p.mu.Lock()
	p.srv = srv
	p.mu.Unlock()

	p.Logger.Info("proxy listening", "addr", ln.Addr().String())
	return srv.Serve(ln)
}

// Shutdown gracefully stops the proxy.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.srv
	p.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// ServeHTTP handles incoming proxy requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect && !r.URL.IsAbs() {
		p.serveLocal(w, r)
		return
	}

	if p.RateLimiter != nil && !p.RateLimiter.AllowHTTP(w, r) {
		if p.Metrics != nil {
			p.Metrics.RecordRequest(r.Method, "rate_limited")
		}
		return
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
	} else {
		p.handleHTTP(w, r)
	}
}

// serveLocal answers requests addressed to the proxy itself.
func (p *Proxy) serveLocal(w http.ResponseWriter, r *http.Request) {
	switch {
	case p.Metrics != nil && r.URL.Path == "/metrics":
		p.Metrics.Handler().ServeHTTP(w, r)
	case p.HealthChecker != nil && r.URL.Path == "/healthz":
		p.HealthChecker.HandleHealthz(w, r)
	case p.HealthChecker != nil && r.URL.Path == "/readyz":
		p.HealthChecker.HandleReadyz(w, r)
	default:
		http.Error(w, "this is a proxy; configure it as your HTTP proxy", http.StatusBadRequest)
	}
}

// handleConnect hijacks a CONNECT tunnel and terminates TLS with a
// certificate minted for the target host.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "https")
		p.Metrics.IncActiveConns()
		defer p.Metrics.DecActiveConns()
	}
	p.Logger.Debug("CONNECT", "host", r.Host)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.Logger.Error("hijack failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.Logger.Error("write connect response", "error", err)
		_ = clientConn.Close()
		return
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	tlsConn := tls.Server(clientConn, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = host
			}
			return p.CertManager.GetCertificateForHost(name)
		},
	})
	if err := tlsConn.Handshake(); err != nil {
		p.Logger.Debug("TLS handshake with client", "error", err, "host", host)
		if p.Metrics != nil {
			p.Metrics.RecordTLSHandshakeError()
		}
		_ = clientConn.Close()
		return
	}

	p.serveTunnel(tlsConn, r.Host)
}

// serveTunnel reads requests off an intercepted connection, gates each
// one and writes either the upstream response or a block page.
func (p *Proxy) serveTunnel(conn net.Conn, defaultHost string) {
	defer func() { _ = conn.Close() }()
	reader := bufio.NewReader(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(p.idleTimeout()))
		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.Logger.Debug("read request", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		if req.URL.Host == "" {
			req.URL.Host = defaultHost
		}
		if req.URL.Scheme == "" {
			req.URL.Scheme = "https"
		}
		if req.Host == "" {
			req.Host = defaultHost
		}

		start := time.Now()
		d := NewDescriptor(req, p.maxBody())

		ctx, cancel := context.WithCancel(context.Background())
		stopWatch := watchClientClose(conn, reader, cancel)
		res := p.evaluate(ctx, d)
		stopWatch()
		cancel()

		entry := AccessLogEntry{
			Timestamp:  start,
			FlowID:     d.ID,
			Method:     req.Method,
			Host:       d.Host,
			Path:       req.URL.Path,
			Scheme:     "https",
			ClientAddr: conn.RemoteAddr().String(),
			UserAgent:  req.UserAgent(),
		}

		if !res.Allowed() {
			if res.Source == SourceCancelled {
				return
			}
			resp := p.blockPage().Response(req, BlockPageDataFor(d, res))
			err := resp.Write(conn)
			p.logAccess(entry, http.StatusForbidden, 0, start, res, err)
			if err != nil {
				return
			}
			continue
		}

		resp, err := p.forward(req)
		if err != nil {
			p.Logger.Error("forward request", "error", err, "url", req.URL)
			if p.Metrics != nil {
				p.Metrics.RecordUpstreamError(d.Host)
			}
			werr := writeErrorResponse(conn, err)
			p.logAccess(entry, http.StatusBadGateway, 0, start, res, err)
			if werr != nil {
				return
			}
			continue
		}
		if p.Metrics != nil {
			p.Metrics.RecordRequestDuration(req.Method, resp.StatusCode, time.Since(start))
		}

		err = resp.Write(conn)
		_ = resp.Body.Close()
		p.logAccess(entry, resp.StatusCode, resp.ContentLength, start, res, err)
		if err != nil {
			p.Logger.Debug("write response", "error", err)
			return
		}
	}
}

// watchClientClose cancels the flow if the client hangs up while the
// request is held. Peek does not consume input, so a pipelined request
// or the rest of the body stays in reader. The returned function stops
// the watcher and must be called before reading from reader again.
func watchClientClose(conn net.Conn, reader *bufio.Reader, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := reader.Peek(1); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}
			cancel()
		}
	}()
	return func() {
		_ = conn.SetReadDeadline(time.Now())
		<-done
		_ = conn.SetReadDeadline(time.Time{})
	}
}

// handleHTTP gates and forwards a plain HTTP proxy request. The request
// context ends when the client disconnects, which releases a held flow.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "http")
	}
	p.Logger.Debug("HTTP", "method", r.Method, "url", r.URL)

	start := time.Now()
	d := NewDescriptor(r, p.maxBody())
	res := p.evaluate(r.Context(), d)

	entry := AccessLogEntry{
		Timestamp:  start,
		FlowID:     d.ID,
		Method:     r.Method,
		Host:       d.Host,
		Path:       r.URL.Path,
		Scheme:     "http",
		ClientAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}

	if !res.Allowed() {
		if res.Source == SourceCancelled {
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusForbidden)
		err := p.blockPage().Render(w, BlockPageDataFor(d, res))
		p.logAccess(entry, http.StatusForbidden, 0, start, res, err)
		return
	}

	resp, err := p.forward(r)
	if err != nil {
		p.Logger.Error("forward request", "error", err, "url", r.URL)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(d.Host)
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		p.logAccess(entry, http.StatusBadGateway, 0, start, res, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(r.Method, resp.StatusCode, time.Since(start))
	}

	removeHopByHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	written, err := io.Copy(w, resp.Body)
	p.logAccess(entry, resp.StatusCode, written, start, res, err)
}

func (p *Proxy) evaluate(ctx context.Context, d *Descriptor) Resolution {
	if p.Gate == nil {
		return Resolution{Outcome: OutcomeApprove, Source: SourcePassthrough}
	}
	return p.Gate.Evaluate(ctx, d)
}

// forward sends req upstream.
func (p *Proxy) forward(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	removeHopByHopHeaders(out.Header)
	return p.transport().RoundTrip(out)
}

func (p *Proxy) transport() http.RoundTripper {
	switch {
	case p.TransportPool != nil:
		return p.TransportPool.Transport()
	case p.Transport != nil:
		return p.Transport
	default:
		return http.DefaultTransport
	}
}

func (p *Proxy) blockPage() *BlockPage {
	if p.BlockPage != nil {
		return p.BlockPage
	}
	return NewBlockPage()
}

func (p *Proxy) maxBody() int64 {
	if p.MaxBody <= 0 {
		return DefaultMaxBody
	}
	return p.MaxBody
}

func (p *Proxy) idleTimeout() time.Duration {
	if p.IdleTimeout <= 0 {
		return 30 * time.Second
	}
	return p.IdleTimeout
}

func (p *Proxy) logAccess(e AccessLogEntry, status int, bytes int64, start time.Time, res Resolution, err error) {
	if p.AccessLog == nil {
		return
	}
	e.StatusCode = status
	e.BytesWritten = bytes
	e.Duration = time.Since(start)
	if !res.Allowed() {
		e.Blocked = true
		e.Outcome = res.Outcome
		e.Source = res.Source
	}
	if err != nil {
		e.Error = err.Error()
	}
	p.AccessLog.Log(e)
}

func writeErrorResponse(w io.Writer, err error) error {
	body := fmt.Sprintf("Proxy Error: %v", err)
	resp := &http.Response{
		StatusCode:    http.StatusBadGateway,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	return resp.Write(w)
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
