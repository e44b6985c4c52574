package paygate

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// UpstreamConfig tunes the transport approved requests are forwarded on.
type UpstreamConfig struct {
	MaxIdleConns          int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout       time.Duration `mapstructure:"idle_conn_timeout"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	EnableHTTP2           bool          `mapstructure:"enable_http2"`
}

// DefaultUpstreamConfig returns forward proxy defaults.
func DefaultUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		EnableHTTP2:           true,
	}
}

// TransportPool owns the pooled upstream transport and counts the
// requests that go through it. Denied flows never reach it.
type TransportPool struct {
	cfg UpstreamConfig

	// TLSConfig overrides the upstream TLS settings (optional).
	TLSConfig *tls.Config

	transport atomic.Pointer[http.Transport]
	total     atomic.Int64
	active    atomic.Int64
}

// TransportPoolStats is a snapshot of TransportPool counters.
type TransportPoolStats struct {
	TotalRequests  int64
	ActiveRequests int64
}

// NewTransportPool creates a pool from cfg.
func NewTransportPool(cfg UpstreamConfig) *TransportPool {
	return &TransportPool{cfg: cfg}
}

// Build (re)creates the transport, closing idle connections of the old one.
func (tp *TransportPool) Build() *http.Transport {
	tlsCfg := &tls.Config{}
	if tp.TLSConfig != nil {
		tlsCfg = tp.TLSConfig.Clone()
	}
	if tp.cfg.EnableHTTP2 && tlsCfg.NextProtos == nil {
		tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	}
	dial := tp.cfg.DialTimeout
	if dial <= 0 {
		dial = 30 * time.Second
	}

	t := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   dial,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          tp.cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   tp.cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       tp.cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   tp.cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: tp.cfg.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     tp.cfg.EnableHTTP2,
	}
	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}
	return t
}

// Transport returns a RoundTripper over the pooled transport.
func (tp *TransportPool) Transport() http.RoundTripper {
	if tp.transport.Load() == nil {
		tp.Build()
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		tp.total.Add(1)
		tp.active.Add(1)
		defer tp.active.Add(-1)
		return tp.transport.Load().RoundTrip(req)
	})
}

// Stats returns current counters.
func (tp *TransportPool) Stats() TransportPoolStats {
	return TransportPoolStats{TotalRequests: tp.total.Load(), ActiveRequests: tp.active.Load()}
}

// CloseIdleConnections closes idle upstream connections.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
