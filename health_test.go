package paygate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// healthStatus asks the proxy for one of its own health endpoints.
func healthStatus(t *testing.T, p *Proxy, path string) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("%s: decode body: %v", path, err)
	}
	return rec.Code, resp
}

func TestHealthChecker_Lifecycle(t *testing.T) {
	p := newTestProxy(t)
	hc := NewHealthChecker()
	p.HealthChecker = hc

	steps := []struct {
		name        string
		alive       bool
		ready       bool
		wantHealthz int
		wantReadyz  int
	}{
		{"starting", false, false, http.StatusServiceUnavailable, http.StatusServiceUnavailable},
		{"listening, CA loaded", true, false, http.StatusOK, http.StatusServiceUnavailable},
		{"serving", true, true, http.StatusOK, http.StatusOK},
		{"draining", true, false, http.StatusOK, http.StatusServiceUnavailable},
	}
	for _, s := range steps {
		hc.SetAlive(s.alive)
		hc.SetReady(s.ready)

		code, resp := healthStatus(t, p, "/healthz")
		if code != s.wantHealthz {
			t.Errorf("%s: /healthz = %d, want %d", s.name, code, s.wantHealthz)
		}
		if resp.Uptime == "" {
			t.Errorf("%s: /healthz should report uptime", s.name)
		}

		code, resp = healthStatus(t, p, "/readyz")
		if code != s.wantReadyz {
			t.Errorf("%s: /readyz = %d, want %d", s.name, code, s.wantReadyz)
		}
		if !s.ready && resp.Reason != "proxy not yet ready" {
			t.Errorf("%s: reason = %q", s.name, resp.Reason)
		}
	}
}

func TestHealthChecker_ReadyzDecisionCache(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name   string
		config func(*Config)
		breaks func(closer func())
	}{
		{"redis", func(c *Config) {
			c.Cache.Backend = "redis"
			c.Cache.RedisAddr = mr.Addr()
		}, func(func()) { mr.Close() }},
		{"sqlite", func(c *Config) {
			c.Cache.Backend = "sqlite"
		}, func(closer func()) { closer() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.config(&cfg)
			_, closer, ready, err := cfg.BuildDecisionCache(context.Background(), discardLogger())
			if err != nil {
				t.Fatalf("BuildDecisionCache: %v", err)
			}
			t.Cleanup(closer)

			hc := NewHealthChecker()
			hc.SetAlive(true)
			hc.SetReady(true)
			hc.ReadinessChecks = []ReadinessCheck{ready}
			p := newTestProxy(t)
			p.HealthChecker = hc

			if code, _ := healthStatus(t, p, "/readyz"); code != http.StatusOK {
				t.Fatalf("/readyz with a reachable cache = %d", code)
			}

			tt.breaks(closer)
			code, resp := healthStatus(t, p, "/readyz")
			if code != http.StatusServiceUnavailable {
				t.Errorf("/readyz with a broken cache = %d, want 503", code)
			}
			if len(resp.Details) != 1 || !strings.Contains(resp.Details[0], "decision cache") {
				t.Errorf("details = %v, want the cache failure", resp.Details)
			}
			// liveness does not depend on collaborators
			if code, _ := healthStatus(t, p, "/healthz"); code != http.StatusOK {
				t.Errorf("/healthz = %d, want 200", code)
			}
		})
	}
}

func TestHealthChecker_ReadyzAuthority(t *testing.T) {
	f := newAuthorityFixture(t, nil)
	cfg := testClientConfig(f.ts.URL)
	cfg.HealthTimeout = 500 * time.Millisecond
	client := newTestClient(cfg)

	hc := NewHealthChecker()
	hc.SetAlive(true)
	hc.SetReady(true)
	hc.ReadinessChecks = []ReadinessCheck{
		func() error { return nil },
		AuthorityCheck(func() bool { return client.Health(context.Background()) }),
	}
	p := newTestProxy(t)
	p.HealthChecker = hc

	if code, _ := healthStatus(t, p, "/readyz"); code != http.StatusOK {
		t.Fatalf("/readyz with a running authority = %d", code)
	}

	f.ts.Close()
	code, resp := healthStatus(t, p, "/readyz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("/readyz with the authority down = %d, want 503", code)
	}
	if len(resp.Details) != 1 || resp.Details[0] != "approval authority unavailable" {
		t.Errorf("details = %v", resp.Details)
	}
	if hc.IsReady() {
		t.Error("IsReady should follow the failing check")
	}
}

func TestHealthChecker_ReportsEveryFailure(t *testing.T) {
	hc := NewHealthChecker()
	hc.SetReady(true)
	hc.ReadinessChecks = []ReadinessCheck{
		func() error { return errors.New("decision cache: connection refused") },
		AuthorityCheck(func() bool { return false }),
	}

	if got := hc.failures(); len(got) != 2 {
		t.Errorf("failures = %v, want both checks", got)
	}
	if hc.IsReady() {
		t.Error("IsReady = true with failing checks")
	}
}
