package admin

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/sni-proxy/pkg/cache"
	"github.com/jnovack/sni-proxy/pkg/resolver"
	"github.com/jnovack/sni-proxy/pkg/sniproxy"
)

var (
	_ sniproxy.Metrics = (*Metrics)(nil)
	_ resolver.Metrics = (*Metrics)(nil)
	_ CertCache        = (*cache.Cache)(nil)
	_ CertCache        = (*resolver.Resolver)(nil)
)

func TestHandleHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)

	HandleHealth(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, "should return 200 OK")
}

func TestHandleMetricsAndStatusz(t *testing.T) {
	m := NewMetrics()

	m.IncConnections()
	m.IncConnections()
	m.IncHandshakeFailures()
	m.IncCacheHit()
	m.IncCacheMiss()
	m.IncTunnels()
	m.AddTunnelBytes(10, 20)
	m.ObserveDuration(sniproxy.OutcomeTunnel, 0.02)
	m.ObserveDuration(sniproxy.OutcomeForward, 1000)

	// Populate in-flight list to render in /statusz.
	m.InflightAdd("conn1/req1 example.com:443")
	m.InflightAdd("conn2/req2 example.org:443")

	// /metrics
	rr := httptest.NewRecorder()
	HandleMetrics(rr, m)
	require.Equal(t, http.StatusOK, rr.Code, "metrics should return 200")

	body := rr.Body.String()
	assert.Contains(t, body, "sniproxy_connections_total 2\n")
	assert.Contains(t, body, "sniproxy_handshake_failures_total 1\n")
	assert.Contains(t, body, "sniproxy_cert_cache_hits_total 1\n")
	assert.Contains(t, body, "sniproxy_tunnel_client_bytes_total 10\n")
	assert.Contains(t, body, "sniproxy_tunnel_backend_bytes_total 20\n")
	assert.Contains(t, body, "sniproxy_inflight_tunnels 2\n")
	assert.Contains(t, body, `sniproxy_request_duration_seconds_bucket{outcome="TUNNEL",le="0.025"} 1`)
	assert.Contains(t, body, `sniproxy_request_duration_seconds_bucket{outcome="FORWARD",le="300"} 0`)
	assert.Contains(t, body, `sniproxy_request_duration_seconds_bucket{outcome="FORWARD",le="+Inf"} 1`)
	assert.True(t, strings.Index(body, `outcome="FORWARD"`) < strings.Index(body, `outcome="TUNNEL"`), "outcomes sorted")

	// /statusz
	rr2 := httptest.NewRecorder()
	HandleStatusz(rr2, m)
	require.Equal(t, http.StatusOK, rr2.Code, "statusz should return 200")

	html := rr2.Body.String()
	assert.Contains(t, html, "example.com:443", "statusz should list inflight tunnels")
	assert.Contains(t, html, "example.org:443", "statusz should list inflight tunnels")
	assert.Contains(t, html, "<table", "statusz should render an HTML table")

	m.InflightRemove("conn1/req1 example.com:443")
	assert.Equal(t, 1, m.Inflight)
}

func TestHandleVarz(t *testing.T) {
	rr := httptest.NewRecorder()
	HandleVarz(rr, map[string]any{"backend": "127.0.0.1:8080"})

	var got map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "127.0.0.1:8080", got["backend"])
}

func TestHandleCerts(t *testing.T) {
	c := cache.New()
	c.Set("a.test", &tls.Certificate{})
	c.Set("b.test", &tls.Certificate{})

	rr := httptest.NewRecorder()
	HandleCerts(rr, httptest.NewRequest(http.MethodGet, "/certs", nil), c)
	require.Equal(t, http.StatusOK, rr.Code)
	var got struct {
		Hosts []string `json:"hosts"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, []string{"a.test", "b.test"}, got.Hosts)

	rr = httptest.NewRecorder()
	HandleCerts(rr, httptest.NewRequest(http.MethodDelete, "/certs?host=a.test", nil), c)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{"b.test"}, c.Hosts())

	rr = httptest.NewRecorder()
	HandleCerts(rr, httptest.NewRequest(http.MethodDelete, "/certs?host=a.test", nil), c)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	HandleCerts(rr, httptest.NewRequest(http.MethodDelete, "/certs", nil), c)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	HandleCerts(rr, httptest.NewRequest(http.MethodPost, "/certs", nil), c)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestCaptureStore_AddListClear(t *testing.T) {
	cs := NewCaptureStore(2)

	cs.Add(sniproxy.RequestRecord{Target: "a"})
	cs.Add(sniproxy.RequestRecord{Target: "b"})
	cs.Add(sniproxy.RequestRecord{Target: "c"}) // should evict "a"

	got := cs.List()
	require.Len(t, got, 2, "expected 2 entries after overflow")
	assert.Equal(t, "b", got[0].Target)
	assert.Equal(t, "c", got[1].Target)

	cs.Clear()
	assert.Empty(t, cs.List())
}

func TestCaptureStore_ObserverChaining(t *testing.T) {
	cs := NewCaptureStore(10)
	called := false
	obs := cs.Observer(func(sniproxy.RequestRecord) { called = true })

	obs(sniproxy.RequestRecord{Target: "x", Time: time.Now()})

	assert.True(t, called, "expected previous observer to be called")
	ent := cs.List()
	require.Len(t, ent, 1)
	assert.Equal(t, "x", ent[0].Target)

	cs.Observer(nil)(sniproxy.RequestRecord{Target: "y"})
	assert.Len(t, cs.List(), 2)
}

func TestHandleRequests(t *testing.T) {
	cs := NewCaptureStore(10)
	cs.Add(sniproxy.RequestRecord{Method: "CONNECT", Target: "example.com:443", Outcome: sniproxy.OutcomeTunnel})

	rr := httptest.NewRecorder()
	HandleRequests(rr, httptest.NewRequest(http.MethodGet, "/requests", nil), cs)
	var got []sniproxy.RequestRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "example.com:443", got[0].Target)

	rr = httptest.NewRecorder()
	HandleRequests(rr, httptest.NewRequest(http.MethodDelete, "/requests", nil), cs)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, cs.List())
}
