// Package admin implements small HTTP admin endpoints used by binaries.
// It includes counters, inflight gauges and a simple histogram facility for request durations.
package admin

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// HistogramBuckets defines the latency buckets (seconds) used when observing request durations.
var HistogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 60, 300}

// Metrics is a minimal metrics container consumed by /metrics handler.
// It satisfies both sniproxy.Metrics and resolver.Metrics.
type Metrics struct {
	sync.Mutex

	Connections       uint64 `json:"connections"`
	HandshakeFailures uint64 `json:"handshake_failures"`
	CacheHits         uint64 `json:"cache_hits"`
	CacheMisses       uint64 `json:"cache_misses"`
	CertLoads         uint64 `json:"cert_loads"`
	CertLoadFailures  uint64 `json:"cert_load_failures"`
	Tunnels           uint64 `json:"tunnels"`
	TunnelBytesIn     uint64 `json:"tunnel_bytes_client"`
	TunnelBytesOut    uint64 `json:"tunnel_bytes_backend"`
	Forwards          uint64 `json:"forwards"`
	BackendErrors     uint64 `json:"backend_errors"`
	BadConnect        uint64 `json:"bad_connect"`

	// In-flight gauge + map of id->start time for /statusz
	Inflight     int                  `json:"inflight"`
	InflightList map[string]time.Time `json:"inflight_list"`

	// Histograms: map outcome -> counts per bucket
	HistCounts map[string][]uint64 `json:"hist_counts"`
	HistSum    map[string]float64  `json:"hist_sum"`
	HistTotal  map[string]uint64   `json:"hist_total"`
}

// NewMetrics constructs a Metrics instance with initialized histogram maps.
func NewMetrics() *Metrics {
	return &Metrics{
		InflightList: make(map[string]time.Time),
		HistCounts:   make(map[string][]uint64),
		HistSum:      make(map[string]float64),
		HistTotal:    make(map[string]uint64),
	}
}

// InflightAdd records an inflight tunnel with id.
func (m *Metrics) InflightAdd(id string) {
	m.Lock()
	defer m.Unlock()
	m.Inflight++
	m.InflightList[id] = time.Now()
}

// InflightRemove removes an inflight tunnel id.
func (m *Metrics) InflightRemove(id string) {
	m.Lock()
	defer m.Unlock()
	if m.Inflight > 0 {
		m.Inflight--
	}
	delete(m.InflightList, id)
}

// Increment helpers
func (m *Metrics) IncConnections()       { m.Lock(); m.Connections++; m.Unlock() }
func (m *Metrics) IncHandshakeFailures() { m.Lock(); m.HandshakeFailures++; m.Unlock() }
func (m *Metrics) IncCacheHit()          { m.Lock(); m.CacheHits++; m.Unlock() }
func (m *Metrics) IncCacheMiss()         { m.Lock(); m.CacheMisses++; m.Unlock() }
func (m *Metrics) IncCertLoad()          { m.Lock(); m.CertLoads++; m.Unlock() }
func (m *Metrics) IncCertLoadFailure()   { m.Lock(); m.CertLoadFailures++; m.Unlock() }
func (m *Metrics) IncTunnels()           { m.Lock(); m.Tunnels++; m.Unlock() }
func (m *Metrics) IncForwards()          { m.Lock(); m.Forwards++; m.Unlock() }
func (m *Metrics) IncBackendErrors()     { m.Lock(); m.BackendErrors++; m.Unlock() }
func (m *Metrics) IncBadConnect()        { m.Lock(); m.BadConnect++; m.Unlock() }

// AddTunnelBytes adds the bytes relayed by one finished tunnel.
func (m *Metrics) AddTunnelBytes(fromClient, fromBackend int64) {
	m.Lock()
	defer m.Unlock()
	if fromClient > 0 {
		m.TunnelBytesIn += uint64(fromClient)
	}
	if fromBackend > 0 {
		m.TunnelBytesOut += uint64(fromBackend)
	}
}

// ObserveDuration records a request duration (in seconds) under a named outcome.
func (m *Metrics) ObserveDuration(outcome string, seconds float64) {
	m.Lock()
	defer m.Unlock()
	// ensure buckets exist for this outcome
	if _, ok := m.HistCounts[outcome]; !ok {
		m.HistCounts[outcome] = make([]uint64, len(HistogramBuckets))
		m.HistSum[outcome] = 0
		m.HistTotal[outcome] = 0
	}
	m.HistSum[outcome] += seconds
	m.HistTotal[outcome]++
	for i, b := range HistogramBuckets {
		if seconds <= b {
			m.HistCounts[outcome][i]++
			return
		}
	}
	// above the last bucket: only counted in +Inf via HistTotal
}

// Admin handlers

// HandleHealth is a simple healthz handler.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// HandleVarz writes config (provided) as JSON.
func HandleVarz(w http.ResponseWriter, cfg interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

// HandleStatusz renders a small HTML page showing inflight tunnels.
func HandleStatusz(w http.ResponseWriter, m *Metrics) {
	m.Lock()
	defer m.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>Status</h1>"))
	_, _ = w.Write([]byte("<p>Inflight tunnels: " + strconv.Itoa(m.Inflight) + "</p>"))
	_, _ = w.Write([]byte("<table border='1'><tr><th>Tunnel</th><th>Start</th><th>Age(s)</th></tr>"))
	ids := make([]string, 0, len(m.InflightList))
	for k := range m.InflightList {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	now := time.Now()
	for _, k := range ids {
		t := m.InflightList[k]
		age := now.Sub(t).Seconds()
		_, _ = w.Write([]byte("<tr><td>" + html.EscapeString(k) + "</td><td>" + t.Format(time.RFC3339) + "</td><td>" + strconv.FormatFloat(age, 'f', 3, 64) + "</td></tr>"))
	}
	_, _ = w.Write([]byte("</table></body></html>"))
}

// HandleMetrics writes Prometheus-compatible output including histograms and counters.
func HandleMetrics(w http.ResponseWriter, m *Metrics) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	m.Lock()
	defer m.Unlock()
	// counters
	write := func(name, help string, v uint64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
		_, _ = fmt.Fprintf(w, "%s %d\n\n", name, v)
	}
	write("sniproxy_connections_total", "Accepted transport connections", m.Connections)
	write("sniproxy_handshake_failures_total", "TLS handshakes that failed", m.HandshakeFailures)
	write("sniproxy_cert_cache_hits_total", "Certificate lookups served from cache", m.CacheHits)
	write("sniproxy_cert_cache_misses_total", "Certificate lookups that missed the cache", m.CacheMisses)
	write("sniproxy_cert_loads_total", "Certificate bundles loaded from disk", m.CertLoads)
	write("sniproxy_cert_load_failures_total", "Certificate bundles that failed to load", m.CertLoadFailures)
	write("sniproxy_tunnels_total", "CONNECT tunnels established", m.Tunnels)
	write("sniproxy_tunnel_client_bytes_total", "Bytes relayed from clients to tunnel targets", m.TunnelBytesIn)
	write("sniproxy_tunnel_backend_bytes_total", "Bytes relayed from tunnel targets to clients", m.TunnelBytesOut)
	write("sniproxy_forwards_total", "Requests forwarded to the backend", m.Forwards)
	write("sniproxy_backend_errors_total", "Backend dial or exchange failures", m.BackendErrors)
	write("sniproxy_bad_connect_total", "CONNECT requests with an invalid target", m.BadConnect)

	// inflight gauge
	_, _ = fmt.Fprintf(w, "# HELP sniproxy_inflight_tunnels In-flight tunnels\n")
	_, _ = fmt.Fprintf(w, "# TYPE sniproxy_inflight_tunnels gauge\n")
	_, _ = fmt.Fprintf(w, "sniproxy_inflight_tunnels %d\n\n", m.Inflight)

	// histograms
	_, _ = fmt.Fprintf(w, "# HELP sniproxy_request_duration_seconds Request duration by outcome\n")
	_, _ = fmt.Fprintf(w, "# TYPE sniproxy_request_duration_seconds histogram\n")
	outcomes := make([]string, 0, len(m.HistCounts))
	for o := range m.HistCounts {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		counts := m.HistCounts[outcome]
		cum := uint64(0)
		for i, b := range HistogramBuckets {
			if i < len(counts) {
				cum += counts[i]
			}
			_, _ = fmt.Fprintf(w, "sniproxy_request_duration_seconds_bucket{outcome=\"%s\",le=\"%g\"} %d\n", outcome, b, cum)
		}
		// +Inf bucket
		total := m.HistTotal[outcome]
		_, _ = fmt.Fprintf(w, "sniproxy_request_duration_seconds_bucket{outcome=\"%s\",le=\"+Inf\"} %d\n", outcome, total)
		_, _ = fmt.Fprintf(w, "sniproxy_request_duration_seconds_sum{outcome=\"%s\"} %g\n", outcome, m.HistSum[outcome])
		_, _ = fmt.Fprintf(w, "sniproxy_request_duration_seconds_count{outcome=\"%s\"} %d\n\n", outcome, total)
	}
}

// CertCache is the view of the certificate cache exposed on /certs.
type CertCache interface {
	Hosts() []string
	Invalidate(host string) bool
}

// HandleCerts lists cached hostnames on GET and drops one entry on
// DELETE /certs?host=H so the next handshake reloads it from disk.
func HandleCerts(w http.ResponseWriter, r *http.Request, c CertCache) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"hosts": c.Hosts()})
	case http.MethodDelete:
		host := r.URL.Query().Get("host")
		if host == "" {
			http.Error(w, "missing host parameter", http.StatusBadRequest)
			return
		}
		if !c.Invalidate(host) {
			http.Error(w, "host not cached", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, HEAD, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
