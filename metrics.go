package shadowguard

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// blockedBytesEstimate is the flat per-block estimate of transfer
// avoided. Blocked resources are never fetched, so their true size is
// unknowable; the estimate keeps the counter monotone and comparable.
const blockedBytesEstimate = 16 * 1024

// Metrics holds the Prometheus collectors plus the mirrored counters
// behind the stats API snapshot.
type Metrics struct {
	blockedTotal    prometheus.Counter
	allowedTotal    prometheus.Counter
	bytesSaved      prometheus.Counter
	activeConns     prometheus.Gauge
	domainsIndexed  prometheus.Gauge
	bloomRejects    prometheus.Gauge
	trieHits        prometheus.Gauge
	leafCacheSize   prometheus.Gauge
	leafCacheHits   prometheus.Gauge
	leafCacheMisses prometheus.Gauge
	ruleCount       prometheus.Gauge
	reloads         prometheus.Counter
	reloadErrs      prometheus.Counter
	handshakeErrs   prometheus.Counter

	// Snapshot mirrors. Prometheus counters are write-only, so the
	// stats endpoint reads these instead.
	blocked    atomic.Uint64
	allowed    atomic.Uint64
	saved      atomic.Uint64
	tlsErrs    atomic.Uint64
	reloadOK   atomic.Uint64
	reloadFail atomic.Uint64

	registry *prometheus.Registry
}

// StatsSnapshot is the stats API payload.
type StatsSnapshot struct {
	BlockedTotal       uint64 `json:"blocked_total"`
	AllowedTotal       uint64 `json:"allowed_total"`
	BytesSavedEstimate uint64 `json:"bytes_saved_estimate"`
	DomainsIndexed     int    `json:"domains_indexed"`
	BloomRejects       uint64 `json:"bloom_rejects"`
	TrieHits           uint64 `json:"trie_hits"`
	LeafCacheSize      int    `json:"leaf_cache_size"`
	LeafCacheHits      uint64 `json:"leaf_cache_hits"`
	LeafCacheMisses    uint64 `json:"leaf_cache_misses"`
	RuleCount          int    `json:"rule_count"`
	Reloads            uint64 `json:"reloads"`
	ReloadErrors       uint64 `json:"reload_errors"`
	TLSHandshakeErrors uint64 `json:"tls_handshake_errors"`
}

// NewMetrics creates a Metrics instance with all collectors registered
// on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		blockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowguard",
			Name:      "blocked_total",
			Help:      "Requests and tunnels blocked.",
		}),
		allowedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowguard",
			Name:      "allowed_total",
			Help:      "Requests and tunnels forwarded.",
		}),
		bytesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowguard",
			Name:      "bytes_saved_estimate",
			Help:      "Estimated transfer avoided by blocking.",
		}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowguard",
			Name:      "active_connections",
			Help:      "Live proxied connections.",
		}),
		domainsIndexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowguard",
			Name:      "domains_indexed",
			Help:      "Domains in the active index snapshot.",
		}),
		bloomRejects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowguard",
			Name:      "bloom_rejects",
			Help:      "Lookups screened out by the bloom filter.",
		}),
		trieHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowguard",
			Name:      "trie_hits",
			Help:      "Lookups answered by the suffix trie.",
		}),
		leafCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowguard",
			Name:      "leaf_cache_size",
			Help:      "Cached minted certificates.",
		}),
		leafCacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowguard",
			Name:      "leaf_cache_hits",
			Help:      "Leaf cache hits.",
		}),
		leafCacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowguard",
			Name:      "leaf_cache_misses",
			Help:      "Leaf cache misses.",
		}),
		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowguard",
			Name:      "rule_count",
			Help:      "Compiled rules in the active snapshot.",
		}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowguard",
			Name:      "rule_reloads_total",
			Help:      "Successful rule reloads.",
		}),
		reloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowguard",
			Name:      "rule_reload_errors_total",
			Help:      "Failed rule reloads.",
		}),
		handshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowguard",
			Name:      "tls_handshake_errors_total",
			Help:      "Client-side TLS handshake failures.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.blockedTotal,
		m.allowedTotal,
		m.bytesSaved,
		m.activeConns,
		m.domainsIndexed,
		m.bloomRejects,
		m.trieHits,
		m.leafCacheSize,
		m.leafCacheHits,
		m.leafCacheMisses,
		m.ruleCount,
		m.reloads,
		m.reloadErrs,
		m.handshakeErrs,
	)

	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordBlocked counts one blocked request or tunnel.
func (m *Metrics) RecordBlocked() {
	m.blockedTotal.Inc()
	m.bytesSaved.Add(blockedBytesEstimate)
	m.blocked.Add(1)
	m.saved.Add(blockedBytesEstimate)
}

// RecordAllowed counts one forwarded request or tunnel.
func (m *Metrics) RecordAllowed() {
	m.allowedTotal.Inc()
	m.allowed.Add(1)
}

// RecordTLSHandshake counts a client handshake attempt.
func (m *Metrics) RecordTLSHandshake(ok bool) {
	if !ok {
		m.handshakeErrs.Inc()
		m.tlsErrs.Add(1)
	}
}

// RecordReload counts a rule reload outcome.
func (m *Metrics) RecordReload(err error) {
	if err != nil {
		m.reloadErrs.Inc()
		m.reloadFail.Add(1)
		return
	}
	m.reloads.Inc()
	m.reloadOK.Add(1)
}

// SetActiveConns updates the live connection gauge.
func (m *Metrics) SetActiveConns(n int) {
	m.activeConns.Set(float64(n))
}

// ObserveIndex refreshes index gauges from a snapshot.
func (m *Metrics) ObserveIndex(domains int, ruleCount int, stats IndexStats) {
	m.domainsIndexed.Set(float64(domains))
	m.ruleCount.Set(float64(ruleCount))
	m.bloomRejects.Set(float64(stats.BloomRejects))
	m.trieHits.Set(float64(stats.TrieHits))
}

// ObserveLeafCache refreshes certificate cache gauges.
func (m *Metrics) ObserveLeafCache(size int, hits, misses uint64) {
	m.leafCacheSize.Set(float64(size))
	m.leafCacheHits.Set(float64(hits))
	m.leafCacheMisses.Set(float64(misses))
}

// Snapshot assembles the stats API payload. Gauge-backed fields are
// passed in by the caller, which owns the components they come from.
func (m *Metrics) Snapshot(domains, ruleCount int, idx IndexStats, leafSize int, leafHits, leafMisses uint64, activeConns int) StatsSnapshot {
	m.ObserveIndex(domains, ruleCount, idx)
	m.ObserveLeafCache(leafSize, leafHits, leafMisses)
	m.SetActiveConns(activeConns)
	return StatsSnapshot{
		BlockedTotal:       m.blocked.Load(),
		AllowedTotal:       m.allowed.Load(),
		BytesSavedEstimate: m.saved.Load(),
		DomainsIndexed:     domains,
		BloomRejects:       idx.BloomRejects,
		TrieHits:           idx.TrieHits,
		LeafCacheSize:      leafSize,
		LeafCacheHits:      leafHits,
		LeafCacheMisses:    leafMisses,
		RuleCount:          ruleCount,
		Reloads:            m.reloadOK.Load(),
		ReloadErrors:       m.reloadFail.Load(),
		TLSHandshakeErrors: m.tlsErrs.Load(),
	}
}
