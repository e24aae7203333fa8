package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector aggregates the counters and gauges the proxy core
// increments. All methods are safe for concurrent use from any task.
type MetricsCollector struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	bytesIngress      atomic.Int64
	bytesEgress       atomic.Int64

	routeMu   sync.Mutex
	routeHits map[string]int64

	placeholderMu   sync.Mutex
	placeholderHits map[string]int64

	upstreamMu sync.Mutex
	upstreams  map[string]UpstreamHealth
}

// UpstreamHealth is the latest probe outcome for one upstream.
type UpstreamHealth struct {
	Reachable     bool          `json:"reachable"`
	RTT           time.Duration `json:"rtt_ns"`
	VersionName   string        `json:"version_name,omitempty"`
	OnlinePlayers int32         `json:"online_players"`
	MaxPlayers    int32         `json:"max_players"`
	ProbedAt      time.Time     `json:"probed_at"`
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		routeHits:       map[string]int64{},
		placeholderHits: map[string]int64{},
		upstreams:       map[string]UpstreamHealth{},
	}
}

func (m *MetricsCollector) IncActive() {
	m.activeConnections.Add(1)
	m.totalConnections.Add(1)
}

func (m *MetricsCollector) DecActive() {
	m.activeConnections.Add(-1)
}

func (m *MetricsCollector) AddIngress(n int64) {
	m.bytesIngress.Add(n)
}

func (m *MetricsCollector) AddEgress(n int64) {
	m.bytesEgress.Add(n)
}

func (m *MetricsCollector) AddRouteHit(host string) {
	m.routeMu.Lock()
	m.routeHits[host]++
	m.routeMu.Unlock()
}

// AddPlaceholder counts one placeholder response served, keyed by kind
// ("offline" or "no_mapping").
func (m *MetricsCollector) AddPlaceholder(kind string) {
	m.placeholderMu.Lock()
	m.placeholderHits[kind]++
	m.placeholderMu.Unlock()
}

// SetUpstreamHealth records the latest probe outcome for upstream.
func (m *MetricsCollector) SetUpstreamHealth(upstream string, health UpstreamHealth) {
	m.upstreamMu.Lock()
	m.upstreams[upstream] = health
	m.upstreamMu.Unlock()
}

type MetricsSnapshot struct {
	ActiveConnections int64                     `json:"active_connections"`
	TotalConnections  int64                     `json:"total_connections_handled"`
	BytesIngress      int64                     `json:"bytes_ingress"`
	BytesEgress       int64                     `json:"bytes_egress"`
	RouteHits         map[string]int64          `json:"route_hits"`
	PlaceholderHits   map[string]int64          `json:"placeholder_hits"`
	Upstreams         map[string]UpstreamHealth `json:"upstreams"`
}

func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.routeMu.Lock()
	rh := make(map[string]int64, len(m.routeHits))
	for k, v := range m.routeHits {
		rh[k] = v
	}
	m.routeMu.Unlock()

	m.placeholderMu.Lock()
	ph := make(map[string]int64, len(m.placeholderHits))
	for k, v := range m.placeholderHits {
		ph[k] = v
	}
	m.placeholderMu.Unlock()

	m.upstreamMu.Lock()
	up := make(map[string]UpstreamHealth, len(m.upstreams))
	for k, v := range m.upstreams {
		up[k] = v
	}
	m.upstreamMu.Unlock()

	return MetricsSnapshot{
		ActiveConnections: m.activeConnections.Load(),
		TotalConnections:  m.totalConnections.Load(),
		BytesIngress:      m.bytesIngress.Load(),
		BytesEgress:       m.bytesEgress.Load(),
		RouteHits:         rh,
		PlaceholderHits:   ph,
		Upstreams:         up,
	}
}
