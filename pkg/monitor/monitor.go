package monitor

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/flextasker/pg-router/pkg/metrics"
	"github.com/flextasker/pg-router/pkg/router"
	"go.uber.org/zap"
)

// StatsSource is the slice of the router the monitor depends on. The
// router satisfies it; tests substitute a double.
type StatsSource interface {
	Stats() *router.Stats
	HealthCheck(ctx context.Context) *router.Health
}

// DatabaseURLs feeds the PgBouncer stanza rendering. Reads may be empty.
type DatabaseURLs struct {
	Write string
	Reads []string
}

type ConnectionCounts struct {
	Active  int32 `json:"active"`
	Idle    int32 `json:"idle"`
	Total   int32 `json:"total"`
	Waiting int32 `json:"waiting"`
}

type PerformanceSummary struct {
	AvgLatencyMS float64 `json:"avgLatencyMs"`
	P95LatencyMS float64 `json:"p95LatencyMs"`
}

// Snapshot is one immutable point-in-time record of pool state.
type Snapshot struct {
	Timestamp   time.Time          `json:"timestamp"`
	Connections ConnectionCounts   `json:"connections"`
	Queries     router.QueryCounts `json:"queries"`
	Healthy     bool               `json:"healthy"`
	Performance PerformanceSummary `json:"performance"`
}

const (
	maxQueryTimes   = 1000
	maxHistory      = 100
	collectTimeout  = time.Second * 10
	defaultInterval = time.Second * 30
)

// Monitor samples the router's stats and health on a schedule, keeping a
// bounded history plus a rolling buffer of raw query durations.
type Monitor struct {
	source StatsSource
	urls   DatabaseURLs
	logger *zap.Logger

	mu            sync.Mutex
	queryTimes    []float64
	firstSampleAt time.Time
	history       []Snapshot
	running       bool
	stopChan      chan struct{}
}

func New(source StatsSource, urls DatabaseURLs, logger *zap.Logger) *Monitor {
	return &Monitor{
		source: source,
		urls:   urls,
		logger: logger,
	}
}

// Start schedules Collect every interval. Idempotent: a running monitor
// keeps its existing schedule.
func (m *Monitor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				m.logger.Info("pool monitoring exited..")
				return
			case <-ticker.C:
				m.Collect(context.Background())
			}
		}
	}()
	m.logger.Info("pool monitoring started", zap.Duration("interval", interval))
}

// Stop cancels the schedule. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopChan)
}

// RecordQueryTime appends one raw duration to the rolling buffer,
// dropping the oldest samples past capacity.
func (m *Monitor) RecordQueryTime(ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queryTimes) == 0 {
		m.firstSampleAt = time.Now()
	}
	m.queryTimes = append(m.queryTimes, ms)
	if len(m.queryTimes) > maxQueryTimes {
		m.queryTimes = m.queryTimes[len(m.queryTimes)-maxQueryTimes:]
	}
}

// Collect polls the source and appends a snapshot to the history. A
// failing source is logged and the tick skipped; the schedule survives.
func (m *Monitor) Collect(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("metrics collection panicked, snapshot skipped", zap.Any("panic", rec))
		}
	}()

	tickCtx, cancel := context.WithTimeout(ctx, collectTimeout)
	defer cancel()

	stats := m.source.Stats()
	health := m.source.HealthCheck(tickCtx)
	if stats == nil || health == nil {
		m.logger.Error("metrics collection returned no data, snapshot skipped")
		return
	}

	perf := m.performanceSummary()
	snapshot := Snapshot{
		Timestamp: time.Now(),
		Connections: ConnectionCounts{
			Active:  stats.Write.Active + stats.Read.Active,
			Idle:    stats.Write.Idle + stats.Read.Idle,
			Total:   stats.Write.Total + stats.Read.Total,
			Waiting: stats.Write.Waiting + stats.Read.Waiting,
		},
		Queries:     stats.Queries,
		Healthy:     health.Overall.Healthy,
		Performance: perf,
	}

	m.mu.Lock()
	m.history = append(m.history, snapshot)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	m.mu.Unlock()

	metrics.Gauge("pg_router_connections_total", float64(snapshot.Connections.Total))
	metrics.Gauge("pg_router_connections_active", float64(snapshot.Connections.Active))
	metrics.Gauge("pg_router_health_score", health.Overall.Score)
	metrics.Gauge("pg_router_latency_p95_ms", perf.P95LatencyMS)
}

// CurrentMetrics returns the latest snapshot, or nil before the first
// successful collection.
func (m *Monitor) CurrentMetrics() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return nil
	}
	latest := m.history[len(m.history)-1]
	return &latest
}

// MetricsHistory returns the last limit snapshots oldest-first; a
// non-positive limit returns the whole history.
func (m *Monitor) MetricsHistory(limit int) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Snapshot, limit)
	copy(out, m.history[n-limit:])
	return out
}

// ResetBuffers empties the query-time buffer and history.
func (m *Monitor) ResetBuffers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryTimes = nil
	m.history = nil
	m.firstSampleAt = time.Time{}
}

// PerformanceMetrics carries the derived latency and throughput figures.
// All fields are zero for an empty sample buffer.
type PerformanceMetrics struct {
	P50LatencyMS float64 `json:"p50LatencyMs"`
	P95LatencyMS float64 `json:"p95LatencyMs"`
	P99LatencyMS float64 `json:"p99LatencyMs"`
	AvgLatencyMS float64 `json:"avgLatencyMs"`
	Throughput   float64 `json:"throughput"`
}

// CalculatePerformanceMetrics computes nearest-rank percentiles and
// throughput over the rolling query-time buffer.
func (m *Monitor) CalculatePerformanceMetrics() PerformanceMetrics {
	m.mu.Lock()
	samples := make([]float64, len(m.queryTimes))
	copy(samples, m.queryTimes)
	firstSampleAt := m.firstSampleAt
	m.mu.Unlock()

	if len(samples) == 0 {
		return PerformanceMetrics{}
	}

	sort.Float64s(samples)
	var sum float64
	for _, s := range samples {
		sum += s
	}

	elapsed := time.Since(firstSampleAt).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}

	return PerformanceMetrics{
		P50LatencyMS: nearestRank(samples, 50),
		P95LatencyMS: nearestRank(samples, 95),
		P99LatencyMS: nearestRank(samples, 99),
		AvgLatencyMS: sum / float64(len(samples)),
		Throughput:   float64(len(samples)) / elapsed,
	}
}

func (m *Monitor) performanceSummary() PerformanceSummary {
	pm := m.CalculatePerformanceMetrics()
	return PerformanceSummary{AvgLatencyMS: pm.AvgLatencyMS, P95LatencyMS: pm.P95LatencyMS}
}

// nearestRank expects sorted samples and a percentile in (0,100].
func nearestRank(sorted []float64, percentile float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(percentile / 100.0 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

type PerformanceStats struct {
	AverageLatencyMS      float64  `json:"averageLatencyMs"`
	Throughput            float64  `json:"throughput"`
	ErrorRate             float64  `json:"errorRate"`
	ConnectionUtilization float64  `json:"connectionUtilization"`
	Recommendations       []string `json:"recommendations"`
}

// PerformanceStats folds the derived metrics together with the router's
// counters and threshold-based recommendations.
func (m *Monitor) PerformanceStats() *PerformanceStats {
	pm := m.CalculatePerformanceMetrics()
	errorRate, utilization := m.routerRates()

	return &PerformanceStats{
		AverageLatencyMS:      pm.AvgLatencyMS,
		Throughput:            pm.Throughput,
		ErrorRate:             errorRate,
		ConnectionUtilization: utilization,
		Recommendations:       Recommendations(pm.AvgLatencyMS, pm.Throughput, errorRate, utilization),
	}
}

func (m *Monitor) routerRates() (errorRate, utilization float64) {
	stats := m.source.Stats()
	if stats == nil {
		return 0, 0
	}
	if stats.Queries.Total > 0 {
		errorRate = float64(stats.Queries.Failed) / float64(stats.Queries.Total)
	}
	total := stats.Write.Total + stats.Read.Total
	active := stats.Write.Active + stats.Read.Active
	if total > 0 {
		utilization = float64(active) / float64(total)
	}
	return errorRate, utilization
}

// Recommendation thresholds, checked in a fixed order.
const (
	highUtilizationThreshold = 0.8
	highLatencyThresholdMS   = 100
	highErrorRateThreshold   = 0.05
	lowThroughputThreshold   = 10
)

// Recommendations is a pure mapping from the derived figures to advisory
// strings. Every matching threshold contributes; when none match, a
// single all-clear line is returned.
func Recommendations(avgLatencyMS, throughput, errorRate, utilization float64) []string {
	recs := []string{}
	if utilization > highUtilizationThreshold {
		recs = append(recs, "Consider increasing connection pool size")
	}
	if avgLatencyMS > highLatencyThresholdMS {
		recs = append(recs, "High latency detected - consider read replicas or query optimization")
	}
	if errorRate > highErrorRateThreshold {
		recs = append(recs, "High error rate - check database health and query patterns")
	}
	if throughput > 0 && throughput < lowThroughputThreshold {
		recs = append(recs, "Low throughput - consider connection pooling optimization")
	}
	if len(recs) == 0 {
		recs = append(recs, "Database performance is optimal")
	}
	return recs
}

type PoolAlert struct {
	Metric   string `json:"metric"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type PoolHealth struct {
	Healthy bool        `json:"healthy"`
	Alerts  []PoolAlert `json:"alerts"`
}

// CheckPoolHealth synthesizes alerts from the latest snapshot and the
// recorded query times. With no snapshots yet it reports healthy with no
// alerts.
func (m *Monitor) CheckPoolHealth() *PoolHealth {
	latest := m.CurrentMetrics()
	if latest == nil {
		return &PoolHealth{Healthy: true, Alerts: []PoolAlert{}}
	}

	alerts := []PoolAlert{}
	if !latest.Healthy {
		alerts = append(alerts, PoolAlert{
			Metric:   "pool_health",
			Severity: "critical",
			Message:  "Last health check reported an unhealthy write or read connection",
		})
	}
	if latest.Connections.Total > 0 {
		utilization := float64(latest.Connections.Active) / float64(latest.Connections.Total)
		if utilization > 0.9 {
			alerts = append(alerts, PoolAlert{
				Metric:   "connection_utilization",
				Severity: "warning",
				Message:  "Connection utilization above 90%",
			})
		}
	}
	if latest.Performance.AvgLatencyMS > 1000 {
		alerts = append(alerts, PoolAlert{
			Metric:   "query_latency",
			Severity: "warning",
			Message:  "Average query latency above 1000ms",
		})
	}
	return &PoolHealth{Healthy: len(alerts) == 0, Alerts: alerts}
}
