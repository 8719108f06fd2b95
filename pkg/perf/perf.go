package perf

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const rollingWindowCap = 1000

// Monitor aggregates process-wide API, cache, database, and security
// counters. One instance per process, handed out by the composition root.
type Monitor struct {
	logger *zap.Logger

	mu          sync.Mutex
	apiSuccess  uint64
	apiFailure  uint64
	apiTimes    []float64
	cacheHits   uint64
	cacheMisses uint64
	cacheTimes  []float64
	dbQueries   uint64
	dbSlow      uint64
	dbTimes     []float64
	security    map[string]uint64
	activeUsers map[string]struct{}
	lastReset   time.Time

	closeChan chan struct{}
	closeOnce sync.Once
}

func New(logger *zap.Logger) *Monitor {
	return &Monitor{
		logger:      logger,
		security:    make(map[string]uint64),
		activeUsers: make(map[string]struct{}),
		lastReset:   time.Now(),
		closeChan:   make(chan struct{}),
	}
}

func (m *Monitor) RecordAPIRequest(responseTimeMS float64, statusCode int, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if statusCode >= 400 {
		m.apiFailure++
	} else {
		m.apiSuccess++
	}
	m.apiTimes = appendBounded(m.apiTimes, responseTimeMS)
	if userID != "" {
		m.activeUsers[userID] = struct{}{}
	}
}

func (m *Monitor) RecordCacheHit(lookupTimeMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
	m.cacheTimes = appendBounded(m.cacheTimes, lookupTimeMS)
}

func (m *Monitor) RecordCacheMiss(lookupTimeMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheMisses++
	m.cacheTimes = appendBounded(m.cacheTimes, lookupTimeMS)
}

func (m *Monitor) RecordDatabaseQuery(queryTimeMS float64, slow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dbQueries++
	if slow {
		m.dbSlow++
	}
	m.dbTimes = appendBounded(m.dbTimes, queryTimeMS)
}

func (m *Monitor) RecordSecurityEvent(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.security[kind]++
}

type APIMetrics struct {
	Success       uint64  `json:"success"`
	Failure       uint64  `json:"failure"`
	AvgResponseMS float64 `json:"avgResponseMs"`
	Samples       int     `json:"samples"`
}

type CacheMetrics struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hitRate"`
	AvgLookupMS float64 `json:"avgLookupMs"`
}

type DatabaseMetrics struct {
	Queries    uint64  `json:"queries"`
	Slow       uint64  `json:"slow"`
	AvgQueryMS float64 `json:"avgQueryMs"`
}

type Metrics struct {
	API         APIMetrics        `json:"api"`
	Cache       CacheMetrics      `json:"cache"`
	Database    DatabaseMetrics   `json:"database"`
	Security    map[string]uint64 `json:"security"`
	ActiveUsers int               `json:"activeUsers"`
	LastReset   time.Time         `json:"lastReset"`
}

// Metrics returns a deep-copied snapshot.
func (m *Monitor) Metrics() *Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	security := make(map[string]uint64, len(m.security))
	for k, v := range m.security {
		security[k] = v
	}

	return &Metrics{
		API: APIMetrics{
			Success:       m.apiSuccess,
			Failure:       m.apiFailure,
			AvgResponseMS: average(m.apiTimes),
			Samples:       len(m.apiTimes),
		},
		Cache: CacheMetrics{
			Hits:        m.cacheHits,
			Misses:      m.cacheMisses,
			HitRate:     hitRate(m.cacheHits, m.cacheMisses),
			AvgLookupMS: average(m.cacheTimes),
		},
		Database: DatabaseMetrics{
			Queries:    m.dbQueries,
			Slow:       m.dbSlow,
			AvgQueryMS: average(m.dbTimes),
		},
		Security:    security,
		ActiveUsers: len(m.activeUsers),
		LastReset:   m.lastReset,
	}
}

type Alert struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

const (
	minCacheSamplesForAlert = 100
	minAPISamplesForAlert   = 50
)

// CheckAlerts evaluates the fixed operational thresholds against the
// current counters.
func (m *Monitor) CheckAlerts() []Alert {
	snapshot := m.Metrics()
	alerts := []Alert{}

	cacheSamples := snapshot.Cache.Hits + snapshot.Cache.Misses
	if cacheSamples >= minCacheSamplesForAlert && snapshot.Cache.HitRate < 0.70 {
		alerts = append(alerts, Alert{
			Type:     "cache_hit_rate",
			Message:  "Cache hit rate below 70% - review cache TTLs and key coverage",
			Severity: "warning",
		})
	}
	if snapshot.Database.AvgQueryMS > 1000 {
		alerts = append(alerts, Alert{
			Type:     "database_latency",
			Message:  "Average database query time above 1000ms",
			Severity: "critical",
		})
	}
	if snapshot.API.AvgResponseMS > 2000 {
		alerts = append(alerts, Alert{
			Type:     "api_latency",
			Message:  "Average API response time above 2000ms",
			Severity: "critical",
		})
	}
	apiTotal := snapshot.API.Success + snapshot.API.Failure
	if apiTotal >= minAPISamplesForAlert {
		errorRate := float64(snapshot.API.Failure) / float64(apiTotal)
		if errorRate > 0.05 {
			alerts = append(alerts, Alert{
				Type:     "error_rate",
				Message:  "API error rate above 5%",
				Severity: "critical",
			})
		}
	}
	if snapshot.Security["suspicious_request"] > 10 {
		alerts = append(alerts, Alert{
			Type:     "security",
			Message:  "Suspicious request count above threshold",
			Severity: "warning",
		})
	}
	return alerts
}

// Reset reinitializes every counter. Holders of previously returned
// snapshots are unaffected.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiSuccess, m.apiFailure = 0, 0
	m.apiTimes = nil
	m.cacheHits, m.cacheMisses = 0, 0
	m.cacheTimes = nil
	m.dbQueries, m.dbSlow = 0, 0
	m.dbTimes = nil
	m.security = make(map[string]uint64)
	m.activeUsers = make(map[string]struct{})
	m.lastReset = time.Now()
}

// StartDailyReset clears the counters at every local midnight until
// Close is called.
func (m *Monitor) StartDailyReset() {
	go func() {
		for {
			now := time.Now()
			next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
			timer := time.NewTimer(time.Until(next))
			select {
			case <-m.closeChan:
				timer.Stop()
				m.logger.Info("daily metrics reset exited..")
				return
			case <-timer.C:
				m.Reset()
				m.logger.Info("daily metrics reset complete")
			}
		}
	}()
}

func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.closeChan)
	})
}

func appendBounded(window []float64, value float64) []float64 {
	window = append(window, value)
	if len(window) > rollingWindowCap {
		window = window[len(window)-rollingWindowCap:]
	}
	return window
}

func average(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
