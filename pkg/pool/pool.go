package pool

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ConnPool is the opaque connection handle the router hands out. It is
// deliberately narrower than pgxpool.Pool so test doubles can satisfy it.
type ConnPool interface {
	Close()
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Stat() *Stats
	Host() string
}

// Stats mirrors the pgxpool.Stat counters as a plain value so callers
// outside this package never touch pgx types directly.
type Stats struct {
	AcquireCount      int64
	AcquireDuration   time.Duration
	AcquiredConns     int32
	ConstructingConns int32
	IdleConns         int32
	MaxConns          int32
	TotalConns        int32
}

type (
	MetricsTag struct {
		Key   string
		Value string
	}
	// MetricsEmitterFunction receives the pool stats on every stats tick.
	MetricsEmitterFunction func(stats *Stats, tags []MetricsTag)
)

// Pool wraps a pgxpool.Pool with logging and periodic stats emission.
type Pool struct {
	inner           *pgxpool.Pool
	logger          *zap.Logger
	metricsEmitter  MetricsEmitterFunction
	statsEmitPeriod time.Duration
	closeChan       chan struct{}
	closeOnce       sync.Once
}

func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closeChan)
		p.inner.Close()
	})
}

func (p *Pool) Ping(ctx context.Context) error {
	return p.inner.Ping(ctx)
}

func (p *Pool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return p.inner.Exec(ctx, sql, arguments...)
}

func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.inner.Query(ctx, sql, args...)
}

func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.inner.QueryRow(ctx, sql, args...)
}

func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	return p.inner.Begin(ctx)
}

func (p *Pool) Stat() *Stats {
	s := p.inner.Stat()
	return &Stats{
		AcquireCount:      s.AcquireCount(),
		AcquireDuration:   s.AcquireDuration(),
		AcquiredConns:     s.AcquiredConns(),
		ConstructingConns: s.ConstructingConns(),
		IdleConns:         s.IdleConns(),
		MaxConns:          s.MaxConns(),
		TotalConns:        s.TotalConns(),
	}
}

func (p *Pool) Host() string {
	return p.inner.Config().ConnConfig.Host
}

func (p *Pool) backgroundStatsEmit() {
	ticker := time.NewTicker(p.statsEmitPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.closeChan:
			p.logger.Info("backgroundStatsEmit exited..")
			return
		case <-ticker.C:
			stats := p.Stat()
			p.logger.Info("pool stats", zap.Int32("acquired", stats.AcquiredConns),
				zap.Int32("idle", stats.IdleConns),
				zap.Int32("max", stats.MaxConns))
			if p.metricsEmitter != nil {
				p.metricsEmitter(stats, []MetricsTag{{"pg_host", p.Host()}})
			}
		}
	}
}

// Open builds a pool from a connection string, applies the sizing from
// config, and verifies connectivity with a ping before returning.
func Open(ctx context.Context, dsn string, config *Config, logger *zap.Logger) (*Pool, error) {
	pgxConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if config.MaxConns > 0 {
		pgxConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		pgxConfig.MinConns = config.MinConns
	}
	// The router runs its own health probes, so the builtin check stays infrequent.
	pgxConfig.HealthCheckPeriod = time.Minute * 5

	inner, err := pgxpool.NewWithConfig(ctx, pgxConfig)
	if err != nil {
		return nil, err
	}
	if err = inner.Ping(ctx); err != nil {
		inner.Close()
		return nil, err
	}

	statsEmitPeriod := config.StatsEmitPeriod
	if statsEmitPeriod == 0 {
		statsEmitPeriod = defaultStatsEmitPeriod
	}

	p := &Pool{
		inner:           inner,
		logger:          logger,
		metricsEmitter:  config.MetricsEmitter,
		statsEmitPeriod: statsEmitPeriod,
		closeChan:       make(chan struct{}),
	}
	if p.metricsEmitter != nil {
		go p.backgroundStatsEmit()
	}
	return p, nil
}
