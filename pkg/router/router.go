package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flextasker/pg-router/pkg/pool"
	"go.uber.org/zap"
)

// QueryKind routes a logical query to the write pool or a read replica.
type QueryKind string

const (
	KindRead  QueryKind = "read"
	KindWrite QueryKind = "write"
)

// QueryFunc runs against the handle the router selected for the call.
type QueryFunc func(ctx context.Context, conn pool.ConnPool) (any, error)

type Options struct {
	MaxRetries   int
	RetryDelay   time.Duration
	QueryTimeout time.Duration
	ProbeTimeout time.Duration
}

const (
	defaultMaxRetries   = 3
	defaultRetryDelay   = time.Millisecond * 100
	defaultProbeTimeout = time.Second * 5
)

// Router owns the single write pool and the read-replica rotation. One
// instance lives for the process; handlers receive it from the
// composition root rather than a package global.
type Router struct {
	write  pool.ConnPool
	reads  []pool.ConnPool
	logger *zap.Logger
	opts   Options

	rrIndex atomic.Uint64
	ready   atomic.Bool

	queriesTotal   atomic.Uint64
	queriesSuccess atomic.Uint64
	queriesFailed  atomic.Uint64
}

func New(write pool.ConnPool, reads []pool.ConnPool, logger *zap.Logger, opts Options) *Router {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	return &Router{
		write:  write,
		reads:  reads,
		logger: logger,
		opts:   opts,
	}
}

// Initialize verifies every configured connection before marking the
// router ready. Idempotent: a ready router returns immediately. On any
// probe failure the router stays unready and ReadClient keeps falling
// back to the write pool.
func (r *Router) Initialize(ctx context.Context) error {
	if r.ready.Load() {
		return nil
	}
	if err := r.ping(ctx, r.write); err != nil {
		return fmt.Errorf("write connection: %w", err)
	}
	for i, read := range r.reads {
		if err := r.ping(ctx, read); err != nil {
			return fmt.Errorf("read replica %d (%s): %w", i, read.Host(), err)
		}
	}
	r.ready.Store(true)
	r.logger.Info("database router initialized",
		zap.String("write_host", r.write.Host()),
		zap.Int("read_replicas", len(r.reads)))
	return nil
}

func (r *Router) ping(ctx context.Context, conn pool.ConnPool) error {
	probeCtx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
	defer cancel()
	return conn.Ping(probeCtx)
}

// WriteClient is always available, even before Initialize succeeds.
func (r *Router) WriteClient() pool.ConnPool {
	return r.write
}

// ReadClient returns the next replica in round-robin order. Before a
// successful Initialize, or with no replicas configured, it returns the
// write pool. Unhealthy replicas stay in the rotation; the health check
// reports them but nothing quarantines them.
func (r *Router) ReadClient() pool.ConnPool {
	if !r.ready.Load() || len(r.reads) == 0 {
		return r.write
	}
	n := r.rrIndex.Add(1)
	return r.reads[(n-1)%uint64(len(r.reads))]
}

func (r *Router) clientFor(kind QueryKind) pool.ConnPool {
	if kind == KindRead {
		return r.ReadClient()
	}
	return r.write
}

// ExecuteQuery runs fn against a handle selected by kind, retrying with
// a constant backoff. maxRetries < 0 takes the router default; fn runs
// at most maxRetries+1 times and the last error is returned unchanged.
// All retry state is local to the call.
func (r *Router) ExecuteQuery(ctx context.Context, kind QueryKind, maxRetries int, fn QueryFunc) (any, error) {
	if maxRetries < 0 {
		maxRetries = r.opts.MaxRetries
	}
	conn := r.clientFor(kind)

	r.queriesTotal.Add(1)
	var result any
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx := ctx
		if r.opts.QueryTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, r.opts.QueryTimeout)
			defer cancel()
		}
		res, err := fn(attemptCtx, conn)
		if err != nil {
			r.logger.Warn("query attempt failed",
				zap.String("kind", string(kind)),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		result = res
		return nil
	}

	cb := backoff.WithMaxRetries(backoff.NewConstantBackOff(r.opts.RetryDelay), uint64(maxRetries))
	if err := backoff.Retry(op, backoff.WithContext(cb, ctx)); err != nil {
		r.queriesFailed.Add(1)
		return nil, err
	}
	r.queriesSuccess.Add(1)
	return result, nil
}

// Probe is the health-check result for a single connection handle.
type Probe struct {
	Host      string  `json:"host,omitempty"`
	Healthy   bool    `json:"healthy"`
	LatencyMS float64 `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

type Overall struct {
	Healthy bool    `json:"healthy"`
	Score   float64 `json:"score"`
}

type Health struct {
	Write   Probe   `json:"write"`
	Read    []Probe `json:"read"`
	Overall Overall `json:"overall"`
}

// HealthCheck probes the write pool and every read replica concurrently.
// Overall health requires a healthy write pool and, when replicas are
// configured, at least one healthy replica.
func (r *Router) HealthCheck(ctx context.Context) *Health {
	health := &Health{Read: make([]Probe, len(r.reads))}

	var wg sync.WaitGroup
	wg.Add(1 + len(r.reads))
	go func() {
		defer wg.Done()
		health.Write = r.probe(ctx, r.write)
	}()
	for i, read := range r.reads {
		go func(i int, conn pool.ConnPool) {
			defer wg.Done()
			health.Read[i] = r.probe(ctx, conn)
		}(i, read)
	}
	wg.Wait()

	healthyCount := 0
	if health.Write.Healthy {
		healthyCount++
	}
	anyReadHealthy := len(r.reads) == 0
	for _, p := range health.Read {
		if p.Healthy {
			healthyCount++
			anyReadHealthy = true
		}
	}
	health.Overall.Healthy = health.Write.Healthy && anyReadHealthy
	health.Overall.Score = float64(healthyCount) / float64(1+len(r.reads))
	return health
}

func (r *Router) probe(ctx context.Context, conn pool.ConnPool) Probe {
	start := time.Now()
	err := r.ping(ctx, conn)
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	p := Probe{Host: conn.Host(), Healthy: err == nil, LatencyMS: latency}
	if err != nil {
		p.Error = err.Error()
	}
	return p
}
