package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/flextasker/pg-router/pkg/cache"
	"github.com/flextasker/pg-router/pkg/metrics"
	"github.com/flextasker/pg-router/pkg/model"
	"github.com/flextasker/pg-router/pkg/monitor"
	"github.com/flextasker/pg-router/pkg/perf"
	"github.com/flextasker/pg-router/pkg/pool"
	"github.com/flextasker/pg-router/pkg/router"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

type appContext struct {
	Router   *router.Router
	Cache    *cache.Store
	Monitor  *monitor.Monitor
	Perf     *perf.Monitor
	Logger   *zap.Logger
	cacheTTL time.Duration
}

func main() {
	cfg, err := model.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := SetupLogging(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if cfg.StatsdAddr != "" {
		_ = metrics.Setup(cfg.StatsdAddr, "flextasker.", logger)
	}

	ctx := context.Background()
	poolCfg := &pool.Config{
		MaxConns:       cfg.PoolMaxConns,
		MinConns:       cfg.PoolMinConns,
		MetricsEmitter: emitPoolStats,
	}

	writePool, err := pool.Open(ctx, cfg.WriteURL, poolCfg, logger)
	if err != nil {
		logger.Fatal("write db connection failed", zap.Error(err))
	}
	defer writePool.Close()
	logger.Info("established write db connection", zap.String("host", writePool.Host()))

	readPools := make([]pool.ConnPool, 0, len(cfg.ReadURLs))
	for i, readURL := range cfg.ReadURLs {
		readPool, err := pool.Open(ctx, readURL, poolCfg, logger)
		if err != nil {
			logger.Fatal("read db connection failed", zap.Int("replica", i), zap.Error(err))
		}
		defer readPool.Close()
		logger.Info("established read db connection", zap.String("host", readPool.Host()))
		readPools = append(readPools, readPool)
	}

	dbRouter := router.New(writePool, readPools, logger, router.Options{
		MaxRetries:   cfg.RetryAttempts,
		RetryDelay:   cfg.RetryDelay,
		QueryTimeout: cfg.QueryTimeout,
	})
	if err := dbRouter.Initialize(ctx); err != nil {
		logger.Error("router initialization failed, reads fall back to the write pool", zap.Error(err))
	}

	store := cache.New(openRedis(ctx, cfg.RedisURL, logger), cfg.CacheMaxFallback, logger)

	poolMonitor := monitor.New(dbRouter, monitor.DatabaseURLs{Write: cfg.WriteURL, Reads: cfg.ReadURLs}, logger)
	poolMonitor.Start(cfg.MonitorInterval)
	defer poolMonitor.Stop()

	perfMonitor := perf.New(logger)
	perfMonitor.StartDailyReset()
	defer perfMonitor.Close()

	ac := &appContext{
		Router:   dbRouter,
		Cache:    store,
		Monitor:  poolMonitor,
		Perf:     perfMonitor,
		Logger:   logger,
		cacheTTL: cfg.CacheTTL,
	}
	ac.Logger.Info("application is running", zap.String("port", cfg.Port))
	if err := http.ListenAndServe("0.0.0.0:"+cfg.Port, ac.routes()); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

// openRedis returns nil when redis is unusable; the cache store then
// serves from its local fallback tier only.
func openRedis(ctx context.Context, redisURL string, logger *zap.Logger) cache.RedisClient {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid REDIS_URL, response cache degrades to local fallback", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, time.Second*2)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, cache operations will keep retrying it", zap.Error(err))
	}
	return client
}

func emitPoolStats(stats *pool.Stats, tags []pool.MetricsTag) {
	statsdTags := make([]string, 0, len(tags))
	for _, tag := range tags {
		statsdTags = append(statsdTags, tag.Key+":"+tag.Value)
	}
	metrics.Gauge("pg_pool_acquired_conns", float64(stats.AcquiredConns), statsdTags...)
	metrics.Gauge("pg_pool_idle_conns", float64(stats.IdleConns), statsdTags...)
	metrics.Gauge("pg_pool_total_conns", float64(stats.TotalConns), statsdTags...)
}
