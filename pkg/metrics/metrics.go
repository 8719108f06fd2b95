package metrics

import (
	"sync"

	"github.com/DataDog/datadog-go/v5/statsd"
	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	client statsd.ClientInterface = &statsd.NoOpClient{}
)

// Setup wires the package helpers to a dogstatsd endpoint. Emission stays
// a no-op until this is called, so callers never need to nil-check.
func Setup(addr string, namespace string, logger *zap.Logger) error {
	c, err := statsd.New(addr, statsd.WithNamespace(namespace))
	if err != nil {
		logger.Warn("statsd client unavailable, metrics emission disabled", zap.Error(err))
		return err
	}
	mu.Lock()
	client = c
	mu.Unlock()
	logger.Info("statsd metrics emission enabled", zap.String("addr", addr))
	return nil
}

func Gauge(name string, value float64, tags ...string) {
	mu.RLock()
	defer mu.RUnlock()
	_ = client.Gauge(name, value, tags, 1)
}

func Count(name string, value int64, tags ...string) {
	mu.RLock()
	defer mu.RUnlock()
	_ = client.Count(name, value, tags, 1)
}

func Histogram(name string, value float64, tags ...string) {
	mu.RLock()
	defer mu.RUnlock()
	_ = client.Histogram(name, value, tags, 1)
}
