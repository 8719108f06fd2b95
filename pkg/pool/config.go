package pool

import "time"

var defaultStatsEmitPeriod = time.Second * 60

type Config struct {
	MaxConns        int32
	MinConns        int32
	StatsEmitPeriod time.Duration
	MetricsEmitter  MetricsEmitterFunction
}
