package router_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flextasker/pg-router/pkg/pool"
	"github.com/flextasker/pg-router/pkg/router"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePool struct {
	host    string
	pingErr error
	stats   pool.Stats
}

func (f *fakePool) Close() {}

func (f *fakePool) Ping(_ context.Context) error { return f.pingErr }

func (f *fakePool) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row { return nil }

func (f *fakePool) Begin(_ context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePool) Host() string { return f.host }

func (f *fakePool) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakePool) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, nil
}

func (f *fakePool) Stat() *pool.Stats {
	s := f.stats
	return &s
}

func testOptions() router.Options {
	return router.Options{RetryDelay: time.Millisecond, ProbeTimeout: time.Second}
}

func TestReadClientFallsBackToWriteBeforeInitialize(t *testing.T) {
	write := &fakePool{host: "primary"}
	reads := []pool.ConnPool{&fakePool{host: "replica-0"}, &fakePool{host: "replica-1"}}
	r := router.New(write, reads, zap.NewNop(), testOptions())

	for i := 0; i < 3; i++ {
		require.Same(t, write, r.ReadClient())
	}
	require.Same(t, write, r.WriteClient())
}

func TestReadClientRoundRobin(t *testing.T) {
	write := &fakePool{host: "primary"}
	replica0 := &fakePool{host: "replica-0"}
	replica1 := &fakePool{host: "replica-1"}
	r := router.New(write, []pool.ConnPool{replica0, replica1}, zap.NewNop(), testOptions())
	require.NoError(t, r.Initialize(context.Background()))

	got := make([]pool.ConnPool, 0, 5)
	for i := 0; i < 5; i++ {
		got = append(got, r.ReadClient())
	}
	require.Equal(t, []pool.ConnPool{replica0, replica1, replica0, replica1, replica0}, got)
}

func TestReadClientRoundRobinCoversEveryReplica(t *testing.T) {
	write := &fakePool{host: "primary"}
	reads := []pool.ConnPool{
		&fakePool{host: "replica-0"},
		&fakePool{host: "replica-1"},
		&fakePool{host: "replica-2"},
	}
	r := router.New(write, reads, zap.NewNop(), testOptions())
	require.NoError(t, r.Initialize(context.Background()))

	for cycle := 0; cycle < 2; cycle++ {
		for i := range reads {
			require.Same(t, reads[i], r.ReadClient())
		}
	}
}

func TestReadClientConcurrentStaysInBounds(t *testing.T) {
	write := &fakePool{host: "primary"}
	reads := []pool.ConnPool{&fakePool{host: "replica-0"}, &fakePool{host: "replica-1"}}
	r := router.New(write, reads, zap.NewNop(), testOptions())
	require.NoError(t, r.Initialize(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				conn := r.ReadClient()
				if conn != reads[0] && conn != reads[1] {
					t.Error("read client outside configured replicas")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestInitializeIsIdempotent(t *testing.T) {
	write := &fakePool{host: "primary"}
	r := router.New(write, nil, zap.NewNop(), testOptions())
	require.NoError(t, r.Initialize(context.Background()))
	require.NoError(t, r.Initialize(context.Background()))
}

func TestInitializeFailureKeepsFallback(t *testing.T) {
	write := &fakePool{host: "primary"}
	bad := &fakePool{host: "replica-0", pingErr: errors.New("connection refused")}
	r := router.New(write, []pool.ConnPool{bad}, zap.NewNop(), testOptions())

	err := r.Initialize(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "replica-0")
	require.Same(t, write, r.ReadClient())
}

func TestExecuteQueryRetryExhaustion(t *testing.T) {
	write := &fakePool{host: "primary"}
	r := router.New(write, nil, zap.NewNop(), testOptions())

	queryErr := errors.New("deadlock detected")
	calls := 0
	_, err := r.ExecuteQuery(context.Background(), router.KindWrite, 3,
		func(_ context.Context, _ pool.ConnPool) (any, error) {
			calls++
			return nil, queryErr
		})

	require.ErrorIs(t, err, queryErr)
	require.Equal(t, 4, calls)

	stats := r.Stats()
	require.Equal(t, uint64(1), stats.Queries.Total)
	require.Equal(t, uint64(1), stats.Queries.Failed)
}

func TestExecuteQueryRetriesThenSucceeds(t *testing.T) {
	write := &fakePool{host: "primary"}
	r := router.New(write, nil, zap.NewNop(), testOptions())

	calls := 0
	result, err := r.ExecuteQuery(context.Background(), router.KindRead, 3,
		func(_ context.Context, _ pool.ConnPool) (any, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("transient")
			}
			return []map[string]int{{"result": 1}}, nil
		})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []map[string]int{{"result": 1}}, result)

	stats := r.Stats()
	require.Equal(t, uint64(1), stats.Queries.Total)
	require.Equal(t, uint64(1), stats.Queries.Successful)
	require.Equal(t, uint64(0), stats.Queries.Failed)
}

func TestExecuteQueryRoutesByKind(t *testing.T) {
	write := &fakePool{host: "primary"}
	replica := &fakePool{host: "replica-0"}
	r := router.New(write, []pool.ConnPool{replica}, zap.NewNop(), testOptions())
	require.NoError(t, r.Initialize(context.Background()))

	_, err := r.ExecuteQuery(context.Background(), router.KindRead, 0,
		func(_ context.Context, conn pool.ConnPool) (any, error) {
			require.Same(t, replica, conn)
			return nil, nil
		})
	require.NoError(t, err)

	_, err = r.ExecuteQuery(context.Background(), router.KindWrite, 0,
		func(_ context.Context, conn pool.ConnPool) (any, error) {
			require.Same(t, write, conn)
			return nil, nil
		})
	require.NoError(t, err)
}

func TestHealthCheckReportsPerReplica(t *testing.T) {
	write := &fakePool{host: "primary"}
	healthy := &fakePool{host: "replica-0"}
	broken := &fakePool{host: "replica-1", pingErr: errors.New("connection refused")}
	r := router.New(write, []pool.ConnPool{healthy, broken}, zap.NewNop(), testOptions())

	health := r.HealthCheck(context.Background())
	require.True(t, health.Write.Healthy)
	require.Len(t, health.Read, 2)
	require.True(t, health.Read[0].Healthy)
	require.False(t, health.Read[1].Healthy)
	require.Equal(t, "connection refused", health.Read[1].Error)
	require.True(t, health.Overall.Healthy)
	require.InDelta(t, 2.0/3.0, health.Overall.Score, 0.001)
}

func TestHealthCheckUnhealthyWhenAllReadsDown(t *testing.T) {
	write := &fakePool{host: "primary"}
	down0 := &fakePool{host: "replica-0", pingErr: errors.New("down")}
	down1 := &fakePool{host: "replica-1", pingErr: errors.New("down")}
	r := router.New(write, []pool.ConnPool{down0, down1}, zap.NewNop(), testOptions())

	health := r.HealthCheck(context.Background())
	require.True(t, health.Write.Healthy)
	require.False(t, health.Overall.Healthy)
}

func TestHealthCheckUnhealthyWrite(t *testing.T) {
	write := &fakePool{host: "primary", pingErr: errors.New("down")}
	replica := &fakePool{host: "replica-0"}
	r := router.New(write, []pool.ConnPool{replica}, zap.NewNop(), testOptions())

	health := r.HealthCheck(context.Background())
	require.False(t, health.Write.Healthy)
	require.False(t, health.Overall.Healthy)
}

func TestStatsSplitsWriteAndRead(t *testing.T) {
	write := &fakePool{host: "primary", stats: pool.Stats{AcquiredConns: 2, IdleConns: 3, TotalConns: 5, MaxConns: 10}}
	read0 := &fakePool{host: "replica-0", stats: pool.Stats{AcquiredConns: 1, IdleConns: 1, TotalConns: 2, MaxConns: 10}}
	read1 := &fakePool{host: "replica-1", stats: pool.Stats{AcquiredConns: 1, IdleConns: 2, TotalConns: 3, MaxConns: 10}}
	r := router.New(write, []pool.ConnPool{read0, read1}, zap.NewNop(), testOptions())

	stats := r.Stats()
	require.Equal(t, int32(2), stats.Write.Active)
	require.Equal(t, int32(5), stats.Write.Total)
	require.Equal(t, int32(2), stats.Read.Active)
	require.Equal(t, int32(5), stats.Read.Total)
	require.Equal(t, 2, stats.ReadReplicas)
}
