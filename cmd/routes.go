package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/flextasker/pg-router/pkg/httpcache"
	"github.com/flextasker/pg-router/pkg/pool"
	"github.com/flextasker/pg-router/pkg/router"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"
)

func (ac *appContext) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(ac.requestMetrics)

	r.HandleFunc("/health", ac.getHealth).Methods("GET")
	r.HandleFunc("/dbstats", ac.getDBStats).Methods("GET")
	r.HandleFunc("/dbhealth", ac.getDBHealth).Methods("GET")
	r.HandleFunc("/metrics/current", ac.getCurrentMetrics).Methods("GET")
	r.HandleFunc("/metrics/history", ac.getMetricsHistory).Methods("GET")
	r.HandleFunc("/metrics/performance", ac.getPerformanceStats).Methods("GET")
	r.HandleFunc("/metrics/poolhealth", ac.getPoolHealth).Methods("GET")
	r.HandleFunc("/metrics/pgbouncer", ac.getPgBouncerConfig).Methods("GET")
	r.HandleFunc("/metrics/cache", ac.getCacheStats).Methods("GET")
	r.HandleFunc("/perf", ac.getPerfMetrics).Methods("GET")
	r.HandleFunc("/perf/alerts", ac.getPerfAlerts).Methods("GET")
	r.HandleFunc("/perf/reset", ac.resetMetrics).Methods("POST")

	tasks := r.PathPrefix("/tasks").Subrouter()
	tasks.Use(httpcache.Middleware(ac.Cache, ac.Perf, ac.Logger, httpcache.Config{TTL: ac.cacheTTL}))
	tasks.Use(httpcache.Invalidate(ac.Cache, ac.Logger, taskInvalidationPatterns))
	tasks.HandleFunc("", ac.listTasks).Methods("GET")
	tasks.HandleFunc("", ac.createTask).Methods("POST")
	tasks.HandleFunc("/{id}", ac.getTask).Methods("GET")
	return r
}

func taskInvalidationPatterns(r *http.Request) []string {
	if r.Method == http.MethodGet {
		return nil
	}
	return []string{"response:*"}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (ac *appContext) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		ac.Perf.RecordAPIRequest(elapsedMS(start), sw.status, r.Header.Get("X-User-ID"))
	})
}

func (ac *appContext) getHealth(w http.ResponseWriter, _ *http.Request) {
	err := ac.writeJSON(w, http.StatusOK, envelope{"status": "ok"}, nil)
	if err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getDBStats(w http.ResponseWriter, _ *http.Request) {
	if err := ac.writeJSON(w, http.StatusOK, envelope{"stats": ac.Router.Stats()}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getDBHealth(w http.ResponseWriter, r *http.Request) {
	health := ac.Router.HealthCheck(r.Context())
	status := http.StatusOK
	if !health.Overall.Healthy {
		status = http.StatusServiceUnavailable
	}
	if err := ac.writeJSON(w, status, envelope{"health": health}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getCurrentMetrics(w http.ResponseWriter, _ *http.Request) {
	current := ac.Monitor.CurrentMetrics()
	if current == nil {
		ac.errorResponse(w, http.StatusNotFound, "no metrics collected yet")
		return
	}
	if err := ac.writeJSON(w, http.StatusOK, envelope{"metrics": current}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getMetricsHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			ac.errorResponse(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}
	history := ac.Monitor.MetricsHistory(limit)
	if err := ac.writeJSON(w, http.StatusOK, envelope{"history": history}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getPerformanceStats(w http.ResponseWriter, _ *http.Request) {
	if err := ac.writeJSON(w, http.StatusOK, envelope{"performance": ac.Monitor.PerformanceStats()}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getPoolHealth(w http.ResponseWriter, _ *http.Request) {
	if err := ac.writeJSON(w, http.StatusOK, envelope{"poolHealth": ac.Monitor.CheckPoolHealth()}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getPgBouncerConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(ac.Monitor.RenderPgBouncerConfig())); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getCacheStats(w http.ResponseWriter, r *http.Request) {
	if err := ac.writeJSON(w, http.StatusOK, envelope{"cache": ac.Cache.Stats(r.Context())}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getPerfMetrics(w http.ResponseWriter, _ *http.Request) {
	if err := ac.writeJSON(w, http.StatusOK, envelope{"metrics": ac.Perf.Metrics()}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getPerfAlerts(w http.ResponseWriter, _ *http.Request) {
	if err := ac.writeJSON(w, http.StatusOK, envelope{"alerts": ac.Perf.CheckAlerts()}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) resetMetrics(w http.ResponseWriter, _ *http.Request) {
	ac.Perf.Reset()
	ac.Monitor.ResetBuffers()
	if err := ac.writeJSON(w, http.StatusOK, envelope{"status": "metrics reset"}, nil); err != nil {
		ac.logError(err)
	}
}

type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Status      string    `json:"status"`
	Budget      float64   `json:"budget"`
	Created     time.Time `json:"created"`
	LastUpdated time.Time `json:"lastUpdated"`
}

var listTasksQuery = `SELECT id, title, status, budget, created_at, updated_at FROM tasks
     ORDER BY created_at DESC LIMIT 50`

var getTaskQuery = `SELECT id, title, status, budget, created_at, updated_at FROM tasks WHERE id = $1`

var insertTaskQuery = `INSERT INTO tasks (title, budget) VALUES ($1, $2) RETURNING id`

func (ac *appContext) listTasks(w http.ResponseWriter, r *http.Request) {
	result, err := ac.timedQuery(r.Context(), router.KindRead, func(ctx context.Context, conn pool.ConnPool) (any, error) {
		rows, err := conn.Query(ctx, listTasksQuery)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		tasks := []Task{}
		for rows.Next() {
			var t Task
			if err := rows.Scan(&t.ID, &t.Title, &t.Status, &t.Budget, &t.Created, &t.LastUpdated); err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
		return tasks, rows.Err()
	})
	if err != nil {
		ac.logError(err)
		ac.errorResponse(w, http.StatusInternalServerError, "Failed to Query PG")
		return
	}
	if err := ac.writeJSON(w, http.StatusOK, envelope{"tasks": result}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	result, err := ac.timedQuery(r.Context(), router.KindRead, func(ctx context.Context, conn pool.ConnPool) (any, error) {
		var t Task
		err := conn.QueryRow(ctx, getTaskQuery, id).Scan(&t.ID, &t.Title, &t.Status, &t.Budget, &t.Created, &t.LastUpdated)
		if err != nil {
			return nil, err
		}
		return &t, nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			ac.errorResponse(w, http.StatusNotFound, "task not found")
			return
		}
		ac.logError(err)
		ac.errorResponse(w, http.StatusInternalServerError, "Failed to Query PG")
		return
	}
	if err := ac.writeJSON(w, http.StatusOK, envelope{"task": result}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) createTask(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Title  string  `json:"title"`
		Budget float64 `json:"budget"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil || input.Title == "" {
		ac.errorResponse(w, http.StatusBadRequest, "title is required")
		return
	}
	result, err := ac.timedQuery(r.Context(), router.KindWrite, func(ctx context.Context, conn pool.ConnPool) (any, error) {
		var id string
		if err := conn.QueryRow(ctx, insertTaskQuery, input.Title, input.Budget).Scan(&id); err != nil {
			return nil, err
		}
		return id, nil
	})
	if err != nil {
		ac.logError(err)
		ac.errorResponse(w, http.StatusInternalServerError, "Failed to Query PG")
		return
	}
	if err := ac.writeJSON(w, http.StatusCreated, envelope{"id": result}, nil); err != nil {
		ac.logError(err)
	}
}

// timedQuery routes through the connection router and feeds the duration
// to both monitors.
func (ac *appContext) timedQuery(ctx context.Context, kind router.QueryKind, fn router.QueryFunc) (any, error) {
	start := time.Now()
	result, err := ac.Router.ExecuteQuery(ctx, kind, -1, fn)
	elapsed := elapsedMS(start)
	ac.Monitor.RecordQueryTime(elapsed)
	ac.Perf.RecordDatabaseQuery(elapsed, elapsed > 1000)
	return result, err
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
