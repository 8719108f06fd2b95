package httpcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/flextasker/pg-router/pkg/cache"
	"github.com/flextasker/pg-router/pkg/perf"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const keyPrefix = "response:"

// Config controls the read-through response cache.
type Config struct {
	// TTL defaults to 5 minutes.
	TTL time.Duration
	// KeyFunc defaults to DefaultKey.
	KeyFunc func(r *http.Request) string
	// ShouldCache defaults to GET + status 200.
	ShouldCache func(r *http.Request, status int) bool
	// VaryBy header names are added to the Vary response header.
	VaryBy []string
}

func (c *Config) applyDefaults() {
	if c.TTL == 0 {
		c.TTL = time.Second * 300
	}
	if c.KeyFunc == nil {
		c.KeyFunc = DefaultKey
	}
	if c.ShouldCache == nil {
		c.ShouldCache = func(r *http.Request, status int) bool {
			return r.Method == http.MethodGet && status == http.StatusOK
		}
	}
}

// DefaultKey hashes the canonical JSON of (method, path, query, user) so
// equal tuples collide and any differing element changes the key.
// url.Values marshals with sorted keys, which keeps the form canonical.
func DefaultKey(r *http.Request) string {
	tuple := struct {
		Method string              `json:"method"`
		Path   string              `json:"path"`
		Query  map[string][]string `json:"query"`
		User   string              `json:"user"`
	}{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		User:   r.Header.Get("X-User-ID"),
	}
	payload, err := json.Marshal(tuple)
	if err != nil {
		// only reachable if the tuple ever grows an unmarshalable field
		return keyPrefix + r.Method + ":" + r.URL.RequestURI()
	}
	return keyPrefix + strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// cachedResponse is the envelope stored in the cache so a hit can replay
// status and content type, not just the body bytes.
type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// Middleware wraps GET handlers with a read-through cache against store.
// Hits carry X-Cache: HIT and short-circuit the handler; misses record
// the downstream response and store it fire-and-forget. Every internal
// failure degrades to a miss; the request always completes. perfMon may
// be nil.
func Middleware(store *cache.Store, perfMon *perf.Monitor, logger *zap.Logger, cfg Config) mux.MiddlewareFunc {
	cfg.applyDefaults()
	maxAge := fmt.Sprintf("public, max-age=%d", int(cfg.TTL.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			key := cfg.KeyFunc(r)
			start := time.Now()

			if raw, ok := store.Get(r.Context(), key); ok {
				var cached cachedResponse
				err := json.Unmarshal(raw, &cached)
				if err == nil {
					w.Header().Set("X-Cache", "HIT")
					w.Header().Set("Cache-Control", maxAge)
					if cached.ContentType != "" {
						w.Header().Set("Content-Type", cached.ContentType)
					}
					w.WriteHeader(cached.Status)
					if _, err := w.Write(cached.Body); err != nil {
						logger.Warn("cached response write failed", zap.Error(err))
					}
					if perfMon != nil {
						perfMon.RecordCacheHit(elapsedMS(start))
					}
					return
				}
				logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
				store.Delete(r.Context(), key)
			}

			w.Header().Set("X-Cache", "MISS")
			w.Header().Set("Cache-Control", maxAge)
			for _, h := range cfg.VaryBy {
				w.Header().Add("Vary", h)
			}

			rec := newRecorder(w)
			next.ServeHTTP(rec, r)

			if perfMon != nil {
				perfMon.RecordCacheMiss(elapsedMS(start))
			}

			if !cfg.ShouldCache(r, rec.status) || len(rec.body) == 0 {
				return
			}
			entry := cachedResponse{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        append([]byte(nil), rec.body...),
			}
			// Fire and forget; the response path never waits on the store.
			go func() {
				raw, err := json.Marshal(entry)
				if err != nil {
					logger.Warn("response cache encode failed", zap.String("key", key), zap.Error(err))
					return
				}
				store.Set(context.Background(), key, raw, cfg.TTL)
			}()
		})
	}
}

// Invalidate deletes matching cache patterns after a successful mutating
// request. patternsFor derives the patterns from the request; returning
// nothing skips invalidation.
func Invalidate(store *cache.Store, logger *zap.Logger, patternsFor func(r *http.Request) []string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := newRecorder(w)
			next.ServeHTTP(rec, r)
			if rec.status < 200 || rec.status >= 300 {
				return
			}
			patterns := patternsFor(r)
			if len(patterns) == 0 {
				return
			}
			go func() {
				for _, pattern := range patterns {
					store.DeletePattern(context.Background(), pattern)
				}
				logger.Debug("cache invalidated", zap.Strings("patterns", patterns))
			}()
		})
	}
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
