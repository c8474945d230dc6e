package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/quizcache/internal/config"
)

func upstream(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/quizzes/meta/BlackSwan", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"dates": []string{"2025-03-01", "2025-03-05"}})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestAppServesThroughCaches(t *testing.T) {
	for _, mem := range []string{"ristretto", "bigcache"} {
		t.Run(mem, func(t *testing.T) {
			var calls atomic.Int32
			ts := upstream(t, &calls)

			cfg := config.Default()
			cfg.Server.Source = "api"
			cfg.URLs.API = ts.URL
			cfg.Cache.Memory = mem
			require.NoError(t, cfg.Validate())

			a, err := newApp(context.Background(), cfg, zap.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = a.close(context.Background()) })
			h := a.srv.Router()

			for i := 0; i < 3; i++ {
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/quiz/quizzes/meta/BlackSwan", nil))
				require.Equal(t, http.StatusOK, rec.Code)
				var body struct {
					Dates []string `json:"dates"`
				}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, []string{"2025-03-05", "2025-03-01"}, body.Dates)
			}
			assert.Equal(t, int32(1), calls.Load(), "later reads are served from cache")

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/quiz", nil))
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no JWT secret configured")

			rec = httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), "go_goroutines")
		})
	}
}

func TestCleanupSweepsPersistedTier(t *testing.T) {
	var calls atomic.Int32
	ts := upstream(t, &calls)

	cfg := config.Default()
	cfg.Server.Source = "api"
	cfg.URLs.API = ts.URL
	cfg.Cache.SQLitePath = t.TempDir() + "/cache.db"

	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.close(context.Background())

	n, err := a.svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "debug"
	l, err := newLogger(cfg)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	cfg.Environment = config.Production
	cfg.LogLevel = "warn"
	l, err = newLogger(cfg)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
}
