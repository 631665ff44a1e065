package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/gpuforge/broker/internal/adapter/httpserver"
	"github.com/gpuforge/broker/internal/config"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, ParseOrigins(" https://a.example , https://b.example "))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , "))
}

func TestRouterHealthAndReadiness(t *testing.T) {
	cfg := config.Config{RateLimitPerMin: 100, CORSAllowOrigins: "*"}
	srv := httpserver.NewServer(cfg, nil, nil, func(context.Context) error { return nil })
	h := BuildRouter(cfg, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":true`)
}

func TestRouterReadinessFailsWhenStoreDown(t *testing.T) {
	cfg := config.Config{RateLimitPerMin: 100}
	srv := httpserver.NewServer(cfg, nil, nil, func(context.Context) error { return fmt.Errorf("dial tcp: refused") })
	h := BuildRouter(cfg, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":false`)
}

func TestRouterServesMetrics(t *testing.T) {
	cfg := config.Config{RateLimitPerMin: 100}
	srv := httpserver.NewServer(cfg, nil, nil, nil)
	h := BuildRouter(cfg, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterAttachesRequestID(t *testing.T) {
	cfg := config.Config{RateLimitPerMin: 100}
	srv := httpserver.NewServer(cfg, nil, nil, nil)
	h := BuildRouter(cfg, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
