package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/config"
	llmopts "github.com/rhao5556-beep/peiban-sub000/pkg/options/llm"
	redisopts "github.com/rhao5556-beep/peiban-sub000/pkg/options/redis"
)

func TestNewRedisClient(t *testing.T) {
	opts := &config.Options{
		Redis: &redisopts.Options{
			Host:         "127.0.0.1",
			Port:         6380,
			Password:     "secret",
			Database:     3,
			MaxRetries:   2,
			PoolSize:     10,
			MinIdleConns: 1,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
			PoolTimeout:  3 * time.Second,
		},
	}

	client := newRedisClient(opts)
	defer client.Close()

	o := client.Options()
	assert.Equal(t, "127.0.0.1:6380", o.Addr)
	assert.Equal(t, "secret", o.Password)
	assert.Equal(t, 3, o.DB)
	assert.Equal(t, 2, o.MaxRetries)
	assert.Equal(t, 10, o.PoolSize)
}

func TestProviderConfig(t *testing.T) {
	o := &llmopts.ProviderOptions{
		BaseURL:    "http://localhost:11434",
		APIKey:     "key-123",
		Model:      "deepseek-r1:7b",
		Timeout:    45 * time.Second,
		MaxRetries: 4,
	}

	cfg := providerConfig(o, 1024)

	assert.Equal(t, "http://localhost:11434", cfg.BaseURL)
	assert.Equal(t, "key-123", cfg.APIKey)
	assert.Equal(t, "deepseek-r1:7b", cfg.ChatModel)
	assert.Equal(t, "deepseek-r1:7b", cfg.EmbeddingModel)
	assert.Equal(t, 1024, cfg.Dimension)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, 4, cfg.MaxRetries)
}

func TestNewEngine_HealthAndMetricsRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	pingCalls := 0
	engine := newEngine(func() error {
		pingCalls++
		return nil
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, pingCalls)

	req = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewEngine_ReadinessFailsWhenPingFails(t *testing.T) {
	gin.SetMode(gin.TestMode)

	engine := newEngine(func() error {
		return assert.AnError
	})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

