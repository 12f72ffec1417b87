package app_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/jobcore/internal/api/handler"
	"github.com/kiranshivaraju/jobcore/internal/app"
	"github.com/kiranshivaraju/jobcore/internal/cache"
	"github.com/kiranshivaraju/jobcore/internal/config"
	"github.com/kiranshivaraju/jobcore/internal/objectstore"
	"github.com/kiranshivaraju/jobcore/internal/queue"
	"github.com/kiranshivaraju/jobcore/internal/store"
	"github.com/kiranshivaraju/jobcore/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookToken = "whk-app"

func devConfig(t *testing.T) *config.Config {
	t.Helper()
	for k, v := range map[string]string{
		"JOBCORE_ENV":   "development",
		"DATABASE_URL":  "sqlite::memory:",
		"AI_PROVIDER":   "mock",
		"WEBHOOK_TOKEN": webhookToken,
		"REDIS_URL":     "",
		"AMQP_URL":      "",
		"S3_ENDPOINT":   "",
	} {
		t.Setenv(k, v)
	}
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func open(t *testing.T, cfg *config.Config) *app.Backends {
	t.Helper()
	b, err := app.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestOpen_DevelopmentUsesInProcessBackends(t *testing.T) {
	b := open(t, devConfig(t))

	assert.IsType(t, &store.GormStore{}, b.Store)
	assert.IsType(t, &cache.MemoryCache{}, b.Cache)
	assert.IsType(t, &queue.MemoryQueue{}, b.Queue)
	assert.IsType(t, &objectstore.MemoryStore{}, b.Blobs)
	assert.True(t, b.Local())
}

func TestOpen_UnreachableDatabase(t *testing.T) {
	cfg := devConfig(t)
	cfg.Database.URL = "postgres://jobcore@127.0.0.1:1/jobcore?connect_timeout=1"

	_, err := app.Open(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

func TestNewWorker_UnknownProvider(t *testing.T) {
	cfg := devConfig(t)
	b := open(t, cfg)
	cfg.AI.Provider = "nope"

	_, err := app.NewWorker(cfg, b)
	assert.Error(t, err)
}

func TestNewRouter_Health(t *testing.T) {
	cfg := devConfig(t)
	b := open(t, cfg)
	router := app.NewRouter(cfg, b, app.NewSweeper(cfg, b))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"object_store":"ok"`)
	assert.Contains(t, w.Body.String(), `"queue":"ok"`)
}

func TestRunBackground_AppliesWebhookEvent(t *testing.T) {
	cfg := devConfig(t)
	b := open(t, cfg)
	sweeper := app.NewSweeper(cfg, b)
	router := app.NewRouter(cfg, b, sweeper)
	worker, err := app.NewWorker(cfg, b)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunBackground(ctx, cfg, b, worker, sweeper) }()

	body := `{"event_id":"evt-app","event":"payment.succeeded","object":{"id":"pay-app","status":"succeeded","amount":{"value":"99.00","currency":"RUB"}}}`
	req := httptest.NewRequest("POST", "/api/v1/webhooks/payments", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(handler.WebhookTokenHeader, webhookToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Eventually(t, func() bool {
		pay, err := b.Store.GetPayment(context.Background(), "pay-app")
		return err == nil && pay.Status == models.PaymentStatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("background loop did not stop")
	}
}
