package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTracingIsNoop(t *testing.T) {
	ts, err := NewTracingService(context.Background(), nil)
	require.NoError(t, err)

	ctx, span := ts.StartSpan(context.Background(), "reconcile")
	span.End()
	assert.Empty(t, GetTraceID(ctx))

	client := &http.Client{}
	assert.Same(t, client, ts.InstrumentHTTPClient(client))
	assert.Nil(t, client.Transport)
	assert.NoError(t, ts.Shutdown(context.Background()))
}

func TestEnabledTracingProducesTraceIDs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = "127.0.0.1:1"

	ts, err := NewTracingService(context.Background(), cfg)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ts.Shutdown(ctx)
	}()

	ctx, span := ts.StartSpan(context.Background(), "reconcile")
	defer span.End()
	assert.Len(t, GetTraceID(ctx), 32)
}

func TestTracingMiddlewareTracesRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = "127.0.0.1:1"

	ts, err := NewTracingService(context.Background(), cfg)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ts.Shutdown(ctx)
	}()

	var traceID string
	router := gin.New()
	router.Use(ts.TracingMiddleware())
	router.GET("/healthz", func(c *gin.Context) {
		traceID = GetTraceID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, traceID)
}

func TestInstrumentHTTPClientPropagates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = "127.0.0.1:1"

	ts, err := NewTracingService(context.Background(), cfg)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ts.Shutdown(ctx)
	}()

	var traceparent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := ts.InstrumentHTTPClient(&http.Client{})
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.NotEmpty(t, traceparent)
}
