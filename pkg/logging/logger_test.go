package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedLogger(t *testing.T, level string) (*Logger, *bytes.Buffer) {
	t.Helper()
	logger, err := NewLogger(&Config{
		Level:       level,
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	return logger, &buf
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))
	return logEntry
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "default config",
			config:  nil,
			wantErr: false,
		},
		{
			name: "valid json config",
			config: &Config{
				Level:       "debug",
				Format:      "json",
				Output:      "stdout",
				ServiceName: "test-service",
				Version:     "1.0.0",
			},
			wantErr: false,
		},
		{
			name: "valid text config",
			config: &Config{
				Level:       "info",
				Format:      "text",
				Output:      "stderr",
				ServiceName: "test-service",
				Version:     "1.0.0",
			},
			wantErr: false,
		},
		{
			name: "invalid log level",
			config: &Config{
				Level:  "invalid",
				Format: "json",
				Output: "stdout",
			},
			wantErr: true,
		},
		{
			name: "invalid format",
			config: &Config{
				Level:  "info",
				Format: "invalid",
				Output: "stdout",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithTenantID(ctx, "tenant-a")
	ctx = WithTaskID(ctx, "task-9")

	logger.WithContext(ctx).Info("test message")

	logEntry := decodeEntry(t, buf)
	assert.Equal(t, "test message", logEntry["message"])
	assert.Equal(t, "test-service", logEntry["service"])
	assert.Equal(t, "1.0.0", logEntry["version"])
	assert.Equal(t, "corr-1", logEntry["correlation_id"])
	assert.Equal(t, "tenant-a", logEntry["tenant_id"])
	assert.Equal(t, "task-9", logEntry["task_id"])
}

func TestLogger_LogSyncEvent(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.LogSyncEvent(context.Background(), "tenant-a", "reconcile_completed", logrus.Fields{
		"upserted": 3,
		"removed":  1,
	})

	logEntry := decodeEntry(t, buf)
	assert.Equal(t, "Sync event", logEntry["message"])
	assert.Equal(t, "reconcile_completed", logEntry["event"])
	assert.Equal(t, "tenant-a", logEntry["tenant_id"])
	assert.Equal(t, float64(3), logEntry["upserted"])
	assert.Equal(t, float64(1), logEntry["removed"])
}

func TestLogger_LogTaskEvent(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.LogTaskEvent(context.Background(), "task-1", "reconcile", "task_failed", logrus.Fields{
		"retry_count": 2,
	})

	logEntry := decodeEntry(t, buf)
	assert.Equal(t, "Task event", logEntry["message"])
	assert.Equal(t, "task_failed", logEntry["event"])
	assert.Equal(t, "task-1", logEntry["task_id"])
	assert.Equal(t, "reconcile", logEntry["task_type"])
	assert.Equal(t, float64(2), logEntry["retry_count"])
}

func TestLogger_LogError(t *testing.T) {
	logger, buf := newBufferedLogger(t, "debug")

	logger.LogError(context.Background(), errors.New("upsert refused"), "reconcile failed", logrus.Fields{
		"tenant_id": "tenant-a",
	})

	logEntry := decodeEntry(t, buf)
	assert.Equal(t, "reconcile failed", logEntry["message"])
	assert.Equal(t, "error", logEntry["level"])
	assert.Equal(t, "upsert refused", logEntry["error"])
	assert.Equal(t, "tenant-a", logEntry["tenant_id"])
	assert.Contains(t, logEntry, "stack_trace")
}

func TestLogger_LogError_NoStackTraceAboveDebug(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.LogError(context.Background(), errors.New("boom"), "failed", nil)

	logEntry := decodeEntry(t, buf)
	assert.NotContains(t, logEntry, "stack_trace")
}

func TestContextHelpers(t *testing.T) {
	id := NewCorrelationID()
	assert.NotEmpty(t, id)
	assert.Len(t, id, 36)

	ctx := WithCorrelationID(context.Background(), id)
	assert.Equal(t, id, GetCorrelationID(ctx))

	ctx = WithTenantID(ctx, "tenant-b")
	assert.Equal(t, "tenant-b", GetTenantID(ctx))

	assert.Empty(t, GetCorrelationID(context.Background()))
	assert.Empty(t, GetTenantID(context.Background()))
}

func TestLogger_KeyValueHelpers(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.Warn("cache fallback", "tenant", "tenant-a", "data_type", "knowledge", "dangling")

	logEntry := decodeEntry(t, buf)
	assert.Equal(t, "warning", logEntry["level"])
	assert.Equal(t, "tenant-a", logEntry["tenant"])
	assert.Equal(t, "knowledge", logEntry["data_type"])
	assert.NotContains(t, logEntry, "dangling")
}

func TestLogger_WithComponentAndDuration(t *testing.T) {
	logger, buf := newBufferedLogger(t, "info")

	logger.WithComponent("queue").Info("started")
	logEntry := decodeEntry(t, buf)
	assert.Equal(t, "queue", logEntry["component"])

	buf.Reset()
	logger.WithError(errors.New("x")).Info("err")
	logEntry = decodeEntry(t, buf)
	assert.True(t, strings.Contains(logEntry["error_type"].(string), "errors.errorString"))
}

func TestLogger_TextFormat(t *testing.T) {
	logger, err := NewLogger(&Config{
		Level:       "info",
		Format:      "text",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.Info("plain text")

	output := buf.String()
	assert.Contains(t, output, "plain text")
	assert.Contains(t, output, "service=test-service")
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	assert.NotPanics(t, func() {
		logger.Info("discarded", "k", "v")
		logger.LogSyncEvent(context.Background(), "t", "e", nil)
	})
}
