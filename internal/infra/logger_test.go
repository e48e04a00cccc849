package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"digital-certificate-service/config"
)

func TestRedactSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: RedactSecrets}))

	logger.Info("upload", "passphrase", "hunter2", "bundle_size", 10, "certificate_id", "c1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "[REDACTED]", record["passphrase"])
	assert.Equal(t, "[REDACTED]", record["bundle_size"])
	assert.Equal(t, "c1", record["certificate_id"])
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestTraceHandler_AddsTraceFields(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{OtelEnabled: true, GoogleCloudProject: "proj"}
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil), cfg))

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.InfoContext(ctx, "hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	traceID := span.SpanContext().TraceID().String()
	assert.Equal(t, traceID, record["trace"])
	assert.Equal(t, "projects/proj/traces/"+traceID, record["logging.googleapis.com/trace"])
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel(""))
}
