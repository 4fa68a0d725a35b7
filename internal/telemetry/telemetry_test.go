package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "seqvault", cfg.ServiceName)
	assert.Equal(t, "dev", cfg.ServiceVersion)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Enabled = false

	shutdown, err := Init(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// Should be able to call shutdown without error
	err = shutdown(ctx)
	assert.NoError(t, err)

	// Should not be enabled
	assert.False(t, IsEnabled())
}

func TestTracerReturnsNoOp(t *testing.T) {
	// Reset state
	tracer = nil
	enabled = false

	// Without initialization, should return no-op tracer
	tr := Tracer()
	require.NotNil(t, tr)
}

func TestStartSpan(t *testing.T) {
	ctx := context.Background()

	// Even without initialization, StartSpan should work (no-op)
	newCtx, span := StartSpan(ctx, "test.operation")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)

	// Should be able to end the span
	span.End()
}

func TestSpanFromContext(t *testing.T) {
	ctx := context.Background()

	// Should return a span even without active span
	span := SpanFromContext(ctx)
	require.NotNil(t, span)
}

func TestAddEvent(t *testing.T) {
	ctx := context.Background()

	// Should not panic with no active span
	require.NotPanics(t, func() {
		AddEvent(ctx, "test.event")
	})
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()

	// Should not panic with nil error
	require.NotPanics(t, func() {
		RecordError(ctx, nil)
	})

	// Should not panic with error
	require.NotPanics(t, func() {
		RecordError(ctx, errors.New("test error"))
	})
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()

	// Should not panic
	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Ok, "success")
	})

	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Error, "failed")
	})
}

func TestSetAttributes(t *testing.T) {
	ctx := context.Background()

	// Should not panic
	require.NotPanics(t, func() {
		SetAttributes(ctx, User("dorothy"))
	})
}

func TestTraceID(t *testing.T) {
	ctx := context.Background()

	// Without active span, should return empty string
	traceID := TraceID(ctx)
	assert.Equal(t, "", traceID)
}

func TestSpanID(t *testing.T) {
	ctx := context.Background()

	// Without active span, should return empty string
	spanID := SpanID(ctx)
	assert.Equal(t, "", spanID)
}

func TestAttributeHelpers(t *testing.T) {
	t.Run("CorrelationID", func(t *testing.T) {
		attr := CorrelationID("corr-123")
		assert.Equal(t, AttrCorrelationID, string(attr.Key))
		assert.Equal(t, "corr-123", attr.Value.AsString())
	})

	t.Run("Queue", func(t *testing.T) {
		attr := Queue("files")
		assert.Equal(t, AttrQueue, string(attr.Key))
		assert.Equal(t, "files", attr.Value.AsString())
	})

	t.Run("FileID", func(t *testing.T) {
		attr := FileID(42)
		assert.Equal(t, AttrFileID, string(attr.Key))
		assert.Equal(t, int64(42), attr.Value.AsInt64())
	})

	t.Run("FilePath", func(t *testing.T) {
		attr := FilePath("inbox/dorothy/sample.c4gh")
		assert.Equal(t, AttrFilePath, string(attr.Key))
		assert.Equal(t, "inbox/dorothy/sample.c4gh", attr.Value.AsString())
	})

	t.Run("ArchivePath", func(t *testing.T) {
		attr := ArchivePath("a1b2c3d4")
		assert.Equal(t, AttrArchivePath, string(attr.Key))
		assert.Equal(t, "a1b2c3d4", attr.Value.AsString())
	})

	t.Run("AccessionID", func(t *testing.T) {
		attr := AccessionID("EGAF00000000001")
		assert.Equal(t, AttrAccessionID, string(attr.Key))
		assert.Equal(t, "EGAF00000000001", attr.Value.AsString())
	})

	t.Run("User", func(t *testing.T) {
		attr := User("dorothy@submitters.example.org")
		assert.Equal(t, AttrUser, string(attr.Key))
		assert.Equal(t, "dorothy@submitters.example.org", attr.Value.AsString())
	})

	t.Run("Checksum", func(t *testing.T) {
		attr := Checksum("deadbeef")
		assert.Equal(t, AttrChecksum, string(attr.Key))
		assert.Equal(t, "deadbeef", attr.Value.AsString())
	})

	t.Run("Algorithm", func(t *testing.T) {
		attr := Algorithm("sha256")
		assert.Equal(t, AttrAlgorithm, string(attr.Key))
		assert.Equal(t, "sha256", attr.Value.AsString())
	})

	t.Run("Bytes", func(t *testing.T) {
		attr := Bytes(1048576)
		assert.Equal(t, AttrBytes, string(attr.Key))
		assert.Equal(t, int64(1048576), attr.Value.AsInt64())
	})
}

func TestStartMessageSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartMessageSpan(ctx, SpanIngest, "files", "corr-123")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()

	// Without correlation ID
	newCtx2, span2 := StartMessageSpan(ctx, SpanVerify, "archived", "")
	require.NotNil(t, newCtx2)
	require.NotNil(t, span2)
	span2.End()

	// With additional attributes
	newCtx3, span3 := StartMessageSpan(ctx, SpanFinalize, "accession", "corr-456", User("dorothy"))
	require.NotNil(t, newCtx3)
	require.NotNil(t, span3)
	span3.End()
}
