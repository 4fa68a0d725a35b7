package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for pipeline operations.
// These follow OpenTelemetry semantic conventions where applicable.
// Message keys use "messaging." per the conventions, domain keys their own prefix.
const (
	// ========================================================================
	// Message attributes
	// ========================================================================
	AttrCorrelationID = "messaging.message.conversation_id"
	AttrQueue         = "messaging.source.name"

	// ========================================================================
	// File attributes
	// ========================================================================
	AttrFileID      = "file.id"
	AttrFilePath    = "file.path"
	AttrArchivePath = "file.archive_path"
	AttrAccessionID = "file.accession_id"
	AttrUser        = "file.user"
	AttrChecksum    = "file.checksum"
	AttrAlgorithm   = "file.checksum_algorithm"
	AttrBytes       = "file.bytes"
)

// Span names for worker message handling, one span per consumed message.
const (
	SpanIngest   = "ingest.message"
	SpanVerify   = "verify.message"
	SpanFinalize = "finalize.message"
)

// CorrelationID returns an attribute for the message correlation ID
func CorrelationID(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

// Queue returns an attribute for the consumed queue name
func Queue(name string) attribute.KeyValue {
	return attribute.String(AttrQueue, name)
}

// FileID returns an attribute for the gateway file ID
func FileID(id int64) attribute.KeyValue {
	return attribute.Int64(AttrFileID, id)
}

// FilePath returns an attribute for the inbox file path
func FilePath(path string) attribute.KeyValue {
	return attribute.String(AttrFilePath, path)
}

// ArchivePath returns an attribute for the archive object name
func ArchivePath(path string) attribute.KeyValue {
	return attribute.String(AttrArchivePath, path)
}

// AccessionID returns an attribute for the stable accession ID
func AccessionID(id string) attribute.KeyValue {
	return attribute.String(AttrAccessionID, id)
}

// User returns an attribute for the submitting user
func User(name string) attribute.KeyValue {
	return attribute.String(AttrUser, name)
}

// Checksum returns an attribute for a checksum value
func Checksum(value string) attribute.KeyValue {
	return attribute.String(AttrChecksum, value)
}

// Algorithm returns an attribute for a checksum algorithm
func Algorithm(algo string) attribute.KeyValue {
	return attribute.String(AttrAlgorithm, algo)
}

// Bytes returns an attribute for a byte count
func Bytes(n int64) attribute.KeyValue {
	return attribute.Int64(AttrBytes, n)
}

// StartMessageSpan starts a span covering the handling of one consumed message.
// This is a convenience function that sets common attributes.
func StartMessageSpan(ctx context.Context, name, queue, correlationID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		Queue(queue),
	}
	if correlationID != "" {
		allAttrs = append(allAttrs, CorrelationID(correlationID))
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}
