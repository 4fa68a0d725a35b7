package pipeline

import (
	"context"

	"seqvault/internal/broker"
	"seqvault/internal/telemetry"
)

// Traced wraps next in a span named spanName covering one consumed
// message. Handler errors are recorded on the span before it ends.
// Warnings are not recorded; they end the message, not fail it.
func Traced(spanName, queue string, next broker.Handler) broker.Handler {
	return func(ctx context.Context, body []byte) ([]byte, error) {
		ctx, span := telemetry.StartMessageSpan(ctx, spanName, queue, "")
		defer span.End()

		reply, err := next(ctx, body)
		if err != nil && !IsWarning(err) {
			telemetry.RecordError(ctx, err)
		}

		return reply, err
	}
}
