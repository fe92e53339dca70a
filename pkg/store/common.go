package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/payload-gateway/pkg/payload"
)

const tracerName = "payload-gateway"

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}

func addDBStatsToSpan(span trace.Span, system, statement string, rows int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("db.rows_affected", rows),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// scheduleBackOff walks a retry schedule once and then stops.
type scheduleBackOff struct {
	schedule payload.RetrySchedule
	attempt  int
}

func newScheduleBackOff(schedule payload.RetrySchedule) *scheduleBackOff {
	return &scheduleBackOff{schedule: schedule}
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	if b.attempt >= len(b.schedule) {
		return backoff.Stop
	}
	b.attempt++
	return b.schedule.Delay(b.attempt)
}

func (b *scheduleBackOff) Reset() {
	b.attempt = 0
}
