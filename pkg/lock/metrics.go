package lock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/numtide/harmonia/pkg/lock"

// Acquisition result values for the metric's result attribute.
const (
	ResultAcquired  = "acquired"
	ResultContended = "contended"
	ResultCanceled  = "canceled"
)

var (
	//nolint:gochecknoglobals
	acquisitionsTotal metric.Int64Counter

	//nolint:gochecknoglobals
	holdDuration metric.Float64Histogram
)

//nolint:gochecknoinits
func init() {
	meter := otel.Meter(otelPackageName)

	var err error

	acquisitionsTotal, err = meter.Int64Counter(
		"harmonia_lock_acquisitions_total",
		metric.WithDescription("Lock acquisition attempts, by result"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		panic(err)
	}

	holdDuration, err = meter.Float64Histogram(
		"harmonia_lock_hold_duration_seconds",
		metric.WithDescription("How long acquired locks were held"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}

// ObserveAcquire records the outcome of one acquisition attempt. result is
// one of the Result* constants.
func ObserveAcquire(ctx context.Context, result string) {
	if acquisitionsTotal == nil {
		return
	}

	acquisitionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// ObserveHold records how long a lock was held once released.
func ObserveHold(ctx context.Context, seconds float64) {
	if holdDuration == nil {
		return
	}

	holdDuration.Record(ctx, seconds)
}
