package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce     sync.Once
	cacheOperations metric.Int64Counter
	fetchDuration   metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/chinmina/marketplace-session/internal/cache")

		var err error
		cacheOperations, err = meter.Int64Counter(
			"cache.operations",
			metric.WithDescription("Total cache namespace operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		fetchDuration, err = meter.Float64Histogram(
			"cache.fetch.duration",
			metric.WithDescription("Duration of fetches made to fill the cache"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func (ns *Namespace) recordOperation(ctx context.Context, operation, status string) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("cache."+operation+".status", status),
	)

	if cacheOperations == nil {
		return
	}
	cacheOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("cache.operation", operation),
			attribute.String("cache.status", status),
		),
	)
}

func (ns *Namespace) recordFetch(ctx context.Context, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("cache.fetch.status", status),
		attribute.Float64("cache.fetch.duration", duration.Seconds()),
	)

	if fetchDuration == nil {
		return
	}
	fetchDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("cache.fetch.status", status),
		),
	)
}
