package mutation

import (
	"context"
	"fmt"
	"sync"

	"github.com/chinmina/marketplace-session/internal/cache"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Invalidator stales cache entries under a prefix. *cache.Namespace is the
// production implementation.
type Invalidator interface {
	Invalidate(ctx context.Context, prefix cache.Key) int
}

// WriteFunc performs the server-side write.
type WriteFunc[A, R any] func(ctx context.Context, args A) (R, error)

// TargetsFunc maps a successful write to the cache prefixes it makes stale.
// It sees both the caller's arguments and the server's result, so targets can
// name identifiers the server assigned.
type TargetsFunc[A, R any] func(result R, args A) []cache.Key

// Definition pairs a write with its invalidation targets.
type Definition[A, R any] struct {
	Name        string
	Write       WriteFunc[A, R]
	Invalidates TargetsFunc[A, R]
}

// Directive is the concrete set of prefixes one execution of a mutation
// invalidated.
type Directive struct {
	MutationName string
	Keys         []cache.Key
}

// Func is a mutation built by a Factory, ready to call.
type Func[A, R any] func(ctx context.Context, args A) (R, error)

// Factory builds mutations bound to one cache namespace.
type Factory struct {
	invalidator Invalidator
	observers   []func(context.Context, Directive)
}

func NewFactory(invalidator Invalidator) *Factory {
	initMetrics()
	return &Factory{invalidator: invalidator}
}

// Observe registers fn to receive the directive of every successful
// mutation, after its invalidations have been applied. Observers must be
// registered before any mutation runs.
func (f *Factory) Observe(fn func(context.Context, Directive)) {
	f.observers = append(f.observers, fn)
}

// Build returns the mutation described by def. Calling it runs the write
// and, only once the write has succeeded, invalidates every target before
// returning. A failed write invalidates nothing.
//
// Build panics if def has no name or no write function: definitions are
// static and a broken one is a programming error.
func Build[A, R any](f *Factory, def Definition[A, R]) Func[A, R] {
	if def.Name == "" {
		panic("mutation: definition has no name")
	}
	if def.Write == nil {
		panic(fmt.Sprintf("mutation %s: definition has no write function", def.Name))
	}

	return func(ctx context.Context, args A) (R, error) {
		result, err := def.Write(ctx, args)
		if err != nil {
			log.Ctx(ctx).Debug().Err(err).Str("mutation", def.Name).Msg("mutation failed, cache untouched")
			recordExecution(ctx, def.Name, "error", 0)
			return result, err
		}

		directive := Directive{MutationName: def.Name}
		if def.Invalidates != nil {
			directive.Keys = def.Invalidates(result, args)
		}

		stale := 0
		for _, key := range directive.Keys {
			stale += f.invalidator.Invalidate(ctx, key)
		}

		ev := log.Ctx(ctx).Debug().Str("mutation", def.Name).Int("stale_entries", stale)
		keys := make([]string, 0, len(directive.Keys))
		for _, key := range directive.Keys {
			keys = append(keys, key.String())
		}
		ev.Strs("invalidated", keys).Msg("mutation applied")

		recordExecution(ctx, def.Name, "success", stale)

		for _, observe := range f.observers {
			observe(ctx, directive)
		}

		return result, nil
	}
}

var (
	metricsOnce        sync.Once
	mutationExecutions metric.Int64Counter
	invalidatedEntries metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/chinmina/marketplace-session/internal/mutation")

		var err error
		mutationExecutions, err = meter.Int64Counter(
			"mutation.executions",
			metric.WithDescription("Mutations executed, by outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}

		invalidatedEntries, err = meter.Int64Counter(
			"mutation.invalidated_entries",
			metric.WithDescription("Cache entries staled by mutations"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func recordExecution(ctx context.Context, name, status string, stale int) {
	attrs := metric.WithAttributes(
		attribute.String("mutation.name", name),
		attribute.String("mutation.status", status),
	)

	if mutationExecutions != nil {
		mutationExecutions.Add(ctx, 1, attrs)
	}
	if invalidatedEntries != nil && stale > 0 {
		invalidatedEntries.Add(ctx, int64(stale), attrs)
	}
}
