// Package telemetry wires optional OpenTelemetry metrics. Instruments are
// created against the global meter provider, which stays a no-op unless
// DAGWORK_OTEL_ENABLED installs a real one, so callers can record
// unconditionally.
package telemetry

import (
	"context"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// EnvEnabled gates metric export. Unset or falsey means no-op.
const EnvEnabled = "DAGWORK_OTEL_ENABLED"

var (
	initOnce sync.Once

	meterOnce  sync.Once
	claims     metric.Int64Counter
	reconciles metric.Int64Counter
	runSteps   metric.Int64Counter
)

func instruments() {
	meterOnce.Do(func() {
		meter := otel.Meter("github.com/dagwork/dagwork")
		var err error
		if claims, err = meter.Int64Counter("dagwork.claims",
			metric.WithDescription("Claim attempts, by result")); err != nil {
			log.Printf("telemetry: %v", err)
		}
		if reconciles, err = meter.Int64Counter("dagwork.reconciles",
			metric.WithDescription("Control nodes closed by reconciliation")); err != nil {
			log.Printf("telemetry: %v", err)
		}
		if runSteps, err = meter.Int64Counter("dagwork.run_steps",
			metric.WithDescription("Runner loop steps executed")); err != nil {
			log.Printf("telemetry: %v", err)
		}
	})
}

// Init installs a metrics pipeline when EnvEnabled is set truthy. It
// returns a shutdown func; with the gate off both Init and the shutdown
// are no-ops.
func Init(ctx context.Context) func(context.Context) error {
	shutdown := func(context.Context) error { return nil }
	enabled, _ := strconv.ParseBool(os.Getenv(EnvEnabled))
	if !enabled {
		return shutdown
	}
	initOnce.Do(func() {
		exporter, err := stdoutmetric.New()
		if err != nil {
			log.Printf("telemetry: failed to create exporter: %v", err)
			return
		}
		res, err := resource.Merge(resource.Default(),
			resource.NewSchemaless(attribute.String("service.name", "dagwork")))
		if err != nil {
			log.Printf("telemetry: failed to build resource: %v", err)
			return
		}
		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(30*time.Second))),
		)
		otel.SetMeterProvider(provider)
		shutdown = provider.Shutdown
	})
	return shutdown
}

// RecordClaim counts one claim attempt.
func RecordClaim(ctx context.Context, claimed bool) {
	instruments()
	if claims != nil {
		claims.Add(ctx, 1, metric.WithAttributes(attribute.Bool("claimed", claimed)))
	}
}

// RecordReconcile counts one node closed by reconciliation.
func RecordReconcile(ctx context.Context, mode string) {
	instruments()
	if reconciles != nil {
		reconciles.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
	}
}

// RecordRunStep counts one runner loop step.
func RecordRunStep(ctx context.Context) {
	instruments()
	if runSteps != nil {
		runSteps.Add(ctx, 1)
	}
}
