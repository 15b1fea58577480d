package otelcol

import (
	"context"
	"fmt"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module installs the global tracer provider backed by an OTLP exporter.
// Without a configured endpoint nothing is installed and span lookups
// fall back to the otel no-op provider.
var Module = fx.Module("otelcol", fx.Invoke(register))

func register(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Otel.Endpoint == "" {
		return nil
	}

	var exporter *otlptrace.Exporter
	var err error
	switch cfg.Otel.Protocol {
	case "grpc":
		exporter, err = exporters.ProvideGRPC(cfg)
	default:
		exporter, err = exporters.ProvideHTTP(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to create otlp trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(cfg)),
	)
	otel.SetTracerProvider(provider)

	logger.Info("trace export enabled",
		zap.String("endpoint", cfg.Otel.Endpoint),
		zap.String("protocol", cfg.Otel.Protocol))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return provider.Shutdown(ctx)
		},
	})

	return nil
}

func newResource(cfg *config.Config) *resource.Resource {
	merged, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
	))
	if err != nil {
		return resource.Default()
	}
	return merged
}
