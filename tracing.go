package paygate

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InitTracing installs a global tracer provider that writes spans as JSON
// to the configured output. When tracing is disabled it returns a no-op
// shutdown and leaves the default (no-op) provider in place.
func InitTracing(cfg TracingConfig, service string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var w io.Writer
	var file *os.File
	switch cfg.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		file, err = os.Create(cfg.Output)
		if err != nil {
			return nil, fmt.Errorf("create trace output: %w", err)
		}
		w = file
	}

	tp, err := newTracerProvider(w, service)
	if err != nil {
		if file != nil {
			_ = file.Close()
		}
		return nil, err
	}
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if file != nil {
			_ = file.Close()
		}
		return err
	}, nil
}

func newTracerProvider(w io.Writer, service string) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", service),
			attribute.String("service.version", Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}
