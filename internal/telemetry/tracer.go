// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package telemetry sets up OpenTelemetry tracing for netplumbd. Router
// dispatch, commander workflows and the ops HTTP server create spans through
// the global provider configured here.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ManuGH/netplumb/internal/config"
)

// ServiceName is reported as service.name on every exported span.
const ServiceName = "netplumbd"

// Resource attribute keys specific to a netplumbd instance.
const (
	SocketKey = "netplumb.socket"
	CommitKey = "netplumb.commit"
)

const shutdownTimeout = 5 * time.Second

// ErrUnsupportedExporter is returned for an exporter other than grpc or http.
var ErrUnsupportedExporter = errors.New("telemetry: unsupported exporter")

// Config describes the daemon instance being traced.
type Config struct {
	Tracing     config.TracingConfig
	Version     string
	Commit      string
	Socket      string
	Environment string
}

// Option adjusts NewProvider.
type Option func(*options)

type options struct {
	exporter sdktrace.SpanExporter
}

// WithExporter sends spans synchronously to exp instead of an OTLP collector.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// Provider owns the tracer provider installed as the otel global.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider installs the global tracer provider. With tracing disabled it
// installs a noop provider and returns a Provider whose Enabled is false.
func NewProvider(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if !cfg.Tracing.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{}, nil
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.Tracing.SamplingRate)),
	}
	if o.exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithSyncer(o.exporter))
	} else {
		exp, err := newExporter(ctx, cfg.Tracing)
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp}, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(ServiceName),
		semconv.ServiceVersionKey.String(cfg.Version),
		semconv.ProcessPIDKey.Int(os.Getpid()),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	if cfg.Commit != "" {
		attrs = append(attrs, attribute.String(CommitKey, cfg.Commit))
	}
	if cfg.Socket != "" {
		attrs = append(attrs, attribute.String(SocketKey, cfg.Socket))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// newSampler keeps the decision of a sampled parent so a workflow's dispatch
// spans are exported together with it.
func newSampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "grpc":
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: grpc exporter: %w", err)
		}
		return exp, nil
	case "http":
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: http exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExporter, cfg.Exporter)
	}
}

// Shutdown flushes pending spans. It is a no-op when tracing is disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return p.tp.Shutdown(ctx)
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.tp != nil
}

// Tracer returns a tracer for the given name.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
