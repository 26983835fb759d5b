// Package telemetry installs the OpenTelemetry trace pipeline that carries
// the processor's batch and stage spans to an OTLP/HTTP collector.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	serviceName     = "synchrony"
	defaultOTLPPort = "4318"
	exportTimeout   = 10 * time.Second
)

// Target is a resolved OTLP/HTTP collector address.
type Target struct {
	Endpoint string // host:port
	Path     string
	Insecure bool
}

// ResolveTarget parses an endpoint of the form host[:port],
// http://host[:port][/path] or https://host[:port][/path]. A bare host
// means plain HTTP. The port defaults to 4318.
func ResolveTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	if u.Host == "" {
		return Target{}, fmt.Errorf("telemetry: endpoint %q has no host", raw)
	}
	t := Target{
		Endpoint: u.Host,
		Path:     strings.TrimSuffix(u.Path, "/"),
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		t.Insecure = true
	case "https":
	default:
		return Target{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		t.Endpoint = net.JoinHostPort(u.Hostname(), defaultOTLPPort)
	}
	return t, nil
}

// Tracing owns the SDK tracer provider. A nil *Tracing is valid and does
// nothing.
type Tracing struct {
	provider *sdktrace.TracerProvider
	logger   *slog.Logger
}

// SetupTracing builds a batching tracer provider exporting to endpoint.
// An empty endpoint disables tracing and returns nil. Nothing is sent
// until the first span ends, so an unreachable collector only shows up as
// an export error at Shutdown.
func SetupTracing(ctx context.Context, endpoint string, logger *slog.Logger) (*Tracing, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, nil
	}
	target, err := ResolveTarget(endpoint)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(target.Endpoint),
		otlptracehttp.WithTimeout(exportTimeout),
	}
	if target.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if target.Path != "" {
		opts = append(opts, otlptracehttp.WithURLPath(target.Path))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter),
	)
	logger.Info("tracing enabled", "endpoint", target.Endpoint, "path", target.Path, "insecure", target.Insecure)
	return &Tracing{provider: tp, logger: logger}, nil
}

// Provider returns the tracer provider, nil when tracing is disabled.
func (t *Tracing) Provider() *sdktrace.TracerProvider {
	if t == nil {
		return nil
	}
	return t.provider
}

// Shutdown flushes pending spans and stops the exporter.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		t.logger.Warn("trace shutdown failed", "error", err)
		return fmt.Errorf("telemetry: trace shutdown: %w", err)
	}
	return nil
}
