// Package tracing sets up OpenTelemetry for the rollout server. Tracing stays
// off unless OTEL_EXPORTER_OTLP_ENDPOINT is set.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"runtime/debug"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/matt-riley/rollout/internal/core"
)

const defaultServiceName = "rollout"

// BucketingVersionKey records the bucketing scheme on the process resource,
// so traces from servers that would place users differently can be told apart.
const BucketingVersionKey = attribute.Key("rollout.bucketing_version")

// Init installs a global tracer provider exporting over OTLP/HTTP, along with
// W3C trace context and baggage propagation. The returned function flushes
// pending spans; with no endpoint configured it is a no-op and the globals
// are left alone.
func Init(ctx context.Context) (shutdown func(context.Context) error, err error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint: %w", err)
	}

	res, err := newResource(ctx, serviceNameFromEnv())
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// newResource describes this process. Attributes from OTEL_RESOURCE_ATTRIBUTES
// are merged in; the service name set here wins.
func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildVersion()),
			BucketingVersionKey.Int(core.BucketingVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// buildVersion is the main module version, or "devel" for local builds.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "devel"
	}
	return info.Main.Version
}

func serviceNameFromEnv() string {
	if name := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); name != "" {
		return name
	}
	return defaultServiceName
}
