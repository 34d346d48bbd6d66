package telemetry

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes must stay low cardinality: operation names, kinds and outcomes only.
// Download ids, URLs and filenames belong in logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDBOperation(operation, status, time.Since(start))

	return err
}

// InstrumentDownload instruments one download attempt. outcome maps the returned error to a
// bounded label ("completed", "cancelled", "failed", "blocked").
func (t *Telemetry) InstrumentDownload(ctx context.Context, kind string, outcome func(error) string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	err := t.InstrumentOperation(ctx, "download", "coordinator", func(ctx context.Context) error {
		ctx, span := t.Tracer().Start(ctx, "download_"+kind)
		defer span.End()

		span.SetAttributes(attribute.String("download.kind", kind))

		return fn(ctx)
	})

	t.RecordDownload(kind, outcome(err), time.Since(start))

	return err
}

// HTTPClient returns a client whose transport emits client spans and metrics.
func (t *Telemetry) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// WrapHandler wraps the API handler with otelhttp server instrumentation.
func (t *Telemetry) WrapHandler(h http.Handler, operation string) http.Handler {
	if t == nil || t.tracer == nil {
		return h
	}

	return otelhttp.NewHandler(h, operation)
}
