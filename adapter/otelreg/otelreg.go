// Package otelreg wraps a registry.Registry with OpenTelemetry tracing and
// metrics: every tracker's lifecycle and every Adding/Removed transition is
// recorded, without changing the wrapped registry's observed behavior.
package otelreg

import (
	"context"
	"fmt"

	"github.com/matgreaves/loom/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/matgreaves/loom/adapter/otelreg"

// Instrument wraps inner so every TrackServices/TrackBundles call opens a
// span for its tracker's lifetime and increments named counters as
// references and bundles are added, modified, and removed.
func Instrument(inner registry.Registry) (registry.Registry, error) {
	meter := otel.Meter(instrumentationName)

	serviceEvents, err := meter.Int64Counter(
		"loom.registry.service_events",
		metric.WithDescription("service reference transitions observed by a tracker"),
	)
	if err != nil {
		return nil, fmt.Errorf("otelreg: build service_events counter: %w", err)
	}

	bundleEvents, err := meter.Int64Counter(
		"loom.registry.bundle_events",
		metric.WithDescription("bundle transitions observed by a tracker"),
	)
	if err != nil {
		return nil, fmt.Errorf("otelreg: build bundle_events counter: %w", err)
	}

	return &instrumented{
		Registry:      inner,
		tracer:        otel.Tracer(instrumentationName),
		serviceEvents: serviceEvents,
		bundleEvents:  bundleEvents,
	}, nil
}

type instrumented struct {
	registry.Registry
	tracer        trace.Tracer
	serviceEvents metric.Int64Counter
	bundleEvents  metric.Int64Counter
}

func (i *instrumented) TrackServices(ctx context.Context, filter registry.ServiceFilter, cb registry.ServiceTrackerCallbacks) (registry.Tracker, error) {
	spanCtx, span := i.tracer.Start(ctx, "loom.registry.track_services",
		trace.WithAttributes(attribute.String("loom.service_type", filter.Type)))

	record := func(action string, ref registry.ServiceReference) {
		i.serviceEvents.Add(spanCtx, 1,
			metric.WithAttributes(
				attribute.String("loom.service_type", filter.Type),
				attribute.String("loom.action", action),
			))
		span.AddEvent(action, trace.WithAttributes(attribute.String("loom.service_id", ref.ID)))
	}

	tracker, err := i.Registry.TrackServices(spanCtx, filter, registry.ServiceTrackerCallbacks{
		Adding: func(ref registry.ServiceReference) {
			record("adding", ref)
			if cb.Adding != nil {
				cb.Adding(ref)
			}
		},
		Modified: func(ref registry.ServiceReference) {
			record("modified", ref)
			if cb.Modified != nil {
				cb.Modified(ref)
			}
		},
		Removed: func(ref registry.ServiceReference) {
			record("removed", ref)
			if cb.Removed != nil {
				cb.Removed(ref)
			}
		},
	})
	if err != nil {
		span.End()
		return nil, err
	}
	return &instrumentedTracker{Tracker: tracker, span: span}, nil
}

func (i *instrumented) TrackBundles(ctx context.Context, mask registry.BundleState, cb registry.BundleTrackerCallbacks) (registry.Tracker, error) {
	spanCtx, span := i.tracer.Start(ctx, "loom.registry.track_bundles")

	record := func(action string, b registry.Bundle) {
		i.bundleEvents.Add(spanCtx, 1, metric.WithAttributes(attribute.String("loom.action", action)))
		span.AddEvent(action, trace.WithAttributes(attribute.String("loom.bundle_id", b.ID)))
	}

	tracker, err := i.Registry.TrackBundles(spanCtx, mask, registry.BundleTrackerCallbacks{
		Adding: func(b registry.Bundle) {
			record("adding", b)
			if cb.Adding != nil {
				cb.Adding(b)
			}
		},
		Removed: func(b registry.Bundle) {
			record("removed", b)
			if cb.Removed != nil {
				cb.Removed(b)
			}
		},
	})
	if err != nil {
		span.End()
		return nil, err
	}
	return &instrumentedTracker{Tracker: tracker, span: span}, nil
}

// instrumentedTracker ends the span opened for its TrackServices/TrackBundles
// call when the tracker closes, so the span covers the tracker's full
// lifetime rather than just the call that created it.
type instrumentedTracker struct {
	registry.Tracker
	span trace.Span
}

func (t *instrumentedTracker) Close() error {
	err := t.Tracker.Close()
	t.span.End()
	return err
}
