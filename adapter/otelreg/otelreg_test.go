package otelreg

import (
	"context"
	"testing"

	"github.com/matgreaves/loom/registry"
)

type fakeRegistry struct {
	registry.Registry
	serviceCB registry.ServiceTrackerCallbacks
	bundleCB  registry.BundleTrackerCallbacks
	closes    int
}

func (f *fakeRegistry) TrackServices(ctx context.Context, filter registry.ServiceFilter, cb registry.ServiceTrackerCallbacks) (registry.Tracker, error) {
	f.serviceCB = cb
	return fakeTracker{closes: &f.closes}, nil
}

func (f *fakeRegistry) TrackBundles(ctx context.Context, mask registry.BundleState, cb registry.BundleTrackerCallbacks) (registry.Tracker, error) {
	f.bundleCB = cb
	return fakeTracker{closes: &f.closes}, nil
}

type fakeTracker struct{ closes *int }

func (fakeTracker) Open() error { return nil }
func (t fakeTracker) Close() error {
	*t.closes++
	return nil
}

func TestInstrumentForwardsServiceCallbacksUnchanged(t *testing.T) {
	inner := &fakeRegistry{}
	instrumented, err := Instrument(inner)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}

	var gotAdded, gotRemoved registry.ServiceReference
	tracker, err := instrumented.TrackServices(context.Background(), registry.ServiceFilter{Type: "web"}, registry.ServiceTrackerCallbacks{
		Adding:  func(ref registry.ServiceReference) { gotAdded = ref },
		Removed: func(ref registry.ServiceReference) { gotRemoved = ref },
	})
	if err != nil {
		t.Fatalf("TrackServices: %v", err)
	}
	defer tracker.Close()

	inner.serviceCB.Adding(registry.ServiceReference{ID: "a"})
	if gotAdded.ID != "a" {
		t.Fatalf("Adding not forwarded: got %q", gotAdded.ID)
	}

	inner.serviceCB.Removed(registry.ServiceReference{ID: "a"})
	if gotRemoved.ID != "a" {
		t.Fatalf("Removed not forwarded: got %q", gotRemoved.ID)
	}
}

func TestInstrumentForwardsBundleCallbacksUnchanged(t *testing.T) {
	inner := &fakeRegistry{}
	instrumented, err := Instrument(inner)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}

	var gotAdded registry.Bundle
	tracker, err := instrumented.TrackBundles(context.Background(), registry.BundleActive, registry.BundleTrackerCallbacks{
		Adding: func(b registry.Bundle) { gotAdded = b },
	})
	if err != nil {
		t.Fatalf("TrackBundles: %v", err)
	}
	defer tracker.Close()

	inner.bundleCB.Adding(registry.Bundle{ID: "b1"})
	if gotAdded.ID != "b1" {
		t.Fatalf("Adding not forwarded: got %q", gotAdded.ID)
	}
}

func TestInstrumentTrackerCloseDelegatesToInner(t *testing.T) {
	inner := &fakeRegistry{}
	instrumented, err := Instrument(inner)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}

	tracker, err := instrumented.TrackServices(context.Background(), registry.ServiceFilter{Type: "web"}, registry.ServiceTrackerCallbacks{})
	if err != nil {
		t.Fatalf("TrackServices: %v", err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if inner.closes != 1 {
		t.Fatalf("inner tracker closed %d times, want 1", inner.closes)
	}
}
