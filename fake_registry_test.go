package loom

import (
	"context"
	"fmt"
	"sync"

	"github.com/matgreaves/loom/registry"
)

// fakeRegistry is an in-memory registry.Registry for exercising loom's
// registry-backed primitives without any real host platform. Tests drive
// it directly (fakeRegistry.AddService, RemoveService, ...) to simulate
// the host delivering events.
type fakeRegistry struct {
	mu sync.Mutex

	serviceTrackers map[int]*fakeServiceTracker
	nextTrackerID   int

	bundleTrackers map[int]*fakeBundleTracker

	configListeners  map[string]map[int]func(map[string]any)
	nextListenerID   int
	factoryListeners map[string][]fakeFactoryListener

	registrations []*fakeRegistration
}

type fakeFactoryListener struct {
	onUpdated func(pid string, dict map[string]any)
	onDeleted func(pid string)
}

type fakeRegistration struct {
	serviceType string
	instance    any
	properties  map[string]any
	unregistered bool
}

func (r *fakeRegistration) Unregister() error {
	r.unregistered = true
	return nil
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		serviceTrackers:  map[int]*fakeServiceTracker{},
		bundleTrackers:   map[int]*fakeBundleTracker{},
		configListeners:  map[string]map[int]func(map[string]any){},
		factoryListeners: map[string][]fakeFactoryListener{},
	}
}

// --- registry.Registry ---

func (f *fakeRegistry) TrackServices(_ context.Context, filter registry.ServiceFilter, cb registry.ServiceTrackerCallbacks) (registry.Tracker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTrackerID++
	tr := &fakeServiceTracker{reg: f, id: f.nextTrackerID, filter: filter, cb: cb}
	return tr, nil
}

func (f *fakeRegistry) TrackBundles(_ context.Context, mask registry.BundleState, cb registry.BundleTrackerCallbacks) (registry.Tracker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTrackerID++
	tr := &fakeBundleTracker{reg: f, id: f.nextTrackerID, mask: mask, cb: cb}
	return tr, nil
}

func (f *fakeRegistry) RegisterService(serviceType string, instance any, properties map[string]any) (registry.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg := &fakeRegistration{serviceType: serviceType, instance: instance, properties: properties}
	f.registrations = append(f.registrations, reg)
	return reg, nil
}

func (f *fakeRegistry) ServiceObjects(ref registry.ServiceReference) registry.ServiceObjects {
	return &fakeServiceObjects{ref: ref}
}

func (f *fakeRegistry) WatchConfiguration(pid string, cb func(map[string]any)) (registry.Unregister, error) {
	f.mu.Lock()
	f.nextListenerID++
	id := f.nextListenerID
	if f.configListeners[pid] == nil {
		f.configListeners[pid] = map[int]func(map[string]any){}
	}
	f.configListeners[pid][id] = cb
	f.mu.Unlock()
	return &fakeUnregister{reg: f, kind: "config", key: pid, listenerID: id}, nil
}

func (f *fakeRegistry) WatchConfigurations(factoryPid string, onUpdated func(string, map[string]any), onDeleted func(string)) (registry.Unregister, error) {
	f.mu.Lock()
	f.factoryListeners[factoryPid] = append(f.factoryListeners[factoryPid], fakeFactoryListener{onUpdated, onDeleted})
	f.mu.Unlock()
	return &fakeUnregister{reg: f, kind: "factory", key: factoryPid}, nil
}

func (f *fakeRegistry) BuildFilter(serviceType, userFilter string) (string, error) {
	if userFilter == "" {
		return fmt.Sprintf("(objectClass=%s)", serviceType), nil
	}
	return fmt.Sprintf("(&(objectClass=%s)%s)", serviceType, userFilter), nil
}

// --- driving the fake from tests ---

func (f *fakeRegistry) AddService(serviceType, id string, props map[string]any) {
	ref := registry.ServiceReference{ID: id, Type: serviceType, Properties: props}
	f.mu.Lock()
	trackers := f.matchingServiceTrackers(serviceType)
	f.mu.Unlock()
	for _, tr := range trackers {
		tr.cb.Adding(ref)
	}
}

func (f *fakeRegistry) ModifyService(serviceType, id string, props map[string]any) {
	ref := registry.ServiceReference{ID: id, Type: serviceType, Properties: props}
	f.mu.Lock()
	trackers := f.matchingServiceTrackers(serviceType)
	f.mu.Unlock()
	for _, tr := range trackers {
		tr.cb.Modified(ref)
	}
}

func (f *fakeRegistry) RemoveService(serviceType, id string, props map[string]any) {
	ref := registry.ServiceReference{ID: id, Type: serviceType, Properties: props}
	f.mu.Lock()
	trackers := f.matchingServiceTrackers(serviceType)
	f.mu.Unlock()
	for _, tr := range trackers {
		tr.cb.Removed(ref)
	}
}

func (f *fakeRegistry) matchingServiceTrackers(serviceType string) []*fakeServiceTracker {
	var out []*fakeServiceTracker
	for _, tr := range f.serviceTrackers {
		if tr.filter.Type == serviceType {
			out = append(out, tr)
		}
	}
	return out
}

func (f *fakeRegistry) DeliverConfiguration(pid string, dict map[string]any) {
	f.mu.Lock()
	cbs := make([]func(map[string]any), 0, len(f.configListeners[pid]))
	for _, cb := range f.configListeners[pid] {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(dict)
	}
}

func (f *fakeRegistry) UpdateFactory(factoryPid, pid string, dict map[string]any) {
	f.mu.Lock()
	ls := append([]fakeFactoryListener{}, f.factoryListeners[factoryPid]...)
	f.mu.Unlock()
	for _, l := range ls {
		l.onUpdated(pid, dict)
	}
}

func (f *fakeRegistry) DeleteFactory(factoryPid, pid string) {
	f.mu.Lock()
	ls := append([]fakeFactoryListener{}, f.factoryListeners[factoryPid]...)
	f.mu.Unlock()
	for _, l := range ls {
		l.onDeleted(pid)
	}
}

func (f *fakeRegistry) ActivateBundle(b registry.Bundle) {
	f.mu.Lock()
	trs := make([]*fakeBundleTracker, 0, len(f.bundleTrackers))
	for _, tr := range f.bundleTrackers {
		trs = append(trs, tr)
	}
	f.mu.Unlock()
	for _, tr := range trs {
		if b.State&tr.mask != 0 {
			tr.cb.Adding(b)
		}
	}
}

func (f *fakeRegistry) DeactivateBundle(b registry.Bundle) {
	f.mu.Lock()
	trs := make([]*fakeBundleTracker, 0, len(f.bundleTrackers))
	for _, tr := range f.bundleTrackers {
		trs = append(trs, tr)
	}
	f.mu.Unlock()
	for _, tr := range trs {
		tr.cb.Removed(b)
	}
}

// --- trackers ---

type fakeServiceTracker struct {
	reg    *fakeRegistry
	id     int
	filter registry.ServiceFilter
	cb     registry.ServiceTrackerCallbacks
	open   bool
}

func (t *fakeServiceTracker) Open() error {
	t.reg.mu.Lock()
	t.reg.serviceTrackers[t.id] = t
	t.open = true
	t.reg.mu.Unlock()
	return nil
}

func (t *fakeServiceTracker) Close() error {
	t.reg.mu.Lock()
	delete(t.reg.serviceTrackers, t.id)
	t.open = false
	t.reg.mu.Unlock()
	return nil
}

type fakeBundleTracker struct {
	reg  *fakeRegistry
	id   int
	mask registry.BundleState
	cb   registry.BundleTrackerCallbacks
}

func (t *fakeBundleTracker) Open() error {
	t.reg.mu.Lock()
	t.reg.bundleTrackers[t.id] = t
	t.reg.mu.Unlock()
	return nil
}

func (t *fakeBundleTracker) Close() error {
	t.reg.mu.Lock()
	delete(t.reg.bundleTrackers, t.id)
	t.reg.mu.Unlock()
	return nil
}

type fakeServiceObjects struct {
	ref registry.ServiceReference
}

func (o *fakeServiceObjects) GetService() (any, error) {
	return o.ref.Properties["instance"], nil
}

func (o *fakeServiceObjects) UngetService(any) error {
	return nil
}

type fakeUnregister struct {
	reg        *fakeRegistry
	kind       string
	key        string
	listenerID int
}

func (u *fakeUnregister) Unregister() error {
	u.reg.mu.Lock()
	defer u.reg.mu.Unlock()
	switch u.kind {
	case "config":
		delete(u.reg.configListeners[u.key], u.listenerID)
	case "factory":
		delete(u.reg.factoryListeners, u.key)
	}
	return nil
}

func fakeContext(reg *fakeRegistry) *Context {
	return &Context{Go: context.Background(), Registry: reg}
}
