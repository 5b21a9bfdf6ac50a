// Package registry defines the host registry contracts loom's primitives
// are built against: service/bundle trackers, service registration,
// service-objects checkout, and managed-configuration listeners. The
// library itself never implements these — see the adapter/ packages for
// concrete registries (Docker, Postgres, Redis).
package registry

import "context"

// ServiceReference identifies one service instance currently present in
// the registry, along with the properties it was published with.
type ServiceReference struct {
	ID         string
	Type       string
	Properties map[string]any
}

// Attr reads a named property as a string, returning "" if absent or not
// a string. Mirrors the typed-attribute convention used throughout loom's
// registry-backed primitives.
func (r ServiceReference) Attr(name string) string {
	v, ok := r.Properties[name]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ServiceFilter selects which service references a tracker observes.
type ServiceFilter struct {
	Type   string
	Filter string // host filter expression for Type and any user filter, as built by Registry.BuildFilter
}

// ServiceObjects is a reference-counted checkout handle for one service
// reference: GetService obtains an instance, UngetService returns it.
type ServiceObjects interface {
	GetService() (any, error)
	UngetService(instance any) error
}

// ServiceTrackerCallbacks is the customizer a ServiceTracker invokes as
// references come, change, and go. Modified observations are the host's
// raw property-change notification; primitives built on top translate a
// Modified callback into a removed-then-added pair with distinct token
// identities (see registry-backed primitives in the root package).
type ServiceTrackerCallbacks struct {
	Adding   func(ref ServiceReference)
	Modified func(ref ServiceReference)
	Removed  func(ref ServiceReference)
}

// BundleState is a bitmask flag for one bundle lifecycle state.
type BundleState int

const (
	BundleInstalled BundleState = 1 << iota
	BundleResolved
	BundleStarting
	BundleActive
	BundleStopping
	BundleUninstalled
)

// Bundle identifies one bundle and its current state.
type Bundle struct {
	ID    string
	State BundleState
}

// BundleTrackerCallbacks is the customizer a bundle tracker invokes as
// bundles transition into and out of a requested state mask.
type BundleTrackerCallbacks struct {
	Adding  func(b Bundle)
	Removed func(b Bundle)
}

// Tracker is the open/close handle for a running service or bundle
// tracker. Open begins dispatching to the customizer; Close stops
// dispatch and releases any resources the tracker holds.
type Tracker interface {
	Open() error
	Close() error
}

// Registration is the handle returned by RegisterService. Unregister
// removes the registration; any error it returns is the caller's to
// swallow or surface as it sees fit (loom's Register primitive swallows
// it, per the unregister-failure policy in spec.md §7).
type Registration interface {
	Unregister() error
}

// Unregister releases a configuration listener installed by
// WatchConfiguration or WatchConfigurations.
type Unregister interface {
	Unregister() error
}

// Registry is the host collaborator: the service-platform framework that
// tracks registrations, bundle state, and configuration delivery. loom's
// primitives are built entirely in terms of this interface.
type Registry interface {
	// TrackServices opens a tracker over every reference matching filter,
	// dispatching to cb as references come, change, and go.
	TrackServices(ctx context.Context, filter ServiceFilter, cb ServiceTrackerCallbacks) (Tracker, error)

	// TrackBundles opens a tracker over every bundle whose state matches
	// mask (a bitwise OR of BundleState flags), dispatching to cb as
	// bundles transition into and out of that mask.
	TrackBundles(ctx context.Context, mask BundleState, cb BundleTrackerCallbacks) (Tracker, error)

	// RegisterService publishes instance under serviceType with the given
	// properties and returns a handle to unregister it later.
	RegisterService(serviceType string, instance any, properties map[string]any) (Registration, error)

	// ServiceObjects returns the checkout handle for ref.
	ServiceObjects(ref ServiceReference) ServiceObjects

	// WatchConfiguration registers cb to be called with the current
	// dictionary for pid every time it is delivered by the configuration
	// admin.
	WatchConfiguration(pid string, cb func(dict map[string]any)) (Unregister, error)

	// WatchConfigurations registers onUpdated/onDeleted to be called as
	// factory instances of factoryPid are created, changed, and removed.
	// pid identifies one factory instance.
	WatchConfigurations(factoryPid string, onUpdated func(pid string, dict map[string]any), onDeleted func(pid string)) (Unregister, error)

	// BuildFilter produces the host filter expression equivalent to
	// "(objectClass=serviceType)", combined with userFilter via AND when
	// userFilter is non-empty. Returns an error for malformed userFilter.
	BuildFilter(serviceType, userFilter string) (string, error)
}
