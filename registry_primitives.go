package loom

import (
	"fmt"
	"sync"

	"github.com/matgreaves/loom/registry"
)

// ServiceInstance pairs a checked-out service instance with the reference
// it was obtained from, so Services' inner Removed handler can return the
// correct instance via the correct handle.
type ServiceInstance struct {
	Ref      registry.ServiceReference
	Instance any
}

// PrototypeHandle carries the service-objects handle itself, without
// performing any checkout — the consumer manages prototype instance
// lifecycle.
type PrototypeHandle struct {
	Ref     registry.ServiceReference
	Objects registry.ServiceObjects
}

func buildFilter(ctx *Context, serviceType, userFilter string) (registry.ServiceFilter, error) {
	f, err := ctx.Registry.BuildFilter(serviceType, userFilter)
	if err != nil {
		return registry.ServiceFilter{}, fmt.Errorf("loom: build filter for %q: %w", serviceType, err)
	}
	return registry.ServiceFilter{Type: serviceType, Filter: f}, nil
}

// Register publishes instance under serviceType with properties as soon
// as this program's operation runs — at construction, not at Start — and
// emits the resulting registry.Registration on Start. Close
// unregisters, swallowing any error the unregister call returns.
func Register(serviceType string, instance any, properties map[string]any) Program[registry.Registration] {
	return newProgram(func(ctx *Context) (*Result[registry.Registration], error) {
		handle, err := ctx.Registry.RegisterService(serviceType, instance, properties)
		if err != nil {
			return nil, fmt.Errorf("loom: register %q: %w", serviceType, err)
		}

		added := NewPipe[Token[registry.Registration]]()
		return &Result[registry.Registration]{
			Added:   added,
			Removed: NewPipe[Token[registry.Registration]](),
			Start: func() error {
				added.Emit(NewToken(handle))
				return nil
			},
			Close: func() error {
				_ = handle.Unregister()
				return nil
			},
		}, nil
	})
}

// ServiceReferences tracks every reference matching (serviceType,
// userFilter). A host modification notification is translated into a
// Removed emission for the stale token followed by an Added emission for
// the replacement, with a distinct identity.
func ServiceReferences(serviceType, userFilter string) Program[registry.ServiceReference] {
	return newProgram(func(ctx *Context) (*Result[registry.ServiceReference], error) {
		added := NewPipe[Token[registry.ServiceReference]]()
		removed := NewPipe[Token[registry.ServiceReference]]()

		var mu sync.Mutex
		live := map[string]Token[registry.ServiceReference]{}

		var tracker registry.Tracker
		start := func() error {
			sf, err := buildFilter(ctx, serviceType, userFilter)
			if err != nil {
				return err
			}
			t, err := ctx.Registry.TrackServices(ctx.Go, sf, registry.ServiceTrackerCallbacks{
				Adding: func(ref registry.ServiceReference) {
					tok := NewToken(ref)
					mu.Lock()
					live[ref.ID] = tok
					mu.Unlock()
					added.Emit(tok)
				},
				Modified: func(ref registry.ServiceReference) {
					mu.Lock()
					old, ok := live[ref.ID]
					mu.Unlock()
					if ok {
						removed.Emit(old)
					}
					tok := NewToken(ref)
					mu.Lock()
					live[ref.ID] = tok
					mu.Unlock()
					added.Emit(tok)
				},
				Removed: func(ref registry.ServiceReference) {
					mu.Lock()
					tok, ok := live[ref.ID]
					delete(live, ref.ID)
					mu.Unlock()
					if ok {
						removed.Emit(tok)
					}
				},
			})
			if err != nil {
				return err
			}
			tracker = t
			return tracker.Open()
		}

		return &Result[registry.ServiceReference]{
			Added:   added,
			Removed: removed,
			Start:   start,
			Close: func() error {
				if tracker == nil {
					return nil
				}
				return tracker.Close()
			},
		}, nil
	})
}

// Services tracks every reference matching (serviceType, userFilter) and
// checks out an instance for each one via the registry's service-objects
// handle. On removal, the original token is emitted first and the
// instance is then returned via the same handle.
func Services(serviceType, userFilter string) Program[ServiceInstance] {
	return newProgram(func(ctx *Context) (*Result[ServiceInstance], error) {
		added := NewPipe[Token[ServiceInstance]]()
		removed := NewPipe[Token[ServiceInstance]]()

		var mu sync.Mutex
		live := map[string]Token[ServiceInstance]{}

		checkout := func(ref registry.ServiceReference) Token[ServiceInstance] {
			inst, err := ctx.Registry.ServiceObjects(ref).GetService()
			if err != nil {
				panic(fmt.Sprintf("loom: services: checkout %s: %v", ref.ID, err))
			}
			return NewToken(ServiceInstance{Ref: ref, Instance: inst})
		}
		checkin := func(si ServiceInstance) {
			_ = ctx.Registry.ServiceObjects(si.Ref).UngetService(si.Instance)
		}

		var tracker registry.Tracker
		start := func() error {
			sf, err := buildFilter(ctx, serviceType, userFilter)
			if err != nil {
				return err
			}
			t, err := ctx.Registry.TrackServices(ctx.Go, sf, registry.ServiceTrackerCallbacks{
				Adding: func(ref registry.ServiceReference) {
					tok := checkout(ref)
					mu.Lock()
					live[ref.ID] = tok
					mu.Unlock()
					added.Emit(tok)
				},
				Modified: func(ref registry.ServiceReference) {
					mu.Lock()
					old, ok := live[ref.ID]
					mu.Unlock()
					if ok {
						removed.Emit(old)
						checkin(old.Value)
					}
					tok := checkout(ref)
					mu.Lock()
					live[ref.ID] = tok
					mu.Unlock()
					added.Emit(tok)
				},
				Removed: func(ref registry.ServiceReference) {
					mu.Lock()
					tok, ok := live[ref.ID]
					delete(live, ref.ID)
					mu.Unlock()
					if ok {
						removed.Emit(tok)
						checkin(tok.Value)
					}
				},
			})
			if err != nil {
				return err
			}
			tracker = t
			return tracker.Open()
		}

		return &Result[ServiceInstance]{
			Added:   added,
			Removed: removed,
			Start:   start,
			Close: func() error {
				if tracker == nil {
					return nil
				}
				return tracker.Close()
			},
		}, nil
	})
}

// Prototypes tracks every reference matching (serviceType, userFilter) and
// carries the service-objects handle itself in each token; no checkout or
// return happens at this layer.
func Prototypes(serviceType, userFilter string) Program[PrototypeHandle] {
	return newProgram(func(ctx *Context) (*Result[PrototypeHandle], error) {
		added := NewPipe[Token[PrototypeHandle]]()
		removed := NewPipe[Token[PrototypeHandle]]()

		var mu sync.Mutex
		live := map[string]Token[PrototypeHandle]{}

		var tracker registry.Tracker
		start := func() error {
			sf, err := buildFilter(ctx, serviceType, userFilter)
			if err != nil {
				return err
			}
			t, err := ctx.Registry.TrackServices(ctx.Go, sf, registry.ServiceTrackerCallbacks{
				Adding: func(ref registry.ServiceReference) {
					tok := NewToken(PrototypeHandle{Ref: ref, Objects: ctx.Registry.ServiceObjects(ref)})
					mu.Lock()
					live[ref.ID] = tok
					mu.Unlock()
					added.Emit(tok)
				},
				Modified: func(ref registry.ServiceReference) {
					mu.Lock()
					old, ok := live[ref.ID]
					mu.Unlock()
					if ok {
						removed.Emit(old)
					}
					tok := NewToken(PrototypeHandle{Ref: ref, Objects: ctx.Registry.ServiceObjects(ref)})
					mu.Lock()
					live[ref.ID] = tok
					mu.Unlock()
					added.Emit(tok)
				},
				Removed: func(ref registry.ServiceReference) {
					mu.Lock()
					tok, ok := live[ref.ID]
					delete(live, ref.ID)
					mu.Unlock()
					if ok {
						removed.Emit(tok)
					}
				},
			})
			if err != nil {
				return err
			}
			tracker = t
			return tracker.Open()
		}

		return &Result[PrototypeHandle]{
			Added:   added,
			Removed: removed,
			Start:   start,
			Close: func() error {
				if tracker == nil {
					return nil
				}
				return tracker.Close()
			},
		}, nil
	})
}

// Configuration watches pid for managed-configuration delivery. The first
// delivered dictionary is only stored: it emits on neither Removed nor
// Added — a known quirk carried over verbatim rather than silently fixed;
// every subsequent delivery emits the stale token on Removed and the
// replacement on Added.
func Configuration(pid string) Program[map[string]any] {
	return newProgram(func(ctx *Context) (*Result[map[string]any], error) {
		added := NewPipe[Token[map[string]any]]()
		removed := NewPipe[Token[map[string]any]]()

		var mu sync.Mutex
		var prior *Token[map[string]any]

		var unreg registry.Unregister
		start := func() error {
			u, err := ctx.Registry.WatchConfiguration(pid, func(d map[string]any) {
				mu.Lock()
				had := prior
				tok := NewToken(d)
				prior = &tok
				mu.Unlock()

				if had != nil {
					removed.Emit(*had)
					added.Emit(tok)
				}
				// had == nil: first delivery. No emission on either
				// pipe — see the doc comment above.
			})
			if err != nil {
				return err
			}
			unreg = u
			return nil
		}

		return &Result[map[string]any]{
			Added:   added,
			Removed: removed,
			Start:   start,
			Close: func() error {
				if unreg == nil {
					return nil
				}
				return unreg.Unregister()
			},
		}, nil
	})
}

// Configurations watches factoryPid for managed-factory delivery. Each
// factory instance pid has its own token; an update for a pid already
// seen emits the stale token on Removed before the replacement on Added,
// a deletion emits only Removed. Close unregisters the listener and then
// emits Removed, in unspecified order, for every token still held.
func Configurations(factoryPid string) Program[map[string]any] {
	return newProgram(func(ctx *Context) (*Result[map[string]any], error) {
		added := NewPipe[Token[map[string]any]]()
		removed := NewPipe[Token[map[string]any]]()

		var mu sync.Mutex
		live := map[string]Token[map[string]any]{}

		var unreg registry.Unregister
		start := func() error {
			u, err := ctx.Registry.WatchConfigurations(factoryPid,
				func(pid string, d map[string]any) {
					mu.Lock()
					old, ok := live[pid]
					tok := NewToken(d)
					live[pid] = tok
					mu.Unlock()
					if ok {
						removed.Emit(old)
					}
					added.Emit(tok)
				},
				func(pid string) {
					mu.Lock()
					tok, ok := live[pid]
					delete(live, pid)
					mu.Unlock()
					if ok {
						removed.Emit(tok)
					}
				},
			)
			if err != nil {
				return err
			}
			unreg = u
			return nil
		}

		return &Result[map[string]any]{
			Added:   added,
			Removed: removed,
			Start:   start,
			Close: func() error {
				var err error
				if unreg != nil {
					err = unreg.Unregister()
				}

				mu.Lock()
				remaining := make([]Token[map[string]any], 0, len(live))
				for _, t := range live {
					remaining = append(remaining, t)
				}
				live = map[string]Token[map[string]any]{}
				mu.Unlock()

				for _, t := range remaining {
					removed.Emit(t)
				}
				return err
			},
		}, nil
	})
}

// Bundles is a Multi tracking every bundle whose state matches mask,
// emitting on transition into the mask and removing on transition out.
func Bundles(mask registry.BundleState) Multi[registry.Bundle] {
	return newMulti(newProgram(func(ctx *Context) (*Result[registry.Bundle], error) {
		added := NewPipe[Token[registry.Bundle]]()
		removed := NewPipe[Token[registry.Bundle]]()

		var mu sync.Mutex
		live := map[string]Token[registry.Bundle]{}

		var tracker registry.Tracker
		start := func() error {
			t, err := ctx.Registry.TrackBundles(ctx.Go, mask, registry.BundleTrackerCallbacks{
				Adding: func(b registry.Bundle) {
					tok := NewToken(b)
					mu.Lock()
					live[b.ID] = tok
					mu.Unlock()
					added.Emit(tok)
				},
				Removed: func(b registry.Bundle) {
					mu.Lock()
					tok, ok := live[b.ID]
					delete(live, b.ID)
					mu.Unlock()
					if ok {
						removed.Emit(tok)
					}
				},
			})
			if err != nil {
				return err
			}
			tracker = t
			return tracker.Open()
		}

		return &Result[registry.Bundle]{
			Added:   added,
			Removed: removed,
			Start:   start,
			Close: func() error {
				if tracker == nil {
					return nil
				}
				return tracker.Close()
			},
		}, nil
	}))
}
