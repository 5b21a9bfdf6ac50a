// Package dockerreg is a registry.Registry backed by the Docker daemon:
// a service is a running container carrying a "loom.service" label, and
// presence tracking rides the daemon's event stream.
package dockerreg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/matgreaves/loom/registry"
)

var (
	sharedClient *client.Client
	clientOnce   sync.Once
	clientErr    error
)

// Client returns a process-wide shared Docker client, discovering the
// daemon socket from the environment or common Docker Desktop locations
// when DOCKER_HOST is unset. Callers must not Close the returned client.
func Client() (*client.Client, error) {
	clientOnce.Do(func() {
		sharedClient, clientErr = newClient()
	})
	return sharedClient, clientErr
}

func newClient() (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if os.Getenv("DOCKER_HOST") == "" {
		if sock := findSocket(); sock != "" {
			opts = append(opts, client.WithHost("unix://"+sock))
		}
	}
	return client.NewClientWithOpts(opts...)
}

func findSocket() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	candidates := []string{"/var/run/docker.sock"}
	if home != "" {
		candidates = append(candidates,
			filepath.Join(home, ".docker", "run", "docker.sock"),
			filepath.Join(home, ".colima", "default", "docker.sock"),
		)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ServiceLabel is the container label whose value names the service type
// a container is tracked under.
const ServiceLabel = "loom.service"

// Registry implements registry.Registry against the Docker daemon.
// Bundle tracking, service registration, and managed configuration are
// not supported — Docker has no equivalent concept.
type Registry struct {
	CLI *client.Client

	// Logger receives Debug-level container start/die events and Warn-level
	// event-stream failures. Defaults to slog.Default() when nil.
	Logger *slog.Logger
}

// New wraps an already-connected Docker client.
func New(cli *client.Client) *Registry {
	return &Registry{CLI: cli}
}

func (r *Registry) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Registry) BuildFilter(serviceType, userFilter string) (string, error) {
	if userFilter == "" {
		return serviceType, nil
	}
	return fmt.Sprintf("%s:%s", serviceType, userFilter), nil
}

// TrackServices lists every running container labeled ServiceLabel=filter.Type
// as an initial Adding burst, then follows the daemon's event stream for
// start/die events on that label to deliver Adding/Removed afterward.
// filter.Filter is not interpreted; only the label selects containers.
func (r *Registry) TrackServices(ctx context.Context, filter registry.ServiceFilter, cb registry.ServiceTrackerCallbacks) (registry.Tracker, error) {
	labelFilter := ServiceLabel + "=" + filter.Type

	eventCtx, cancel := context.WithCancel(ctx)
	eventFilters := filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("label", labelFilter),
		filters.Arg("event", "start"),
		filters.Arg("event", "die"),
	)
	msgs, errs := r.CLI.Events(eventCtx, events.ListOptions{Filters: eventFilters})
	log := r.logger()

	t := &tracker{cancel: cancel, done: make(chan struct{})}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(t.done)
		for {
			select {
			case <-eventCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ref := registry.ServiceReference{
					ID:         msg.Actor.ID,
					Type:       filter.Type,
					Properties: attributesToProperties(msg.Actor.Attributes),
				}
				switch msg.Action {
				case events.ActionStart:
					log.Debug("dockerreg: container started", "id", ref.ID, "type", filter.Type)
					cb.Adding(ref)
				case events.ActionDie:
					log.Debug("dockerreg: container died", "id", ref.ID, "type", filter.Type)
					cb.Removed(ref)
				}
			case err, ok := <-errs:
				if !ok {
					return
				}
				log.Warn("dockerreg: event stream error", "error", err)
				return
			}
		}
	}()

	t.cli = r.CLI
	t.labelFilter = labelFilter
	t.cb = cb
	return t, nil
}

func attributesToProperties(attrs map[string]string) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

type tracker struct {
	cli         *client.Client
	labelFilter string
	cb          registry.ServiceTrackerCallbacks
	cancel      context.CancelFunc
	done        chan struct{}
	wg          sync.WaitGroup
}

// Open lists already-running containers matching the tracked label and
// reports each as Adding. The event-stream goroutine has been running
// since TrackServices, so transitions it observes can be delivered while
// this listing is still in progress.
func (t *tracker) Open() error {
	containers, err := t.cli.ContainerList(context.Background(), container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", t.labelFilter), filters.Arg("status", "running")),
	})
	if err != nil {
		return fmt.Errorf("dockerreg: list containers: %w", err)
	}
	for _, c := range containers {
		t.cb.Adding(registry.ServiceReference{
			ID:         c.ID,
			Type:       c.Labels[ServiceLabel],
			Properties: attributesToProperties(c.Labels),
		})
	}
	return nil
}

func (t *tracker) Close() error {
	t.cancel()
	<-t.done
	return nil
}

func (r *Registry) TrackBundles(context.Context, registry.BundleState, registry.BundleTrackerCallbacks) (registry.Tracker, error) {
	return nil, fmt.Errorf("dockerreg: bundle tracking is not supported")
}

func (r *Registry) RegisterService(string, any, map[string]any) (registry.Registration, error) {
	return nil, fmt.Errorf("dockerreg: service registration is not supported; start a labeled container directly")
}

func (r *Registry) ServiceObjects(ref registry.ServiceReference) registry.ServiceObjects {
	return serviceObjects{ref: ref}
}

type serviceObjects struct {
	ref registry.ServiceReference
}

func (o serviceObjects) GetService() (any, error) { return o.ref.Properties, nil }
func (o serviceObjects) UngetService(any) error   { return nil }

func (r *Registry) WatchConfiguration(string, func(map[string]any)) (registry.Unregister, error) {
	return nil, fmt.Errorf("dockerreg: managed configuration is not supported")
}

func (r *Registry) WatchConfigurations(string, func(string, map[string]any), func(string)) (registry.Unregister, error) {
	return nil, fmt.Errorf("dockerreg: managed configuration is not supported")
}
