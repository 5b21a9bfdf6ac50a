// Package redisreg is a registry.Registry backed by Redis keyspace
// notifications: a service is a key under a type-scoped prefix, presence
// is its existence, and TTL expiry or explicit deletion is the host's
// removal signal.
package redisreg

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/matgreaves/loom/registry"
	"github.com/redis/go-redis/v9"
)

// Registry implements registry.Registry against one Redis client. Bundle
// tracking and managed configuration are not supported.
type Registry struct {
	Client *redis.Client

	// Logger receives Debug-level key transitions and Warn-level lookup
	// failures. Defaults to slog.Default() when nil.
	Logger *slog.Logger
}

// New wraps an already-connected client. Keyspace notifications must be
// enabled on the server (CONFIG SET notify-keyspace-events KEA or
// equivalent) for TrackServices to observe anything.
func New(client *redis.Client) *Registry {
	return &Registry{Client: client}
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

func keyPrefix(serviceType string) string {
	return "loom:service:" + serviceType + ":"
}

// TrackServices lists every key already present under the type's prefix
// as an initial Adding burst, then subscribes to keyspace notifications
// for set and expired/del events under that prefix.
func (r *Registry) TrackServices(ctx context.Context, filter registry.ServiceFilter, cb registry.ServiceTrackerCallbacks) (registry.Tracker, error) {
	prefix := keyPrefix(filter.Type)

	pubsub := r.Client.PSubscribe(ctx, "__keyevent@*__:*")
	trackCtx, cancel := context.WithCancel(ctx)
	t := &tracker{
		registry: r,
		pubsub:   pubsub,
		cancel:   cancel,
		prefix:   prefix,
		cb:       cb,
		live:     map[string]struct{}{},
		log:      r.logger(),
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ch := pubsub.Channel()
		for {
			select {
			case <-trackCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				t.handle(trackCtx, msg)
			}
		}
	}()

	return t, nil
}

type tracker struct {
	registry *Registry
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	cb       registry.ServiceTrackerCallbacks
	log      *slog.Logger

	mu     sync.Mutex
	prefix string
	live   map[string]struct{}
}

func (t *tracker) handle(ctx context.Context, msg *redis.Message) {
	cb := t.cb
	key := msg.Payload
	if !strings.HasPrefix(key, t.prefix) {
		return
	}
	id := strings.TrimPrefix(key, t.prefix)
	event := msg.Channel[strings.LastIndex(msg.Channel, ":")+1:]

	switch event {
	case "set", "hset":
		props, err := t.registry.Client.HGetAll(ctx, key).Result()
		if err != nil {
			t.log.Warn("redisreg: get properties", "key", key, "error", err)
			return
		}
		ref := registry.ServiceReference{ID: id, Type: strings.TrimSuffix(strings.TrimPrefix(t.prefix, "loom:service:"), ":"), Properties: stringMapToAny(props)}

		t.mu.Lock()
		_, existed := t.live[key]
		t.live[key] = struct{}{}
		t.mu.Unlock()

		if existed {
			t.log.Debug("redisreg: key modified", "key", key)
			cb.Modified(ref)
		} else {
			t.log.Debug("redisreg: key added", "key", key)
			cb.Adding(ref)
		}
	case "del", "expired":
		t.mu.Lock()
		_, existed := t.live[key]
		delete(t.live, key)
		t.mu.Unlock()
		if existed {
			t.log.Debug("redisreg: key removed", "key", key, "event", event)
			cb.Removed(registry.ServiceReference{ID: id})
		}
	}
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (t *tracker) Open() error {
	serviceType := strings.TrimSuffix(strings.TrimPrefix(t.prefix, "loom:service:"), ":")
	prefixPattern := strings.TrimSuffix(t.prefix, ":") + ":*"
	keys, err := t.registry.Client.Keys(context.Background(), prefixPattern).Result()
	if err != nil {
		return err
	}
	for _, key := range keys {
		props, err := t.registry.Client.HGetAll(context.Background(), key).Result()
		if err != nil {
			t.log.Warn("redisreg: get properties", "key", key, "error", err)
			continue
		}
		id := strings.TrimPrefix(key, t.prefix)

		t.mu.Lock()
		t.live[key] = struct{}{}
		t.mu.Unlock()

		t.log.Debug("redisreg: initial key", "key", key)
		t.cb.Adding(registry.ServiceReference{ID: id, Type: serviceType, Properties: stringMapToAny(props)})
	}
	return nil
}

func (t *tracker) Close() error {
	t.cancel()
	t.wg.Wait()
	return t.pubsub.Close()
}

func (r *Registry) TrackBundles(context.Context, registry.BundleState, registry.BundleTrackerCallbacks) (registry.Tracker, error) {
	return nil, fmt.Errorf("redisreg: bundle tracking is not supported")
}

// RegisterService publishes properties as a Redis hash under the service's
// key, keyed by the string "id" property; it returns an error when that
// property is missing or empty. instance itself is not stored.
func (r *Registry) RegisterService(serviceType string, instance any, properties map[string]any) (registry.Registration, error) {
	id, _ := properties["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("redisreg: RegisterService requires a string \"id\" property")
	}
	key := keyPrefix(serviceType) + id

	ctx := context.Background()
	fields := make(map[string]any, len(properties))
	for k, v := range properties {
		fields[k] = v
	}
	if err := r.Client.HSet(ctx, key, fields).Err(); err != nil {
		return nil, fmt.Errorf("redisreg: register %s: %w", key, err)
	}
	return &registration{client: r.Client, key: key}, nil
}

type registration struct {
	client *redis.Client
	key    string
}

func (r *registration) Unregister() error {
	return r.client.Del(context.Background(), r.key).Err()
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
	return nil, fmt.Errorf("redisreg: managed configuration is not supported")
}

func (r *Registry) WatchConfigurations(string, func(string, map[string]any), func(string)) (registry.Unregister, error) {
	return nil, fmt.Errorf("redisreg: managed configuration is not supported")
}
