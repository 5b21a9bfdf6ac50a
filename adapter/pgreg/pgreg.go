// Package pgreg is a registry.Registry backed by Postgres: managed
// configuration delivery rides LISTEN/NOTIFY, and service presence is
// delivered as NOTIFY payloads on the same mechanism; no table is queried.
package pgreg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matgreaves/loom/connect"
	"github.com/matgreaves/loom/registry"
)

// DSN builds a Postgres connection string from endpoint attributes, same
// convention as connect.PostgresDSN.
func DSN(ep connect.Endpoint) string {
	return connect.PostgresDSN(ep)
}

// Connect returns a pgx connection pool from a resolved Postgres endpoint.
func Connect(ctx context.Context, ep connect.Endpoint) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, DSN(ep))
}

// Registry implements registry.Registry against one Postgres pool. Bundle
// tracking is not supported; TrackBundles always returns an error.
type Registry struct {
	Pool *pgxpool.Pool

	// Logger receives Warn-level notification wait and decode failures.
	// Defaults to slog.Default() when nil.
	Logger *slog.Logger
}

// New wraps an already-connected pool.
func New(pool *pgxpool.Pool) *Registry {
	return &Registry{Pool: pool}
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

// serviceEvent mirrors the row callers are expected to keep in a
// "loom_services" table: one row per live service instance, one JSON
// column of properties. TrackServices notices rows via NOTIFY
// "loom_services" carrying a JSON payload of this shape, so the producer
// of a row is responsible for issuing the matching NOTIFY after INSERT,
// UPDATE, or DELETE.
type serviceEvent struct {
	Op         string         `json:"op"` // "insert", "update", "delete"
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// TrackServices listens on the "loom_services" channel and dispatches cb
// as matching rows are inserted, updated, and deleted. Only events whose
// Type equals filter.Type are dispatched; filter.Filter is not further
// interpreted here (callers needing additional selection encode it into
// the event's own properties and filter client-side in cb).
func (r *Registry) TrackServices(ctx context.Context, filter registry.ServiceFilter, cb registry.ServiceTrackerCallbacks) (registry.Tracker, error) {
	conn, err := r.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgreg: acquire listen connection: %w", err)
	}

	trackCtx, cancel := context.WithCancel(ctx)
	t := &serviceTracker{conn: conn, cancel: cancel}
	log := r.logger()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			notification, err := conn.Conn().WaitForNotification(trackCtx)
			if err != nil {
				if trackCtx.Err() == nil {
					log.Warn("pgreg: wait for notification", "error", err)
				}
				return
			}
			var ev serviceEvent
			if err := json.Unmarshal([]byte(notification.Payload), &ev); err != nil {
				log.Warn("pgreg: decode service event", "error", err)
				continue
			}
			if ev.Type != filter.Type {
				continue
			}
			ref := registry.ServiceReference{ID: ev.ID, Type: ev.Type, Properties: ev.Properties}
			switch ev.Op {
			case "insert":
				cb.Adding(ref)
			case "update":
				cb.Modified(ref)
			case "delete":
				cb.Removed(ref)
			}
		}
	}()

	return t, nil
}

type serviceTracker struct {
	conn   *pgxpool.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (t *serviceTracker) Open() error {
	_, err := t.conn.Exec(context.Background(), "LISTEN loom_services")
	return err
}

func (t *serviceTracker) Close() error {
	t.cancel()
	t.wg.Wait()
	t.conn.Release()
	return nil
}

func (r *Registry) TrackBundles(context.Context, registry.BundleState, registry.BundleTrackerCallbacks) (registry.Tracker, error) {
	return nil, fmt.Errorf("pgreg: bundle tracking is not supported")
}

func (r *Registry) RegisterService(serviceType string, instance any, properties map[string]any) (registry.Registration, error) {
	return nil, fmt.Errorf("pgreg: service registration is not supported; insert into loom_services and NOTIFY directly")
}

func (r *Registry) ServiceObjects(ref registry.ServiceReference) registry.ServiceObjects {
	return pgServiceObjects{ref: ref}
}

type pgServiceObjects struct {
	ref registry.ServiceReference
}

func (o pgServiceObjects) GetService() (any, error) { return o.ref.Properties, nil }
func (o pgServiceObjects) UngetService(any) error   { return nil }

// WatchConfiguration listens on "loom_config_<pid>" and calls cb with the
// JSON payload decoded as a map for every NOTIFY received.
func (r *Registry) WatchConfiguration(pid string, cb func(dict map[string]any)) (registry.Unregister, error) {
	conn, err := r.Pool.Acquire(context.Background())
	if err != nil {
		return nil, fmt.Errorf("pgreg: acquire listen connection: %w", err)
	}
	channel := configChannel(pid)
	if _, err := conn.Exec(context.Background(), "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("pgreg: listen %s: %w", channel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &pgUnregister{conn: conn, cancel: cancel}
	log := r.logger()
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("pgreg: wait for notification", "pid", pid, "error", err)
				}
				return
			}
			var dict map[string]any
			if err := json.Unmarshal([]byte(n.Payload), &dict); err != nil {
				log.Warn("pgreg: decode configuration payload", "pid", pid, "error", err)
				continue
			}
			cb(dict)
		}
	}()
	return u, nil
}

// WatchConfigurations listens on "loom_factory_<factoryPid>"; each
// notification payload carries {"pid": "...", "deleted": bool, "dict":
// {...}}.
func (r *Registry) WatchConfigurations(factoryPid string, onUpdated func(pid string, dict map[string]any), onDeleted func(pid string)) (registry.Unregister, error) {
	conn, err := r.Pool.Acquire(context.Background())
	if err != nil {
		return nil, fmt.Errorf("pgreg: acquire listen connection: %w", err)
	}
	channel := factoryChannel(factoryPid)
	if _, err := conn.Exec(context.Background(), "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("pgreg: listen %s: %w", channel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &pgUnregister{conn: conn, cancel: cancel}
	log := r.logger()
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("pgreg: wait for notification", "factory_pid", factoryPid, "error", err)
				}
				return
			}
			var payload struct {
				Pid     string         `json:"pid"`
				Deleted bool           `json:"deleted"`
				Dict    map[string]any `json:"dict"`
			}
			if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
				log.Warn("pgreg: decode factory configuration payload", "factory_pid", factoryPid, "error", err)
				continue
			}
			if payload.Deleted {
				onDeleted(payload.Pid)
			} else {
				onUpdated(payload.Pid, payload.Dict)
			}
		}
	}()
	return u, nil
}

func configChannel(pid string) string  { return "loom_config_" + sanitizeChannel(pid) }
func factoryChannel(pid string) string { return "loom_factory_" + sanitizeChannel(pid) }

// sanitizeChannel replaces '.' and '-' with underscores so short dotted
// pids like "my.pid" form valid unquoted Postgres identifiers; every other
// character is kept unchanged.
func sanitizeChannel(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '-' {
			out[i] = '_'
		} else {
			out[i] = c
		}
	}
	return string(out)
}

type pgUnregister struct {
	conn   *pgxpool.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (u *pgUnregister) Unregister() error {
	u.cancel()
	u.wg.Wait()
	u.conn.Release()
	return nil
}
