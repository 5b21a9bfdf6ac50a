// Package grpcready gates service tracking on the standard gRPC health
// checking protocol: a reference is only reported to the caller's
// customizer once its endpoint answers healthy.
package grpcready

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/matgreaves/loom/registry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Check dials host:port and asks the gRPC health service for its status.
// A server that does not implement the health protocol (UNIMPLEMENTED) is
// treated as healthy — a responding gRPC server is considered ready.
func Check(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			return nil
		}
		return err
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpcready: status %s", resp.Status)
	}
	return nil
}

// HostPort extracts the dial target from a service reference's
// properties. Callers that store host/port under different keys should
// wrap Gate's registry directly instead of using this helper.
func HostPort(ref registry.ServiceReference) (string, int) {
	host, _ := ref.Properties["host"].(string)
	port, _ := ref.Properties["port"].(int)
	return host, port
}

// Gate wraps an inner registry.Registry so TrackServices only reports
// Adding once the referenced endpoint's gRPC health check passes, polling
// at interval until ctx is cancelled or the service is removed first — a
// reference that never becomes healthy never emits Adding.
func Gate(inner registry.Registry, interval time.Duration) registry.Registry {
	return &gated{Registry: inner, interval: interval}
}

type gated struct {
	registry.Registry
	interval time.Duration

	// Logger receives Debug-level poll/health transitions. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger
}

func (g *gated) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func (g *gated) TrackServices(ctx context.Context, filter registry.ServiceFilter, cb registry.ServiceTrackerCallbacks) (registry.Tracker, error) {
	gt := &gateTracker{
		interval: g.interval,
		pending:  map[string]context.CancelFunc{},
		reported: map[string]struct{}{},
		log:      g.logger(),
	}

	t, err := g.Registry.TrackServices(ctx, filter, registry.ServiceTrackerCallbacks{
		Adding: func(ref registry.ServiceReference) {
			gt.watch(ctx, ref, cb)
		},
		Modified: func(ref registry.ServiceReference) {
			gt.mu.Lock()
			_, known := gt.reported[ref.ID]
			gt.mu.Unlock()
			if known {
				cb.Modified(ref)
			} else {
				gt.watch(ctx, ref, cb)
			}
		},
		Removed: func(ref registry.ServiceReference) {
			wasPending := gt.cancelPending(ref.ID)
			gt.mu.Lock()
			_, known := gt.reported[ref.ID]
			delete(gt.reported, ref.ID)
			gt.mu.Unlock()
			if wasPending && !known {
				gt.log.Debug("grpcready: removed before becoming healthy", "id", ref.ID)
			}
			if known {
				cb.Removed(ref)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	gt.tracker = t
	return gt, nil
}

type gateTracker struct {
	tracker  registry.Tracker
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	pending  map[string]context.CancelFunc
	reported map[string]struct{}
}

// watch polls the health check for ref until it succeeds, then reports
// Adding, or returns early if the reference is removed first.
func (gt *gateTracker) watch(ctx context.Context, ref registry.ServiceReference, cb registry.ServiceTrackerCallbacks) {
	watchCtx, cancel := context.WithCancel(ctx)
	gt.mu.Lock()
	gt.pending[ref.ID] = cancel
	gt.mu.Unlock()

	interval := gt.interval
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		defer cancel()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		host, port := HostPort(ref)
		for {
			if err := Check(watchCtx, host, port); err != nil {
				gt.log.Debug("grpcready: poll not yet healthy", "id", ref.ID, "error", err)
			} else {
				gt.mu.Lock()
				delete(gt.pending, ref.ID)
				gt.reported[ref.ID] = struct{}{}
				gt.mu.Unlock()
				gt.log.Debug("grpcready: became healthy", "id", ref.ID, "addr", fmt.Sprintf("%s:%d", host, port))
				cb.Adding(ref)
				return
			}
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (gt *gateTracker) cancelPending(id string) bool {
	gt.mu.Lock()
	cancel, ok := gt.pending[id]
	delete(gt.pending, id)
	gt.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (gt *gateTracker) Open() error {
	return gt.tracker.Open()
}

func (gt *gateTracker) Close() error {
	gt.mu.Lock()
	for _, cancel := range gt.pending {
		cancel()
	}
	gt.pending = map[string]context.CancelFunc{}
	gt.mu.Unlock()
	return gt.tracker.Close()
}
