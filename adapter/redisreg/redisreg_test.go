package redisreg

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/matgreaves/loom/registry"
	"github.com/redis/go-redis/v9"
)

func TestKeyPrefixScopesByServiceType(t *testing.T) {
	got := keyPrefix("cache")
	want := "loom:service:cache:"
	if got != want {
		t.Fatalf("keyPrefix() = %q, want %q", got, want)
	}
}

func TestBuildFilterCombinesTypeAndUserFilter(t *testing.T) {
	r := &Registry{}
	got, err := r.BuildFilter("cache", "region=us")
	if err != nil {
		t.Fatalf("BuildFilter: %v", err)
	}
	if got != "cache:region=us" {
		t.Fatalf("BuildFilter() = %q, want %q", got, "cache:region=us")
	}
	got, err = r.BuildFilter("cache", "")
	if err != nil {
		t.Fatalf("BuildFilter: %v", err)
	}
	if got != "cache" {
		t.Fatalf("BuildFilter() = %q, want %q", got, "cache")
	}
}

func TestStringMapToAnyPreservesEntries(t *testing.T) {
	in := map[string]string{"host": "10.0.0.1", "port": "8080"}
	out := stringMapToAny(in)
	if out["host"] != "10.0.0.1" || out["port"] != "8080" {
		t.Fatalf("stringMapToAny(%v) = %v", in, out)
	}
}

// TestServicePresenceAgainstLiveServer exercises S9: a SET under the
// tracked prefix is an added event, deletion is a removed event. Requires
// LOOM_TEST_REDIS_ADDR naming a reachable server with keyspace
// notifications enabled; skipped otherwise.
func TestServicePresenceAgainstLiveServer(t *testing.T) {
	addr := os.Getenv("LOOM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LOOM_TEST_REDIS_ADDR not set; skipping live Redis test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg := New(client)

	added := make(chan registry.ServiceReference, 1)
	removed := make(chan registry.ServiceReference, 1)

	tracker, err := reg.TrackServices(ctx, registry.ServiceFilter{Type: "cache"}, registry.ServiceTrackerCallbacks{
		Adding:  func(ref registry.ServiceReference) { added <- ref },
		Removed: func(ref registry.ServiceReference) { removed <- ref },
	})
	if err != nil {
		t.Fatalf("TrackServices: %v", err)
	}
	defer tracker.Close()

	if err := tracker.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	key := keyPrefix("cache") + "node-1"
	if err := client.HSet(ctx, key, map[string]any{"host": "10.0.0.1"}).Err(); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	select {
	case ref := <-added:
		if ref.ID != "node-1" {
			t.Fatalf("added.ID = %q, want %q", ref.ID, "node-1")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for added event")
	}

	if err := client.Del(ctx, key).Err(); err != nil {
		t.Fatalf("Del: %v", err)
	}

	select {
	case ref := <-removed:
		if ref.ID != "node-1" {
			t.Fatalf("removed.ID = %q, want %q", ref.ID, "node-1")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for removed event")
	}
}
