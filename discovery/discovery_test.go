package discovery

import (
	"testing"

	"github.com/angzarr-io/angzarr/errs"
)

func TestRegistrySetAndResolve(t *testing.T) {
	r := NewRegistry()
	r.Set("orders", Endpoint{CommandAddress: "orders:50051", EventQueryAddress: "orders:50052"})

	ep, err := r.Resolve("orders")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.CommandAddress != "orders:50051" {
		t.Fatalf("CommandAddress = %q, want orders:50051", ep.CommandAddress)
	}
}

func TestRegistryWildcardFallback(t *testing.T) {
	r := NewRegistry()
	r.Set(Wildcard, Endpoint{CommandAddress: "catch-all:50051"})

	ep, err := r.Resolve("unregistered-domain")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.CommandAddress != "catch-all:50051" {
		t.Fatalf("CommandAddress = %q, want catch-all:50051", ep.CommandAddress)
	}
}

func TestRegistryNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("orders")
	if !errs.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRegistryDelete(t *testing.T) {
	r := NewRegistry()
	r.Set("orders", Endpoint{CommandAddress: "orders:50051"})
	r.Delete("orders")
	if _, err := r.Resolve("orders"); !errs.IsNotFound(err) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.Set("orders", Endpoint{CommandAddress: "orders:50051"})

	snap := r.Snapshot()
	snap["orders"] = Endpoint{CommandAddress: "tampered"}

	ep, _ := r.Resolve("orders")
	if ep.CommandAddress != "orders:50051" {
		t.Fatal("mutating the snapshot must not affect the registry")
	}
}

func TestStaticMergesCommandAndEventQueryEndpoints(t *testing.T) {
	r := Static(
		map[string]string{"orders": "orders-cmd:50051", "inventory": "inv-cmd:50051"},
		map[string]string{"orders": "orders-query:50052"},
	)

	ep, err := r.Resolve("orders")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.CommandAddress != "orders-cmd:50051" || ep.EventQueryAddress != "orders-query:50052" {
		t.Fatalf("orders endpoint = %+v, want merged command+query", ep)
	}

	invEp, err := r.Resolve("inventory")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if invEp.EventQueryAddress != "" {
		t.Fatalf("inventory should have no event-query address, got %q", invEp.EventQueryAddress)
	}
}
