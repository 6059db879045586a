package config

import (
	"reflect"
	"testing"
)

func TestParseStaticEndpoints(t *testing.T) {
	got := parseStaticEndpoints("dom1=host1:50051,dom2=host2:50052")
	want := map[string]string{"dom1": "host1:50051", "dom2": "host2:50052"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseStaticEndpoints = %v, want %v", got, want)
	}
}

func TestParseStaticEndpointsEmpty(t *testing.T) {
	got := parseStaticEndpoints("")
	if len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}

func TestParseStaticEndpointsSkipsMalformedEntries(t *testing.T) {
	got := parseStaticEndpoints("dom1=host1:50051, , malformed ,dom2=host2:50052")
	want := map[string]string{"dom1": "host1:50051", "dom2": "host2:50052"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseStaticEndpoints = %v, want %v", got, want)
	}
}

func TestParseSubscriptions(t *testing.T) {
	got := parseSubscriptions("orders:OrderCreated,ItemAdded;inventory")
	want := map[string][]string{
		"orders":    {"OrderCreated", "ItemAdded"},
		"inventory": nil,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseSubscriptions = %v, want %v", got, want)
	}
}

func TestParseSubscriptionsEmpty(t *testing.T) {
	got := parseSubscriptions("")
	if len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}

func TestListenTargetTCP(t *testing.T) {
	c := &Config{Transport: TransportTCP, Port: 50051}
	network, address := c.ListenTarget()
	if network != "tcp" || address != ":50051" {
		t.Fatalf("ListenTarget = (%q, %q), want (tcp, :50051)", network, address)
	}
}

func TestListenTargetUDSDerivesSocketFromServiceName(t *testing.T) {
	c := &Config{Transport: TransportUDS, UDSBasePath: "/tmp/angzarr", ServiceName: "orders-aggregate"}
	network, address := c.ListenTarget()
	if network != "unix" {
		t.Fatalf("network = %q, want unix", network)
	}
	if address != "/tmp/angzarr/orders-aggregate.sock" {
		t.Fatalf("address = %q, want /tmp/angzarr/orders-aggregate.sock", address)
	}
}

func TestListenTargetUDSExplicitSocketPath(t *testing.T) {
	c := &Config{Transport: TransportUDS, UDSBasePath: "/tmp/angzarr/fixed.sock"}
	_, address := c.ListenTarget()
	if address != "/tmp/angzarr/fixed.sock" {
		t.Fatalf("address = %q, want the explicit socket path unchanged", address)
	}
}
