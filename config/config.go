// Package config loads the environment variables angzarr components read
// at startup, the way client/go/server.go's GetTransportConfig does, but
// generalized to cover bus and discovery selection as well as transport.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// TransportType selects between TCP and Unix domain sockets.
type TransportType string

const (
	TransportTCP TransportType = "tcp"
	TransportUDS TransportType = "uds"
)

// MessagingType selects the event bus transport.
type MessagingType string

const (
	MessagingAMQP    MessagingType = "amqp"
	MessagingIPC     MessagingType = "ipc"
	MessagingChannel MessagingType = "channel"
)

// DiscoveryMode selects how the service registry is populated.
type DiscoveryMode string

const (
	DiscoveryKubernetes DiscoveryMode = "kubernetes"
	DiscoveryStatic     DiscoveryMode = "static"
)

// Config is the full set of environment-driven settings for one process.
type Config struct {
	ServiceName string
	Domain      string

	Transport      TransportType
	Port           int
	UDSBasePath    string
	CommandAddress string
	StreamAddress  string
	StreamTimeout  time.Duration

	EventQueryAddress string

	Messaging MessagingType

	Discovery         DiscoveryMode
	StaticEndpoints   map[string]string // domain -> host:port
	Subscriptions     map[string][]string // domain -> event type names
}

// FromEnv loads a Config from the process environment, applying the
// defaults spec.md §6 implies: tcp transport, channel bus, kubernetes
// discovery unless ANGZARR_DISCOVERY=static, 30s stream timeout.
func FromEnv() (*Config, error) {
	c := &Config{
		ServiceName:   getenv("SERVICE_NAME", ""),
		Domain:        getenv("DOMAIN", ""),
		Transport:     TransportType(getenv("TRANSPORT_TYPE", string(TransportTCP))),
		UDSBasePath:   getenv("UDS_BASE_PATH", "/tmp/angzarr"),
		CommandAddress: getenv("COMMAND_ADDRESS", ""),
		StreamAddress: getenv("STREAM_ADDRESS", ""),
		EventQueryAddress: getenv("EVENT_QUERY_ADDRESS", ""),
		Messaging:     MessagingType(getenv("MESSAGING_TYPE", string(MessagingChannel))),
		Discovery:     DiscoveryKubernetes,
	}

	port := getenv("GRPC_PORT", getenv("PORT", "50051"))
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT/GRPC_PORT %q: %w", port, err)
	}
	c.Port = p

	timeoutSecs := getenv("STREAM_TIMEOUT_SECS", "30")
	secs, err := strconv.Atoi(timeoutSecs)
	if err != nil {
		return nil, fmt.Errorf("invalid STREAM_TIMEOUT_SECS %q: %w", timeoutSecs, err)
	}
	c.StreamTimeout = time.Duration(secs) * time.Second

	if strings.EqualFold(os.Getenv("ANGZARR_DISCOVERY"), "static") {
		c.Discovery = DiscoveryStatic
	}

	c.StaticEndpoints = parseStaticEndpoints(os.Getenv("ANGZARR_STATIC_ENDPOINTS"))
	c.Subscriptions = parseSubscriptions(os.Getenv("ANGZARR_SUBSCRIPTIONS"))

	return c, nil
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// parseStaticEndpoints parses "dom1=host1:p1,dom2=host2:p2".
func parseStaticEndpoints(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

// parseSubscriptions parses "domain:Type1,Type2;domain2".
func parseSubscriptions(raw string) map[string][]string {
	out := map[string][]string{}
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		domain := strings.TrimSpace(parts[0])
		if domain == "" {
			continue
		}
		if len(parts) == 1 {
			out[domain] = nil
			continue
		}
		var types []string
		for _, t := range strings.Split(parts[1], ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				types = append(types, t)
			}
		}
		out[domain] = types
	}
	return out
}

// ListenTarget returns the network and address grpc.Dial/net.Listen expect
// for this config's transport. It only computes the target; the UDS base
// directory is created by transport.Listen.
func (c *Config) ListenTarget() (network, address string) {
	if c.Transport == TransportUDS {
		path := c.UDSBasePath
		if !strings.HasSuffix(path, ".sock") {
			name := c.ServiceName
			if name == "" {
				name = c.Domain
			}
			path = strings.TrimSuffix(path, "/") + "/" + name + ".sock"
		}
		return "unix", path
	}
	return "tcp", fmt.Sprintf(":%d", c.Port)
}
