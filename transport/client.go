package transport

import (
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FormatEndpoint converts an endpoint to gRPC target format. UDS paths are
// detected by a leading '/' or './' and converted to unix:// URIs; anything
// else (including an already-prefixed unix:// target) passes through.
func FormatEndpoint(endpoint string) string {
	if strings.HasPrefix(endpoint, "/") || strings.HasPrefix(endpoint, "./") {
		return "unix://" + endpoint
	}
	return endpoint
}

// Dial opens an insecure client connection to endpoint, applying
// FormatEndpoint first.
func Dial(endpoint string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	all := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return grpc.NewClient(FormatEndpoint(endpoint), all...)
}
