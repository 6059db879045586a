package pb

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodec implements grpc/encoding.Codec (not proto.Message) so that the
// plain structs in this package can flow through a real grpc.Server and
// grpc.ClientConn without protoc-generated marshalers. It registers under
// the name "proto", overriding grpc-go's built-in codec, since grpc-go
// selects a codec by content-subtype name and defaults to "proto" when the
// client sets none.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Envelope wraps a oneof-style RPC payload error so unary handlers written
// with generics (see transport.UnaryMethod) can report an application error
// without losing the gRPC status mapping done by errs.
type Envelope struct {
	Err string `json:"err,omitempty"`
}

func (e *Envelope) AsError() error {
	if e == nil || e.Err == "" {
		return nil
	}
	return fmt.Errorf("%s", e.Err)
}
