package repair

import (
	"context"

	"google.golang.org/grpc"

	"github.com/angzarr-io/angzarr/pb"
	"github.com/angzarr-io/angzarr/transport"
)

// Client implements EventQuery by calling a remote EventQueryService,
// used by the destination fetcher and by the aggregate coordinator's
// repair step when the prior state came from a remote producer.
type Client struct {
	Conn *grpc.ClientConn
}

func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{Conn: conn}
}

func (c *Client) GetEventBook(ctx context.Context, cover *pb.Cover) (*pb.EventBook, error) {
	return transport.Invoke[pb.Query, pb.EventBook](ctx, c.Conn,
		"/"+pb.EventQueryService+"/"+pb.MethodGetEventBook,
		&pb.Query{Cover: cover})
}

// DialClient opens a connection to endpoint and wraps it as a Client.
func DialClient(endpoint string) (*Client, error) {
	conn, err := transport.Dial(endpoint)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}
