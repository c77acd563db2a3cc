package tradecore

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the tradecore-server backtest service.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial creates a Client for the server at addr. The connection is
// plaintext unless opts override the transport credentials.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close releases a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Run backtests one strategy on the server.
func (c *Client) Run(ctx context.Context, req RunRequest) (*Summary, error) {
	var out Summary
	if err := c.invoke(ctx, RunMethod, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sweep runs a parameter sweep on the server.
func (c *Client) Sweep(ctx context.Context, req SweepRequest) (*SweepResponse, error) {
	var out SweepResponse
	if err := c.invoke(ctx, SweepMethod, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, out any) error {
	in, err := Encode(req)
	if err != nil {
		return err
	}
	reply := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, method, in, reply); err != nil {
		return err
	}
	return Decode(reply, out)
}
