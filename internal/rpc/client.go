// Package rpc carries the controller's unary gRPC calls. Messages are
// google.protobuf.Struct values so that inference services and simulator
// bridges in any language can implement the contracts without generated
// stubs.
package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxMsgSize covers a full 480x640 RGB-D frame plus category map.
const maxMsgSize = 16 * 1024 * 1024 // 16 MB

// Client invokes methods of one service on a gRPC endpoint.
type Client struct {
	conn    *grpc.ClientConn
	service string
	timeout time.Duration
}

// Dial creates a client for service at target. No connection is made until
// the first call. timeout bounds each call; zero disables the bound.
func Dial(target, service string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	return &Client{conn: conn, service: service, timeout: timeout}, nil
}

// Service returns the fully qualified service name.
func (c *Client) Service() string { return c.service }

// Target returns the endpoint the client talks to.
func (c *Client) Target() string { return c.conn.Target() }

// Call invokes method with req, which must contain only values accepted by
// structpb.NewStruct.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, FullMethod(c.service, method), in, out); err != nil {
		return nil, fmt.Errorf("%s: %w", FullMethod(c.service, method), err)
	}
	return out, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// FullMethod returns the gRPC method path for service and method.
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}
