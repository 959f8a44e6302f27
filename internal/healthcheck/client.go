// Package healthcheck is a client for the gRPC health service exposed by the
// API process.
package healthcheck

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

var (
	// ErrUnknownService is returned when the server does not track the service.
	ErrUnknownService = errors.New("unknown service")
	// ErrNotServing is returned by Require when the reported status is not SERVING.
	ErrNotServing = errors.New("not serving")
)

// Client wraps a gRPC health connection.
type Client struct {
	conn *grpc.ClientConn
	svc  healthpb.HealthClient
}

// Dial creates a client with insecure transport unless opts are given.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, svc: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Check queries service ("" for the whole server).
func (c *Client) Check(ctx context.Context, service string) (*healthpb.HealthCheckResponse, error) {
	resp, err := c.svc.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return nil, mapHealthError(err)
	}
	return resp, nil
}

// Require succeeds only when service reports SERVING.
func (c *Client) Require(ctx context.Context, service string) error {
	resp, err := c.Check(ctx, service)
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return ErrNotServing
	}
	return nil
}

// Format renders a response as indented JSON.
func Format(resp *healthpb.HealthCheckResponse) (string, error) {
	out, err := protojson.MarshalOptions{Multiline: true, EmitUnpopulated: true}.Marshal(resp)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func mapHealthError(err error) error {
	if status.Code(err) == codes.NotFound {
		return ErrUnknownService
	}
	return err
}

// WithTimeout returns a context with a default timeout for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 5 * time.Second
	}
	return context.WithTimeout(parent, d)
}
