package client

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/mailroom/pkg/api"
	"github.com/cuemby/mailroom/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client wraps a connection to the Mailbox service. Errors carrying a
// registry condition match the registry sentinels with errors.Is.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient connects to a mailroom daemon at addr
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)))

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if err := c.conn.Invoke(ctx, api.FullMethod(method), req, resp); err != nil {
		return api.FromStatus(err)
	}
	return nil
}

// Register creates a registration leased for d. Zero requests the
// server's default lease.
func (c *Client) Register(ctx context.Context, d time.Duration) (types.Lease, error) {
	var resp api.RegisterResponse
	if err := c.invoke(ctx, "Register", &api.RegisterRequest{DurationMs: d.Milliseconds()}, &resp); err != nil {
		return types.Lease{}, err
	}
	id, err := types.ParseRegistrationID(resp.RegistrationID)
	if err != nil {
		return types.Lease{}, err
	}
	return types.Lease{RegistrationID: id, Expiration: resp.Expiration}, nil
}

// Renew extends a lease and returns the granted duration
func (c *Client) Renew(ctx context.Context, id types.RegistrationID, extension time.Duration) (time.Duration, error) {
	var resp api.RenewResponse
	req := &api.RenewRequest{RegistrationID: id.String(), ExtensionMs: extension.Milliseconds()}
	if err := c.invoke(ctx, "Renew", req, &resp); err != nil {
		return 0, err
	}
	return time.Duration(resp.GrantedMs) * time.Millisecond, nil
}

// Cancel removes a registration
func (c *Client) Cancel(ctx context.Context, id types.RegistrationID) error {
	return c.invoke(ctx, "Cancel", &api.RegistrationRequest{RegistrationID: id.String()}, &api.Empty{})
}

// EnableDelivery switches a registration to push delivery
func (c *Client) EnableDelivery(ctx context.Context, id types.RegistrationID, spec types.TargetSpec) error {
	req := &api.EnableDeliveryRequest{RegistrationID: id.String(), Target: spec}
	return c.invoke(ctx, "EnableDelivery", req, &api.Empty{})
}

// DisableDelivery stops delivery for a registration
func (c *Client) DisableDelivery(ctx context.Context, id types.RegistrationID) error {
	return c.invoke(ctx, "DisableDelivery", &api.RegistrationRequest{RegistrationID: id.String()}, &api.Empty{})
}

// Notify stores an event for a registration
func (c *Client) Notify(ctx context.Context, id types.RegistrationID, ev *types.Event) error {
	return c.invoke(ctx, "Notify", &api.NotifyRequest{RegistrationID: id.String(), Event: ev}, &api.Empty{})
}

// PullSnapshot switches a registration to pull delivery and returns the
// iterator token and the first events
func (c *Client) PullSnapshot(ctx context.Context, id types.RegistrationID, max int) (string, []api.PulledEvent, error) {
	var resp api.PullSnapshotResponse
	req := &api.PullSnapshotRequest{RegistrationID: id.String(), Max: max}
	if err := c.invoke(ctx, "PullSnapshot", req, &resp); err != nil {
		return "", nil, err
	}
	return resp.Token, resp.Events, nil
}

// PullBatch acknowledges everything up to lastCursor and returns the next
// events, waiting up to timeout when there are none
func (c *Client) PullBatch(ctx context.Context, id types.RegistrationID, token, lastCursor string, max int, timeout time.Duration) ([]api.PulledEvent, error) {
	var resp api.PullBatchResponse
	req := &api.PullBatchRequest{
		RegistrationID: id.String(),
		Token:          token,
		LastCursor:     lastCursor,
		Max:            max,
		TimeoutMs:      timeout.Milliseconds(),
	}
	if err := c.invoke(ctx, "PullBatch", req, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// GetRegistration returns a view of one registration
func (c *Client) GetRegistration(ctx context.Context, id types.RegistrationID) (*types.RegistrationInfo, error) {
	var info types.RegistrationInfo
	if err := c.invoke(ctx, "GetRegistration", &api.RegistrationRequest{RegistrationID: id.String()}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListRegistrations returns every registration
func (c *Client) ListRegistrations(ctx context.Context) ([]types.RegistrationInfo, error) {
	var resp api.ListRegistrationsResponse
	if err := c.invoke(ctx, "ListRegistrations", &api.Empty{}, &resp); err != nil {
		return nil, err
	}
	return resp.Registrations, nil
}

// ListDeadLetters returns the dead-lettered events of a registration
func (c *Client) ListDeadLetters(ctx context.Context, id types.RegistrationID) ([]*types.DeadLetter, error) {
	var resp api.ListDeadLettersResponse
	if err := c.invoke(ctx, "ListDeadLetters", &api.RegistrationRequest{RegistrationID: id.String()}, &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

// Iterator consumes a registration's events in pull mode. Each Next call
// acknowledges the previous batch.
type Iterator struct {
	client  *Client
	id      types.RegistrationID
	token   string
	cursor  string
	pending []api.PulledEvent
	max     int
}

// Pull switches a registration to pull delivery and returns an iterator
// positioned at its oldest undelivered event
func (c *Client) Pull(ctx context.Context, id types.RegistrationID, max int) (*Iterator, error) {
	token, first, err := c.PullSnapshot(ctx, id, max)
	if err != nil {
		return nil, err
	}
	return &Iterator{client: c, id: id, token: token, pending: first, max: max}, nil
}

// Next returns the next batch of events, waiting up to timeout for new
// ones. Returning a batch acknowledges the batch returned before it.
func (it *Iterator) Next(ctx context.Context, timeout time.Duration) ([]*types.Event, error) {
	batch := it.pending
	it.pending = nil

	if len(batch) == 0 {
		var err error
		batch, err = it.client.PullBatch(ctx, it.id, it.token, it.cursor, it.max, timeout)
		if err != nil {
			return nil, err
		}
	}
	if len(batch) == 0 {
		return nil, nil
	}

	it.cursor = batch[len(batch)-1].Cursor
	events := make([]*types.Event, 0, len(batch))
	for _, p := range batch {
		events = append(events, p.Event)
	}
	return events, nil
}

// Ack acknowledges everything returned so far without fetching more
func (it *Iterator) Ack(ctx context.Context) error {
	if it.cursor == "" {
		return nil
	}
	_, err := it.client.PullBatch(ctx, it.id, it.token, it.cursor, 1, 0)
	return err
}
