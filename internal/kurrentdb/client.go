// Package kurrentdb publishes message log events to KurrentDB
// (EventStoreDB) so that evidence consumers can follow timestamp commits
// and archive seals as a stream.
package kurrentdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
)

// Client wraps the EventStore client used to publish message log events.
type Client struct {
	db     *esdb.Client
	config *Config
}

// NewClient creates a client. No connection is made until the first call.
func NewClient(cfg *Config) (*Client, error) {
	settings, err := esdb.ParseConnectionString(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	db, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return &Client{db: db, config: cfg}, nil
}

// Connect verifies the server answers reads.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.ping(ctx, 10*time.Second); err != nil {
		return fmt.Errorf("failed to verify connection: %w", err)
	}
	return nil
}

// HealthCheck verifies the connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.ping(ctx, 5*time.Second); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// ping reads one event of the $streams system stream.
func (c *Client) ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := c.db.ReadStream(ctx, "$streams", esdb.ReadStreamOptions{
		From:      esdb.Start{},
		Direction: esdb.Forwards,
	}, 1)
	if err != nil {
		return err
	}
	stream.Close()
	return nil
}

// DB returns the underlying EventStore client.
func (c *Client) DB() *esdb.Client {
	return c.db
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.db.Close()
}

// LastEventNumber returns the number of the newest event in a stream, or 0
// when the stream does not exist yet.
func (c *Client) LastEventNumber(ctx context.Context, streamName string) (uint64, error) {
	stream, err := c.db.ReadStream(ctx, streamName, esdb.ReadStreamOptions{
		From:      esdb.End{},
		Direction: esdb.Backwards,
	}, 1)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	event, err := stream.Recv()
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	var esdbErr *esdb.Error
	if errors.As(err, &esdbErr) && esdbErr.Code() == esdb.ErrorCodeResourceNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return event.Event.EventNumber, nil
}
