// Package client owns the NATS connection used by the prepender and exposes
// the JetStream message service built on top of it.
package client

import (
	"context"
	"fmt"

	natsclient "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/prepender/internal/nats"
	apperrors "github.com/wehubfusion/prepender/pkg/errors"
	"github.com/wehubfusion/prepender/pkg/message"
)

// Client is the entry point for JetStream operations. It manages the
// connection and wires the MessageService on Connect.
//
// Example usage:
//
//	c := client.NewClient("nats://localhost:4222")
//	if err := c.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
//	defer c.Close()
//
//	msg := message.FromRecord(record.New(content, attrs))
//	c.Messages.Publish(ctx, "records.in", msg)
type Client struct {
	conn        *natsclient.Conn
	js          natsclient.JetStreamContext
	config      *nats.ConnectionConfig
	logger      *zap.Logger
	blobStorage message.BlobStorage

	// Messages provides publish, pull and result reporting over JetStream.
	// It is nil until Connect succeeds.
	Messages *message.MessageService
}

// NewClient creates a client with the default connection configuration.
// JetStream must be enabled on the server.
func NewClient(url string) *Client {
	return NewClientWithConfig(nats.DefaultConnectionConfig(url))
}

// NewClientWithConfig creates a client with custom connection settings.
func NewClientWithConfig(config *nats.ConnectionConfig) *Client {
	return &Client{
		config: config,
		logger: zap.NewNop(),
	}
}

// NewClientWithJSContext creates a client wired to a provided JSContext
// implementation, without a NATS connection. A nil config uses the defaults.
func NewClientWithJSContext(js message.JSContext, config *nats.ConnectionConfig) (*Client, error) {
	if config == nil {
		config = nats.DefaultConnectionConfig("")
	}
	c := &Client{config: config, logger: zap.NewNop()}
	svc, err := c.newMessageService(js)
	if err != nil {
		return nil, err
	}
	c.Messages = svc
	return c, nil
}

// SetLogger sets a custom zap logger for the client and its message service
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger == nil {
		return
	}
	c.logger = logger
	if c.Messages != nil {
		c.Messages.SetLogger(logger.Named("messages"))
	}
}

// SetBlobStorage sets the store used for content above the inline limit.
// It applies to the current message service and to any created by a later Connect.
func (c *Client) SetBlobStorage(bs message.BlobStorage) {
	c.blobStorage = bs
	if c.Messages != nil {
		c.Messages.SetBlobStorage(bs)
	}
}

func (c *Client) newMessageService(js message.JSContext) (*message.MessageService, error) {
	svc, err := message.NewMessageService(
		js,
		c.config.MaxDeliver,
		c.config.PublishMaxRetries,
		c.config.ResultStream,
		c.config.ResultSubject,
	)
	if err != nil {
		return nil, err
	}
	svc.SetLogger(c.logger.Named("messages"))
	if c.blobStorage != nil {
		svc.SetBlobStorage(c.blobStorage)
	}
	return svc, nil
}

// Connect establishes the NATS connection, initializes JetStream and
// creates the message service. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}
	if c.config == nil {
		return apperrors.NewValidationError("connection config cannot be nil", "INVALID_CONFIGURATION", apperrors.ErrInvalidConfiguration)
	}

	conn, err := nats.Connect(ctx, c.config, c.logger)
	if err != nil {
		return apperrors.NewInternalError("", "failed to connect to NATS", "CONNECTION_FAILED", err)
	}
	c.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		return apperrors.NewInternalError("", "JetStream is not enabled on the NATS server", "JETSTREAM_NOT_ENABLED", err)
	}
	c.js = js

	msgService, err := c.newMessageService(message.WrapNATSJetStream(js))
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		c.js = nil
		return apperrors.NewInternalError("", "failed to initialize message service", "SERVICE_INIT_FAILED", err)
	}
	c.Messages = msgService
	return nil
}

// Close drains in-flight messages and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	if err := nats.Close(c.conn); err != nil {
		return apperrors.NewInternalError("", "failed to close connection", "CLOSE_FAILED", err)
	}

	c.conn = nil
	c.js = nil
	c.Messages = nil
	return nil
}

// IsConnected returns true if the client is currently connected to the NATS server.
func (c *Client) IsConnected() bool {
	return nats.IsConnected(c.conn)
}

// Connection returns the underlying NATS connection.
func (c *Client) Connection() *natsclient.Conn {
	return c.conn
}

// JetStream returns the JetStream context, or nil before Connect.
func (c *Client) JetStream() natsclient.JetStreamContext {
	return c.js
}

// ConnectionStats holds connection statistics for monitoring and debugging.
type ConnectionStats struct {
	InMsgs     uint64 // Number of messages received
	OutMsgs    uint64 // Number of messages sent
	InBytes    uint64 // Number of bytes received
	OutBytes   uint64 // Number of bytes sent
	Reconnects uint64 // Number of reconnections performed
}

// Stats returns current connection statistics.
func (c *Client) Stats() ConnectionStats {
	if c.conn == nil {
		return ConnectionStats{}
	}

	stats := c.conn.Stats()
	return ConnectionStats{
		InMsgs:     stats.InMsgs,
		OutMsgs:    stats.OutMsgs,
		InBytes:    stats.InBytes,
		OutBytes:   stats.OutBytes,
		Reconnects: stats.Reconnects,
	}
}

func (c *Client) ensureConnected() error {
	if !c.IsConnected() {
		return apperrors.NewInternalError("", "not connected to NATS", "NOT_CONNECTED", apperrors.ErrNotConnected)
	}
	return nil
}

// Ping round-trips to the server. It is used as a health check.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- c.conn.FlushTimeout(c.config.Timeout)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ping cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return apperrors.NewInternalError("", "ping failed", "PING_FAILED", err)
		}
		return nil
	}
}
