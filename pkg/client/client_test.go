package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/prepender/internal/nats"
	apperrors "github.com/wehubfusion/prepender/pkg/errors"
	"github.com/wehubfusion/prepender/pkg/message"
	"github.com/wehubfusion/prepender/pkg/message/messagetest"
	"github.com/wehubfusion/prepender/pkg/processor"
	"github.com/wehubfusion/prepender/pkg/record"
	"github.com/wehubfusion/prepender/pkg/storage"
)

func TestNewClient(t *testing.T) {
	c := NewClient("nats://localhost:4222")
	require.NotNil(t, c)
	assert.Nil(t, c.Connection())
	assert.Nil(t, c.JetStream())
	assert.Nil(t, c.Messages)
	assert.False(t, c.IsConnected())
	assert.Equal(t, ConnectionStats{}, c.Stats())
	assert.NoError(t, c.Close())
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient("nats://localhost:4222")
	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsNotConnected(err))
}

func TestClient_ConnectWithoutConfig(t *testing.T) {
	c := NewClientWithConfig(nil)
	err := c.Connect(context.Background())
	assert.True(t, apperrors.IsInvalidConfiguration(err))
}

func TestClient_ConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClientWithConfig(nats.DefaultConnectionConfig("nats://127.0.0.1:1"))
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.False(t, c.IsConnected())
}

func TestNewClientWithJSContext(t *testing.T) {
	js := messagetest.NewMockJS()
	cfg := nats.DefaultConnectionConfig("")
	cfg.ResultSubject = "out"

	c, err := NewClientWithJSContext(js, cfg)
	require.NoError(t, err)
	require.NotNil(t, c.Messages)
	c.SetLogger(zap.NewNop())

	assert.Equal(t, "out.success", c.Messages.SuccessSubject(processor.Success))
	assert.Equal(t, "PREPENDER_RESULTS", c.Messages.ResultStream())

	_, err = NewClientWithJSContext(nil, nil)
	assert.Error(t, err)
}

func TestClient_SetBlobStorage(t *testing.T) {
	js := messagetest.NewMockJS()
	c, err := NewClientWithJSContext(js, nil)
	require.NoError(t, err)

	store := storage.NewMemoryStore("blobs")
	c.SetBlobStorage(store)

	ctx := context.Background()
	ref, err := store.UploadContent(ctx, "in/rec.bin", []byte("offloaded"), nil)
	require.NoError(t, err)

	msg := message.FromRecord(record.New(nil, nil)).
		WithBlobReference(&message.BlobReference{URL: ref, SizeBytes: 9})
	content, err := c.Messages.ResolveContent(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, []byte("offloaded"), content)
}
