package message

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/prepender/pkg/record"
)

func TestMessageBuilders(t *testing.T) {
	msg := NewWorkflowMessage("wf-1", "run-1").
		WithCorrelationID("corr-1").
		WithNode("node-1", "prepend-random-string").
		WithMetadata("source", "test").
		WithContent([]byte("body"), map[string]string{"k": "v"})

	assert.Equal(t, "wf-1", msg.Workflow.WorkflowID)
	assert.Equal(t, "run-1", msg.Workflow.RunID)
	assert.Equal(t, "corr-1", msg.CorrelationID)
	assert.Equal(t, "prepend-random-string", msg.Node.ProcessorType)
	assert.Equal(t, "test", msg.Metadata["source"])
	assert.Equal(t, []byte("body"), msg.Payload.Content)
	assert.NotEmpty(t, msg.CreatedAt)
	assert.Equal(t, "correlation:corr-1", msg.Identifier())

	msg.WithBlobReference(&BlobReference{URL: "http://blob/x", SizeBytes: 9})
	assert.Nil(t, msg.Payload.Content)
	assert.True(t, msg.Payload.HasBlobReference())
}

func TestMessageWireFormat(t *testing.T) {
	msg := NewMessage().WithContent([]byte{0x00, 0xff, 'A'}, map[string]string{"a": "b"})
	msg.Payload.RecordID = "rec-1"

	data, err := msg.ToBytes()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"content":"AP9B"`)
	assert.Contains(t, string(data), `"recordId":"rec-1"`)

	decoded, err := FromNATSMsg(&nats.Msg{Data: data})
	require.NoError(t, err)
	assert.Equal(t, msg.Payload, decoded.Payload)
	assert.NotNil(t, decoded.GetNATSMsg())

	// No reply subject means nothing to acknowledge.
	assert.NoError(t, decoded.Ack())
	assert.NoError(t, decoded.Nak())
	assert.NoError(t, decoded.Term())

	_, err = FromBytes([]byte("{"))
	assert.Error(t, err)
}

func TestRecordConversion(t *testing.T) {
	rec := record.New([]byte("data"), map[string]string{"filename": "f"})

	msg := FromRecord(rec)
	assert.Equal(t, rec.ID, msg.Payload.RecordID)

	back := msg.ToRecord()
	assert.Equal(t, rec, back)

	back.Content[0] = 'X'
	assert.Equal(t, []byte("data"), msg.Payload.Content)

	empty := NewMessage().ToRecord()
	assert.NotEmpty(t, empty.ID)
	assert.Empty(t, empty.Content)
}

type countingAcker struct {
	acks, naks, terms int
}

func (c *countingAcker) Ack(...nats.AckOpt) error  { c.acks++; return nil }
func (c *countingAcker) Nak(...nats.AckOpt) error  { c.naks++; return nil }
func (c *countingAcker) Term(...nats.AckOpt) error { c.terms++; return nil }

func TestAcknowledger(t *testing.T) {
	a := &countingAcker{}
	msg := NewMessage().WithAcknowledger(a)

	require.NoError(t, msg.Ack())
	require.NoError(t, msg.Nak())
	require.NoError(t, msg.Term())
	assert.Equal(t, 1, a.acks)
	assert.Equal(t, 1, a.naks)
	assert.Equal(t, 1, a.terms)
}

func TestResultMessage(t *testing.T) {
	src := NewWorkflowMessage("wf", "run").WithCorrelationID("c").WithNode("n", "t")

	r := NewResultMessage("rec", StatusSuccess).WithSource(src).WithContent([]byte("xyz"), nil)
	assert.True(t, r.IsSuccess())
	assert.Equal(t, "wf", r.WorkflowID)
	assert.Equal(t, "run", r.RunID)
	assert.Equal(t, "n", r.NodeID)
	assert.Equal(t, "t", r.ProcessorType)
	assert.Equal(t, 3, r.ContentSize)
	assert.False(t, r.HasBlobReference())

	r.WithError(&ResultError{Code: "X", Retryable: true})
	assert.Equal(t, StatusFailed, r.Status)
	assert.True(t, r.IsRetryable())

	data, err := r.ToBytes()
	require.NoError(t, err)
	decoded, err := ResultMessageFromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, r.Error, decoded.Error)
	assert.Equal(t, r.Content, decoded.Content)
}
