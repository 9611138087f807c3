package message

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wehubfusion/prepender/pkg/record"
)

// Workflow represents workflow execution information
type Workflow struct {
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId"`
}

// Node identifies the processor instance a message is addressed to
type Node struct {
	NodeID        string `json:"nodeId"`
	ProcessorType string `json:"processorType,omitempty"`
}

// BlobReference contains information for fetching content from blob storage.
// When content is too large to send inline (>1.5MB), it is uploaded to Azure Blob Storage
// and a BlobReference is included instead of the raw bytes.
type BlobReference struct {
	URL       string `json:"url"`       // Direct blob URL
	SizeBytes int    `json:"sizeBytes"` // Original content size in bytes
}

// Payload carries one record. Content is base64 encoded on the wire.
type Payload struct {
	RecordID      string            `json:"recordId,omitempty"`
	Content       []byte            `json:"content,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	BlobReference *BlobReference    `json:"blobReference,omitempty"`
}

// HasBlobReference returns true if the content is stored in blob storage
func (p *Payload) HasBlobReference() bool {
	return p != nil && p.BlobReference != nil && p.BlobReference.URL != ""
}

// Acknowledger is the acknowledgment surface of a JetStream message.
// *nats.Msg satisfies it.
type Acknowledger interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

// Message is the JSON envelope exchanged over JetStream. Messages published
// to JetStream are persisted according to the stream's configuration.
type Message struct {
	// CorrelationID is a unique identifier for tracking related messages across the system
	CorrelationID string `json:"correlationId,omitempty"`

	// Workflow contains workflow execution information
	Workflow *Workflow `json:"workflow,omitempty"`

	// Node contains the target processor instance
	Node *Node `json:"node,omitempty"`

	// Payload contains the record
	Payload *Payload `json:"payload,omitempty"`

	// Metadata holds additional key-value pairs for the message
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is the timestamp when the message was created
	CreatedAt string `json:"createdAt"`

	// UpdatedAt is the timestamp when the message was last updated
	UpdatedAt string `json:"updatedAt"`

	natsMsg *nats.Msg
	acker   Acknowledger
}

// NewMessage creates a new message with timestamps
func NewMessage() *Message {
	now := time.Now().Format(time.RFC3339)
	return &Message{
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewWorkflowMessage creates a new message with workflow information
func NewWorkflowMessage(workflowID, runID string) *Message {
	m := NewMessage()
	m.Workflow = &Workflow{
		WorkflowID: workflowID,
		RunID:      runID,
	}
	return m
}

func (m *Message) touch() *Message {
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// WithCorrelationID sets the correlation ID for the message
func (m *Message) WithCorrelationID(correlationID string) *Message {
	m.CorrelationID = correlationID
	return m.touch()
}

// WithMetadata adds metadata to the message
func (m *Message) WithMetadata(key, value string) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
	return m.touch()
}

// WithNode addresses the message to a processor instance
func (m *Message) WithNode(nodeID, processorType string) *Message {
	m.Node = &Node{
		NodeID:        nodeID,
		ProcessorType: processorType,
	}
	return m.touch()
}

// WithContent sets inline content and attributes
func (m *Message) WithContent(content []byte, attributes map[string]string) *Message {
	if m.Payload == nil {
		m.Payload = &Payload{}
	}
	m.Payload.Content = content
	m.Payload.Attributes = attributes
	return m.touch()
}

// WithBlobReference points the payload at offloaded content
func (m *Message) WithBlobReference(ref *BlobReference) *Message {
	if m.Payload == nil {
		m.Payload = &Payload{}
	}
	m.Payload.Content = nil
	m.Payload.BlobReference = ref
	return m.touch()
}

// WithAcknowledger attaches the handle used by Ack, Nak and Term
func (m *Message) WithAcknowledger(a Acknowledger) *Message {
	m.acker = a
	return m
}

// ToRecord converts the payload to a record. Attributes and inline content
// are copied. Blob-referenced content must be resolved separately.
func (m *Message) ToRecord() *record.Record {
	if m.Payload == nil {
		return record.New(nil, nil)
	}
	rec := record.New(m.Payload.Content, m.Payload.Attributes)
	if m.Payload.RecordID != "" {
		rec.ID = m.Payload.RecordID
	}
	return rec
}

// FromRecord builds a message carrying rec inline
func FromRecord(rec *record.Record) *Message {
	m := NewMessage()
	attrs := make(map[string]string, len(rec.Attributes))
	maps.Copy(attrs, rec.Attributes)
	m.Payload = &Payload{
		RecordID:   rec.ID,
		Content:    append([]byte(nil), rec.Content...),
		Attributes: attrs,
	}
	return m
}

// ToBytes serializes the message to JSON bytes
func (m *Message) ToBytes() ([]byte, error) {
	return json.Marshal(m)
}

// FromBytes deserializes a message from JSON bytes
func FromBytes(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// FromNATSMsg converts a NATS message to a Message. Messages with a reply
// subject can be acknowledged through the returned value.
func FromNATSMsg(natsMsg *nats.Msg) (*Message, error) {
	msg, err := FromBytes(natsMsg.Data)
	if err != nil {
		return nil, err
	}
	msg.natsMsg = natsMsg
	if natsMsg.Reply != "" {
		msg.acker = natsMsg
	}
	return msg, nil
}

// Ack acknowledges the message, indicating successful processing.
// This tells NATS that the message has been processed and should not be redelivered.
func (m *Message) Ack() error {
	if m.acker == nil {
		return nil
	}
	return m.acker.Ack()
}

// Nak negatively acknowledges the message, indicating processing failure.
// This tells NATS that the message processing failed and it may be redelivered.
func (m *Message) Nak() error {
	if m.acker == nil {
		return nil
	}
	return m.acker.Nak()
}

// Term terminates the message, indicating it should not be redelivered.
func (m *Message) Term() error {
	if m.acker == nil {
		return nil
	}
	return m.acker.Term()
}

// GetNATSMsg returns the underlying NATS message, or nil if this message was
// not received from NATS.
func (m *Message) GetNATSMsg() *nats.Msg {
	return m.natsMsg
}

// Identifier returns a short description for logs
func (m *Message) Identifier() string {
	switch {
	case m == nil:
		return "nil"
	case m.CorrelationID != "":
		return "correlation:" + m.CorrelationID
	case m.Payload != nil && m.Payload.RecordID != "":
		return "record:" + m.Payload.RecordID
	case m.Workflow != nil:
		return "workflow:" + m.Workflow.WorkflowID + "/run:" + m.Workflow.RunID
	case m.Node != nil:
		return "node:" + m.Node.NodeID
	}
	return "timestamp:" + m.CreatedAt
}

// Result statuses
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ResultMessage is published for every processed record: to the outlet
// subject on success, to the error subject on failure.
type ResultMessage struct {
	CorrelationID string `json:"correlation_id,omitempty"`

	RecordID   string `json:"record_id"`
	WorkflowID string `json:"workflow_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	NodeID     string `json:"node_id,omitempty"`

	// Relationship is the outlet the record was routed to
	Relationship string `json:"relationship,omitempty"`

	Status string `json:"status"`

	// One of Content or BlobReference is set on success, depending on size
	Content       []byte            `json:"content,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	BlobReference *BlobReference    `json:"blob_reference,omitempty"`

	Error *ResultError `json:"error,omitempty"`

	ProcessorType   string `json:"processor_type,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms,omitempty"`
	ContentSize     int    `json:"content_size,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`
}

// ResultError contains error information for failed records
type ResultError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Type      string `json:"type,omitempty"`
}

// NewResultMessage creates a new result message with timestamps
func NewResultMessage(recordID, status string) *ResultMessage {
	now := time.Now()
	return &ResultMessage{
		RecordID:  recordID,
		Status:    status,
		Timestamp: now,
		CreatedAt: now.Format(time.RFC3339),
		UpdatedAt: now.Format(time.RFC3339),
	}
}

// WithSource copies correlation, workflow and node identifiers from src
func (r *ResultMessage) WithSource(src *Message) *ResultMessage {
	if src == nil {
		return r
	}
	r.CorrelationID = src.CorrelationID
	if src.Workflow != nil {
		r.WorkflowID = src.Workflow.WorkflowID
		r.RunID = src.Workflow.RunID
	}
	if src.Node != nil {
		r.NodeID = src.Node.NodeID
		if r.ProcessorType == "" {
			r.ProcessorType = src.Node.ProcessorType
		}
	}
	r.UpdatedAt = time.Now().Format(time.RFC3339)
	return r
}

// WithContent sets inline content
func (r *ResultMessage) WithContent(content []byte, attributes map[string]string) *ResultMessage {
	r.Content = content
	r.Attributes = attributes
	r.ContentSize = len(content)
	r.UpdatedAt = time.Now().Format(time.RFC3339)
	return r
}

// WithBlobReference sets the blob reference for large content
func (r *ResultMessage) WithBlobReference(ref *BlobReference, attributes map[string]string) *ResultMessage {
	r.BlobReference = ref
	r.Attributes = attributes
	r.ContentSize = ref.SizeBytes
	r.UpdatedAt = time.Now().Format(time.RFC3339)
	return r
}

// WithError sets the error information
func (r *ResultMessage) WithError(err *ResultError) *ResultMessage {
	r.Error = err
	r.Status = StatusFailed
	r.UpdatedAt = time.Now().Format(time.RFC3339)
	return r
}

// WithExecutionTime sets the execution time
func (r *ResultMessage) WithExecutionTime(d time.Duration) *ResultMessage {
	r.ExecutionTimeMs = d.Milliseconds()
	r.UpdatedAt = time.Now().Format(time.RFC3339)
	return r
}

// ToBytes serializes the result message to JSON bytes
func (r *ResultMessage) ToBytes() ([]byte, error) {
	return json.Marshal(r)
}

// ResultMessageFromBytes deserializes a result message from JSON bytes
func ResultMessageFromBytes(data []byte) (*ResultMessage, error) {
	var msg ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// HasBlobReference returns true if the content is stored in blob storage
func (r *ResultMessage) HasBlobReference() bool {
	return r.BlobReference != nil && r.BlobReference.URL != ""
}

// IsSuccess returns true if the record was processed
func (r *ResultMessage) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// IsRetryable returns true if the error is retryable (only meaningful for failed records)
func (r *ResultMessage) IsRetryable() bool {
	return r.Error != nil && r.Error.Retryable
}
