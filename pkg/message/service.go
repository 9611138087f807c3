package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	apperrors "github.com/wehubfusion/prepender/pkg/errors"
	"github.com/wehubfusion/prepender/pkg/processor"
)

// JSContext defines the minimal subset of JetStream operations the service depends on.
// This allows tests to provide a mock without requiring a running NATS server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error)
}

// JSSubscription abstracts operations used by the service from a subscription.
// Implemented by the real nats.Subscription via adapter and by test doubles.
type JSSubscription interface {
	Unsubscribe() error
	Drain() error
	IsValid() bool
	Pending() (int, int, error)
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// AcknowledgerProvider is implemented by subscriptions whose fetched
// messages are acknowledged through something other than the NATS reply
// subject.
type AcknowledgerProvider interface {
	Acknowledger(msg *nats.Msg) Acknowledger
}

// WrapNATSJetStream adapts a nats.JetStreamContext to the JSContext interface.
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return &natsSubAdapter{sub: sub}, nil
}

func (a *natsJSAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

func (a *natsJSAdapter) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	return a.js.ConsumerInfo(stream, consumer)
}

func (a *natsJSAdapter) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(stream, cfg)
}

type natsSubAdapter struct {
	sub *nats.Subscription
}

func (s *natsSubAdapter) Unsubscribe() error         { return s.sub.Unsubscribe() }
func (s *natsSubAdapter) Drain() error               { return s.sub.Drain() }
func (s *natsSubAdapter) IsValid() bool              { return s.sub.IsValid() }
func (s *natsSubAdapter) Pending() (int, int, error) { return s.sub.Pending() }
func (s *natsSubAdapter) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	return s.sub.Fetch(batch, opts...)
}

// BlobStorage stores record content too large to travel inline.
// storage.AzureBlobClient and storage.MemoryStore implement it.
type BlobStorage interface {
	UploadContent(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error)
	DownloadContent(ctx context.Context, blobURL string) ([]byte, error)
}

const (
	// MaxInlineContentSize is the threshold above which content is offloaded to blob storage
	MaxInlineContentSize = 1536 * 1024

	// ErrorSubjectSuffix is appended to the result subject for failure reports
	ErrorSubjectSuffix = "error"
)

// MessageService publishes, pulls and reports messages over JetStream.
// All operations use JetStream exclusively with explicit acknowledgment.
type MessageService struct {
	js                JSContext
	logger            *zap.Logger
	maxDeliver        int           // Maximum number of delivery attempts before giving up (default: 5)
	publishMaxRetries int           // Maximum number of attempts for result publishing (default: 3)
	retryBackoff      time.Duration // Backoff unit between publish attempts (default: 1s)
	resultStream      string        // JetStream stream holding results (e.g., PREPENDER_RESULTS)
	resultSubject     string        // Subject prefix for results (e.g., prepender.results)
	blobStorage       BlobStorage
	ensured           sync.Map
}

// NewMessageService creates a new message service with the given JetStream context.
// Any implementation that satisfies JSContext (including nats.JetStreamContext) can be used.
// Successful records are published to "<resultSubject>.<relationship>" and
// failures to "<resultSubject>.error", all captured by resultStream.
func NewMessageService(js JSContext, maxDeliver int, publishMaxRetries int, resultStream string, resultSubject string) (*MessageService, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}

	if maxDeliver == 0 {
		maxDeliver = 5
	}
	if publishMaxRetries <= 0 {
		publishMaxRetries = 3
	}
	if resultStream == "" {
		resultStream = "RESULTS"
	}
	if resultSubject == "" {
		resultSubject = "result"
	}

	return &MessageService{
		js:                js,
		logger:            zap.NewNop(),
		maxDeliver:        maxDeliver,
		publishMaxRetries: publishMaxRetries,
		retryBackoff:      time.Second,
		resultStream:      resultStream,
		resultSubject:     resultSubject,
	}, nil
}

// SetLogger sets a custom zap logger for the message service
func (s *MessageService) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetBlobStorage sets the blob storage used for large content
func (s *MessageService) SetBlobStorage(bs BlobStorage) {
	s.blobStorage = bs
}

// SetRetryBackoff sets the delay unit between publish attempts
func (s *MessageService) SetRetryBackoff(d time.Duration) {
	s.retryBackoff = d
}

// ResultStream returns the stream that captures results
func (s *MessageService) ResultStream() string {
	return s.resultStream
}

// SuccessSubject returns the subject records routed to rel are published on
func (s *MessageService) SuccessSubject(rel processor.Relationship) string {
	return s.resultSubject + "." + rel.Name
}

// ErrorSubject returns the subject failure reports are published on
func (s *MessageService) ErrorSubject() string {
	return s.resultSubject + "." + ErrorSubjectSuffix
}

// EnsureStream creates the JetStream stream if it doesn't exist. Without
// explicit subjects the stream captures "<streamName>.>".
func (s *MessageService) EnsureStream(streamName string, subjects ...string) error {
	if streamName == "" {
		return apperrors.NewValidationError("stream name cannot be empty", "INVALID_STREAM", nil)
	}

	streamInfo, err := s.js.StreamInfo(streamName)
	if err == nil {
		s.logger.Info("JetStream stream already exists",
			zap.String("stream", streamName),
			zap.Uint64("messages", streamInfo.State.Msgs))
		s.ensured.Store(streamName, true)
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
	}

	if len(subjects) == 0 {
		subjects = []string{streamName + ".>"}
	}
	streamConfig := &nats.StreamConfig{
		Name:     streamName,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	}

	s.logger.Info("Creating JetStream stream",
		zap.String("stream", streamName),
		zap.Strings("subjects", subjects))

	if _, err := s.js.AddStream(streamConfig); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
	}
	s.ensured.Store(streamName, true)

	s.logger.Info("Successfully created JetStream stream",
		zap.String("stream", streamName),
		zap.Strings("subjects", streamConfig.Subjects),
		zap.Duration("max_age", streamConfig.MaxAge),
		zap.Int64("max_msgs", streamConfig.MaxMsgs))
	return nil
}

// EnsureConsumer creates the durable pull consumer if it doesn't exist.
func (s *MessageService) EnsureConsumer(streamName, consumerName string) error {
	consumerInfo, err := s.js.ConsumerInfo(streamName, consumerName)
	if err == nil {
		s.logger.Info("JetStream consumer already exists",
			zap.String("stream", streamName),
			zap.String("consumer", consumerName),
			zap.Uint64("pending", consumerInfo.NumPending))
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info for '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	s.logger.Info("Creating JetStream consumer",
		zap.String("stream", streamName),
		zap.String("consumer", consumerName))

	consumerConfig := &nats.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxAckPending: 1000,
		MaxDeliver:    s.maxDeliver,
	}
	if _, err := s.js.AddConsumer(streamName, consumerConfig); err != nil {
		return fmt.Errorf("failed to create consumer '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	s.logger.Info("Successfully created JetStream consumer",
		zap.String("stream", streamName),
		zap.String("consumer", consumerName),
		zap.Int("max_deliver", s.maxDeliver))
	return nil
}

// ensureStreamForSubject makes sure some stream captures subject. Result
// subjects map to the result stream; anything else to a stream named after
// the first subject token.
func (s *MessageService) ensureStreamForSubject(subject string) error {
	if subject == s.resultSubject || strings.HasPrefix(subject, s.resultSubject+".") {
		if _, ok := s.ensured.Load(s.resultStream); ok {
			return nil
		}
		return s.EnsureStream(s.resultStream, s.resultSubject+".>")
	}

	streamName, _, _ := strings.Cut(subject, ".")
	if _, ok := s.ensured.Load(streamName); ok {
		return nil
	}
	return s.EnsureStream(streamName)
}

// Publish publishes a message to the specified subject using JetStream.
// If no stream exists for the subject, one will be created automatically.
func (s *MessageService) Publish(ctx context.Context, subject string, msg *Message) error {
	if subject == "" {
		return apperrors.NewValidationError("subject cannot be empty", "INVALID_SUBJECT", apperrors.ErrInvalidSubject)
	}
	if msg == nil {
		return apperrors.NewValidationError("message cannot be nil", "INVALID_MESSAGE", apperrors.ErrInvalidMessage)
	}

	if err := s.ensureStreamForSubject(subject); err != nil {
		s.logger.Error("Failed to ensure stream exists",
			zap.String("subject", subject),
			zap.Error(err))
		return apperrors.NewInternalError("", "failed to ensure stream exists", "STREAM_ENSURE_FAILED", err)
	}

	data, err := msg.ToBytes()
	if err != nil {
		return apperrors.NewInternalError("", "failed to marshal message", "MARSHAL_FAILED", err)
	}

	s.logger.Debug("Publishing message",
		zap.String("subject", subject),
		zap.String("message_identifier", msg.Identifier()))

	if err := s.publishRaw(ctx, subject, data); err != nil {
		s.logger.Error("Failed to publish message to JetStream",
			zap.String("subject", subject),
			zap.String("message_identifier", msg.Identifier()),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *MessageService) publishRaw(ctx context.Context, subject string, data []byte) error {
	resultCh := make(chan error, 1)
	go func() {
		_, err := s.js.Publish(subject, data)
		resultCh <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("publish cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return apperrors.NewInternalError("", "failed to publish message to JetStream", "PUBLISH_FAILED",
				errors.Join(apperrors.ErrPublishFailed, err))
		}
		return nil
	}
}

// PullMessages fetches up to batchSize messages from a durable pull consumer.
// Messages are NOT acknowledged; the caller acks, naks or terms them.
// Returns an empty slice (not an error) when no messages arrive within the
// fetch window.
func (s *MessageService) PullMessages(ctx context.Context, stream, consumer string, batchSize int) ([]*Message, error) {
	if stream == "" || consumer == "" {
		return nil, apperrors.NewValidationError("stream and consumer names are required", "INVALID_CONSUMER", nil)
	}
	if batchSize <= 0 {
		batchSize = 10
	}

	type result struct {
		msgs []*Message
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		sub, err := s.js.PullSubscribe("", consumer, nats.Bind(stream, consumer))
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer sub.Unsubscribe()

		timeout := 3 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}

		natsMessages, err := sub.Fetch(batchSize, nats.MaxWait(timeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				resultCh <- result{msgs: []*Message{}}
				return
			}
			resultCh <- result{err: err}
			return
		}

		provider, _ := sub.(AcknowledgerProvider)
		messages := make([]*Message, 0, len(natsMessages))
		for _, natsMsg := range natsMessages {
			msg, err := FromNATSMsg(natsMsg)
			if provider != nil {
				ack := provider.Acknowledger(natsMsg)
				if err != nil {
					_ = ack.Term()
					continue
				}
				msg.acker = ack
			} else if err != nil {
				// Undecodable messages can never succeed.
				s.logger.Warn("Terminating malformed message",
					zap.String("subject", natsMsg.Subject),
					zap.Error(err))
				_ = natsMsg.Term()
				continue
			}
			messages = append(messages, msg)
		}
		resultCh <- result{msgs: messages}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			s.logger.Debug("Pull messages cancelled during shutdown",
				zap.String("stream", stream),
				zap.String("consumer", consumer))
		} else {
			s.logger.Warn("Pull messages cancelled",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(ctx.Err()))
		}
		return nil, fmt.Errorf("pull cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			s.logger.Error("Failed to pull messages from JetStream",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(res.err))
			return nil, apperrors.NewInternalError("", "failed to pull messages from JetStream", "PULL_FAILED", res.err)
		}
		return res.msgs, nil
	}
}

// PublishResult publishes a ResultMessage to subject, retrying with a
// linear backoff.
func (s *MessageService) PublishResult(ctx context.Context, subject string, resultMsg *ResultMessage) error {
	if resultMsg == nil {
		return apperrors.NewValidationError("result message cannot be nil", "INVALID_MESSAGE", apperrors.ErrInvalidMessage)
	}
	if subject == "" {
		return apperrors.NewValidationError("result subject cannot be empty", "INVALID_SUBJECT", apperrors.ErrInvalidSubject)
	}

	if err := s.ensureStreamForSubject(subject); err != nil {
		s.logger.Error("Failed to ensure result stream exists",
			zap.String("stream", s.resultStream),
			zap.String("subject", subject),
			zap.Error(err))
		return apperrors.NewInternalError("", "failed to ensure result stream exists", "STREAM_ENSURE_FAILED", err)
	}

	data, err := resultMsg.ToBytes()
	if err != nil {
		return apperrors.NewInternalError("", "failed to marshal result message", "MARSHAL_FAILED", err)
	}

	var publishErr error
	for attempt := 1; attempt <= s.publishMaxRetries; attempt++ {
		publishErr = s.publishRaw(ctx, subject, data)
		if publishErr == nil || ctx.Err() != nil {
			break
		}
		if attempt < s.publishMaxRetries {
			s.logger.Warn("Failed to publish result, retrying",
				zap.String("record_id", resultMsg.RecordID),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", s.publishMaxRetries),
				zap.Error(publishErr))
			select {
			case <-time.After(time.Duration(attempt) * s.retryBackoff):
			case <-ctx.Done():
			}
		}
	}

	if publishErr != nil {
		s.logger.Error("Failed to publish result after all retries",
			zap.String("record_id", resultMsg.RecordID),
			zap.String("subject", subject),
			zap.Int("attempts", s.publishMaxRetries),
			zap.Error(publishErr))
		return apperrors.NewInternalError("", "failed to publish result after retries", "PUBLISH_FAILED", publishErr)
	}

	s.logger.Debug("Published result message",
		zap.String("record_id", resultMsg.RecordID),
		zap.String("status", resultMsg.Status),
		zap.String("subject", subject))
	return nil
}

// ResolveContent returns src's content, downloading it when the payload
// carries a blob reference.
func (s *MessageService) ResolveContent(ctx context.Context, src *Message) ([]byte, error) {
	if src == nil || src.Payload == nil {
		return nil, apperrors.NewBadRequestError("message has no payload", "INVALID_MESSAGE", apperrors.ErrInvalidMessage)
	}
	if !src.Payload.HasBlobReference() {
		return src.Payload.Content, nil
	}
	if s.blobStorage == nil {
		return nil, apperrors.NewValidationError("blob storage not configured for referenced content",
			"BLOB_STORAGE_MISSING", nil)
	}

	data, err := s.blobStorage.DownloadContent(ctx, src.Payload.BlobReference.URL)
	if err != nil {
		return nil, apperrors.IOFailure("download content", err)
	}
	return data, nil
}

// ReportSuccess publishes the processed record to the outlet subject of its
// relationship and acknowledges src. Content over MaxInlineContentSize is
// offloaded to blob storage.
func (s *MessageService) ReportSuccess(ctx context.Context, src *Message, result processor.Result, elapsed time.Duration) error {
	if result.Record == nil {
		err := apperrors.NewInternalError("", "processor returned no record", "EMPTY_RESULT", nil)
		return s.ReportError(ctx, src, err)
	}
	rec := result.Record

	resultMsg := NewResultMessage(rec.ID, StatusSuccess).
		WithSource(src).
		WithExecutionTime(elapsed)
	resultMsg.Relationship = result.Relationship.Name

	size := len(rec.Content)
	if size <= MaxInlineContentSize {
		resultMsg.WithContent(rec.Content, rec.Attributes)
	} else {
		if s.blobStorage == nil {
			err := apperrors.NewValidationError(
				fmt.Sprintf("blob storage not configured but content size %d exceeds inline limit", size),
				"BLOB_STORAGE_MISSING", nil)
			return s.ReportError(ctx, src, err)
		}

		blobPath := fmt.Sprintf("records/%s/%s.bin", blobPrefix(resultMsg), rec.ID)
		s.logger.Info("Content too large, storing in blob storage",
			zap.String("record_id", rec.ID),
			zap.Int("size_bytes", size),
			zap.Int("threshold", MaxInlineContentSize))

		url, err := s.blobStorage.UploadContent(ctx, blobPath, rec.Content, map[string]string{
			"record_id":    rec.ID,
			"relationship": result.Relationship.Name,
		})
		if err != nil {
			return s.ReportError(ctx, src, apperrors.IOFailure("upload content", err))
		}
		resultMsg.WithBlobReference(&BlobReference{URL: url, SizeBytes: size}, rec.Attributes)
	}

	if err := s.PublishResult(ctx, s.SuccessSubject(result.Relationship), resultMsg); err != nil {
		if src != nil {
			_ = src.Nak()
		}
		return fmt.Errorf("failed to publish result: %w", err)
	}

	if src != nil {
		if err := src.Ack(); err != nil {
			s.logger.Error("Failed to acknowledge source message",
				zap.String("record_id", rec.ID),
				zap.Error(err))
			return fmt.Errorf("failed to acknowledge: %w", err)
		}
	}

	s.logger.Debug("Reported success",
		zap.String("record_id", rec.ID),
		zap.String("relationship", result.Relationship.Name),
		zap.Int("content_size", size),
		zap.Bool("used_blob_reference", resultMsg.HasBlobReference()))
	return nil
}

// ReportError publishes a failure report and settles src: transient
// (Internal) errors are nak'ed for redelivery, everything else is ack'ed.
func (s *MessageService) ReportError(ctx context.Context, src *Message, err error) error {
	retryable := apperrors.IsRetryable(err)
	code := "INTERNAL_ERROR"
	errType := apperrors.Internal.String()

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
		if code == "" {
			code = "APP_ERROR"
		}
		errType = appErr.Type.String()
	}

	recordID := ""
	if src != nil && src.Payload != nil {
		recordID = src.Payload.RecordID
	}

	resultMsg := NewResultMessage(recordID, StatusFailed).
		WithSource(src).
		WithError(&ResultError{
			Code:      code,
			Message:   err.Error(),
			Retryable: retryable,
			Type:      errType,
		})

	s.logger.Info("Publishing error result",
		zap.String("record_id", recordID),
		zap.Bool("retryable", retryable),
		zap.String("error_code", code))

	if pubErr := s.PublishResult(ctx, s.ErrorSubject(), resultMsg); pubErr != nil {
		if src != nil {
			_ = src.Nak()
		}
		return fmt.Errorf("failed to publish error result: %w", pubErr)
	}

	if src != nil {
		if retryable {
			_ = src.Nak()
		} else {
			_ = src.Ack()
		}
	}
	return nil
}

func blobPrefix(r *ResultMessage) string {
	if r.WorkflowID == "" {
		return "adhoc"
	}
	if r.RunID == "" {
		return r.WorkflowID + "/adhoc"
	}
	return r.WorkflowID + "/" + r.RunID
}
