// Package messagetest provides an in-memory JetStream double for tests that
// exercise message.MessageService without a NATS server.
package messagetest

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wehubfusion/prepender/pkg/message"
)

// MockJS is a lightweight in-memory implementation of message.JSContext.
// Published messages are routed to the stream whose subjects match, and a
// pull consumer bound to that stream fetches them in order. Nak'ed messages
// are redelivered until the consumer's MaxDeliver is reached.
type MockJS struct {
	mu        sync.Mutex
	streams   map[string]*nats.StreamInfo
	consumers map[string]map[string]*nats.ConsumerInfo // stream -> consumer -> info
	durables  map[string]string                        // consumer -> stream
	queues    map[string][]*entry                      // stream -> undelivered
	published []*nats.Msg
	seq       uint64

	publishErrs []error

	acks  int
	naks  int
	terms int

	// FetchWait is how long Fetch blocks on an empty queue before
	// returning nats.ErrTimeout.
	FetchWait time.Duration
}

type entry struct {
	msg        *nats.Msg
	stream     string
	deliveries int
	settled    bool
}

// NewMockJS creates an empty mock.
func NewMockJS() *MockJS {
	return &MockJS{
		streams:   make(map[string]*nats.StreamInfo),
		consumers: make(map[string]map[string]*nats.ConsumerInfo),
		durables:  make(map[string]string),
		queues:    make(map[string][]*entry),
		FetchWait: 5 * time.Millisecond,
	}
}

var _ message.JSContext = (*MockJS)(nil)

// FailNextPublish makes the next len(errs) publishes return those errors.
func (m *MockJS) FailNextPublish(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErrs = append(m.publishErrs, errs...)
}

// Publish implements message.JSContext.
func (m *MockJS) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		return nil, err
	}

	stream := m.streamFor(subj)
	if stream == "" {
		return nil, nats.ErrNoStreamResponse
	}

	m.seq++
	msg := &nats.Msg{Subject: subj, Data: append([]byte(nil), data...), Header: nats.Header{}}
	m.published = append(m.published, msg)
	m.queues[stream] = append(m.queues[stream], &entry{msg: msg, stream: stream})

	info := m.streams[stream]
	info.State.Msgs++
	info.State.Bytes += uint64(len(data))
	info.State.LastSeq = m.seq

	return &nats.PubAck{Stream: stream, Sequence: m.seq}, nil
}

func (m *MockJS) streamFor(subj string) string {
	for name, info := range m.streams {
		for _, pattern := range info.Config.Subjects {
			if SubjectMatches(pattern, subj) {
				return name
			}
		}
	}
	return ""
}

// PullSubscribe implements message.JSContext. The durable must have been
// created with AddConsumer; the bound stream is looked up from it.
func (m *MockJS) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (message.JSSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stream, ok := m.durables[durable]
	if !ok {
		return nil, nats.ErrConsumerNotFound
	}
	return &pullSubscription{owner: m, stream: stream, durable: durable, valid: true}, nil
}

// StreamInfo implements message.JSContext.
func (m *MockJS) StreamInfo(stream string) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.streams[stream]; ok {
		return info, nil
	}
	return nil, nats.ErrStreamNotFound
}

// AddStream implements message.JSContext.
func (m *MockJS) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := &nats.StreamInfo{
		Config:  *cfg,
		Created: time.Now(),
		State:   nats.StreamState{FirstSeq: 1},
	}
	m.streams[cfg.Name] = info
	return info, nil
}

// ConsumerInfo implements message.JSContext.
func (m *MockJS) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.consumers[stream][consumer]; ok {
		info.NumPending = uint64(len(m.queues[stream]))
		return info, nil
	}
	return nil, nats.ErrConsumerNotFound
}

// AddConsumer implements message.JSContext.
func (m *MockJS) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[stream]; !ok {
		return nil, nats.ErrStreamNotFound
	}
	if m.consumers[stream] == nil {
		m.consumers[stream] = make(map[string]*nats.ConsumerInfo)
	}
	info := &nats.ConsumerInfo{
		Stream:  stream,
		Name:    cfg.Durable,
		Config:  *cfg,
		Created: time.Now(),
	}
	m.consumers[stream][cfg.Durable] = info
	m.durables[cfg.Durable] = stream
	return info, nil
}

// Published returns every message published on subjects matching pattern,
// in publish order.
func (m *MockJS) Published(pattern string) []*nats.Msg {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*nats.Msg
	for _, msg := range m.published {
		if SubjectMatches(pattern, msg.Subject) {
			out = append(out, msg)
		}
	}
	return out
}

// Pending returns the number of undelivered messages in stream.
func (m *MockJS) Pending(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[stream])
}

// AckCount returns how many messages were acknowledged.
func (m *MockJS) AckCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks
}

// NakCount returns how many messages were negatively acknowledged.
func (m *MockJS) NakCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.naks
}

// TermCount returns how many messages were terminated.
func (m *MockJS) TermCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terms
}

func (m *MockJS) maxDeliver(stream, durable string) int {
	if info, ok := m.consumers[stream][durable]; ok && info.Config.MaxDeliver > 0 {
		return info.Config.MaxDeliver
	}
	return -1
}

type pullSubscription struct {
	owner   *MockJS
	stream  string
	durable string
	valid   bool
	mu      sync.Mutex
	pending map[*nats.Msg]*entry
}

func (s *pullSubscription) Unsubscribe() error {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
	return nil
}

func (s *pullSubscription) Drain() error { return s.Unsubscribe() }

func (s *pullSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

func (s *pullSubscription) Pending() (int, int, error) {
	return s.owner.Pending(s.stream), 0, nil
}

// Fetch pops up to batch messages from the bound stream.
func (s *pullSubscription) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	if batch <= 0 {
		batch = 10
	}

	m := s.owner
	m.mu.Lock()
	queue := m.queues[s.stream]
	if len(queue) == 0 {
		wait := m.FetchWait
		m.mu.Unlock()
		time.Sleep(wait)
		return nil, nats.ErrTimeout
	}

	n := min(batch, len(queue))
	taken := queue[:n]
	m.queues[s.stream] = append([]*entry(nil), queue[n:]...)
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = make(map[*nats.Msg]*entry)
	}
	msgs := make([]*nats.Msg, 0, n)
	for _, e := range taken {
		e.deliveries++
		delivered := &nats.Msg{Subject: e.msg.Subject, Data: e.msg.Data, Header: e.msg.Header}
		s.pending[delivered] = e
		msgs = append(msgs, delivered)
	}
	return msgs, nil
}

// Acknowledger implements message.AcknowledgerProvider.
func (s *pullSubscription) Acknowledger(msg *nats.Msg) message.Acknowledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &acker{owner: s.owner, durable: s.durable, entry: s.pending[msg]}
}

type acker struct {
	owner   *MockJS
	durable string
	entry   *entry
}

func (a *acker) settle(fn func(m *MockJS)) error {
	m := a.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.entry == nil {
		return nats.ErrMsgNotBound
	}
	if a.entry.settled {
		return nats.ErrMsgAlreadyAckd
	}
	a.entry.settled = true
	fn(m)
	return nil
}

func (a *acker) Ack(opts ...nats.AckOpt) error {
	return a.settle(func(m *MockJS) { m.acks++ })
}

func (a *acker) Nak(opts ...nats.AckOpt) error {
	return a.settle(func(m *MockJS) {
		m.naks++
		limit := m.maxDeliver(a.entry.stream, a.durable)
		if limit < 0 || a.entry.deliveries < limit {
			a.entry.settled = false
			m.queues[a.entry.stream] = append(m.queues[a.entry.stream], a.entry)
		}
	})
}

func (a *acker) Term(opts ...nats.AckOpt) error {
	return a.settle(func(m *MockJS) { m.terms++ })
}

// SubjectMatches reports whether subject matches a NATS subject pattern
// that may contain "*" and a trailing ">".
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
