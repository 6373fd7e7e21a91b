// Package invalidation carries cache-invalidation messages from a
// committing transaction to every cache that may hold stale entries. For a
// prepared transaction the queued messages ride inside the two-phase state
// record and are applied when the commit decision arrives.
package invalidation

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Class identifies which cache a message targets.
type Class uint8

const (
	ClassCatalogCache Class = iota + 1
	ClassRelCache
)

// Message invalidates one cache entry.
type Message struct {
	Class    Class
	Database uint64
	Relation uint64
	Hash     uint32
}

// EncodedMessageSize is the fixed wire size of one message.
const EncodedMessageSize = 1 + 8 + 8 + 4

// Encode appends the message's wire form to buf.
func (m Message) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Class))
	buf = binary.LittleEndian.AppendUint64(buf, m.Database)
	buf = binary.LittleEndian.AppendUint64(buf, m.Relation)
	buf = binary.LittleEndian.AppendUint32(buf, m.Hash)
	return buf
}

// DecodeMessage reads one message from data.
func DecodeMessage(data []byte) (Message, error) {
	if len(data) < EncodedMessageSize {
		return Message{}, fmt.Errorf("invalidation message truncated: %d bytes", len(data))
	}
	return Message{
		Class:    Class(data[0]),
		Database: binary.LittleEndian.Uint64(data[1:]),
		Relation: binary.LittleEndian.Uint64(data[9:]),
		Hash:     binary.LittleEndian.Uint32(data[17:]),
	}, nil
}

// Sink is the cache-invalidation subsystem as seen by the transaction
// machinery.
type Sink interface {
	Send(messages []Message)
	PreInvalidateInitFile()
	PostInvalidateInitFile()
}

// Queue accumulates the invalidation messages a transaction will emit at
// commit. It is session-local.
type Queue struct {
	messages      []Message
	initFileInval bool
}

func NewQueue() *Queue { return &Queue{} }

// Add queues one message.
func (q *Queue) Add(m Message) { q.messages = append(q.messages, m) }

// MarkInitFileInval flags that the relation-cache init file must be
// invalidated around message delivery.
func (q *Queue) MarkInitFileInval() { q.initFileInval = true }

// Messages returns the queued messages.
func (q *Queue) Messages() []Message { return q.messages }

// InitFileInval reports whether the init-file bracket is required.
func (q *Queue) InitFileInval() bool { return q.initFileInval }

// Reset clears the queue for reuse.
func (q *Queue) Reset() {
	q.messages = nil
	q.initFileInval = false
}

// LocalSink delivers messages to registered in-process hooks. It is the
// default Sink for a single-node deployment.
type LocalSink struct {
	mu            sync.Mutex
	resetHooks    []func(Message)
	initFileHooks []func(pre bool)
}

func NewLocalSink() *LocalSink { return &LocalSink{} }

// OnMessage registers a hook invoked for every delivered message.
func (s *LocalSink) OnMessage(hook func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetHooks = append(s.resetHooks, hook)
}

// OnInitFileInval registers a hook invoked for the init-file bracket.
func (s *LocalSink) OnInitFileInval(hook func(pre bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initFileHooks = append(s.initFileHooks, hook)
}

func (s *LocalSink) Send(messages []Message) {
	s.mu.Lock()
	hooks := append(([]func(Message))(nil), s.resetHooks...)
	s.mu.Unlock()
	for _, m := range messages {
		for _, hook := range hooks {
			hook(m)
		}
	}
}

func (s *LocalSink) PreInvalidateInitFile()  { s.fireInitFile(true) }
func (s *LocalSink) PostInvalidateInitFile() { s.fireInitFile(false) }

func (s *LocalSink) fireInitFile(pre bool) {
	s.mu.Lock()
	hooks := append(([]func(pre bool))(nil), s.initFileHooks...)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook(pre)
	}
}
