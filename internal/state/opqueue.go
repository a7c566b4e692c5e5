package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/docstate/internal/ident"
)

// DefaultMaxQueueSize bounds the number of queued operations.
const DefaultMaxQueueSize = 10000

// OperationQueue is an ordered, idempotent FIFO of pending operations.
//
// Ids are sequential per queue and survive Serialize/Deserialize. An
// idempotency key dedups only against operations still queued: once the
// holder is dequeued or removed the key is free again.
type OperationQueue struct {
	mu      sync.Mutex
	ops     []Operation
	keys    map[string]uint64
	nextID  uint64
	maxSize int
	closed  bool
	signal  chan struct{}
	now     NowFunc
	logger  *slog.Logger
}

// QueueOption configures an OperationQueue.
type QueueOption func(*OperationQueue)

// WithMaxQueueSize overrides DefaultMaxQueueSize. Values <= 0 are ignored.
func WithMaxQueueSize(n int) QueueOption {
	return func(q *OperationQueue) {
		if n > 0 {
			q.maxSize = n
		}
	}
}

// WithQueueClock sets the time source used to stamp operations.
func WithQueueClock(now NowFunc) QueueOption {
	return func(q *OperationQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithQueueLogger sets the logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *OperationQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// NewOperationQueue creates an empty queue.
func NewOperationQueue(opts ...QueueOption) *OperationQueue {
	q := &OperationQueue{
		keys:    make(map[string]uint64),
		nextID:  1,
		maxSize: DefaultMaxQueueSize,
		signal:  make(chan struct{}, 1),
		now:     systemNow,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends op and returns its id. The queue always assigns a fresh
// id; op.ID is ignored. A zero Timestamp is stamped with the queue clock.
//
// If op carries an idempotency key held by a queued operation, the
// existing id is returned and nothing is inserted.
func (q *OperationQueue) Enqueue(op Operation) (uint64, error) {
	if err := op.validate(); err != nil {
		return 0, NewQueueError(fmt.Sprintf("invalid operation: %v", err))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, NewQueueError("queue closed")
	}
	if op.IdempotencyKey != "" {
		if id, ok := q.keys[op.IdempotencyKey]; ok {
			q.logger.Debug("operation deduplicated", "key", op.IdempotencyKey, "id", id)
			return id, nil
		}
	}
	if len(q.ops) >= q.maxSize {
		return 0, NewQueueError("queue size limit exceeded")
	}

	op.ID = q.nextID
	q.nextID++
	if op.Timestamp == 0 {
		op.Timestamp = q.now().UnixMilli()
	}
	if op.IdempotencyKey != "" {
		q.keys[op.IdempotencyKey] = op.ID
	}
	q.ops = append(q.ops, op)
	q.logger.Debug("operation enqueued", "op", op.String())

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return op.ID, nil
}

// Dequeue removes and returns the oldest operation.
func (q *OperationQueue) Dequeue() (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) == 0 {
		return Operation{}, false
	}
	op := q.ops[0]
	q.ops[0] = Operation{}
	q.ops = q.ops[1:]
	if len(q.ops) == 0 {
		q.ops = nil
	}
	q.forgetKey(op)
	return op, true
}

// Peek returns the oldest operation without removing it.
func (q *OperationQueue) Peek() (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) == 0 {
		return Operation{}, false
	}
	return q.ops[0], true
}

// Len returns the number of queued operations.
func (q *OperationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// IsEmpty reports whether nothing is queued.
func (q *OperationQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Clear drops every queued operation. The id counter keeps advancing.
func (q *OperationQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = nil
	q.keys = make(map[string]uint64)
}

// List returns a copy of the queue in FIFO order.
func (q *OperationQueue) List() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Operation(nil), q.ops...)
}

// FilterByDocument returns the queued operations for id in FIFO order
// without removing them.
func (q *OperationQueue) FilterByDocument(id ident.DocumentID) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Operation
	for _, op := range q.ops {
		if op.DocumentID == id {
			out = append(out, op)
		}
	}
	return out
}

// RemoveByDocument drops every queued operation for id and returns how
// many were removed.
func (q *OperationQueue) RemoveByDocument(id ident.DocumentID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.ops[:0]
	removed := 0
	for _, op := range q.ops {
		if op.DocumentID == id {
			q.forgetKey(op)
			removed++
			continue
		}
		kept = append(kept, op)
	}
	for i := len(kept); i < len(q.ops); i++ {
		q.ops[i] = Operation{}
	}
	q.ops = kept
	return removed
}

// Retry re-enqueues op at the back with RetryCount+1 and a new id.
func (q *OperationQueue) Retry(op Operation) (uint64, error) {
	op.RetryCount++
	return q.Enqueue(op)
}

// Wait returns a channel that receives after an Enqueue. The channel is
// closed when the queue is closed. Wakeups coalesce, so consumers should
// drain with Dequeue until empty.
func (q *OperationQueue) Wait() <-chan struct{} {
	return q.signal
}

// Close stops further enqueues and wakes waiters. Queued operations stay
// readable.
func (q *OperationQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// queueFile is the serialized form of the queue.
type queueFile struct {
	NextID     uint64      `json:"next_id"`
	Operations []Operation `json:"operations"`
}

// Serialize encodes the queue, including the id counter, as JSON.
func (q *OperationQueue) Serialize() ([]byte, error) {
	q.mu.Lock()
	file := queueFile{NextID: q.nextID, Operations: append([]Operation{}, q.ops...)}
	q.mu.Unlock()

	data, err := json.Marshal(file)
	if err != nil {
		return nil, NewSerializationError("encode queue", err)
	}
	return data, nil
}

// Deserialize replaces the queue's contents with data from Serialize.
// A bare JSON array of operations is accepted too; the id counter then
// resumes after the largest id seen. On error the queue is unchanged.
func (q *OperationQueue) Deserialize(data []byte) error {
	var file queueFile
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &file.Operations); err != nil {
			return NewSerializationError("decode queue", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil {
			return NewSerializationError("decode queue", err)
		}
	}

	keys := make(map[string]uint64, len(file.Operations))
	next := file.NextID
	for i, op := range file.Operations {
		if err := op.validate(); err != nil {
			return NewSerializationError(fmt.Sprintf("operation %d", i), err)
		}
		if op.ID >= next {
			next = op.ID + 1
		}
		if op.IdempotencyKey != "" {
			keys[op.IdempotencyKey] = op.ID
		}
	}
	if next == 0 {
		next = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = file.Operations
	q.keys = keys
	q.nextID = next
	return nil
}

// forgetKey releases op's idempotency key if op still holds it.
// Caller MUST hold q.mu.
func (q *OperationQueue) forgetKey(op Operation) {
	if op.IdempotencyKey == "" {
		return
	}
	if id, ok := q.keys[op.IdempotencyKey]; ok && id == op.ID {
		delete(q.keys, op.IdempotencyKey)
	}
}
