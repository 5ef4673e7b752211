package realtime

import (
	"cmp"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// DefaultQueueLimit caps the outbound queue when Config.QueueLimit is zero.
const DefaultQueueLimit = 1000

// OverflowPolicy decides what happens when the outbound queue is full.
type OverflowPolicy int

const (
	// OverflowEvictLowest drops the oldest message of the lowest queued
	// priority. A new message ranked below everything queued is refused.
	OverflowEvictLowest OverflowPolicy = iota
	// OverflowReject refuses new messages while the queue is full.
	OverflowReject
)

// QueuedMessage is an outbound message waiting for a connection.
type QueuedMessage struct {
	EnqueuedAt    time.Time
	ID            string
	Type          string
	CorrelationID string
	Data          json.RawMessage
	Priority      int
	seq           uint64
}

func (m QueuedMessage) clone() QueuedMessage {
	if m.Data != nil {
		m.Data = slices.Clone(m.Data)
	}
	return m
}

func (m QueuedMessage) frame() ([]byte, error) {
	return json.Marshal(Envelope{
		Type: m.Type,
		Data: m.Data,
		Meta: &Meta{ID: m.ID, CorrelationID: m.CorrelationID, Timestamp: m.EnqueuedAt.UnixMilli()},
	})
}

// drainOrder sorts by priority descending, then enqueue time, then insertion order.
func drainOrder(a, b QueuedMessage) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

// outboundQueue keeps messages sorted in drain order.
type outboundQueue struct {
	items  []QueuedMessage
	seq    uint64
	limit  int
	policy OverflowPolicy
	mu     sync.Mutex
}

func newOutboundQueue(limit int, policy OverflowPolicy) *outboundQueue {
	return &outboundQueue{limit: limit, policy: policy}
}

// push inserts m. It reports whether m was stored and returns the message
// evicted to make room, if any.
func (q *outboundQueue) push(m QueuedMessage) (stored bool, evicted *QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	m.seq = q.seq

	if q.limit > 0 && len(q.items) >= q.limit {
		if q.policy == OverflowReject {
			return false, nil
		}
		lowest := q.items[len(q.items)-1].Priority
		if m.Priority < lowest {
			return false, nil
		}
		// The lowest band is sorted oldest first.
		i := slices.IndexFunc(q.items, func(x QueuedMessage) bool { return x.Priority == lowest })
		oldest := q.items[i]
		q.items = slices.Delete(q.items, i, i+1)
		evicted = &oldest
	}

	i, _ := slices.BinarySearchFunc(q.items, m, drainOrder)
	q.items = slices.Insert(q.items, i, m)
	return true, evicted
}

// peek returns the next message in drain order without removing it.
func (q *outboundQueue) peek() (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueuedMessage{}, false
	}
	return q.items[0], true
}

// remove deletes the message with the given id.
func (q *outboundQueue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.IndexFunc(q.items, func(m QueuedMessage) bool { return m.ID == id })
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	return true
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outboundQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// snapshot returns deep copies in drain order.
func (q *outboundQueue) snapshot() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedMessage, len(q.items))
	for i, m := range q.items {
		out[i] = m.clone()
	}
	return out
}
