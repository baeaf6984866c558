// Package pktqueue implements a CoDel-managed queue of IP packets: fair,
// delay-sensitive, and self-shedding under overload. It backs both the
// TUN handler's user/network queues and any other component that needs
// total-ordered, bufferbloat-resistant packet delivery.
package pktqueue

import (
	"container/heap"
	"time"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Packet is anything the queue can hold: raw bytes plus the time it was
// enqueued, used both for max-age eviction and CoDel's delay-based drop.
type Packet struct {
	Data      []byte
	Enqueued  time.Time
	UserField any // opaque caller payload, e.g. a sequence number
}

// Less is a total-order comparator over two packets, supplied by the
// caller so the queue can produce the correct egress order from
// multiple concurrent sources (e.g. TUN's smallest-seqno-first reorder).
type Less func(a, b *Packet) bool

// Policy configures the queue's drop behavior. It is supplied once at
// construction rather than via compile-time generics or functor
// templates, per the design notes: "a single concrete type with a
// construction-time policy object."
type Policy struct {
	// MaxSize is the queue-depth threshold beyond which the
	// highest-delay packet is dropped on the next enqueue.
	MaxSize int
	// MaxAge is the maximum time a packet may sit queued before it is
	// dropped outright as stale.
	MaxAge time.Duration
}

// DefaultPolicy mirrors the constants used by the reference daemon: a
// modest depth bound and a five-second age cutoff for interactive IP
// traffic.
var DefaultPolicy = Policy{
	MaxSize: 1024,
	MaxAge:  5 * time.Second,
}

// Queue is a CoDel-style priority queue of packets ordered by a
// caller-supplied comparator.
type Queue struct {
	policy Policy
	less   Less
	items  *packetHeap
	now    func() time.Time

	dropped int64
}

// New creates a Queue using the given policy and ordering comparator.
// A zero Policy falls back to DefaultPolicy; a nil comparator orders by
// enqueue time (FIFO).
func New(policy Policy, less Less) *Queue {
	if policy.MaxSize <= 0 {
		policy = DefaultPolicy
	}
	if less == nil {
		less = func(a, b *Packet) bool { return a.Enqueued.Before(b.Enqueued) }
	}
	return &Queue{
		policy: policy,
		less:   less,
		items:  &packetHeap{},
		now:    time.Now,
	}
}

// packetHeap is a container/heap over pointers to Packet, ordered by a
// copy of the enclosing Queue's Less comparator.
type packetHeap struct {
	data []*Packet
	less Less
}

func (h packetHeap) Len() int            { return len(h.data) }
func (h packetHeap) Less(i, j int) bool  { return h.less(h.data[i], h.data[j]) }
func (h packetHeap) Swap(i, j int)       { h.data[i], h.data[j] = h.data[j], h.data[i] }
func (h *packetHeap) Push(x interface{}) { h.data = append(h.data, x.(*Packet)) }
func (h *packetHeap) Pop() interface{} {
	n := len(h.data)
	item := h.data[n-1]
	h.data[n-1] = nil
	h.data = h.data[:n-1]
	return item
}

// Enqueue adds pkt to the queue, stamping its enqueue time if unset,
// dropping stale packets and shedding the oldest-delay packet if the
// queue is over its depth threshold.
func (q *Queue) Enqueue(pkt *Packet) {
	if q.items.less == nil {
		q.items.less = q.less
	}
	if pkt.Enqueued.IsZero() {
		pkt.Enqueued = q.now()
	}
	q.evictStale()
	if q.items.Len() >= q.policy.MaxSize {
		q.dropOldestDelay()
	}
	heap.Push(q.items, pkt)
}

// evictStale drops every packet older than MaxAge. CoDel-style queues
// bound latency, not just depth, so a burst of stale traffic is purged
// even under the size threshold.
func (q *Queue) evictStale() {
	if q.policy.MaxAge <= 0 {
		return
	}
	cutoff := q.now().Add(-q.policy.MaxAge)
	kept := q.items.data[:0]
	for _, p := range q.items.data {
		if p.Enqueued.Before(cutoff) {
			q.dropped++
			continue
		}
		kept = append(kept, p)
	}
	q.items.data = kept
	heap.Init(q.items)
}

// dropOldestDelay removes the single packet with the highest queueing
// delay (the oldest Enqueued timestamp), the CoDel "drop-on-overload"
// policy.
func (q *Queue) dropOldestDelay() {
	if q.items.Len() == 0 {
		return
	}
	worst := 0
	for i := 1; i < q.items.Len(); i++ {
		if q.items.data[i].Enqueued.Before(q.items.data[worst].Enqueued) {
			worst = i
		}
	}
	heap.Remove(q.items, worst)
	q.dropped++
	log.WithFields(logger.Fields{
		"at":     "(Queue) dropOldestDelay",
		"reason": "queue_overload",
		"size":   q.policy.MaxSize,
	}).Debug("dropped highest-delay packet")
}

// DrainWith calls fn on every queued packet in comparator order and
// clears the queue.
func (q *Queue) DrainWith(fn func(*Packet)) {
	for q.items.Len() > 0 {
		p := heap.Pop(q.items).(*Packet)
		fn(p)
	}
}

// Size reports the number of packets currently queued.
func (q *Queue) Size() int {
	return q.items.Len()
}

// Dropped reports the cumulative count of packets shed by either policy.
func (q *Queue) Dropped() int64 {
	return q.dropped
}
