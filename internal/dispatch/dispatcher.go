// Package dispatch fans decoded snoop records out to registered consumers.
package dispatch

import (
	"sync"

	"hexlab.xyz/bluetap/internal/log"
	"hexlab.xyz/bluetap/internal/snoop"
)

// Filter decides whether a queue consumer wants a record. A nil Filter
// accepts everything.
type Filter func(*snoop.Record) bool

// Callback receives every record synchronously on the receive-loop worker.
// A panicking callback is isolated and logged; it cannot stop the loop or
// starve other consumers.
type Callback func(*snoop.Record)

// Queue is a capacity-bounded subscriber. When its channel is full at
// dispatch time, the record is dropped for this subscriber only.
type Queue struct {
	id     uint64
	filter Filter
	ch     chan *snoop.Record
}

// Records returns the channel delivering matching records.
func (q *Queue) Records() <-chan *snoop.Record { return q.ch }

// CallbackHandle identifies a registered callback for removal.
type CallbackHandle uint64

type callbackEntry struct {
	id uint64
	fn Callback
}

// Dispatcher holds the consumer registry. Subscribe/unsubscribe may be called
// concurrently with Dispatch; Dispatch iterates a consistent snapshot taken
// under the read lock, so it never observes a half-updated set.
type Dispatcher struct {
	mu        sync.RWMutex
	nextID    uint64
	queues    []*Queue
	callbacks []callbackEntry
	queueSize int
}

// New creates a dispatcher whose queue subscribers hold up to queueSize
// records each.
func New(queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Dispatcher{queueSize: queueSize}
}

// Subscribe registers a queue consumer. filter may be nil.
func (d *Dispatcher) Subscribe(filter Filter) *Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	q := &Queue{
		id:     d.nextID,
		filter: filter,
		ch:     make(chan *snoop.Record, d.queueSize),
	}
	d.queues = append(d.queues, q)
	return q
}

// SubscribeBuffered registers a queue consumer with an explicit capacity.
func (d *Dispatcher) SubscribeBuffered(filter Filter, capacity int) *Queue {
	if capacity <= 0 {
		capacity = d.queueSize
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	q := &Queue{
		id:     d.nextID,
		filter: filter,
		ch:     make(chan *snoop.Record, capacity),
	}
	d.queues = append(d.queues, q)
	return q
}

// Unsubscribe removes a queue consumer. Records already queued stay readable.
func (d *Dispatcher) Unsubscribe(q *Queue) {
	if q == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.queues {
		if cur.id == q.id {
			d.queues = append(d.queues[:i], d.queues[i+1:]...)
			return
		}
	}
}

// OnRecord registers a callback consumer, invoked in registration order.
func (d *Dispatcher) OnRecord(fn Callback) CallbackHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.callbacks = append(d.callbacks, callbackEntry{id: d.nextID, fn: fn})
	return CallbackHandle(d.nextID)
}

// RemoveCallback removes a previously registered callback.
func (d *Dispatcher) RemoveCallback(h CallbackHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.callbacks {
		if cur.id == uint64(h) {
			d.callbacks = append(d.callbacks[:i], d.callbacks[i+1:]...)
			return
		}
	}
}

// Dispatch delivers rec to every matching queue consumer (non-blocking; a
// full queue sheds the record for that consumer only) and then to every
// callback consumer. The producer never stalls on a slow consumer.
func (d *Dispatcher) Dispatch(rec *snoop.Record) {
	d.mu.RLock()
	queues := make([]*Queue, len(d.queues))
	copy(queues, d.queues)
	callbacks := make([]callbackEntry, len(d.callbacks))
	copy(callbacks, d.callbacks)
	d.mu.RUnlock()

	for _, q := range queues {
		if q.filter != nil && !q.filter(rec) {
			continue
		}
		select {
		case q.ch <- rec:
		default:
			log.GetLogger().Warnf("dispatch: consumer queue %d full, dropping record", q.id)
		}
	}

	for _, cb := range callbacks {
		invoke(cb, rec)
	}
}

func invoke(cb callbackEntry, rec *snoop.Record) {
	defer func() {
		if r := recover(); r != nil {
			log.GetLogger().Errorf("dispatch: callback %d panicked: %v", cb.id, r)
		}
	}()
	cb.fn(rec)
}
