package stream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	errDispatchKeyNil      = errors.New("dispatch key is nil")
	errDispatchHandlerNil  = errors.New("dispatch handler is nil")
	errDispatchRouteExists = errors.New("dispatch route already exists")
)

// dispatchWorker owns one subscription's delivery queue. Payloads are handed
// to fn in arrival order on a dedicated goroutine so a slow consumer only
// stalls its own subscription.
type dispatchWorker struct {
	ch        chan any
	fn        func(any)
	dropped   int
	saturated bool
}

// dispatcher fans parsed payloads out to per-subscription workers. Queues are
// bounded; when one fills, the oldest queued payload is discarded so the
// newest data wins.
type dispatcher struct {
	mu        sync.Mutex
	workers   map[any]*dispatchWorker
	queueSize int
	events    chan<- any
	log       zerolog.Logger
}

func newDispatcher(queueSize int, events chan<- any, log zerolog.Logger) *dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultDispatchQueueSize
	}
	return &dispatcher{
		workers:   make(map[any]*dispatchWorker),
		queueSize: queueSize,
		events:    events,
		log:       log,
	}
}

// add registers a delivery route for key and spawns its worker. fn must
// return promptly once the route is removed or stop will not complete.
func (d *dispatcher) add(key any, fn func(any)) error {
	if key == nil {
		return errDispatchKeyNil
	}
	if fn == nil {
		return fmt.Errorf("%w: %v", errDispatchHandlerNil, key)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.workers[key]; ok {
		return fmt.Errorf("%w: %v", errDispatchRouteExists, key)
	}
	w := &dispatchWorker{ch: make(chan any, d.queueSize), fn: fn}
	d.workers[key] = w
	go func() {
		for data := range w.ch {
			w.fn(data)
		}
	}()
	return nil
}

// deliver routes data to the worker registered at key, discarding the oldest
// queued payload when the queue is full. A saturation episode logs once when
// it starts and emits a DroppedMessageWarning when delivery recovers.
func (d *dispatcher) deliver(key, data any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.workers[key]
	if !ok {
		return fmt.Errorf("%w: %v", ErrRequestRouteNotFound, key)
	}
	droppedNow := false
	for {
		select {
		case w.ch <- data:
			if w.saturated && !droppedNow {
				// The queue had headroom again, close out the episode
				select {
				case d.events <- DroppedMessageWarning{Key: key, Dropped: w.dropped}:
				default:
				}
				w.dropped = 0
				w.saturated = false
			}
			return nil
		default:
		}
		select {
		case <-w.ch:
			droppedNow = true
			w.dropped++
			if !w.saturated {
				w.saturated = true
				d.log.Warn().Interface("key", key).Int("queue_size", d.queueSize).Msg("slow subscription consumer; dropping oldest payloads")
			}
		default:
			// Worker drained the queue between selects, retry the send
		}
	}
}

// remove tears down the route at key. The worker drains its remaining queue
// then exits, so in-flight deliveries may complete after remove returns.
func (d *dispatcher) remove(key any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.workers[key]
	if !ok {
		return fmt.Errorf("%w: %v", ErrRequestRouteNotFound, key)
	}
	delete(d.workers, key)
	close(w.ch)
	return nil
}

// stop removes every route. Workers exit once their queues drain.
func (d *dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, w := range d.workers {
		delete(d.workers, key)
		close(w.ch)
	}
}
