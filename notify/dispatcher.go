package notify

import (
	"log/slog"
	"sync"
)

// queueSize is the bounded channel capacity for pending notifications.
const queueSize = 1024

// Dispatcher decouples notification delivery from the caller. Notify
// enqueues non-blockingly into a bounded channel; a background goroutine
// hands each notification to the underlying sink. When the queue is full
// the notification is dropped with a warning — a slow notification
// channel must never stall an authentication ceremony.
type Dispatcher struct {
	sink   Notifier
	queue  chan Notification
	wg     sync.WaitGroup
	closed sync.Once
}

// NewDispatcher wraps sink and starts the delivery loop.
func NewDispatcher(sink Notifier) *Dispatcher {
	d := &Dispatcher{
		sink:  sink,
		queue: make(chan Notification, queueSize),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Notify enqueues n for delivery. Never blocks.
func (d *Dispatcher) Notify(n Notification) {
	select {
	case d.queue <- n:
	default:
		slog.Warn("notify: queue full, dropping notification", "kind", string(n.Kind), "user_id", n.UserID)
	}
}

// Close drains the queue and stops the delivery loop.
func (d *Dispatcher) Close() {
	d.closed.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for n := range d.queue {
		d.sink.Notify(n)
	}
}
